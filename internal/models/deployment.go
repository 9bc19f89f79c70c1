package models

import "time"

// DeploymentStatus is the lifecycle of one rollout episode.
type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentRollingOut DeploymentStatus = "rolling_out"
	DeploymentCompleted  DeploymentStatus = "completed"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
)

// DeviceUpdateStatus is the per-device rollout state reported back by the
// fleet. Unknown status strings map to failed.
type DeviceUpdateStatus string

const (
	DeviceUpdateNotified    DeviceUpdateStatus = "notified"
	DeviceUpdateDownloading DeviceUpdateStatus = "downloading"
	DeviceUpdateInstalling  DeviceUpdateStatus = "installing"
	DeviceUpdateCompleted   DeviceUpdateStatus = "completed"
	DeviceUpdateFailed      DeviceUpdateStatus = "failed"
)

// ParseDeviceUpdateStatus maps a reported status string onto a known state.
func ParseDeviceUpdateStatus(s string) DeviceUpdateStatus {
	switch DeviceUpdateStatus(s) {
	case DeviceUpdateNotified, DeviceUpdateDownloading, DeviceUpdateInstalling,
		DeviceUpdateCompleted, DeviceUpdateFailed:
		return DeviceUpdateStatus(s)
	}
	return DeviceUpdateFailed
}

// Terminal reports whether the device has resolved its rollout.
func (s DeviceUpdateStatus) Terminal() bool {
	return s == DeviceUpdateCompleted || s == DeviceUpdateFailed
}

// DeployedModel is one versioned model artifact in the registry. At most one
// model is the production model at any time.
type DeployedModel struct {
	Version      string            `json:"version"`
	ArtifactPath string            `json:"file_path"`
	SizeBytes    int64             `json:"size_bytes"`
	HashSHA256   string            `json:"hash_sha256"`
	CreatedAt    time.Time         `json:"created_at"`
	DeployedAt   *time.Time        `json:"deployed_at,omitempty"`
	Accuracy     float64           `json:"accuracy"`
	IsProduction bool              `json:"is_production"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// DeploymentJob is one rollout episode. The job completes once every target
// device has resolved; per-device failures are counted, not escalated.
type DeploymentJob struct {
	DeploymentID  string           `json:"deployment_id"`
	ModelVersion  string           `json:"model_version"`
	TargetDevices []string         `json:"target_devices"`
	Status        DeploymentStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	SuccessCount  int              `json:"success_count"`
	FailureCount  int              `json:"failure_count"`
}

// DeviceDeployment is the active rollout record for one device, overwritten
// by each new rollout that targets it.
type DeviceDeployment struct {
	DeviceID       string             `json:"device_id"`
	TargetVersion  string             `json:"target_version"`
	CurrentVersion string             `json:"current_version"`
	Status         DeviceUpdateStatus `json:"status"`
	NotifiedAt     *time.Time         `json:"notified_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	ErrorMessage   string             `json:"error_message,omitempty"`
}

// UpdateNotification is the outbound model-update message pushed to a device.
type UpdateNotification struct {
	Type        string  `json:"type"`
	Version     string  `json:"version"`
	Size        int64   `json:"size"`
	Hash        string  `json:"hash"`
	Accuracy    float64 `json:"accuracy"`
	DownloadURL string  `json:"download_url"`
}

// DeviceStatusReport is the inbound rollout progress report from a device.
type DeviceStatusReport struct {
	Status         string `json:"status"`
	CurrentVersion string `json:"current_version,omitempty"`
	Error          string `json:"error,omitempty"`
}
