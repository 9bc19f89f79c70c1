package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleet-control/internal/models"
)

var (
	ErrUnknownVersion   = errors.New("unknown model version")
	ErrVersionExists    = errors.New("model version already registered")
	ErrArtifactMissing  = errors.New("model artifact not found")
	ErrUnknownDevice    = errors.New("device has no deployment record")
	ErrNoRollbackTarget = errors.New("no previous deployed version to roll back to")
)

// Notifier pushes a model-update notification to one device. Delivery
// failures are logged by the registry, not retried.
type Notifier interface {
	NotifyUpdate(ctx context.Context, deviceID string, notification models.UpdateNotification) error
}

// DeviceDirectory resolves the fleet when a rollout has no explicit target
// list, and records which version each device ends up running.
type DeviceDirectory interface {
	ListDeviceIDs() ([]string, error)
	SetDeviceModelVersion(deviceID, version string) error
}

// Registry is the versioned model catalog. It copies artifacts into managed
// storage, tracks the single production version, and runs staged rollouts
// with per-device bookkeeping. The version catalog is persisted as a JSON
// document and reloaded on construction.
type Registry struct {
	modelsDir    string
	registryFile string
	logger       *zap.Logger
	notifier     Notifier
	devices      DeviceDirectory

	// OnDeploymentCompleted is invoked after a rollout's last device
	// resolves. Optional.
	OnDeploymentCompleted func(*models.DeploymentJob)

	mu                sync.Mutex
	models            map[string]*models.DeployedModel
	productionVersion string
	deployments       map[string]*models.DeploymentJob
	deviceStatus      map[string]*models.DeviceDeployment
}

// NewRegistry creates a registry rooted at modelsDir, reloading any
// previously persisted catalog.
func NewRegistry(modelsDir string, notifier Notifier, devices DeviceDirectory, logger *zap.Logger) (*Registry, error) {
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}

	r := &Registry{
		modelsDir:    modelsDir,
		registryFile: filepath.Join(modelsDir, "registry.json"),
		logger:       logger,
		notifier:     notifier,
		devices:      devices,
		models:       make(map[string]*models.DeployedModel),
		deployments:  make(map[string]*models.DeploymentJob),
		deviceStatus: make(map[string]*models.DeviceDeployment),
	}
	if err := r.loadRegistry(); err != nil {
		return nil, err
	}
	return r, nil
}

type registryDocument struct {
	Models            map[string]*models.DeployedModel `json:"models"`
	ProductionVersion string                           `json:"production_version"`
}

func (r *Registry) loadRegistry() error {
	data, err := os.ReadFile(r.registryFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read registry document: %w", err)
	}

	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to decode registry document: %w", err)
	}

	for version, model := range doc.Models {
		model.Version = version
		r.models[version] = model
		if model.IsProduction {
			r.productionVersion = version
		}
	}
	r.logger.Info("Model registry loaded",
		zap.Int("versions", len(r.models)),
		zap.String("production", r.productionVersion))
	return nil
}

// saveRegistry must be called with the lock held.
func (r *Registry) saveRegistry() {
	doc := registryDocument{
		Models:            r.models,
		ProductionVersion: r.productionVersion,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		r.logger.Error("Failed to encode registry document", zap.Error(err))
		return
	}
	if err := os.WriteFile(r.registryFile, data, 0o644); err != nil {
		r.logger.Error("Failed to write registry document", zap.Error(err))
	}
}

// RegisterModel copies the artifact into managed storage, hashes it, and
// records the version. Fails if the version exists or the artifact is
// missing.
func (r *Registry) RegisterModel(artifactPath, version string, accuracy float64, metadata map[string]string) (*models.DeployedModel, error) {
	src, err := os.Open(artifactPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, artifactPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer src.Close()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.models[version]; ok {
		return nil, fmt.Errorf("%w: %s", ErrVersionExists, version)
	}

	destPath := filepath.Join(r.modelsDir, fmt.Sprintf("model_%s.tflite", version))
	dest, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create managed artifact: %w", err)
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(dest, hash), src)
	if closeErr := dest.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(destPath)
		return nil, fmt.Errorf("failed to copy artifact: %w", err)
	}

	model := &models.DeployedModel{
		Version:      version,
		ArtifactPath: destPath,
		SizeBytes:    size,
		HashSHA256:   hex.EncodeToString(hash.Sum(nil)),
		CreatedAt:    time.Now().UTC(),
		Accuracy:     accuracy,
		Metadata:     metadata,
	}
	r.models[version] = model
	r.saveRegistry()

	r.logger.Info("Registered model",
		zap.String("version", version),
		zap.Int64("size_bytes", size),
		zap.Float64("accuracy", accuracy))
	return cloneModel(model), nil
}

// Deploy promotes the version to production and starts a rollout to the
// target devices (the whole known fleet when targets is empty). Every target
// is recorded as notified even when delivery fails; delivery itself runs
// concurrently and is not retried.
func (r *Registry) Deploy(version string, targetDevices []string) (string, error) {
	r.mu.Lock()

	model, ok := r.models[version]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownVersion, version)
	}

	deployment := &models.DeploymentJob{
		DeploymentID:  "deploy_" + uuid.New().String(),
		ModelVersion:  version,
		TargetDevices: targetDevices,
		Status:        models.DeploymentPending,
		CreatedAt:     time.Now().UTC(),
	}
	r.deployments[deployment.DeploymentID] = deployment

	// Promote: demote the prior production version and stamp deployed_at
	// in the same critical section, so there is never more than one
	// production model.
	if r.productionVersion != "" {
		if prior, ok := r.models[r.productionVersion]; ok {
			prior.IsProduction = false
		}
	}
	now := time.Now().UTC()
	model.IsProduction = true
	model.DeployedAt = &now
	r.productionVersion = version
	r.saveRegistry()

	deployment.Status = models.DeploymentRollingOut
	notification := models.UpdateNotification{
		Type:        "model_update",
		Version:     version,
		Size:        model.SizeBytes,
		Hash:        model.HashSHA256,
		Accuracy:    model.Accuracy,
		DownloadURL: fmt.Sprintf("/api/v1/models/%s/download", version),
	}

	devices := r.resolveTargetsLocked(targetDevices)
	notifiedAt := time.Now().UTC()
	for _, deviceID := range devices {
		r.deviceStatus[deviceID] = &models.DeviceDeployment{
			DeviceID:      deviceID,
			TargetVersion: version,
			Status:        models.DeviceUpdateNotified,
			NotifiedAt:    &notifiedAt,
		}
	}
	r.mu.Unlock()

	for _, deviceID := range devices {
		go r.notifyDevice(deviceID, notification)
	}

	r.logger.Info("Started rollout",
		zap.String("deployment_id", deployment.DeploymentID),
		zap.String("version", version),
		zap.Int("devices", len(devices)))
	return deployment.DeploymentID, nil
}

// resolveTargetsLocked must be called with the lock held.
func (r *Registry) resolveTargetsLocked(targetDevices []string) []string {
	if len(targetDevices) > 0 {
		return targetDevices
	}
	if r.devices != nil {
		ids, err := r.devices.ListDeviceIDs()
		if err != nil {
			r.logger.Error("Failed to list fleet devices, falling back to previously seen devices", zap.Error(err))
		} else if len(ids) > 0 {
			return ids
		}
	}
	ids := make([]string, 0, len(r.deviceStatus))
	for deviceID := range r.deviceStatus {
		ids = append(ids, deviceID)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) notifyDevice(deviceID string, notification models.UpdateNotification) {
	if r.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := r.notifier.NotifyUpdate(ctx, deviceID, notification); err != nil {
		r.logger.Error("Failed to notify device of model update",
			zap.String("device_id", deviceID),
			zap.String("version", notification.Version),
			zap.Error(err))
	}
}

// ReportDeviceStatus advances a device's rollout record. Unknown status
// strings map to failed. When the device resolves, the owning rollout's
// accounting is recomputed; once no device is pending the rollout completes,
// regardless of how many devices failed.
func (r *Registry) ReportDeviceStatus(deviceID, status, currentVersion, errorMessage string) error {
	r.mu.Lock()

	device, ok := r.deviceStatus[deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	device.Status = models.ParseDeviceUpdateStatus(status)
	if currentVersion != "" {
		device.CurrentVersion = currentVersion
	}
	if errorMessage != "" {
		device.ErrorMessage = errorMessage
	}

	var completed []*models.DeploymentJob
	if device.Status.Terminal() {
		if device.Status == models.DeviceUpdateCompleted {
			now := time.Now().UTC()
			device.CompletedAt = &now
		}
		completed = r.checkDeploymentCompletionLocked()
	}
	resolvedVersion := ""
	if device.Status == models.DeviceUpdateCompleted && device.CurrentVersion != "" {
		resolvedVersion = device.CurrentVersion
	}
	r.mu.Unlock()

	if resolvedVersion != "" && r.devices != nil {
		if err := r.devices.SetDeviceModelVersion(deviceID, resolvedVersion); err != nil {
			r.logger.Error("Failed to record device model version",
				zap.String("device_id", deviceID), zap.Error(err))
		}
	}
	for _, deployment := range completed {
		if r.OnDeploymentCompleted != nil {
			r.OnDeploymentCompleted(deployment)
		}
	}
	return nil
}

// checkDeploymentCompletionLocked must be called with the lock held. Returns
// copies of the deployments that just completed.
func (r *Registry) checkDeploymentCompletionLocked() []*models.DeploymentJob {
	var justCompleted []*models.DeploymentJob
	for _, deployment := range r.deployments {
		if deployment.Status != models.DeploymentRollingOut {
			continue
		}

		devices := deployment.TargetDevices
		if len(devices) == 0 {
			devices = make([]string, 0, len(r.deviceStatus))
			for deviceID := range r.deviceStatus {
				devices = append(devices, deviceID)
			}
		}

		var success, failure, pending int
		for _, deviceID := range devices {
			device, ok := r.deviceStatus[deviceID]
			if !ok {
				continue
			}
			switch device.Status {
			case models.DeviceUpdateCompleted:
				success++
			case models.DeviceUpdateFailed:
				failure++
			default:
				pending++
			}
		}

		deployment.SuccessCount = success
		deployment.FailureCount = failure
		if pending == 0 {
			// A rollout with failures still completes; the counts
			// are the user-visible signal.
			deployment.Status = models.DeploymentCompleted
			now := time.Now().UTC()
			deployment.CompletedAt = &now
			justCompleted = append(justCompleted, cloneDeployment(deployment))
			r.logger.Info("Deployment completed",
				zap.String("deployment_id", deployment.DeploymentID),
				zap.Int("success", success),
				zap.Int("failure", failure))
		}
	}
	return justCompleted
}

// Rollback redeploys a previous version. With no explicit version it picks
// the second-most-recently-deployed one; fails when fewer than two versions
// have ever been deployed.
func (r *Registry) Rollback(toVersion string) (string, error) {
	r.mu.Lock()
	if toVersion == "" {
		type deployed struct {
			version string
			at      time.Time
		}
		var history []deployed
		for version, model := range r.models {
			if model.DeployedAt != nil {
				history = append(history, deployed{version, *model.DeployedAt})
			}
		}
		if len(history) < 2 {
			r.mu.Unlock()
			return "", ErrNoRollbackTarget
		}
		sort.Slice(history, func(i, j int) bool { return history[i].at.After(history[j].at) })
		toVersion = history[1].version
	} else if _, ok := r.models[toVersion]; !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownVersion, toVersion)
	}
	r.mu.Unlock()

	r.logger.Info("Rolling back", zap.String("version", toVersion))
	return r.Deploy(toVersion, nil)
}

// ProductionModel returns the current production model, or nil when none has
// been deployed.
func (r *Registry) ProductionModel() *models.DeployedModel {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.productionVersion == "" {
		return nil
	}
	model, ok := r.models[r.productionVersion]
	if !ok {
		return nil
	}
	return cloneModel(model)
}

// ModelInfo returns the catalog entry for a version.
func (r *Registry) ModelInfo(version string) (*models.DeployedModel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	model, ok := r.models[version]
	if !ok {
		return nil, false
	}
	return cloneModel(model), true
}

// ListVersions returns every catalog entry, version strings descending.
func (r *Registry) ListVersions() []*models.DeployedModel {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions := make([]string, 0, len(r.models))
	for version := range r.models {
		versions = append(versions, version)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))

	out := make([]*models.DeployedModel, 0, len(versions))
	for _, version := range versions {
		out = append(out, cloneModel(r.models[version]))
	}
	return out
}

// DeploymentStatus returns one rollout's accounting.
func (r *Registry) DeploymentStatus(deploymentID string) (*models.DeploymentJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deployment, ok := r.deployments[deploymentID]
	if !ok {
		return nil, false
	}
	return cloneDeployment(deployment), true
}

// DeviceDeploymentStatus returns a device's active rollout record.
func (r *Registry) DeviceDeploymentStatus(deviceID string) (*models.DeviceDeployment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.deviceStatus[deviceID]
	if !ok {
		return nil, false
	}
	copied := *device
	if device.NotifiedAt != nil {
		at := *device.NotifiedAt
		copied.NotifiedAt = &at
	}
	if device.CompletedAt != nil {
		at := *device.CompletedAt
		copied.CompletedAt = &at
	}
	return &copied, true
}

// ArtifactPath returns the managed artifact location for a version, for
// download serving.
func (r *Registry) ArtifactPath(version string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	model, ok := r.models[version]
	if !ok {
		return "", false
	}
	return model.ArtifactPath, true
}

func cloneModel(model *models.DeployedModel) *models.DeployedModel {
	copied := *model
	if model.DeployedAt != nil {
		at := *model.DeployedAt
		copied.DeployedAt = &at
	}
	if model.Metadata != nil {
		copied.Metadata = make(map[string]string, len(model.Metadata))
		for k, v := range model.Metadata {
			copied.Metadata[k] = v
		}
	}
	return &copied
}

func cloneDeployment(deployment *models.DeploymentJob) *models.DeploymentJob {
	copied := *deployment
	if deployment.CompletedAt != nil {
		at := *deployment.CompletedAt
		copied.CompletedAt = &at
	}
	copied.TargetDevices = append([]string(nil), deployment.TargetDevices...)
	return &copied
}
