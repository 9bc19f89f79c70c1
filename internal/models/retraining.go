package models

import "time"

// RetrainingStatus is the retraining job state machine. Failed is reachable
// from any non-terminal state.
type RetrainingStatus string

const (
	RetrainingScheduled     RetrainingStatus = "scheduled"
	RetrainingPreparingData RetrainingStatus = "preparing_data"
	RetrainingTraining      RetrainingStatus = "training"
	RetrainingValidating    RetrainingStatus = "validating"
	RetrainingDeploying     RetrainingStatus = "deploying"
	RetrainingCompleted     RetrainingStatus = "completed"
	RetrainingFailed        RetrainingStatus = "failed"
)

// Terminal reports whether the job has finished, successfully or not.
// At most one non-terminal job exists at a time.
func (s RetrainingStatus) Terminal() bool {
	return s == RetrainingCompleted || s == RetrainingFailed
}

// RetrainingJob is one pass through the retraining state machine.
type RetrainingJob struct {
	JobID         string           `json:"job_id"`
	Status        RetrainingStatus `json:"status"`
	TriggeredBy   string           `json:"triggered_by"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	NumSamples    int              `json:"num_samples"`
	TrainAccuracy float64          `json:"train_accuracy"`
	ValAccuracy   float64          `json:"val_accuracy"`
	ModelVersion  string           `json:"model_version,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
}
