package models

import "time"

// LabelSource values reported by devices in the sample envelope.
const (
	LabelSourceModel      = 0
	LabelSourceOperator   = 1
	LabelSourceCalibrated = 2
)

// FaultLabels maps class indices to the fault names used across the fleet.
var FaultLabels = map[int]string{
	0: "Normal",
	1: "Imbalance",
	2: "Misalignment",
	3: "Bearing Fault",
	4: "Looseness",
}

// FaultLabelName returns the display name for a class index.
func FaultLabelName(label int) string {
	if name, ok := FaultLabels[label]; ok {
		return name
	}
	return "Unknown"
}

// Sample is one device-submitted feature vector with the edge model's
// prediction. Owned by the sample store; TrueLabel is set once by labeling.
type Sample struct {
	ID              int64     `json:"sample_id" db:"id"`
	DeviceID        string    `json:"device_id" db:"device_id"`
	Features        []float64 `json:"features"`
	PredictedLabel  int       `json:"predicted_label" db:"predicted_label"`
	Confidence      float64   `json:"confidence" db:"confidence"`
	LabelSource     int       `json:"label_source" db:"label_source"`
	ObservedAt      int64     `json:"timestamp" db:"observed_at"`
	ReceivedAt      time.Time `json:"received_at" db:"received_at"`
	TrueLabel       *int      `json:"true_label,omitempty" db:"true_label"`
	UsedForTraining bool      `json:"used_for_training" db:"used_for_training"`
}

// TrainingLabel is the ground truth used when building a training dataset.
// Samples without an adjudicated label fall back to the model's own
// prediction.
func (s *Sample) TrainingLabel() int {
	if s.TrueLabel != nil {
		return *s.TrueLabel
	}
	return s.PredictedLabel
}

// SampleEnvelope is the ingestion boundary payload, submittable individually
// or batched under a shared device id.
type SampleEnvelope struct {
	DeviceID       string    `json:"device_id"`
	Features       []float64 `json:"features"`
	PredictedLabel int       `json:"predicted_label"`
	Confidence     float64   `json:"confidence"`
	LabelSource    int       `json:"label_source"`
	Timestamp      int64     `json:"timestamp"`
	TrueLabel      *int      `json:"true_label,omitempty"`
}

// SampleBatch is a batched ingestion request.
type SampleBatch struct {
	DeviceID string           `json:"device_id"`
	Samples  []SampleEnvelope `json:"samples"`
}

// DeviceSummary is a per-device aggregate, upserted as samples arrive.
type DeviceSummary struct {
	DeviceID       string     `json:"device_id" db:"device_id"`
	TotalSamples   int        `json:"total_samples" db:"total_samples"`
	LabeledSamples int        `json:"labeled_samples" db:"labeled_samples"`
	LastSeen       *time.Time `json:"last_seen" db:"last_seen"`
	ModelVersion   string     `json:"model_version" db:"model_version"`
}

// StatsSummary aggregates the sample store for dashboards and the
// retraining policy.
type StatsSummary struct {
	TotalSamples    int     `json:"total_samples"`
	LabeledSamples  int     `json:"labeled_samples"`
	UnlabeledCount  int     `json:"unlabeled_samples"`
	TotalDevices    int     `json:"total_devices"`
	UsedForTraining int     `json:"used_for_training"`
	LabelingRate    float64 `json:"labeling_rate"`
}
