package models

import "time"

// TaskPriority orders labeling tasks; higher values are served first.
type TaskPriority int

const (
	PriorityLow    TaskPriority = 1
	PriorityMedium TaskPriority = 2
	PriorityHigh   TaskPriority = 3
	PriorityUrgent TaskPriority = 4
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	}
	return "UNKNOWN"
}

// TaskStatus is the labeling task state. Transitions are monotonic except
// that a labeled task may later be disputed.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskLabeled    TaskStatus = "labeled"
	TaskSkipped    TaskStatus = "skipped"
	TaskDisputed   TaskStatus = "disputed"
)

// Live reports whether the task still occupies its sample: a sample may
// have at most one pending or in-progress task at a time.
func (s TaskStatus) Live() bool {
	return s == TaskPending || s == TaskInProgress
}

// LabelingTask is one human-review unit produced from an unlabeled sample.
type LabelingTask struct {
	TaskID             int64        `json:"task_id"`
	SampleID           int64        `json:"sample_id"`
	DeviceID           string       `json:"device_id"`
	Features           []float64    `json:"features"`
	PredictedLabel     int          `json:"predicted_label"`
	PredictedLabelName string       `json:"predicted_label_name"`
	Confidence         float64      `json:"confidence"`
	Priority           TaskPriority `json:"-"`
	PriorityName       string       `json:"priority"`
	Status             TaskStatus   `json:"status"`
	CreatedAt          time.Time    `json:"created_at"`
	AssignedTo         string       `json:"assigned_to,omitempty"`
	AssignedAt         *time.Time   `json:"assigned_at,omitempty"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
	AssignedLabel      *int         `json:"assigned_label,omitempty"`
	LabelerConfidence  float64      `json:"labeler_confidence"`
	Notes              string       `json:"notes"`
}

// LabelerStats carries running per-labeler counters, updated incrementally
// on each completed task.
type LabelerStats struct {
	Completed      int     `json:"completed"`
	AvgTimeSeconds float64 `json:"avg_time_seconds"`
	AgreementRate  float64 `json:"agreement_rate"`
}

// QueueStats aggregates the labeling queue.
type QueueStats struct {
	TotalTasks            int     `json:"total_tasks"`
	Pending               int     `json:"pending"`
	InProgress            int     `json:"in_progress"`
	Completed             int     `json:"completed"`
	Skipped               int     `json:"skipped"`
	Disputed              int     `json:"disputed"`
	AgreementWithModel    float64 `json:"agreement_with_model"`
	AvgLabelingTimeSecond float64 `json:"avg_labeling_time_seconds"`
}
