package labeling

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleet-control/internal/models"
)

// Selection strategies for building labeling batches.
const (
	StrategyUncertainty = "uncertainty"
	StrategyDiversity   = "diversity"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrReasonRequired    = errors.New("dispute reason must not be empty")
	ErrUnknownStrategy   = errors.New("unknown selection strategy")
)

// SampleSource is the slice of the sample store the queue depends on.
type SampleSource interface {
	Unlabeled(limit int, deviceID string) ([]*models.Sample, error)
	SetLabel(sampleID int64, label int) (bool, error)
}

// Queue turns unlabeled samples into prioritized human-review tasks and
// writes adjudicated labels back into the sample store. Tasks live in an
// owned, mutex-guarded map; a sample has at most one pending or in-progress
// task at any time.
type Queue struct {
	samples SampleSource
	logger  *zap.Logger

	// mu serializes task selection, claiming, and status transitions.
	mu         sync.Mutex
	tasks      map[int64]*models.LabelingTask
	nextTaskID int64
	labelers   map[string]*models.LabelerStats

	now func() time.Time
}

// NewQueue creates a labeling queue backed by the given sample source.
func NewQueue(samples SampleSource, logger *zap.Logger) *Queue {
	return &Queue{
		samples:  samples,
		logger:   logger,
		tasks:    make(map[int64]*models.LabelingTask),
		labelers: make(map[string]*models.LabelerStats),
		now:      time.Now,
	}
}

// CreateBatch pulls up to 3x the requested number of unlabeled samples,
// applies the selection strategy, and creates tasks for samples that do not
// already have a live task. Returns the created task ids.
func (q *Queue) CreateBatch(numSamples int, strategy, deviceID string) ([]int64, error) {
	if strategy == "" {
		strategy = StrategyUncertainty
	}

	samples, err := q.samples.Unlabeled(numSamples*3, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unlabeled samples: %w", err)
	}

	switch strategy {
	case StrategyUncertainty:
		sort.SliceStable(samples, func(i, j int) bool {
			return samples[i].Confidence < samples[j].Confidence
		})
	case StrategyDiversity:
		samples = selectDiverse(samples, numSamples)
	default:
		return nil, ErrUnknownStrategy
	}

	if len(samples) > numSamples {
		samples = samples[:numSamples]
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	taskIDs := make([]int64, 0, len(samples))
	for _, sample := range samples {
		if q.sampleHasLiveTask(sample.ID) {
			continue
		}
		task := q.createTask(sample)
		taskIDs = append(taskIDs, task.TaskID)
	}

	q.logger.Info("Created labeling tasks",
		zap.Int("count", len(taskIDs)), zap.String("strategy", strategy))
	return taskIDs, nil
}

// selectDiverse sorts by confidence and takes evenly spaced samples across
// the sorted list, so the batch spans the whole confidence spectrum instead
// of only the most uncertain end.
func selectDiverse(samples []*models.Sample, numSamples int) []*models.Sample {
	if len(samples) <= numSamples {
		return samples
	}
	sorted := make([]*models.Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence < sorted[j].Confidence
	})

	step := float64(len(sorted)) / float64(numSamples)
	selected := make([]*models.Sample, 0, numSamples)
	for i := 0; i < numSamples; i++ {
		selected = append(selected, sorted[int(float64(i)*step)])
	}
	return selected
}

// sampleHasLiveTask must be called with the lock held.
func (q *Queue) sampleHasLiveTask(sampleID int64) bool {
	for _, task := range q.tasks {
		if task.SampleID == sampleID && task.Status.Live() {
			return true
		}
	}
	return false
}

// createTask must be called with the lock held.
func (q *Queue) createTask(sample *models.Sample) *models.LabelingTask {
	q.nextTaskID++

	priority := models.PriorityLow
	switch {
	case sample.Confidence < 0.3:
		priority = models.PriorityHigh
	case sample.Confidence < 0.5:
		priority = models.PriorityMedium
	}

	task := &models.LabelingTask{
		TaskID:             q.nextTaskID,
		SampleID:           sample.ID,
		DeviceID:           sample.DeviceID,
		Features:           sample.Features,
		PredictedLabel:     sample.PredictedLabel,
		PredictedLabelName: models.FaultLabelName(sample.PredictedLabel),
		Confidence:         sample.Confidence,
		Priority:           priority,
		PriorityName:       priority.String(),
		Status:             models.TaskPending,
		CreatedAt:          q.now(),
		LabelerConfidence:  1.0,
	}
	q.tasks[task.TaskID] = task
	return task
}

// NextTask returns the pending task with the highest priority, oldest first
// within a priority band. When labelerID is given, the task is atomically
// claimed: selection and the flip to in-progress happen in one critical
// section, so two labelers are never handed the same task.
func (q *Queue) NextTask(labelerID string) *models.LabelingTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *models.LabelingTask
	for _, task := range q.tasks {
		if task.Status != models.TaskPending {
			continue
		}
		if best == nil ||
			task.Priority > best.Priority ||
			(task.Priority == best.Priority && task.CreatedAt.Before(best.CreatedAt)) {
			best = task
		}
	}
	if best == nil {
		return nil
	}

	if labelerID != "" {
		now := q.now()
		best.AssignedTo = labelerID
		best.AssignedAt = &now
		best.Status = models.TaskInProgress
	}
	return cloneTask(best)
}

// ClaimBatch claims up to batchSize tasks for one labeler.
func (q *Queue) ClaimBatch(labelerID string, batchSize int) []*models.LabelingTask {
	tasks := make([]*models.LabelingTask, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		task := q.NextTask(labelerID)
		if task == nil {
			break
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// SubmitLabel records the adjudicated label, writes it back into the sample
// store, and folds the observation into the labeler's running statistics.
func (q *Queue) SubmitLabel(taskID int64, label int, labelerID string, confidence float64, notes string) error {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return ErrTaskNotFound
	}
	if !task.Status.Live() {
		q.mu.Unlock()
		return fmt.Errorf("%w: cannot label task in status %q", ErrInvalidTransition, task.Status)
	}

	now := q.now()
	task.AssignedLabel = &label
	task.LabelerConfidence = confidence
	task.Notes = notes
	task.Status = models.TaskLabeled
	task.CompletedAt = &now
	if labelerID != "" {
		task.AssignedTo = labelerID
	}
	if task.AssignedTo != "" {
		q.updateLabelerStats(task)
	}
	sampleID := task.SampleID
	labeler := task.AssignedTo
	q.mu.Unlock()

	if _, err := q.samples.SetLabel(sampleID, label); err != nil {
		q.logger.Error("Failed to write label back to sample store",
			zap.Int64("sample_id", sampleID), zap.Error(err))
	}

	q.logger.Info("Task labeled",
		zap.Int64("task_id", taskID),
		zap.String("label", models.FaultLabelName(label)),
		zap.String("labeler", labeler))
	return nil
}

// SkipTask marks a live task as skipped. The reason may be empty.
func (q *Queue) SkipTask(taskID int64, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if !task.Status.Live() {
		return fmt.Errorf("%w: cannot skip task in status %q", ErrInvalidTransition, task.Status)
	}

	now := q.now()
	task.Status = models.TaskSkipped
	task.Notes = reason
	task.CompletedAt = &now
	return nil
}

// DisputeTask flags a labeled task as disputed. Requires a non-empty reason.
func (q *Queue) DisputeTask(taskID int64, reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != models.TaskLabeled {
		return fmt.Errorf("%w: only labeled tasks can be disputed, got %q", ErrInvalidTransition, task.Status)
	}

	task.Status = models.TaskDisputed
	task.Notes = reason
	return nil
}

// updateLabelerStats must be called with the lock held. Means are updated
// incrementally so no per-task history needs to be kept.
func (q *Queue) updateLabelerStats(task *models.LabelingTask) {
	stats, ok := q.labelers[task.AssignedTo]
	if !ok {
		stats = &models.LabelerStats{}
		q.labelers[task.AssignedTo] = stats
	}
	stats.Completed++
	n := float64(stats.Completed)

	if task.AssignedAt != nil && task.CompletedAt != nil {
		elapsed := task.CompletedAt.Sub(*task.AssignedAt).Seconds()
		stats.AvgTimeSeconds += (elapsed - stats.AvgTimeSeconds) / n
	}

	agreement := 0.0
	if task.AssignedLabel != nil && *task.AssignedLabel == task.PredictedLabel {
		agreement = 1.0
	}
	stats.AgreementRate += (agreement - stats.AgreementRate) / n
}

// Task returns a copy of the task with the given id.
func (q *Queue) Task(taskID int64) (*models.LabelingTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return nil, false
	}
	return cloneTask(task), true
}

// Stats aggregates the queue.
func (q *Queue) Stats() *models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &models.QueueStats{TotalTasks: len(q.tasks)}
	var totalTime float64
	var timeCount, agreed int
	for _, task := range q.tasks {
		switch task.Status {
		case models.TaskPending:
			stats.Pending++
		case models.TaskInProgress:
			stats.InProgress++
		case models.TaskLabeled:
			stats.Completed++
			if task.AssignedAt != nil && task.CompletedAt != nil {
				totalTime += task.CompletedAt.Sub(*task.AssignedAt).Seconds()
				timeCount++
			}
			if task.AssignedLabel != nil && *task.AssignedLabel == task.PredictedLabel {
				agreed++
			}
		case models.TaskSkipped:
			stats.Skipped++
		case models.TaskDisputed:
			stats.Disputed++
		}
	}
	if stats.Completed > 0 {
		stats.AgreementWithModel = float64(agreed) / float64(stats.Completed)
	}
	if timeCount > 0 {
		stats.AvgLabelingTimeSecond = totalTime / float64(timeCount)
	}
	return stats
}

// LabelerStatsFor returns the running stats for one labeler.
func (q *Queue) LabelerStatsFor(labelerID string) (*models.LabelerStats, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats, ok := q.labelers[labelerID]
	if !ok {
		return nil, false
	}
	copied := *stats
	return &copied, true
}

// AllLabelerStats returns the running stats for every labeler.
func (q *Queue) AllLabelerStats() map[string]*models.LabelerStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]*models.LabelerStats, len(q.labelers))
	for id, stats := range q.labelers {
		copied := *stats
		out[id] = &copied
	}
	return out
}

// Distribution counts assigned labels by fault name over labeled tasks.
func (q *Queue) Distribution() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	distribution := make(map[string]int)
	for _, task := range q.tasks {
		if task.Status == models.TaskLabeled && task.AssignedLabel != nil {
			distribution[models.FaultLabelName(*task.AssignedLabel)]++
		}
	}
	return distribution
}

// ExportLabeled serializes labeled (and optionally skipped) tasks as JSON or
// CSV. The CSV column order is fixed.
func (q *Queue) ExportLabeled(format string, includeSkipped bool) ([]byte, error) {
	q.mu.Lock()
	tasks := make([]*models.LabelingTask, 0)
	for _, task := range q.tasks {
		if task.Status == models.TaskLabeled || (includeSkipped && task.Status == models.TaskSkipped) {
			tasks = append(tasks, cloneTask(task))
		}
	}
	q.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })

	switch format {
	case "json":
		return json.MarshalIndent(tasks, "", "  ")
	case "csv":
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write([]string{"sample_id", "device_id", "predicted_label", "assigned_label", "confidence", "labeler_confidence"}); err != nil {
			return nil, err
		}
		for _, task := range tasks {
			assigned := ""
			if task.AssignedLabel != nil {
				assigned = strconv.Itoa(*task.AssignedLabel)
			}
			record := []string{
				strconv.FormatInt(task.SampleID, 10),
				task.DeviceID,
				strconv.Itoa(task.PredictedLabel),
				assigned,
				strconv.FormatFloat(task.Confidence, 'g', -1, 64),
				strconv.FormatFloat(task.LabelerConfidence, 'g', -1, 64),
			}
			if err := w.Write(record); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported export format %q", format)
}

func cloneTask(task *models.LabelingTask) *models.LabelingTask {
	copied := *task
	if task.AssignedAt != nil {
		at := *task.AssignedAt
		copied.AssignedAt = &at
	}
	if task.CompletedAt != nil {
		at := *task.CompletedAt
		copied.CompletedAt = &at
	}
	if task.AssignedLabel != nil {
		label := *task.AssignedLabel
		copied.AssignedLabel = &label
	}
	return &copied
}
