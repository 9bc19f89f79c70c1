package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleet-control/internal/models"
	"fleet-control/internal/trainer"
)

// ErrJobInFlight rejects a trigger while the current job is non-terminal.
var ErrJobInFlight = errors.New("a retraining job is already in flight")

// ErrJobNotFound reports an unknown job id.
var ErrJobNotFound = errors.New("retraining job not found")

// trainingConfidenceFloor filters low-confidence samples out of the
// training dataset.
const trainingConfidenceFloor = 0.5

// SampleStore is the slice of the sample store the orchestrator depends on.
type SampleStore interface {
	StatsSummary() (*models.StatsSummary, error)
	TrainingDataset(minConfidence float64, labeledOnly bool, limit int) ([]*models.Sample, error)
	MarkUsedForTraining(sampleIDs []int64) error
}

// ModelRegistry is the slice of the model registry the orchestrator
// depends on.
type ModelRegistry interface {
	RegisterModel(artifactPath, version string, accuracy float64, metadata map[string]string) (*models.DeployedModel, error)
	Deploy(version string, targetDevices []string) (string, error)
	ProductionModel() *models.DeployedModel
}

// Config carries the retraining policy.
type Config struct {
	MinSamplesForRetraining int
	MinNewSamples           int
	MinLabeledRatio         float64
	ValidationSplit         float64
	MinAccuracyImprovement  float64
	MaxTrainingTimeSeconds  int
	Epochs                  int
	BatchSize               int
	EarlyStoppingPatience   int
	CheckInterval           time.Duration
}

// Orchestrator decides when to retrain, runs a single-flight training job
// through its state machine, and keeps job history. A periodic policy loop
// triggers jobs on its own when the data justifies one.
type Orchestrator struct {
	store    SampleStore
	registry ModelRegistry
	trainer  trainer.Trainer
	cfg      Config
	logger   *zap.Logger

	// OnJobCompleted and OnJobFailed are invoked with a copy of the
	// finished job. Optional.
	OnJobCompleted func(*models.RetrainingJob)
	OnJobFailed    func(*models.RetrainingJob)

	// mu guards the current job pointer, the history, and the production
	// accuracy baseline. Shared between the trigger entry point and the
	// policy loop to enforce single-flight semantics.
	mu                 sync.Mutex
	current            *models.RetrainingJob
	history            []*models.RetrainingJob
	productionAccuracy float64
}

// New creates an orchestrator. The accuracy baseline is seeded from the
// registry's current production model.
func New(store SampleStore, registry ModelRegistry, t trainer.Trainer, cfg Config, logger *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		registry: registry,
		trainer:  t,
		cfg:      cfg,
		logger:   logger,
	}
	if prod := registry.ProductionModel(); prod != nil {
		o.productionAccuracy = prod.Accuracy
	}
	return o
}

// ShouldRetrain reports whether the retraining policy is satisfied: no job
// in flight, enough total samples, enough of them labeled, and enough
// samples not yet consumed by a previous job.
func (o *Orchestrator) ShouldRetrain() bool {
	o.mu.Lock()
	inFlight := o.current != nil && !o.current.Status.Terminal()
	o.mu.Unlock()
	if inFlight {
		return false
	}

	stats, err := o.store.StatsSummary()
	if err != nil {
		o.logger.Error("Failed to read sample stats for retraining policy", zap.Error(err))
		return false
	}

	if stats.TotalSamples < o.cfg.MinSamplesForRetraining {
		return false
	}
	if stats.LabelingRate < o.cfg.MinLabeledRatio {
		return false
	}
	if stats.TotalSamples-stats.UsedForTraining < o.cfg.MinNewSamples {
		return false
	}
	return true
}

// Trigger starts a retraining job and runs it asynchronously. Returns
// ErrJobInFlight while the current job is non-terminal.
func (o *Orchestrator) Trigger(reason string) (string, error) {
	o.mu.Lock()
	if o.current != nil && !o.current.Status.Terminal() {
		o.mu.Unlock()
		return "", ErrJobInFlight
	}

	job := &models.RetrainingJob{
		JobID:       "job_" + uuid.New().String(),
		Status:      models.RetrainingScheduled,
		TriggeredBy: reason,
		CreatedAt:   time.Now().UTC(),
	}
	o.current = job
	o.mu.Unlock()

	o.logger.Info("Retraining job triggered",
		zap.String("job_id", job.JobID), zap.String("triggered_by", reason))

	go o.run(job)
	return job.JobID, nil
}

// Run is the background policy loop: on every tick it re-evaluates the
// policy and triggers a job with reason "schedule" when it holds. Failures
// never stop the loop.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("Retraining policy loop started",
		zap.Duration("check_interval", o.cfg.CheckInterval))

	ticker := time.NewTicker(o.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Retraining policy loop stopped")
			return
		case <-ticker.C:
			if !o.ShouldRetrain() {
				continue
			}
			if _, err := o.Trigger("schedule"); err != nil && !errors.Is(err, ErrJobInFlight) {
				o.logger.Error("Failed to trigger scheduled retraining", zap.Error(err))
			}
		}
	}
}

// run executes one job through the state machine. Any step's failure moves
// the job to failed with the error recorded; partial side effects (such as a
// registered but never promoted model) are left as they are.
func (o *Orchestrator) run(job *models.RetrainingJob) {
	defer o.appendHistory(job)

	ctx := context.Background()

	o.update(job, func(j *models.RetrainingJob) {
		j.Status = models.RetrainingPreparingData
		now := time.Now().UTC()
		j.StartedAt = &now
	})

	samples, err := o.store.TrainingDataset(trainingConfidenceFloor, true, 0)
	if err != nil {
		o.fail(job, fmt.Errorf("failed to prepare training data: %w", err))
		return
	}
	rand.Shuffle(len(samples), func(i, j int) { samples[i], samples[j] = samples[j], samples[i] })

	splitIdx := int(float64(len(samples)) * (1 - o.cfg.ValidationSplit))
	trainSamples := samples[:splitIdx]
	valSamples := samples[splitIdx:]
	if len(trainSamples) == 0 {
		o.fail(job, errors.New("no training data available"))
		return
	}

	o.update(job, func(j *models.RetrainingJob) {
		j.NumSamples = len(trainSamples)
		j.Status = models.RetrainingTraining
	})
	o.logger.Info("Training model",
		zap.String("job_id", job.JobID), zap.Int("train_samples", len(trainSamples)))

	result, err := o.trainer.Train(ctx, toDataset(trainSamples), toDataset(valSamples), trainer.Config{
		Epochs:                 o.cfg.Epochs,
		BatchSize:              o.cfg.BatchSize,
		EarlyStoppingPatience:  o.cfg.EarlyStoppingPatience,
		MaxTrainingTimeSeconds: o.cfg.MaxTrainingTimeSeconds,
	})
	if err != nil {
		o.fail(job, fmt.Errorf("training failed: %w", err))
		return
	}

	o.update(job, func(j *models.RetrainingJob) {
		j.TrainAccuracy = result.TrainAccuracy
		j.ValAccuracy = result.ValAccuracy
		j.Status = models.RetrainingValidating
	})

	o.mu.Lock()
	baseline := o.productionAccuracy
	o.mu.Unlock()
	if result.ValAccuracy < baseline+o.cfg.MinAccuracyImprovement {
		o.fail(job, fmt.Errorf("model validation failed: accuracy %.4f not better than production %.4f",
			result.ValAccuracy, baseline))
		return
	}

	o.update(job, func(j *models.RetrainingJob) {
		j.Status = models.RetrainingDeploying
	})

	artifactPath, err := o.trainer.Save(ctx, result.Handle)
	if err != nil {
		o.fail(job, fmt.Errorf("failed to save model artifact: %w", err))
		return
	}

	version := "v" + time.Now().UTC().Format("20060102_150405")
	o.update(job, func(j *models.RetrainingJob) { j.ModelVersion = version })

	if _, err := o.registry.RegisterModel(artifactPath, version, result.ValAccuracy, map[string]string{
		"num_samples":    fmt.Sprintf("%d", len(trainSamples)),
		"train_accuracy": fmt.Sprintf("%.4f", result.TrainAccuracy),
		"triggered_by":   job.TriggeredBy,
	}); err != nil {
		o.fail(job, fmt.Errorf("failed to register model: %w", err))
		return
	}

	if _, err := o.registry.Deploy(version, nil); err != nil {
		o.fail(job, fmt.Errorf("failed to deploy model: %w", err))
		return
	}

	sampleIDs := make([]int64, 0, len(samples))
	for _, sample := range samples {
		sampleIDs = append(sampleIDs, sample.ID)
	}
	if err := o.store.MarkUsedForTraining(sampleIDs); err != nil {
		o.fail(job, fmt.Errorf("failed to mark samples used for training: %w", err))
		return
	}

	o.update(job, func(j *models.RetrainingJob) {
		j.Status = models.RetrainingCompleted
		now := time.Now().UTC()
		j.CompletedAt = &now
	})
	o.mu.Lock()
	o.productionAccuracy = result.ValAccuracy
	o.mu.Unlock()

	o.logger.Info("Retraining completed",
		zap.String("job_id", job.JobID),
		zap.String("version", version),
		zap.Float64("val_accuracy", result.ValAccuracy))

	if o.OnJobCompleted != nil {
		o.OnJobCompleted(o.snapshot(job))
	}
}

// snapshot clones a job under the lock, for handing to callbacks.
func (o *Orchestrator) snapshot(job *models.RetrainingJob) *models.RetrainingJob {
	o.mu.Lock()
	defer o.mu.Unlock()
	return cloneJob(job)
}

func (o *Orchestrator) update(job *models.RetrainingJob, fn func(*models.RetrainingJob)) {
	o.mu.Lock()
	fn(job)
	o.mu.Unlock()
}

func (o *Orchestrator) fail(job *models.RetrainingJob, cause error) {
	o.update(job, func(j *models.RetrainingJob) {
		j.Status = models.RetrainingFailed
		j.ErrorMessage = cause.Error()
		now := time.Now().UTC()
		j.CompletedAt = &now
	})

	o.logger.Error("Retraining failed",
		zap.String("job_id", job.JobID), zap.Error(cause))

	if o.OnJobFailed != nil {
		o.OnJobFailed(o.snapshot(job))
	}
}

func (o *Orchestrator) appendHistory(job *models.RetrainingJob) {
	o.mu.Lock()
	o.history = append(o.history, job)
	o.mu.Unlock()
}

// JobStatus returns the job with the given id, or the current job when the
// id is empty.
func (o *Orchestrator) JobStatus(jobID string) (*models.RetrainingJob, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if jobID == "" {
		if o.current == nil {
			return nil, ErrJobNotFound
		}
		return cloneJob(o.current), nil
	}
	if o.current != nil && o.current.JobID == jobID {
		return cloneJob(o.current), nil
	}
	for _, job := range o.history {
		if job.JobID == jobID {
			return cloneJob(job), nil
		}
	}
	return nil, ErrJobNotFound
}

// JobHistory returns finished jobs, most recent first.
func (o *Orchestrator) JobHistory(limit int) []*models.RetrainingJob {
	o.mu.Lock()
	defer o.mu.Unlock()

	if limit <= 0 || limit > len(o.history) {
		limit = len(o.history)
	}
	out := make([]*models.RetrainingJob, 0, limit)
	for i := len(o.history) - 1; i >= len(o.history)-limit; i-- {
		out = append(out, cloneJob(o.history[i]))
	}
	return out
}

// ProductionAccuracy returns the current accuracy baseline used by the
// validation gate.
func (o *Orchestrator) ProductionAccuracy() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.productionAccuracy
}

func toDataset(samples []*models.Sample) trainer.Dataset {
	ds := trainer.Dataset{
		Features: make([][]float64, 0, len(samples)),
		Labels:   make([]int, 0, len(samples)),
	}
	for _, sample := range samples {
		ds.Features = append(ds.Features, sample.Features)
		ds.Labels = append(ds.Labels, sample.TrainingLabel())
	}
	return ds
}

func cloneJob(job *models.RetrainingJob) *models.RetrainingJob {
	copied := *job
	if job.StartedAt != nil {
		at := *job.StartedAt
		copied.StartedAt = &at
	}
	if job.CompletedAt != nil {
		at := *job.CompletedAt
		copied.CompletedAt = &at
	}
	return &copied
}
