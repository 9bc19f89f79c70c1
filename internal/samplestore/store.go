package samplestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fleet-control/internal/models"
	"fleet-control/internal/repository"
)

// Validation errors returned synchronously from ingestion.
var (
	ErrEmptyDeviceID = errors.New("device id must not be empty")
	ErrEmptyFeatures = errors.New("feature vector must not be empty")
	ErrBadConfidence = errors.New("confidence must be between 0 and 1")
)

// Store buffers ingested samples in memory and flushes them to the
// repository in batches. Producers never block on durability: Ingest returns
// as soon as the sample is queued, and the flush worker owns all writes.
type Store struct {
	repo          repository.SampleRepository
	logger        *zap.Logger
	bufferSize    int
	flushInterval time.Duration

	queue  chan *models.Sample
	nextID atomic.Int64

	mu     sync.Mutex
	buffer []*models.Sample
}

// NewStore creates a sample store. Sample ids are assigned at ingestion time,
// continuing from the highest id already persisted.
func NewStore(repo repository.SampleRepository, bufferSize int, flushInterval time.Duration, logger *zap.Logger) (*Store, error) {
	maxID, err := repo.MaxSampleID()
	if err != nil {
		return nil, fmt.Errorf("failed to seed sample id counter: %w", err)
	}

	queueSize := bufferSize * 4
	if queueSize < 1024 {
		queueSize = 1024
	}

	s := &Store{
		repo:          repo,
		logger:        logger,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		queue:         make(chan *models.Sample, queueSize),
	}
	s.nextID.Store(maxID)
	return s, nil
}

// Ingest validates a sample envelope and queues it for asynchronous
// persistence. The returned id is durable within one flush interval.
func (s *Store) Ingest(env *models.SampleEnvelope) (int64, error) {
	if env.DeviceID == "" {
		return 0, ErrEmptyDeviceID
	}
	if len(env.Features) == 0 {
		return 0, ErrEmptyFeatures
	}
	if env.Confidence < 0 || env.Confidence > 1 {
		return 0, ErrBadConfidence
	}

	sample := &models.Sample{
		ID:             s.nextID.Add(1),
		DeviceID:       env.DeviceID,
		Features:       env.Features,
		PredictedLabel: env.PredictedLabel,
		Confidence:     env.Confidence,
		LabelSource:    env.LabelSource,
		ObservedAt:     env.Timestamp,
		ReceivedAt:     time.Now().UTC(),
		TrueLabel:      env.TrueLabel,
	}

	select {
	case s.queue <- sample:
	default:
		// Queue full; hand the sample straight to the buffer rather
		// than block the device.
		s.append(sample)
	}
	return sample.ID, nil
}

// IngestBatch applies Ingest per element under a shared device id. Invalid
// elements are skipped and only valid ones counted; the batch never aborts.
func (s *Store) IngestBatch(deviceID string, envelopes []models.SampleEnvelope) int {
	count := 0
	for i := range envelopes {
		env := envelopes[i]
		env.DeviceID = deviceID
		if _, err := s.Ingest(&env); err != nil {
			s.logger.Warn("Skipping invalid sample in batch",
				zap.String("device_id", deviceID), zap.Error(err))
			continue
		}
		count++
	}
	s.logger.Info("Received sample batch",
		zap.String("device_id", deviceID), zap.Int("accepted", count))
	return count
}

// Run drains the ingestion queue into the write buffer and flushes it when
// the buffer fills or the flush interval elapses. On shutdown the queue and
// buffer are drained one final time.
func (s *Store) Run(ctx context.Context) {
	s.logger.Info("Sample store flush worker started")

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drainQueue()
			s.flush()
			s.logger.Info("Sample store flush worker stopped")
			return
		case sample := <-s.queue:
			s.append(sample)
			if s.pending() >= s.bufferSize {
				s.flush()
			}
		case <-ticker.C:
			s.drainQueue()
			s.flush()
		}
	}
}

func (s *Store) append(sample *models.Sample) {
	s.mu.Lock()
	s.buffer = append(s.buffer, sample)
	s.mu.Unlock()
}

func (s *Store) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *Store) drainQueue() {
	for {
		select {
		case sample := <-s.queue:
			s.append(sample)
		default:
			return
		}
	}
}

// flush writes the buffered batch in one transaction. On failure the batch is
// put back at the front of the buffer and retried on the next tick; storage
// errors are never surfaced to the ingesting device.
func (s *Store) flush() {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if err := s.repo.InsertBatch(batch); err != nil {
		s.logger.Error("Failed to flush sample batch, keeping it buffered",
			zap.Int("count", len(batch)), zap.Error(err))
		s.mu.Lock()
		s.buffer = append(batch, s.buffer...)
		s.mu.Unlock()
		return
	}

	s.logger.Info("Flushed samples to database", zap.Int("count", len(batch)))
}

// Unlabeled returns up to limit unlabeled samples, most uncertain first.
// This ordering is what the active-learning selection builds on.
func (s *Store) Unlabeled(limit int, deviceID string) ([]*models.Sample, error) {
	return s.repo.Unlabeled(limit, deviceID)
}

// SetLabel records the adjudicated label for a sample. Idempotent per
// sample id.
func (s *Store) SetLabel(sampleID int64, label int) (bool, error) {
	return s.repo.SetLabel(sampleID, label)
}

// TrainingDataset returns samples for a training run. Unadjudicated samples
// carry the model's own prediction as ground truth.
func (s *Store) TrainingDataset(minConfidence float64, labeledOnly bool, limit int) ([]*models.Sample, error) {
	return s.repo.TrainingDataset(minConfidence, labeledOnly, limit)
}

// MarkUsedForTraining bulk-flags samples consumed by a training job.
func (s *Store) MarkUsedForTraining(sampleIDs []int64) error {
	return s.repo.MarkUsedForTraining(sampleIDs)
}

// StatsSummary aggregates the store.
func (s *Store) StatsSummary() (*models.StatsSummary, error) {
	return s.repo.StatsSummary()
}

// DeviceSummaries lists per-device aggregates, or one device's when
// deviceID is set.
func (s *Store) DeviceSummaries(deviceID string) ([]*models.DeviceSummary, error) {
	return s.repo.DeviceSummaries(deviceID)
}

// ListDeviceIDs returns every device that has ever submitted a sample.
func (s *Store) ListDeviceIDs() ([]string, error) {
	return s.repo.ListDeviceIDs()
}

// SetDeviceModelVersion records the model version a device reports running.
func (s *Store) SetDeviceModelVersion(deviceID, version string) error {
	return s.repo.SetDeviceModelVersion(deviceID, version)
}
