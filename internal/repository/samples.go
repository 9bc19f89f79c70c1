package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"fleet-control/internal/models"
)

// SampleRepository handles database operations for samples and per-device
// aggregates.
type SampleRepository interface {
	InsertBatch(samples []*models.Sample) error
	MaxSampleID() (int64, error)
	Unlabeled(limit int, deviceID string) ([]*models.Sample, error)
	SetLabel(sampleID int64, label int) (bool, error)
	TrainingDataset(minConfidence float64, labeledOnly bool, limit int) ([]*models.Sample, error)
	MarkUsedForTraining(sampleIDs []int64) error
	StatsSummary() (*models.StatsSummary, error)
	DeviceSummaries(deviceID string) ([]*models.DeviceSummary, error)
	ListDeviceIDs() ([]string, error)
	SetDeviceModelVersion(deviceID, version string) error
}

type sampleRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSampleRepository creates a new sample repository.
func NewSampleRepository(db *sqlx.DB, logger *zap.Logger) SampleRepository {
	return &sampleRepository{db: db, logger: logger}
}

// sampleRow mirrors the samples table; features are stored as a JSON array
// and timestamps as RFC 3339 text.
type sampleRow struct {
	ID              int64         `db:"id"`
	DeviceID        string        `db:"device_id"`
	Features        string        `db:"features"`
	PredictedLabel  int           `db:"predicted_label"`
	Confidence      float64       `db:"confidence"`
	LabelSource     int           `db:"label_source"`
	ObservedAt      int64         `db:"observed_at"`
	ReceivedAt      string        `db:"received_at"`
	TrueLabel       sql.NullInt64 `db:"true_label"`
	UsedForTraining bool          `db:"used_for_training"`
}

func (r sampleRow) toModel() (*models.Sample, error) {
	var features []float64
	if err := json.Unmarshal([]byte(r.Features), &features); err != nil {
		return nil, fmt.Errorf("failed to decode features for sample %d: %w", r.ID, err)
	}
	receivedAt, err := time.Parse(time.RFC3339Nano, r.ReceivedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse received_at for sample %d: %w", r.ID, err)
	}

	sample := &models.Sample{
		ID:              r.ID,
		DeviceID:        r.DeviceID,
		Features:        features,
		PredictedLabel:  r.PredictedLabel,
		Confidence:      r.Confidence,
		LabelSource:     r.LabelSource,
		ObservedAt:      r.ObservedAt,
		ReceivedAt:      receivedAt,
		UsedForTraining: r.UsedForTraining,
	}
	if r.TrueLabel.Valid {
		label := int(r.TrueLabel.Int64)
		sample.TrueLabel = &label
	}
	return sample, nil
}

// InsertBatch writes a batch of samples and their device aggregates in one
// transaction. The whole batch commits or rolls back as a unit.
func (r *sampleRepository) InsertBatch(samples []*models.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertSample := `
		INSERT INTO samples (
			id, device_id, features, predicted_label, confidence,
			label_source, observed_at, received_at, true_label
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	upsertDevice := `
		INSERT INTO devices (device_id, total_samples, last_seen)
		VALUES (?, 1, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			total_samples = total_samples + 1,
			last_seen = excluded.last_seen
	`

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, sample := range samples {
		features, err := json.Marshal(sample.Features)
		if err != nil {
			return fmt.Errorf("failed to encode features: %w", err)
		}

		var trueLabel interface{}
		if sample.TrueLabel != nil {
			trueLabel = *sample.TrueLabel
		}

		if _, err := tx.Exec(insertSample,
			sample.ID,
			sample.DeviceID,
			string(features),
			sample.PredictedLabel,
			sample.Confidence,
			sample.LabelSource,
			sample.ObservedAt,
			sample.ReceivedAt.UTC().Format(time.RFC3339Nano),
			trueLabel,
		); err != nil {
			return fmt.Errorf("failed to insert sample %d: %w", sample.ID, err)
		}

		if _, err := tx.Exec(upsertDevice, sample.DeviceID, now); err != nil {
			return fmt.Errorf("failed to upsert device %s: %w", sample.DeviceID, err)
		}
	}

	return tx.Commit()
}

// MaxSampleID returns the highest stored sample id, 0 for an empty store.
func (r *sampleRepository) MaxSampleID() (int64, error) {
	var max sql.NullInt64
	if err := r.db.Get(&max, `SELECT MAX(id) FROM samples`); err != nil {
		return 0, fmt.Errorf("failed to query max sample id: %w", err)
	}
	return max.Int64, nil
}

// Unlabeled returns samples without a true label, most uncertain first.
func (r *sampleRepository) Unlabeled(limit int, deviceID string) ([]*models.Sample, error) {
	query := `
		SELECT id, device_id, features, predicted_label, confidence,
		       label_source, observed_at, received_at, true_label, used_for_training
		FROM samples
		WHERE true_label IS NULL
	`
	args := []interface{}{}
	if deviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY confidence ASC LIMIT ?`
	args = append(args, limit)

	return r.selectSamples(query, args...)
}

// SetLabel writes the adjudicated label for a sample and bumps the owning
// device's labeled counter. Repeat calls for an already-labeled sample are
// no-ops; the return value reports whether the sample exists.
func (r *sampleRepository) SetLabel(sampleID int64, label int) (bool, error) {
	tx, err := r.db.Beginx()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.Get(&exists, `SELECT EXISTS(SELECT 1 FROM samples WHERE id = ?)`, sampleID); err != nil {
		return false, fmt.Errorf("failed to look up sample %d: %w", sampleID, err)
	}
	if !exists {
		return false, nil
	}

	res, err := tx.Exec(`
		UPDATE samples SET true_label = ?
		WHERE id = ? AND true_label IS NULL
	`, label, sampleID)
	if err != nil {
		return false, fmt.Errorf("failed to set label on sample %d: %w", sampleID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected > 0 {
		if _, err := tx.Exec(`
			UPDATE devices SET labeled_samples = labeled_samples + 1
			WHERE device_id = (SELECT device_id FROM samples WHERE id = ?)
		`, sampleID); err != nil {
			return false, fmt.Errorf("failed to update device labeled count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit label: %w", err)
	}
	return true, nil
}

// TrainingDataset returns samples above the confidence threshold, optionally
// restricted to labeled ones. limit <= 0 means no limit.
func (r *sampleRepository) TrainingDataset(minConfidence float64, labeledOnly bool, limit int) ([]*models.Sample, error) {
	query := `
		SELECT id, device_id, features, predicted_label, confidence,
		       label_source, observed_at, received_at, true_label, used_for_training
		FROM samples
		WHERE confidence >= ?
	`
	args := []interface{}{minConfidence}
	if labeledOnly {
		query += ` AND true_label IS NOT NULL`
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return r.selectSamples(query, args...)
}

// MarkUsedForTraining flags the given samples as consumed by a training job.
func (r *sampleRepository) MarkUsedForTraining(sampleIDs []int64) error {
	if len(sampleIDs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sampleIDs)), ",")
	args := make([]interface{}, len(sampleIDs))
	for i, id := range sampleIDs {
		args[i] = id
	}

	query := fmt.Sprintf(`UPDATE samples SET used_for_training = 1 WHERE id IN (%s)`, placeholders)
	if _, err := r.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to mark samples used for training: %w", err)
	}
	return nil
}

// StatsSummary aggregates the store for dashboards and the retraining policy.
func (r *sampleRepository) StatsSummary() (*models.StatsSummary, error) {
	stats := &models.StatsSummary{}

	if err := r.db.Get(&stats.TotalSamples, `SELECT COUNT(*) FROM samples`); err != nil {
		return nil, fmt.Errorf("failed to count samples: %w", err)
	}
	if err := r.db.Get(&stats.LabeledSamples, `SELECT COUNT(*) FROM samples WHERE true_label IS NOT NULL`); err != nil {
		return nil, fmt.Errorf("failed to count labeled samples: %w", err)
	}
	if err := r.db.Get(&stats.TotalDevices, `SELECT COUNT(*) FROM devices`); err != nil {
		return nil, fmt.Errorf("failed to count devices: %w", err)
	}
	if err := r.db.Get(&stats.UsedForTraining, `SELECT COUNT(*) FROM samples WHERE used_for_training = 1`); err != nil {
		return nil, fmt.Errorf("failed to count training samples: %w", err)
	}

	stats.UnlabeledCount = stats.TotalSamples - stats.LabeledSamples
	if stats.TotalSamples > 0 {
		stats.LabelingRate = float64(stats.LabeledSamples) / float64(stats.TotalSamples)
	}
	return stats, nil
}

// DeviceSummaries returns the per-device aggregates, or a single device's
// summary when deviceID is set.
func (r *sampleRepository) DeviceSummaries(deviceID string) ([]*models.DeviceSummary, error) {
	query := `
		SELECT device_id, total_samples, labeled_samples, last_seen, model_version
		FROM devices
	`
	args := []interface{}{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}

	type deviceRow struct {
		DeviceID       string         `db:"device_id"`
		TotalSamples   int            `db:"total_samples"`
		LabeledSamples int            `db:"labeled_samples"`
		LastSeen       sql.NullString `db:"last_seen"`
		ModelVersion   string         `db:"model_version"`
	}

	var rows []deviceRow
	if err := r.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}

	summaries := make([]*models.DeviceSummary, 0, len(rows))
	for _, row := range rows {
		summary := &models.DeviceSummary{
			DeviceID:       row.DeviceID,
			TotalSamples:   row.TotalSamples,
			LabeledSamples: row.LabeledSamples,
			ModelVersion:   row.ModelVersion,
		}
		if row.LastSeen.Valid {
			lastSeen, err := time.Parse(time.RFC3339Nano, row.LastSeen.String)
			if err != nil {
				r.logger.Warn("Failed to parse device last_seen",
					zap.String("device_id", row.DeviceID), zap.Error(err))
			} else {
				summary.LastSeen = &lastSeen
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// ListDeviceIDs returns every device known to the store.
func (r *sampleRepository) ListDeviceIDs() ([]string, error) {
	var ids []string
	if err := r.db.Select(&ids, `SELECT device_id FROM devices ORDER BY device_id`); err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return ids, nil
}

// SetDeviceModelVersion records the model version a device reports running.
func (r *sampleRepository) SetDeviceModelVersion(deviceID, version string) error {
	if _, err := r.db.Exec(`
		UPDATE devices SET model_version = ? WHERE device_id = ?
	`, version, deviceID); err != nil {
		return fmt.Errorf("failed to update device model version: %w", err)
	}
	return nil
}

func (r *sampleRepository) selectSamples(query string, args ...interface{}) ([]*models.Sample, error) {
	var rows []sampleRow
	if err := r.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}

	samples := make([]*models.Sample, 0, len(rows))
	for _, row := range rows {
		sample, err := row.toModel()
		if err != nil {
			r.logger.Error("Failed to decode sample row", zap.Error(err))
			continue
		}
		samples = append(samples, sample)
	}
	return samples, nil
}
