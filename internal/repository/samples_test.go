package repository

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleet-control/internal/models"
)

func newTestRepo(t *testing.T) SampleRepository {
	t.Helper()
	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSampleRepository(db, zap.NewNop())
}

func makeSample(id int64, deviceID string, confidence float64) *models.Sample {
	return &models.Sample{
		ID:             id,
		DeviceID:       deviceID,
		Features:       []float64{0.1, 0.2, 0.3},
		PredictedLabel: 1,
		Confidence:     confidence,
		ObservedAt:     1700000000,
		ReceivedAt:     time.Now().UTC(),
	}
}

func TestInsertBatchAndMaxSampleID(t *testing.T) {
	repo := newTestRepo(t)

	maxID, err := repo.MaxSampleID()
	require.NoError(t, err)
	assert.Equal(t, int64(0), maxID)

	err = repo.InsertBatch([]*models.Sample{
		makeSample(1, "motor-01", 0.9),
		makeSample(2, "motor-01", 0.4),
		makeSample(7, "motor-02", 0.6),
	})
	require.NoError(t, err)

	maxID, err = repo.MaxSampleID()
	require.NoError(t, err)
	assert.Equal(t, int64(7), maxID)
}

func TestUnlabeledOrderingAndDeviceFilter(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.InsertBatch([]*models.Sample{
		makeSample(1, "motor-01", 0.9),
		makeSample(2, "motor-01", 0.2),
		makeSample(3, "motor-02", 0.5),
	}))

	samples, err := repo.Unlabeled(10, "")
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, int64(2), samples[0].ID)
	assert.Equal(t, int64(3), samples[1].ID)
	assert.Equal(t, int64(1), samples[2].ID)

	ok, err := repo.SetLabel(2, 3)
	require.NoError(t, err)
	require.True(t, ok)

	samples, err = repo.Unlabeled(10, "motor-01")
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, int64(1), samples[0].ID)
}

func TestSetLabelIdempotent(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.InsertBatch([]*models.Sample{makeSample(1, "motor-01", 0.4)}))

	ok, err := repo.SetLabel(1, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second call must not overwrite the label or double-count it.
	ok, err = repo.SetLabel(1, 4)
	require.NoError(t, err)
	assert.True(t, ok)

	samples, err := repo.TrainingDataset(0, true, 0)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.NotNil(t, samples[0].TrueLabel)
	assert.Equal(t, 2, *samples[0].TrueLabel)

	devices, err := repo.DeviceSummaries("motor-01")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, 1, devices[0].LabeledSamples)

	ok, err = repo.SetLabel(999, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTrainingDatasetFilters(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.InsertBatch([]*models.Sample{
		makeSample(1, "motor-01", 0.3),
		makeSample(2, "motor-01", 0.7),
		makeSample(3, "motor-01", 0.9),
	}))
	ok, err := repo.SetLabel(3, 4)
	require.NoError(t, err)
	require.True(t, ok)

	samples, err := repo.TrainingDataset(0.5, false, 0)
	require.NoError(t, err)
	assert.Len(t, samples, 2)

	samples, err = repo.TrainingDataset(0.5, true, 0)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, int64(3), samples[0].ID)
	assert.Equal(t, 4, samples[0].TrainingLabel())
}

func TestStatsSummaryAndMarkUsed(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.InsertBatch([]*models.Sample{
		makeSample(1, "motor-01", 0.3),
		makeSample(2, "motor-01", 0.7),
		makeSample(3, "motor-02", 0.9),
		makeSample(4, "motor-02", 0.5),
	}))
	ok, err := repo.SetLabel(1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.MarkUsedForTraining([]int64{1, 2}))

	stats, err := repo.StatsSummary()
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalSamples)
	assert.Equal(t, 1, stats.LabeledSamples)
	assert.Equal(t, 3, stats.UnlabeledCount)
	assert.Equal(t, 2, stats.TotalDevices)
	assert.Equal(t, 2, stats.UsedForTraining)
	assert.InDelta(t, 0.25, stats.LabelingRate, 1e-9)
}

func TestDeviceSummariesAndModelVersion(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.InsertBatch([]*models.Sample{
		makeSample(1, "motor-01", 0.3),
		makeSample(2, "motor-01", 0.7),
		makeSample(3, "motor-02", 0.9),
	}))

	ids, err := repo.ListDeviceIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"motor-01", "motor-02"}, ids)

	require.NoError(t, repo.SetDeviceModelVersion("motor-01", "v20260101_120000"))

	devices, err := repo.DeviceSummaries("")
	require.NoError(t, err)
	require.Len(t, devices, 2)

	byID := map[string]*models.DeviceSummary{}
	for _, d := range devices {
		byID[d.DeviceID] = d
	}
	assert.Equal(t, 2, byID["motor-01"].TotalSamples)
	assert.Equal(t, 1, byID["motor-02"].TotalSamples)
	assert.Equal(t, "v20260101_120000", byID["motor-01"].ModelVersion)
	require.NotNil(t, byID["motor-01"].LastSeen)
	assert.WithinDuration(t, time.Now().UTC(), *byID["motor-01"].LastSeen, time.Minute)
}
