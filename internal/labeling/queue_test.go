package labeling

import (
	"encoding/csv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleet-control/internal/models"
)

// fakeSource serves canned unlabeled samples and records labels written back.
type fakeSource struct {
	mu      sync.Mutex
	samples []*models.Sample
	labels  map[int64]int
}

func newFakeSource(samples ...*models.Sample) *fakeSource {
	return &fakeSource{samples: samples, labels: make(map[int64]int)}
}

func (f *fakeSource) Unlabeled(limit int, deviceID string) ([]*models.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*models.Sample, 0, limit)
	for _, sample := range f.samples {
		if _, labeled := f.labels[sample.ID]; labeled {
			continue
		}
		if deviceID != "" && sample.DeviceID != deviceID {
			continue
		}
		out = append(out, sample)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) SetLabel(sampleID int64, label int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels[sampleID] = label
	return true, nil
}

func sample(id int64, confidence float64, predicted int) *models.Sample {
	return &models.Sample{
		ID:             id,
		DeviceID:       "motor-01",
		Features:       []float64{0.5, 0.5},
		PredictedLabel: predicted,
		Confidence:     confidence,
	}
}

// newTestQueue gives the queue a deterministic clock that advances one
// second per call, so FIFO tie-breaks are stable.
func newTestQueue(source SampleSource) *Queue {
	q := NewQueue(source, zap.NewNop())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var calls int
	q.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}
	return q
}

func TestCreateBatchAssignsPriorities(t *testing.T) {
	q := newTestQueue(newFakeSource(
		sample(1, 0.1, 2),
		sample(2, 0.4, 1),
		sample(3, 0.8, 0),
	))

	taskIDs, err := q.CreateBatch(3, StrategyUncertainty, "")
	require.NoError(t, err)
	require.Len(t, taskIDs, 3)

	priorities := map[int64]string{}
	for _, id := range taskIDs {
		task, ok := q.Task(id)
		require.True(t, ok)
		priorities[task.SampleID] = task.PriorityName
	}
	assert.Equal(t, "HIGH", priorities[1])
	assert.Equal(t, "MEDIUM", priorities[2])
	assert.Equal(t, "LOW", priorities[3])
}

func TestCreateBatchSkipsLiveTasks(t *testing.T) {
	q := newTestQueue(newFakeSource(sample(1, 0.2, 1), sample(2, 0.3, 1)))

	first, err := q.CreateBatch(2, StrategyUncertainty, "")
	require.NoError(t, err)
	assert.Len(t, first, 2)

	// Both samples already have live tasks.
	second, err := q.CreateBatch(2, StrategyUncertainty, "")
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestCreateBatchUnknownStrategy(t *testing.T) {
	q := newTestQueue(newFakeSource(sample(1, 0.2, 1)))

	_, err := q.CreateBatch(1, "entropy", "")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestNextTaskPriorityThenFIFO(t *testing.T) {
	q := newTestQueue(newFakeSource(
		sample(1, 0.8, 0), // LOW, created first
		sample(2, 0.1, 1), // HIGH
		sample(3, 0.2, 1), // HIGH, created after 2
	))

	_, err := q.CreateBatch(3, StrategyUncertainty, "")
	require.NoError(t, err)

	got := make([]int64, 0, 3)
	for i := 0; i < 3; i++ {
		task := q.NextTask("alice")
		require.NotNil(t, task)
		got = append(got, task.SampleID)
	}
	// Higher priority first, oldest first within a band.
	assert.Equal(t, []int64{2, 3, 1}, got)
	assert.Nil(t, q.NextTask("alice"))
}

func TestNextTaskClaimsAtomically(t *testing.T) {
	source := newFakeSource()
	for i := int64(1); i <= 20; i++ {
		source.samples = append(source.samples, sample(i, 0.2, 1))
	}
	q := NewQueue(source, zap.NewNop())

	_, err := q.CreateBatch(20, StrategyUncertainty, "")
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[int64]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(labeler int) {
			defer wg.Done()
			for {
				task := q.NextTask("labeler")
				if task == nil {
					return
				}
				mu.Lock()
				seen[task.TaskID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for taskID, count := range seen {
		assert.Equal(t, 1, count, "task %d claimed more than once", taskID)
	}
}

func TestClaimBatch(t *testing.T) {
	q := newTestQueue(newFakeSource(sample(1, 0.2, 1), sample(2, 0.3, 1), sample(3, 0.4, 1)))
	_, err := q.CreateBatch(3, StrategyUncertainty, "")
	require.NoError(t, err)

	tasks := q.ClaimBatch("alice", 2)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, models.TaskInProgress, task.Status)
		assert.Equal(t, "alice", task.AssignedTo)
	}

	rest := q.ClaimBatch("bob", 5)
	assert.Len(t, rest, 1)
}

func TestSubmitLabelWritesBack(t *testing.T) {
	source := newFakeSource(sample(1, 0.2, 3))
	q := newTestQueue(source)
	taskIDs, err := q.CreateBatch(1, StrategyUncertainty, "")
	require.NoError(t, err)

	task := q.NextTask("alice")
	require.NotNil(t, task)

	require.NoError(t, q.SubmitLabel(task.TaskID, 3, "alice", 0.9, "clear bearing signature"))

	stored, ok := q.Task(taskIDs[0])
	require.True(t, ok)
	assert.Equal(t, models.TaskLabeled, stored.Status)
	require.NotNil(t, stored.AssignedLabel)
	assert.Equal(t, 3, *stored.AssignedLabel)
	assert.Equal(t, 0.9, stored.LabelerConfidence)

	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Equal(t, 3, source.labels[1])
}

func TestSubmitLabelTransitions(t *testing.T) {
	q := newTestQueue(newFakeSource(sample(1, 0.2, 1)))
	taskIDs, err := q.CreateBatch(1, StrategyUncertainty, "")
	require.NoError(t, err)

	// Labeling straight from pending is allowed.
	require.NoError(t, q.SubmitLabel(taskIDs[0], 1, "alice", 1.0, ""))

	err = q.SubmitLabel(taskIDs[0], 2, "alice", 1.0, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = q.SubmitLabel(999, 1, "alice", 1.0, "")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSkipAndDisputeRules(t *testing.T) {
	q := newTestQueue(newFakeSource(sample(1, 0.2, 1), sample(2, 0.3, 1)))
	taskIDs, err := q.CreateBatch(2, StrategyUncertainty, "")
	require.NoError(t, err)

	// Disputing requires a labeled task and a reason.
	assert.ErrorIs(t, q.DisputeTask(taskIDs[0], ""), ErrReasonRequired)
	assert.ErrorIs(t, q.DisputeTask(taskIDs[0], "wrong class"), ErrInvalidTransition)

	require.NoError(t, q.SubmitLabel(taskIDs[0], 1, "alice", 1.0, ""))
	require.NoError(t, q.DisputeTask(taskIDs[0], "wrong class"))

	task, ok := q.Task(taskIDs[0])
	require.True(t, ok)
	assert.Equal(t, models.TaskDisputed, task.Status)

	// Skipping needs no reason but only works on live tasks.
	require.NoError(t, q.SkipTask(taskIDs[1], ""))
	assert.ErrorIs(t, q.SkipTask(taskIDs[1], ""), ErrInvalidTransition)
	assert.ErrorIs(t, q.SkipTask(999, ""), ErrTaskNotFound)
}

func TestLabelerStatsAgreement(t *testing.T) {
	q := newTestQueue(newFakeSource(sample(1, 0.2, 1), sample(2, 0.3, 2)))
	_, err := q.CreateBatch(2, StrategyUncertainty, "")
	require.NoError(t, err)

	first := q.NextTask("alice")
	require.NotNil(t, first)
	require.NoError(t, q.SubmitLabel(first.TaskID, first.PredictedLabel, "alice", 1.0, ""))

	second := q.NextTask("alice")
	require.NotNil(t, second)
	require.NoError(t, q.SubmitLabel(second.TaskID, second.PredictedLabel+1, "alice", 1.0, ""))

	stats, ok := q.LabelerStatsFor("alice")
	require.True(t, ok)
	assert.Equal(t, 2, stats.Completed)
	assert.InDelta(t, 0.5, stats.AgreementRate, 1e-9)
	assert.Greater(t, stats.AvgTimeSeconds, 0.0)

	queueStats := q.Stats()
	assert.Equal(t, 2, queueStats.Completed)
	assert.InDelta(t, 0.5, queueStats.AgreementWithModel, 1e-9)
}

func TestDistribution(t *testing.T) {
	q := newTestQueue(newFakeSource(sample(1, 0.2, 0), sample(2, 0.3, 0), sample(3, 0.4, 0)))
	taskIDs, err := q.CreateBatch(3, StrategyUncertainty, "")
	require.NoError(t, err)

	require.NoError(t, q.SubmitLabel(taskIDs[0], 0, "alice", 1.0, ""))
	require.NoError(t, q.SubmitLabel(taskIDs[1], 3, "alice", 1.0, ""))
	require.NoError(t, q.SubmitLabel(taskIDs[2], 3, "alice", 1.0, ""))

	dist := q.Distribution()
	assert.Equal(t, 1, dist["Normal"])
	assert.Equal(t, 2, dist["Bearing Fault"])
}

func TestExportCSV(t *testing.T) {
	q := newTestQueue(newFakeSource(sample(2, 0.2, 1), sample(1, 0.3, 2)))
	taskIDs, err := q.CreateBatch(2, StrategyUncertainty, "")
	require.NoError(t, err)

	for _, id := range taskIDs {
		require.NoError(t, q.SubmitLabel(id, 4, "alice", 0.8, ""))
	}

	data, err := q.ExportLabeled("csv", false)
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"sample_id", "device_id", "predicted_label", "assigned_label", "confidence", "labeler_confidence"}, records[0])
	// Rows come out in task creation order.
	assert.Equal(t, "2", records[1][0])
	assert.Equal(t, "1", records[2][0])
	assert.Equal(t, "4", records[1][3])

	_, err = q.ExportLabeled("xml", false)
	assert.Error(t, err)
}

func TestSelectDiverseSpansSpectrum(t *testing.T) {
	samples := make([]*models.Sample, 0, 10)
	for i := 0; i < 10; i++ {
		samples = append(samples, sample(int64(i+1), float64(i)/10.0, 1))
	}

	selected := selectDiverse(samples, 3)
	require.Len(t, selected, 3)
	// Evenly spaced over the confidence-sorted list.
	assert.Equal(t, int64(1), selected[0].ID)
	assert.Equal(t, int64(4), selected[1].ID)
	assert.Equal(t, int64(7), selected[2].ID)
}
