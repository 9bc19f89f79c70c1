package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleet-control/internal/models"
)

type fakeNotifier struct {
	mu       sync.Mutex
	notified []string
}

func (f *fakeNotifier) NotifyUpdate(_ context.Context, deviceID string, _ models.UpdateNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, deviceID)
	return nil
}

type fakeDirectory struct {
	mu       sync.Mutex
	ids      []string
	versions map[string]string
}

func (f *fakeDirectory) ListDeviceIDs() ([]string, error) {
	return f.ids, nil
}

func (f *fakeDirectory) SetDeviceModelVersion(deviceID, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.versions == nil {
		f.versions = make(map[string]string)
	}
	f.versions[deviceID] = version
	return nil
}

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.tflite")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestRegistry(t *testing.T, devices DeviceDirectory) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := NewRegistry(dir, &fakeNotifier{}, devices, zap.NewNop())
	require.NoError(t, err)
	return r, dir
}

func TestRegisterModel(t *testing.T) {
	r, dir := newTestRegistry(t, nil)
	artifact := writeArtifact(t, "weights-v1")

	model, err := r.RegisterModel(artifact, "v1", 0.91, map[string]string{"triggered_by": "manual"})
	require.NoError(t, err)
	assert.Equal(t, "v1", model.Version)
	assert.Equal(t, int64(len("weights-v1")), model.SizeBytes)
	assert.Len(t, model.HashSHA256, 64)
	assert.False(t, model.IsProduction)
	assert.Equal(t, filepath.Join(dir, "model_v1.tflite"), model.ArtifactPath)

	// Artifact is copied into managed storage.
	copied, err := os.ReadFile(model.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, "weights-v1", string(copied))

	info, ok := r.ModelInfo("v1")
	require.True(t, ok)
	assert.Equal(t, model.HashSHA256, info.HashSHA256)

	_, err = r.RegisterModel(artifact, "v1", 0.91, nil)
	assert.ErrorIs(t, err, ErrVersionExists)

	_, err = r.RegisterModel(filepath.Join(dir, "missing.tflite"), "v2", 0.5, nil)
	assert.ErrorIs(t, err, ErrArtifactMissing)
}

func TestDeployPromotesSingleProduction(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeDirectory{ids: []string{"motor-01"}})

	_, err := r.RegisterModel(writeArtifact(t, "one"), "v1", 0.90, nil)
	require.NoError(t, err)
	_, err = r.RegisterModel(writeArtifact(t, "two"), "v2", 0.93, nil)
	require.NoError(t, err)

	_, err = r.Deploy("v1", nil)
	require.NoError(t, err)
	_, err = r.Deploy("v2", nil)
	require.NoError(t, err)

	prod := r.ProductionModel()
	require.NotNil(t, prod)
	assert.Equal(t, "v2", prod.Version)

	v1, ok := r.ModelInfo("v1")
	require.True(t, ok)
	assert.False(t, v1.IsProduction)

	_, err = r.Deploy("v9", nil)
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestRolloutAccounting(t *testing.T) {
	directory := &fakeDirectory{}
	r, _ := newTestRegistry(t, directory)

	var completedMu sync.Mutex
	var completed []*models.DeploymentJob
	r.OnDeploymentCompleted = func(job *models.DeploymentJob) {
		completedMu.Lock()
		defer completedMu.Unlock()
		completed = append(completed, job)
	}

	_, err := r.RegisterModel(writeArtifact(t, "one"), "v1", 0.90, nil)
	require.NoError(t, err)

	deploymentID, err := r.Deploy("v1", []string{"motor-01", "motor-02", "motor-03"})
	require.NoError(t, err)

	job, ok := r.DeploymentStatus(deploymentID)
	require.True(t, ok)
	assert.Equal(t, models.DeploymentRollingOut, job.Status)

	require.NoError(t, r.ReportDeviceStatus("motor-01", "downloading", "", ""))
	require.NoError(t, r.ReportDeviceStatus("motor-01", "completed", "v1", ""))
	require.NoError(t, r.ReportDeviceStatus("motor-02", "failed", "", "flash write error"))

	job, ok = r.DeploymentStatus(deploymentID)
	require.True(t, ok)
	assert.Equal(t, models.DeploymentRollingOut, job.Status)
	assert.Equal(t, 1, job.SuccessCount)
	assert.Equal(t, 1, job.FailureCount)

	require.NoError(t, r.ReportDeviceStatus("motor-03", "completed", "v1", ""))

	// Every device resolved; the rollout completes despite the failure.
	job, ok = r.DeploymentStatus(deploymentID)
	require.True(t, ok)
	assert.Equal(t, models.DeploymentCompleted, job.Status)
	assert.Equal(t, 2, job.SuccessCount)
	assert.Equal(t, 1, job.FailureCount)
	require.NotNil(t, job.CompletedAt)

	completedMu.Lock()
	require.Len(t, completed, 1)
	assert.Equal(t, deploymentID, completed[0].DeploymentID)
	completedMu.Unlock()

	directory.mu.Lock()
	assert.Equal(t, "v1", directory.versions["motor-01"])
	assert.Equal(t, "v1", directory.versions["motor-03"])
	_, reported := directory.versions["motor-02"]
	assert.False(t, reported)
	directory.mu.Unlock()

	device, ok := r.DeviceDeploymentStatus("motor-02")
	require.True(t, ok)
	assert.Equal(t, models.DeviceUpdateFailed, device.Status)
	assert.Equal(t, "flash write error", device.ErrorMessage)

	assert.ErrorIs(t, r.ReportDeviceStatus("motor-99", "completed", "v1", ""), ErrUnknownDevice)
}

func TestUnknownDeviceStatusMapsToFailed(t *testing.T) {
	r, _ := newTestRegistry(t, nil)

	_, err := r.RegisterModel(writeArtifact(t, "one"), "v1", 0.90, nil)
	require.NoError(t, err)
	_, err = r.Deploy("v1", []string{"motor-01"})
	require.NoError(t, err)

	require.NoError(t, r.ReportDeviceStatus("motor-01", "exploded", "", ""))

	device, ok := r.DeviceDeploymentStatus("motor-01")
	require.True(t, ok)
	assert.Equal(t, models.DeviceUpdateFailed, device.Status)
}

func TestRollback(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeDirectory{ids: []string{"motor-01"}})

	_, err := r.RegisterModel(writeArtifact(t, "one"), "v1", 0.90, nil)
	require.NoError(t, err)

	// One deployed version is not enough to roll back from.
	_, err = r.Deploy("v1", nil)
	require.NoError(t, err)
	_, err = r.Rollback("")
	assert.ErrorIs(t, err, ErrNoRollbackTarget)

	_, err = r.RegisterModel(writeArtifact(t, "two"), "v2", 0.93, nil)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = r.Deploy("v2", nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = r.Rollback("")
	require.NoError(t, err)

	prod := r.ProductionModel()
	require.NotNil(t, prod)
	assert.Equal(t, "v1", prod.Version)

	_, err = r.Rollback("v9")
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestRegistryPersistence(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(dir, nil, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = r.RegisterModel(writeArtifact(t, "one"), "v1", 0.90, nil)
	require.NoError(t, err)
	_, err = r.Deploy("v1", []string{"motor-01"})
	require.NoError(t, err)

	// A fresh registry over the same directory sees the same catalog.
	reloaded, err := NewRegistry(dir, nil, nil, zap.NewNop())
	require.NoError(t, err)

	prod := reloaded.ProductionModel()
	require.NotNil(t, prod)
	assert.Equal(t, "v1", prod.Version)
	assert.True(t, prod.IsProduction)

	versions := reloaded.ListVersions()
	require.Len(t, versions, 1)
	assert.Equal(t, "v1", versions[0].Version)
}

func TestListVersionsDescending(t *testing.T) {
	r, _ := newTestRegistry(t, nil)

	for _, v := range []string{"v20260101_000000", "v20260301_000000", "v20260201_000000"} {
		_, err := r.RegisterModel(writeArtifact(t, v), v, 0.9, nil)
		require.NoError(t, err)
	}

	versions := r.ListVersions()
	require.Len(t, versions, 3)
	assert.Equal(t, "v20260301_000000", versions[0].Version)
	assert.Equal(t, "v20260201_000000", versions[1].Version)
	assert.Equal(t, "v20260101_000000", versions[2].Version)
}
