package handler

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleet-control/internal/registry"
)

func setupRegistryRouter(t *testing.T) (*gin.Engine, *registry.Registry) {
	t.Helper()

	reg, err := registry.NewRegistry(t.TempDir(), nil, nil, zap.NewNop())
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	api := router.Group("/api/v1")
	NewRegistryHandler(reg, zap.NewNop()).RegisterRoutes(api)
	return router, reg
}

func registerVersion(t *testing.T, reg *registry.Registry, version string) {
	t.Helper()
	artifact := filepath.Join(t.TempDir(), "model.tflite")
	require.NoError(t, os.WriteFile(artifact, []byte("weights-"+version), 0o644))
	_, err := reg.RegisterModel(artifact, version, 0.9, nil)
	require.NoError(t, err)
}

func TestModelRoutes(t *testing.T) {
	router, reg := setupRegistryRouter(t)
	registerVersion(t, reg, "v1")

	w := doJSON(router, http.MethodGet, "/api/v1/models", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = doJSON(router, http.MethodGet, "/api/v1/models/v1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"v1"`)

	w = doJSON(router, http.MethodGet, "/api/v1/models/v9", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Nothing promoted yet: the reserved version resolves to null.
	w = doJSON(router, http.MethodGet, "/api/v1/models/production", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"model":null`)

	w = doJSON(router, http.MethodPost, "/api/v1/models/v1/deploy", `{"target_devices":["motor-01"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"deployment_id"`)

	w = doJSON(router, http.MethodGet, "/api/v1/models/production", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"v1"`)

	w = doJSON(router, http.MethodGet, "/api/v1/models/v1/download", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "weights-v1", w.Body.String())
}

func TestDeviceStatusRoute(t *testing.T) {
	router, reg := setupRegistryRouter(t)
	registerVersion(t, reg, "v1")

	_, err := reg.Deploy("v1", []string{"motor-01"})
	require.NoError(t, err)

	w := doJSON(router, http.MethodPost, "/api/v1/devices/motor-01/update-status",
		`{"status":"completed","current_version":"v1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/devices/motor-99/update-status",
		`{"status":"completed"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRollbackRoute(t *testing.T) {
	router, _ := setupRegistryRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/deployments/rollback", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}
