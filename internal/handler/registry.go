package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fleet-control/internal/models"
	"fleet-control/internal/registry"
)

// RegistryHandler exposes the model registry and rollout tracking.
type RegistryHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewRegistryHandler creates a new model registry handler.
func NewRegistryHandler(reg *registry.Registry, logger *zap.Logger) *RegistryHandler {
	return &RegistryHandler{registry: reg, logger: logger}
}

// RegisterRoutes registers model and deployment routes.
func (h *RegistryHandler) RegisterRoutes(api *gin.RouterGroup) {
	modelsGroup := api.Group("/models")
	{
		modelsGroup.GET("", h.ListModels)
		// "production" is a reserved version resolving to the promoted
		// model; gin's router cannot mix it as a static sibling of the
		// :version wildcard.
		modelsGroup.GET("/:version", h.GetModel)
		modelsGroup.GET("/:version/download", h.DownloadArtifact)
		modelsGroup.POST("/:version/deploy", h.Deploy)
	}
	deploymentsGroup := api.Group("/deployments")
	{
		deploymentsGroup.POST("/rollback", h.Rollback)
		deploymentsGroup.GET("/:id", h.GetDeployment)
	}
	api.POST("/devices/:id/update-status", h.ReportDeviceStatus)
}

// ListModels returns all registered model versions, newest first.
// GET /api/v1/models
func (h *RegistryHandler) ListModels(c *gin.Context) {
	versions := h.registry.ListVersions()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "models": versions, "count": len(versions)})
}

// GetModel returns one registered version. The reserved version
// "production" resolves to the currently promoted model, returned as null
// when nothing has been promoted yet.
// GET /api/v1/models/:version
func (h *RegistryHandler) GetModel(c *gin.Context) {
	version := c.Param("version")
	if version == "production" {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "model": h.registry.ProductionModel()})
		return
	}

	model, ok := h.registry.ModelInfo(version)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "Model version not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "model": model})
}

// DownloadArtifact serves the model artifact bytes for edge devices.
// GET /api/v1/models/:version/download
func (h *RegistryHandler) DownloadArtifact(c *gin.Context) {
	path, ok := h.registry.ArtifactPath(c.Param("version"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "Model version not found"})
		return
	}

	c.FileAttachment(path, "model.tflite")
}

type deployRequest struct {
	TargetDevices []string `json:"target_devices"`
}

// Deploy promotes a version to production and starts a fleet rollout.
// POST /api/v1/models/:version/deploy
func (h *RegistryHandler) Deploy(c *gin.Context) {
	var req deployRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
			return
		}
	}

	deploymentID, err := h.registry.Deploy(c.Param("version"), req.TargetDevices)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownVersion) {
			c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": err.Error()})
			return
		}
		h.logger.Error("Failed to start deployment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Failed to start deployment"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "deployment_id": deploymentID})
}

type rollbackRequest struct {
	ToVersion string `json:"to_version"`
}

// Rollback redeploys an earlier version, by default the previous one.
// POST /api/v1/deployments/rollback
func (h *RegistryHandler) Rollback(c *gin.Context) {
	var req rollbackRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
			return
		}
	}

	deploymentID, err := h.registry.Rollback(req.ToVersion)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrUnknownVersion):
			c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": err.Error()})
		case errors.Is(err, registry.ErrNoRollbackTarget):
			c.JSON(http.StatusConflict, gin.H{"status": "error", "message": err.Error()})
		default:
			h.logger.Error("Failed to roll back", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Failed to roll back"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "deployment_id": deploymentID})
}

// GetDeployment returns rollout progress for one deployment.
// GET /api/v1/deployments/:id
func (h *RegistryHandler) GetDeployment(c *gin.Context) {
	job, ok := h.registry.DeploymentStatus(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "Deployment not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "deployment": job})
}

// ReportDeviceStatus records a device's progress through an update.
// POST /api/v1/devices/:id/update-status
func (h *RegistryHandler) ReportDeviceStatus(c *gin.Context) {
	var report models.DeviceStatusReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	deviceID := c.Param("id")
	if err := h.registry.ReportDeviceStatus(deviceID, report.Status, report.CurrentVersion, report.Error); err != nil {
		if errors.Is(err, registry.ErrUnknownDevice) {
			c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": err.Error()})
			return
		}
		h.logger.Error("Failed to record device status", zap.Error(err), zap.String("device_id", deviceID))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Failed to record device status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
