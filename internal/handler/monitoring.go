package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fleet-control/internal/labeling"
	"fleet-control/internal/orchestrator"
	"fleet-control/internal/registry"
	"fleet-control/internal/samplestore"
)

// MonitoringHandler serves the health probe and the operator dashboard.
type MonitoringHandler struct {
	store     *samplestore.Store
	queue     *labeling.Queue
	registry  *registry.Registry
	orch      *orchestrator.Orchestrator
	startedAt time.Time
	logger    *zap.Logger
}

// NewMonitoringHandler creates a new monitoring handler.
func NewMonitoringHandler(store *samplestore.Store, queue *labeling.Queue, reg *registry.Registry, orch *orchestrator.Orchestrator, logger *zap.Logger) *MonitoringHandler {
	return &MonitoringHandler{
		store:     store,
		queue:     queue,
		registry:  reg,
		orch:      orch,
		startedAt: time.Now(),
		logger:    logger,
	}
}

// RegisterRoutes registers the dashboard route. Health is registered at the
// root, outside the versioned group.
func (h *MonitoringHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/dashboard", h.GetDashboard)
}

// GetHealth is the liveness probe. It reports per-component health; a
// failing database degrades the overall status.
// GET /health
func (h *MonitoringHandler) GetHealth(c *gin.Context) {
	status := "ok"
	code := http.StatusOK

	dbStatus := "ok"
	if _, err := h.store.StatsSummary(); err != nil {
		h.logger.Error("Health check: database unreachable", zap.Error(err))
		dbStatus = "error"
		status = "error"
		code = http.StatusServiceUnavailable
	}

	production := "none"
	if model := h.registry.ProductionModel(); model != nil {
		production = model.Version
	}

	retraining := "idle"
	if job, err := h.orch.JobStatus(""); err == nil && !job.Status.Terminal() {
		retraining = string(job.Status)
	}

	c.JSON(code, gin.H{
		"status":         status,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"components": gin.H{
			"database":         dbStatus,
			"production_model": production,
			"retraining":       retraining,
		},
	})
}

// GetDashboard returns a single aggregate of every subsystem for the
// operator UI.
// GET /api/v1/dashboard
func (h *MonitoringHandler) GetDashboard(c *gin.Context) {
	stats, err := h.store.StatsSummary()
	if err != nil {
		h.logger.Error("Failed to build dashboard", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Failed to build dashboard"})
		return
	}

	summaries, err := h.store.DeviceSummaries("")
	if err != nil {
		h.logger.Error("Failed to build dashboard", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Failed to build dashboard"})
		return
	}

	now := time.Now()
	online := 0
	for _, s := range summaries {
		if s.LastSeen != nil && now.Sub(*s.LastSeen) < offlineThreshold {
			online++
		}
	}

	var currentJob interface{}
	if job, err := h.orch.JobStatus(""); err == nil {
		currentJob = job
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"dashboard": gin.H{
			"samples": stats,
			"fleet": gin.H{
				"total_devices":  len(summaries),
				"online_devices": online,
			},
			"labeling":         h.queue.Stats(),
			"production_model": h.registry.ProductionModel(),
			"retraining": gin.H{
				"current_job":    currentJob,
				"should_retrain": h.orch.ShouldRetrain(),
				"recent_jobs":    h.orch.JobHistory(5),
			},
		},
	})
}
