package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fleet-control/internal/orchestrator"
)

// RetrainingHandler exposes manual retraining control and job introspection.
type RetrainingHandler struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewRetrainingHandler creates a new retraining handler.
func NewRetrainingHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *RetrainingHandler {
	return &RetrainingHandler{orch: orch, logger: logger}
}

// RegisterRoutes registers retraining routes.
func (h *RetrainingHandler) RegisterRoutes(api *gin.RouterGroup) {
	retrainingGroup := api.Group("/retraining")
	{
		retrainingGroup.POST("/trigger", h.Trigger)
		retrainingGroup.GET("/status", h.GetStatus)
		retrainingGroup.GET("/jobs/:id", h.GetJob)
		retrainingGroup.GET("/history", h.GetHistory)
	}
}

type triggerRequest struct {
	Reason string `json:"reason"`
}

// Trigger starts a retraining job immediately, bypassing the data gates.
// POST /api/v1/retraining/trigger
func (h *RetrainingHandler) Trigger(c *gin.Context) {
	var req triggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	jobID, err := h.orch.Trigger(req.Reason)
	if err != nil {
		if errors.Is(err, orchestrator.ErrJobInFlight) {
			c.JSON(http.StatusConflict, gin.H{"status": "error", "message": err.Error()})
			return
		}
		h.logger.Error("Failed to trigger retraining", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Failed to trigger retraining"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "job_id": jobID})
}

// GetStatus returns the in-flight job, or null when the orchestrator is idle.
// GET /api/v1/retraining/status
func (h *RetrainingHandler) GetStatus(c *gin.Context) {
	job, err := h.orch.JobStatus("")
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"job":            nil,
			"should_retrain": h.orch.ShouldRetrain(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"job":            job,
		"should_retrain": false,
	})
}

// GetJob returns one retraining job by id, current or historical.
// GET /api/v1/retraining/jobs/:id
func (h *RetrainingHandler) GetJob(c *gin.Context) {
	job, err := h.orch.JobStatus(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "Job not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "job": job})
}

// GetHistory returns finished jobs, most recent first.
// GET /api/v1/retraining/history?limit=20
func (h *RetrainingHandler) GetHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "jobs": h.orch.JobHistory(limit)})
}
