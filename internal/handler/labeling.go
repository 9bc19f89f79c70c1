package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fleet-control/internal/labeling"
)

// LabelingHandler exposes the labeling queue to annotator frontends.
type LabelingHandler struct {
	queue            *labeling.Queue
	defaultBatchSize int
	logger           *zap.Logger
}

// NewLabelingHandler creates a new labeling queue handler.
func NewLabelingHandler(queue *labeling.Queue, defaultBatchSize int, logger *zap.Logger) *LabelingHandler {
	if defaultBatchSize <= 0 {
		defaultBatchSize = 10
	}
	return &LabelingHandler{queue: queue, defaultBatchSize: defaultBatchSize, logger: logger}
}

// RegisterRoutes registers labeling routes.
func (h *LabelingHandler) RegisterRoutes(api *gin.RouterGroup) {
	labelingGroup := api.Group("/labeling")
	{
		labelingGroup.POST("/batch", h.CreateBatch)
		labelingGroup.GET("/next", h.NextTask)
		labelingGroup.POST("/claim", h.ClaimBatch)
		labelingGroup.POST("/submit", h.SubmitLabel)
		labelingGroup.POST("/skip", h.SkipTask)
		labelingGroup.POST("/dispute", h.DisputeTask)
		labelingGroup.GET("/tasks/:id", h.GetTask)
		labelingGroup.GET("/stats", h.GetStats)
		labelingGroup.GET("/labelers", h.GetAllLabelerStats)
		labelingGroup.GET("/labelers/:id", h.GetLabelerStats)
		labelingGroup.GET("/distribution", h.GetDistribution)
		labelingGroup.GET("/export", h.Export)
	}
}

type createBatchRequest struct {
	NumSamples int    `json:"num_samples"`
	Strategy   string `json:"strategy"`
	DeviceID   string `json:"device_id"`
}

// CreateBatch selects unlabeled samples and enqueues labeling tasks for them.
// POST /api/v1/labeling/batch
func (h *LabelingHandler) CreateBatch(c *gin.Context) {
	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	if req.NumSamples <= 0 {
		req.NumSamples = h.defaultBatchSize
	}
	if req.Strategy == "" {
		req.Strategy = labeling.StrategyUncertainty
	}

	taskIDs, err := h.queue.CreateBatch(req.NumSamples, req.Strategy, req.DeviceID)
	if err != nil {
		if errors.Is(err, labeling.ErrUnknownStrategy) {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
			return
		}
		h.logger.Error("Failed to create labeling batch", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Failed to create labeling batch"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "task_ids": taskIDs, "created": len(taskIDs)})
}

// NextTask hands the highest-priority pending task to the requesting labeler.
// GET /api/v1/labeling/next?labeler_id=...
func (h *LabelingHandler) NextTask(c *gin.Context) {
	labelerID := c.Query("labeler_id")
	if labelerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "labeler_id is required"})
		return
	}

	task := h.queue.NextTask(labelerID)
	if task == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "task": nil, "message": "No pending tasks"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "task": task})
}

type claimBatchRequest struct {
	LabelerID string `json:"labeler_id" binding:"required"`
	BatchSize int    `json:"batch_size"`
}

// ClaimBatch assigns up to batch_size pending tasks to one labeler.
// POST /api/v1/labeling/claim
func (h *LabelingHandler) ClaimBatch(c *gin.Context) {
	var req claimBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 5
	}

	tasks := h.queue.ClaimBatch(req.LabelerID, req.BatchSize)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tasks": tasks, "claimed": len(tasks)})
}

type submitLabelRequest struct {
	TaskID     int64    `json:"task_id" binding:"required"`
	Label      *int     `json:"label" binding:"required"`
	LabelerID  string   `json:"labeler_id" binding:"required"`
	Confidence *float64 `json:"confidence"`
	Notes      string   `json:"notes"`
}

// SubmitLabel records a human label for a task and writes it through to the
// sample store.
// POST /api/v1/labeling/submit
func (h *LabelingHandler) SubmitLabel(c *gin.Context) {
	var req submitLabelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	confidence := 1.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}

	if err := h.queue.SubmitLabel(req.TaskID, *req.Label, req.LabelerID, confidence, req.Notes); err != nil {
		h.respondQueueError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "task_id": req.TaskID})
}

type taskActionRequest struct {
	TaskID int64  `json:"task_id" binding:"required"`
	Reason string `json:"reason"`
}

// SkipTask marks a task as skipped.
// POST /api/v1/labeling/skip
func (h *LabelingHandler) SkipTask(c *gin.Context) {
	var req taskActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	if err := h.queue.SkipTask(req.TaskID, req.Reason); err != nil {
		h.respondQueueError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "task_id": req.TaskID})
}

// DisputeTask flags a labeled task for review.
// POST /api/v1/labeling/dispute
func (h *LabelingHandler) DisputeTask(c *gin.Context) {
	var req taskActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	if err := h.queue.DisputeTask(req.TaskID, req.Reason); err != nil {
		h.respondQueueError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "task_id": req.TaskID})
}

// GetTask returns one task by id.
// GET /api/v1/labeling/tasks/:id
func (h *LabelingHandler) GetTask(c *gin.Context) {
	taskID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "Invalid task id"})
		return
	}

	task, ok := h.queue.Task(taskID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "Task not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "task": task})
}

// GetStats returns queue counters grouped by status and priority.
// GET /api/v1/labeling/stats
func (h *LabelingHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "stats": h.queue.Stats()})
}

// GetAllLabelerStats returns per-labeler productivity counters.
// GET /api/v1/labeling/labelers
func (h *LabelingHandler) GetAllLabelerStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "labelers": h.queue.AllLabelerStats()})
}

// GetLabelerStats returns counters for one labeler.
// GET /api/v1/labeling/labelers/:id
func (h *LabelingHandler) GetLabelerStats(c *gin.Context) {
	stats, ok := h.queue.LabelerStatsFor(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "Labeler not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "labeler": stats})
}

// GetDistribution returns assigned-label counts by fault class name.
// GET /api/v1/labeling/distribution
func (h *LabelingHandler) GetDistribution(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "distribution": h.queue.Distribution()})
}

// Export streams completed labels as JSON or CSV.
// GET /api/v1/labeling/export?format=json&include_skipped=false
func (h *LabelingHandler) Export(c *gin.Context) {
	format := c.DefaultQuery("format", "json")
	includeSkipped := c.Query("include_skipped") == "true"

	data, err := h.queue.ExportLabeled(format, includeSkipped)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	contentType := "application/json"
	if format == "csv" {
		contentType = "text/csv"
	}
	c.Data(http.StatusOK, contentType, data)
}

func (h *LabelingHandler) respondQueueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, labeling.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": err.Error()})
	case errors.Is(err, labeling.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"status": "error", "message": err.Error()})
	case errors.Is(err, labeling.ErrReasonRequired):
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
	default:
		h.logger.Error("Labeling queue operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Internal error"})
	}
}
