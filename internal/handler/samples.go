package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fleet-control/internal/models"
	"fleet-control/internal/samplestore"
)

// SampleHandler handles the device ingestion boundary.
type SampleHandler struct {
	store  *samplestore.Store
	logger *zap.Logger
}

// NewSampleHandler creates a new sample ingestion handler.
func NewSampleHandler(store *samplestore.Store, logger *zap.Logger) *SampleHandler {
	return &SampleHandler{store: store, logger: logger}
}

// RegisterRoutes registers ingestion routes.
func (h *SampleHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/samples", h.IngestSample)
	api.POST("/samples/batch", h.IngestBatch)
	api.GET("/samples/stats", h.GetStats)
}

// IngestSample accepts a single sample envelope.
// POST /api/v1/samples
func (h *SampleHandler) IngestSample(c *gin.Context) {
	var env models.SampleEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	sampleID, err := h.store.Ingest(&env)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "sample_id": sampleID})
}

// IngestBatch accepts a batch of samples under one device id. Invalid
// elements are skipped, never abort the batch.
// POST /api/v1/samples/batch
func (h *SampleHandler) IngestBatch(c *gin.Context) {
	var batch models.SampleBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	count := h.store.IngestBatch(batch.DeviceID, batch.Samples)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "received": count})
}

// GetStats returns the sample store aggregate.
// GET /api/v1/samples/stats
func (h *SampleHandler) GetStats(c *gin.Context) {
	stats, err := h.store.StatsSummary()
	if err != nil {
		h.logger.Error("Failed to read sample stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Failed to read sample stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "stats": stats})
}
