package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fleet-control/internal/registry"
	"fleet-control/internal/samplestore"
)

// A device that has not reported a sample for this long counts as offline.
const offlineThreshold = 10 * time.Minute

// FleetHandler exposes per-device fleet views combined from the sample
// store and the rollout tracker.
type FleetHandler struct {
	store    *samplestore.Store
	registry *registry.Registry
	logger   *zap.Logger
}

// NewFleetHandler creates a new fleet view handler.
func NewFleetHandler(store *samplestore.Store, reg *registry.Registry, logger *zap.Logger) *FleetHandler {
	return &FleetHandler{store: store, registry: reg, logger: logger}
}

// RegisterRoutes registers fleet routes.
func (h *FleetHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/devices", h.ListDevices)
	api.GET("/devices/:id", h.GetDevice)
}

type deviceView struct {
	DeviceID       string     `json:"device_id"`
	Online         bool       `json:"online"`
	TotalSamples   int        `json:"total_samples"`
	LabeledSamples int        `json:"labeled_samples"`
	LastSeen       *time.Time `json:"last_seen"`
	ModelVersion   string     `json:"model_version"`
}

// ListDevices returns every known device with an online flag derived from
// its last sample.
// GET /api/v1/devices
func (h *FleetHandler) ListDevices(c *gin.Context) {
	summaries, err := h.store.DeviceSummaries("")
	if err != nil {
		h.logger.Error("Failed to list devices", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Failed to list devices"})
		return
	}

	now := time.Now()
	views := make([]deviceView, 0, len(summaries))
	online := 0
	for _, s := range summaries {
		v := deviceView{
			DeviceID:       s.DeviceID,
			Online:         s.LastSeen != nil && now.Sub(*s.LastSeen) < offlineThreshold,
			TotalSamples:   s.TotalSamples,
			LabeledSamples: s.LabeledSamples,
			LastSeen:       s.LastSeen,
			ModelVersion:   s.ModelVersion,
		}
		if v.Online {
			online++
		}
		views = append(views, v)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"devices": views,
		"total":   len(views),
		"online":  online,
	})
}

// GetDevice returns one device's aggregate together with its active rollout
// record, if any.
// GET /api/v1/devices/:id
func (h *FleetHandler) GetDevice(c *gin.Context) {
	deviceID := c.Param("id")

	summaries, err := h.store.DeviceSummaries(deviceID)
	if err != nil {
		h.logger.Error("Failed to read device", zap.Error(err), zap.String("device_id", deviceID))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Failed to read device"})
		return
	}
	if len(summaries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "Device not found"})
		return
	}

	s := summaries[0]
	view := deviceView{
		DeviceID:       s.DeviceID,
		Online:         s.LastSeen != nil && time.Since(*s.LastSeen) < offlineThreshold,
		TotalSamples:   s.TotalSamples,
		LabeledSamples: s.LabeledSamples,
		LastSeen:       s.LastSeen,
		ModelVersion:   s.ModelVersion,
	}

	resp := gin.H{"status": "ok", "device": view}
	if dep, ok := h.registry.DeviceDeploymentStatus(deviceID); ok {
		resp["deployment"] = dep
	}
	c.JSON(http.StatusOK, resp)
}
