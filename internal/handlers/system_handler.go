package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"modelplane/internal/gpu"
	"modelplane/internal/repositories"
	"modelplane/internal/responses"
)

// SystemHandler serves the GPU inventory endpoints (§6 `/system/gpu…`).
type SystemHandler struct {
	inventory *gpu.Inventory
	instances *repositories.InstanceRepository
}

func NewSystemHandler(inventory *gpu.Inventory, instances *repositories.InstanceRepository) *SystemHandler {
	return &SystemHandler{inventory: inventory, instances: instances}
}

// GPU returns the cached device topology (§6 GET /system/gpu).
func (h *SystemHandler) GPU(c *gin.Context) {
	if err := h.inventory.Discover(c.Request.Context()); err != nil {
		failWithErr(c, err, "failed to discover gpus")
		return
	}
	responses.Success(c, http.StatusOK, gin.H{
		"devices": h.inventory.Devices(),
		"cpuOnly": h.inventory.CPUOnly(),
	}, "")
}

// Available reports devices not yet at capacity, currently every
// discovered device: the control plane has no per-device instance cap,
// so "available" degrades to "discovered" (§6 GET /system/gpu/available).
func (h *SystemHandler) Available(c *gin.Context) {
	if err := h.inventory.Discover(c.Request.Context()); err != nil {
		failWithErr(c, err, "failed to discover gpus")
		return
	}
	responses.Success(c, http.StatusOK, gin.H{"devices": h.inventory.Devices()}, "")
}

// Stats returns the derived GPU Usage View (§3, §4.3) alongside device
// topology (§6 GET /system/gpu/stats).
func (h *SystemHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.inventory.Discover(ctx); err != nil {
		failWithErr(c, err, "failed to discover gpus")
		return
	}
	counts, err := h.instances.CountRunningByGPU(ctx)
	if err != nil {
		failWithErr(c, err, "failed to compute gpu usage")
		return
	}
	responses.Success(c, http.StatusOK, gin.H{
		"devices": h.inventory.Devices(),
		"usage":   counts,
	}, "")
}

// Refresh forces rediscovery (§6 POST /system/refresh-gpu).
func (h *SystemHandler) Refresh(c *gin.Context) {
	if err := h.inventory.Refresh(c.Request.Context()); err != nil {
		failWithErr(c, err, "failed to refresh gpus")
		return
	}
	responses.Success(c, http.StatusOK, gin.H{"devices": h.inventory.Devices()}, "gpu inventory refreshed")
}
