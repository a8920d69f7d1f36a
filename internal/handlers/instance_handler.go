// Package handlers implements the Control API (§4.8): Gin handlers that
// validate input, delegate to the Instance Manager / Model Puller /
// GPU Inventory, and map results to status codes via apperr, in the
// teacher's handler style (struct wrapping a service, one method per
// endpoint, responses.Success/Fail for the envelope).
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"modelplane/internal/apperr"
	"modelplane/internal/gpu"
	"modelplane/internal/models"
	"modelplane/internal/reconciler"
	"modelplane/internal/responses"
	"modelplane/internal/services"
)

// InstanceHandler serves both /containers (vLLM) and /ollama (Ollama)
// trees: the two surfaces are a mirror of each other (§6), so one
// handler parameterized by kind avoids duplicating every method.
type InstanceHandler struct {
	kind    models.Kind
	manager *services.InstanceManager
	rc      *reconciler.Reconciler
}

func NewInstanceHandler(kind models.Kind, manager *services.InstanceManager, rc *reconciler.Reconciler) *InstanceHandler {
	return &InstanceHandler{kind: kind, manager: manager, rc: rc}
}

// createInstanceBody mirrors §6's POST /containers body fields.
type createInstanceBody struct {
	Name                 string  `json:"name"`
	ModelName            string  `json:"modelName"`
	APIKey               string  `json:"apiKey"`
	RequireAuth          bool    `json:"requireAuth"`
	Hostname             string  `json:"hostname"`
	GPUSelection         string  `json:"gpuSelection"`
	MaxContextLength     int     `json:"maxContextLength"`
	GPUMemoryUtilization float64 `json:"gpuMemoryUtilization"`
	MaxNumSeqs           int     `json:"maxNumSeqs"`
	TrustRemoteCode      bool    `json:"trustRemoteCode"`
	Quantization         string  `json:"quantization"`
	TensorParallelSize   int     `json:"tensorParallelSize"`
}

// parseGPUSelection accepts the well-known preference keywords, or any
// other non-empty value as a specific device id/index (§4.3).
func parseGPUSelection(raw string) gpu.Preference {
	switch raw {
	case "", "auto":
		return gpu.Auto()
	case "cpu":
		return gpu.CPU()
	case "first":
		return gpu.First()
	case "least_used":
		return gpu.LeastUsed()
	default:
		return gpu.Specific(raw)
	}
}

func (h *InstanceHandler) Create(c *gin.Context) {
	var body createInstanceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		responses.Fail(c, http.StatusBadRequest, err, "invalid request body")
		return
	}

	req := services.CreateRequest{
		Kind:                 h.kind,
		Name:                 body.Name,
		Hostname:             body.Hostname,
		ModelRef:             body.ModelName,
		RequestedAPIKey:      body.APIKey,
		RequireAuth:          body.RequireAuth,
		GPUPreference:        parseGPUSelection(body.GPUSelection),
		MaxContextLength:     body.MaxContextLength,
		GPUMemoryUtilization: body.GPUMemoryUtilization,
		MaxNumSeqs:           body.MaxNumSeqs,
		TrustRemoteCode:      body.TrustRemoteCode,
		Quantization:         body.Quantization,
		TensorParallelSize:   body.TensorParallelSize,
	}

	result, err := h.manager.Create(c.Request.Context(), req)
	if err != nil {
		failWithErr(c, err, "failed to create instance")
		return
	}

	data := gin.H{"instance": result.Instance}
	if result.PlaintextAPIKey != "" {
		data["apiKey"] = result.PlaintextAPIKey
	}
	responses.Success(c, http.StatusCreated, data, "instance created")
}

func (h *InstanceHandler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var body createInstanceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		responses.Fail(c, http.StatusBadRequest, err, "invalid request body")
		return
	}

	req := services.UpdateRequest{
		Kind:                 h.kind,
		Name:                 body.Name,
		Hostname:             body.Hostname,
		ModelRef:             body.ModelName,
		RequestedAPIKey:      body.APIKey,
		RequireAuth:          body.RequireAuth,
		GPUPreference:        parseGPUSelection(body.GPUSelection),
		MaxContextLength:     body.MaxContextLength,
		GPUMemoryUtilization: body.GPUMemoryUtilization,
		MaxNumSeqs:           body.MaxNumSeqs,
		TrustRemoteCode:      body.TrustRemoteCode,
		Quantization:         body.Quantization,
		TensorParallelSize:   body.TensorParallelSize,
	}

	inst, err := h.manager.Update(c.Request.Context(), id, req)
	if err != nil {
		failWithErr(c, err, "failed to update instance")
		return
	}
	responses.Success(c, http.StatusOK, gin.H{"instance": inst}, "instance updated")
}

func (h *InstanceHandler) List(c *gin.Context) {
	kind := h.kind
	insts, err := h.manager.List(c.Request.Context(), &kind)
	if err != nil {
		failWithErr(c, err, "failed to list instances")
		return
	}
	responses.Success(c, http.StatusOK, gin.H{"instances": insts}, "")
}

func (h *InstanceHandler) ListWithOrphanCheck(c *gin.Context) {
	kind := h.kind
	insts, warning, err := h.manager.ListWithReconcile(c.Request.Context(), &kind)
	if err != nil {
		failWithErr(c, err, "failed to list instances")
		return
	}
	data := gin.H{"instances": insts}
	if warning != "" {
		data["warning"] = warning
	}
	responses.Success(c, http.StatusOK, data, "")
}

func (h *InstanceHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	inst, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		failWithErr(c, err, "failed to get instance")
		return
	}
	responses.Success(c, http.StatusOK, gin.H{"instance": inst}, "")
}

func (h *InstanceHandler) Start(c *gin.Context) {
	h.lifecycle(c, h.manager.Start, "instance started")
}

func (h *InstanceHandler) Stop(c *gin.Context) {
	h.lifecycle(c, h.manager.Stop, "instance stopped")
}

func (h *InstanceHandler) Restart(c *gin.Context) {
	h.lifecycle(c, h.manager.Restart, "instance restarted")
}

// lifecycleOp matches the signature shared by InstanceManager's
// Start/Stop/Restart methods.
type lifecycleOp func(ctx context.Context, id uuid.UUID) (*models.Instance, error)

func (h *InstanceHandler) lifecycle(c *gin.Context, op lifecycleOp, message string) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	inst, err := op(c.Request.Context(), id)
	if err != nil {
		failWithErr(c, err, "lifecycle operation failed")
		return
	}
	responses.Success(c, http.StatusOK, gin.H{"instance": inst}, message)
}

func (h *InstanceHandler) Remove(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.manager.Remove(c.Request.Context(), id); err != nil {
		failWithErr(c, err, "failed to remove instance")
		return
	}
	responses.Success(c, http.StatusOK, nil, "instance removed")
}

func (h *InstanceHandler) Logs(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	tail := 200
	if raw := c.Query("tail"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			tail = n
		}
	}
	logs, err := h.manager.Logs(c.Request.Context(), id, tail)
	if err != nil {
		failWithErr(c, err, "failed to fetch logs")
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", logs)
}

func (h *InstanceHandler) DetectOrphans(c *gin.Context) {
	autoImport := c.Query("autoImport") == "true"

	candidates, err := h.rc.DetectOrphans(c.Request.Context(), h.kind)
	if err != nil {
		failWithErr(c, err, "failed to detect orphans")
		return
	}

	if !autoImport {
		responses.Success(c, http.StatusOK, gin.H{"orphans": candidates}, "")
		return
	}

	ids := make([]string, len(candidates))
	for i, cand := range candidates {
		ids[i] = cand.ContainerID
	}
	imported, err := h.rc.ImportByContainerIDs(c.Request.Context(), h.kind, ids)
	if err != nil {
		failWithErr(c, err, "failed to import orphans")
		return
	}
	responses.Success(c, http.StatusOK, gin.H{"orphans": candidates, "imported": imported}, "")
}

type importOrphansBody struct {
	ContainerIDs []string `json:"containerIds"`
}

func (h *InstanceHandler) ImportOrphans(c *gin.Context) {
	var body importOrphansBody
	if err := c.ShouldBindJSON(&body); err != nil {
		responses.Fail(c, http.StatusBadRequest, err, "invalid request body")
		return
	}
	imported, err := h.rc.ImportByContainerIDs(c.Request.Context(), h.kind, body.ContainerIDs)
	if err != nil {
		failWithErr(c, err, "failed to import orphans")
		return
	}
	responses.Success(c, http.StatusOK, gin.H{"imported": imported}, "")
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		responses.Fail(c, http.StatusBadRequest, err, "invalid instance id")
		return uuid.UUID{}, false
	}
	return id, true
}

// failWithErr maps an apperr.Error to its HTTP status (§7); any other
// error is treated as internal.
func failWithErr(c *gin.Context, err error, message string) {
	responses.Fail(c, apperr.HTTPStatus(apperr.KindOf(err)), err, message)
}
