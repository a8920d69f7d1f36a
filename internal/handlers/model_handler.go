package handlers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"modelplane/internal/apperr"
	"modelplane/internal/puller"
	"modelplane/internal/repositories"
	"modelplane/internal/responses"
	"modelplane/internal/services"
)

// ModelHandler serves the Ollama-only model endpoints (§6:
// `/ollama/{id}/models`, `/ollama/{id}/models/{name}`).
type ModelHandler struct {
	manager *services.InstanceManager
	models  *repositories.OllamaModelRepository
	puller  *puller.Puller
}

func NewModelHandler(manager *services.InstanceManager, models *repositories.OllamaModelRepository, p *puller.Puller) *ModelHandler {
	return &ModelHandler{manager: manager, models: models, puller: p}
}

func (h *ModelHandler) List(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	recs, err := h.models.List(c.Request.Context(), id)
	if err != nil {
		failWithErr(c, err, "failed to list models")
		return
	}
	responses.Success(c, http.StatusOK, gin.H{"models": recs}, "")
}

type pullModelBody struct {
	Model string `json:"model"`
}

// Pull streams pull progress as server-sent events (§4.8: `data:` lines
// carry JSON progress records, closing on completion or error). The
// puller itself runs detached from this request's context (§5
// Cancellation), so an early client disconnect only stops frame
// delivery, never the underlying download.
func (h *ModelHandler) Pull(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var body pullModelBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Model == "" {
		responses.Fail(c, http.StatusBadRequest, err, "model is required")
		return
	}

	inst, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		failWithErr(c, err, "failed to load instance")
		return
	}
	if inst.Port == nil {
		responses.Fail(c, http.StatusConflict, nil, "instance has no allocated port")
		return
	}

	baseURL := fmt.Sprintf("http://localhost:%d", *inst.Port)
	events := h.puller.Start(c.Request.Context(), id, baseURL, body.Model)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent("progress", ev)
		return !ev.Done
	})
}

func (h *ModelHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if name == "" {
		responses.Fail(c, http.StatusBadRequest, nil, "model name is required")
		return
	}

	inst, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		failWithErr(c, err, "failed to load instance")
		return
	}
	if inst.Port == nil {
		responses.Fail(c, http.StatusConflict, nil, "instance has no allocated port")
		return
	}

	baseURL := fmt.Sprintf("http://localhost:%d", *inst.Port)
	if err := h.puller.Delete(c.Request.Context(), id, baseURL, name); err != nil {
		failWithErr(c, apperr.Driver(err), "failed to delete model")
		return
	}
	responses.Success(c, http.StatusOK, nil, "model deleted")
}
