package routes

import (
	"github.com/gin-gonic/gin"

	"modelplane/internal/handlers"
)

// OllamaRoutes registers the Ollama instance tree, a mirror of
// ContainerRoutes plus the model sub-resource (§6 `/ollama/…`).
type OllamaRoutes struct {
	instances *handlers.InstanceHandler
	models    *handlers.ModelHandler
}

func NewOllamaRoutes(instances *handlers.InstanceHandler, models *handlers.ModelHandler) *OllamaRoutes {
	return &OllamaRoutes{instances: instances, models: models}
}

func (r *OllamaRoutes) RegisterRoutes(router *gin.RouterGroup) {
	ollama := router.Group("/ollama")
	{
		ollama.GET("", r.instances.List)
		ollama.GET("/with-orphan-check", r.instances.ListWithOrphanCheck)
		ollama.GET("/orphans", r.instances.DetectOrphans)
		ollama.POST("/orphans/import", r.instances.ImportOrphans)
		ollama.POST("", r.instances.Create)
		ollama.GET("/:id", r.instances.Get)
		ollama.PUT("/:id", r.instances.Update)
		ollama.DELETE("/:id", r.instances.Remove)
		ollama.GET("/:id/logs", r.instances.Logs)
		ollama.POST("/:id/start", r.instances.Start)
		ollama.POST("/:id/stop", r.instances.Stop)
		ollama.POST("/:id/restart", r.instances.Restart)

		ollama.GET("/:id/models", r.models.List)
		ollama.POST("/:id/models", r.models.Pull)
		ollama.DELETE("/:id/models/:name", r.models.Delete)
	}
}
