package routes

import (
	"github.com/gin-gonic/gin"

	"modelplane/internal/handlers"
)

// ContainerRoutes registers the vLLM container tree (§6 `/containers…`).
type ContainerRoutes struct {
	handler *handlers.InstanceHandler
}

func NewContainerRoutes(handler *handlers.InstanceHandler) *ContainerRoutes {
	return &ContainerRoutes{handler: handler}
}

func (r *ContainerRoutes) RegisterRoutes(router *gin.RouterGroup) {
	containers := router.Group("/containers")
	{
		containers.GET("", r.handler.List)
		containers.GET("/with-orphan-check", r.handler.ListWithOrphanCheck)
		containers.GET("/orphans", r.handler.DetectOrphans)
		containers.POST("/orphans/import", r.handler.ImportOrphans)
		containers.POST("", r.handler.Create)
		containers.GET("/:id", r.handler.Get)
		containers.PUT("/:id", r.handler.Update)
		containers.DELETE("/:id", r.handler.Remove)
		containers.GET("/:id/logs", r.handler.Logs)
		containers.POST("/:id/start", r.handler.Start)
		containers.POST("/:id/stop", r.handler.Stop)
		containers.POST("/:id/restart", r.handler.Restart)
	}
}
