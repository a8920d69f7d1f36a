package routes

import (
	"github.com/gin-gonic/gin"

	"modelplane/internal/handlers"
)

// SystemRoutes registers the GPU inventory tree (§6 `/system/…`).
type SystemRoutes struct {
	handler *handlers.SystemHandler
}

func NewSystemRoutes(handler *handlers.SystemHandler) *SystemRoutes {
	return &SystemRoutes{handler: handler}
}

func (r *SystemRoutes) RegisterRoutes(router *gin.RouterGroup) {
	system := router.Group("/system")
	{
		system.GET("/gpu", r.handler.GPU)
		system.GET("/gpu/available", r.handler.Available)
		system.GET("/gpu/stats", r.handler.Stats)
		system.POST("/refresh-gpu", r.handler.Refresh)
	}
}
