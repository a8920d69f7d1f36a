package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelplane/internal/handlers"
)

// RegisterRoutes wires every resource's routes under /api, plus the
// unauthenticated /metrics exposition endpoint, mirroring the teacher's
// top-level RegisterRoutes composer.
func RegisterRoutes(
	router *gin.Engine,
	containerHandler *handlers.InstanceHandler,
	ollamaInstanceHandler *handlers.InstanceHandler,
	modelHandler *handlers.ModelHandler,
	systemHandler *handlers.SystemHandler,
) {
	api := router.Group("/api")

	api.GET("/health", handlers.Health)

	NewContainerRoutes(containerHandler).RegisterRoutes(api)
	NewOllamaRoutes(ollamaInstanceHandler, modelHandler).RegisterRoutes(api)
	NewSystemRoutes(systemHandler).RegisterRoutes(api)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
