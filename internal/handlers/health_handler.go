package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Health serves the liveness probe (§6 GET /health).
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}
