package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"rewardhub/internal/pricefeed"
)

// HealthReporter is implemented by the price feeds.
type HealthReporter interface {
	Health() pricefeed.HealthStatus
}

type HealthHandler struct {
	DB    *gorm.DB
	Feeds map[string]HealthReporter
}

func (h *HealthHandler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/readyz", h.ready)
}

// @Summary Health check
// @Tags health
// @Success 200 {object} map[string]any
// @Router /healthz [get]
func (h *HealthHandler) health(c *gin.Context) {
	feeds := make(map[string]pricefeed.HealthStatus, len(h.Feeds))
	for name, f := range h.Feeds {
		if f != nil {
			feeds[name] = f.Health()
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "feeds": feeds})
}

// @Summary Readiness check
// @Tags health
// @Success 200 {object} map[string]string
// @Router /readyz [get]
func (h *HealthHandler) ready(c *gin.Context) {
	if h.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_missing"})
		return
	}
	sqlDB, err := h.DB.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_error"})
		return
	}
	if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
