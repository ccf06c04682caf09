package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/schoolworks/finance-api/internal/service"
)

// MetricsHandler serves the liveness, readiness and Prometheus
// endpoints outside the versioned API surface.
type MetricsHandler struct {
	metrics *service.MetricsService
	started time.Time
}

func NewMetricsHandler(metrics *service.MetricsService) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, started: time.Now()}
}

func (h *MetricsHandler) Prometheus(c *gin.Context) {
	if h.metrics == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

func (h *MetricsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}
