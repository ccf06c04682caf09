package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/schoolworks/finance-api/internal/service"
)

// Metrics times every request against its route template so unmatched
// paths cannot explode label cardinality.
func Metrics(metricsSvc *service.MetricsService) gin.HandlerFunc {
	if metricsSvc == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
