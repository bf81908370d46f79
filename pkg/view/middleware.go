package view

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alimk/ecowatch-sync/pkg/metrics"
)

// routeLabel is the matched route pattern, so ids in the path never become
// label values. Unmatched requests share one label.
func routeLabel(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "other"
}

func requestMetrics(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start)
		route := routeLabel(c)
		status := c.Writer.Status()
		// Scrapes and probes would drown everything else.
		if route != "/metrics" && route != "/healthz" {
			logger.Info("http request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"status", status,
				"remote", c.ClientIP(),
				"duration_ms", duration.Milliseconds(),
			)
		}
		metrics.ViewRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		metrics.ViewRequestDuration.WithLabelValues(c.Request.Method, route).Observe(duration.Seconds())
	}
}
