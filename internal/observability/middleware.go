package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const metricsPath = "/metrics"

// AdminAccessLog writes one structured line per admin request, tagged
// with the node that serves it. Scrapes of /metrics log at debug.
func AdminAccessLog(logger zerolog.Logger, node string) gin.HandlerFunc {
	logger = logger.With().Str("component", "observability.admin").Str("node", node).Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := routePath(c)
		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case path == metricsPath:
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Int("bytes", c.Writer.Size()).
			Msg("observability.admin.request")
	}
}

// AdminRequestMetrics counts admin requests per route. /metrics itself is
// not counted so scrapes do not inflate linkctl_http_requests_total.
func AdminRequestMetrics(node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := routePath(c)
		if path == metricsPath {
			return
		}
		RecordHTTPRequest(node, c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// routePath is the matched route pattern, or "unmatched" so unknown URLs
// do not create one label per path.
func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}
