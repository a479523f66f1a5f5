package observability

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/flowctl/internal/logging"
)

// RequestLogger logs every request on the named component logger, escalating
// the level with the response status.
func RequestLogger(server string) gin.HandlerFunc {
	logger := logging.For(server)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", routePath(c)).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("observability.RequestLogger request served")
	}
}

// RequestMetrics records the request counter and latency histogram under the
// serving component's label.
func RequestMetrics(server string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordHTTPRequest(server, c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
	}
}

// routePath prefers the registered route pattern over the raw URL so the
// path label stays bounded.
func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}
