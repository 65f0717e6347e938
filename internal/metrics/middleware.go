package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/csvgate/csvgate/internal/logging"
)

// Middleware records HTTP metrics for each request. Scrapes of skipPaths are not
// recorded.
func Middleware(m *Metrics, logger *logging.Logger, skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		start := time.Now()
		m.IncHTTPRequestsInFlight()
		defer m.DecHTTPRequestsInFlight()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}

		m.RecordRequestLatency(endpoint, c.Request.Method, status, duration)
		m.RecordHTTPRequest(endpoint, c.Request.Method, status)

		if len(c.Errors) > 0 {
			m.RecordError("handler", endpoint, c.Request.Method)
			logger.ErrorWithContext(c.Request.Context(), "request error",
				"endpoint", endpoint, "status", status, "error", c.Errors.String())
		}
	}
}
