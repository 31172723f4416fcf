package http

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"switchboard/internal/infra/observability"
	"switchboard/internal/shared/logging"
	id "switchboard/internal/shared/utils/id"
)

const logIDKey = "log_id"

func resolveLogID(c *gin.Context) string {
	for _, header := range []string{"X-Log-Id", "X-Request-Id", "X-Correlation-Id"} {
		if value := strings.TrimSpace(c.GetHeader(header)); value != "" {
			return value
		}
	}
	return ""
}

// LoggingMiddleware tags each request with a log id and logs it.
func LoggingMiddleware(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		logID := resolveLogID(c)
		if logID == "" {
			logID = id.NewKSUID()
		}
		c.Set(logIDKey, logID)
		c.Header("X-Log-Id", logID)

		started := time.Now()
		c.Next()

		reqLogger := logging.WithLogID(logger, logID)
		reqLogger.Info("%s %s -> %d (%s) from %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(started), c.ClientIP())
	}
}

// MetricsMiddleware records request counts and latency per route template.
func MetricsMiddleware(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metrics == nil {
			c.Next()
			return
		}
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(started))
	}
}

func requestLogger(c *gin.Context, logger logging.Logger) logging.Logger {
	return logging.WithLogID(logger, c.GetString(logIDKey))
}
