package middleware

import (
	"time"

	"github.com/Dhoini/travel-entitlements/internal/metrics"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID заголовок с идентификатором запроса
const HeaderRequestID = "X-Request-ID"

const contextRequestIDKey = "requestID"

// RequestLogger логирует каждый запрос и пишет HTTP метрики. m может быть nil.
func RequestLogger(log *logger.Logger, m metrics.HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(contextRequestIDKey, requestID)
		c.Header(HeaderRequestID, requestID)

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		if m != nil {
			m.ObserveRequest(c.Request.Method, route, status, latency)
		}

		fields := []any{
			"status_code", status,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"latency_ms", latency.Milliseconds(),
			"client_ip", c.ClientIP(),
			"request_id", requestID,
		}
		switch {
		case status >= 500:
			log.Errorw("Request handled", fields...)
		case status >= 400:
			log.Warnw("Request handled", fields...)
		default:
			log.Infow("Request handled", fields...)
		}
	}
}

// RequestID возвращает идентификатор текущего запроса
func RequestID(c *gin.Context) string {
	return c.GetString(contextRequestIDKey)
}
