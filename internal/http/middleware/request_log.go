package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/ctxutil"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

// Health check routes are only logged when they fail.
var quietRoutes = map[string]bool{
	"/healthcheck": true,
	"/metrics":     true,
}

func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	if log == nil {
		return func(c *gin.Context) { c.Next() }
	}
	log = log.With("component", "HTTP")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if quietRoutes[route] && status < 400 {
			return
		}
		if route == "" {
			route = c.Request.URL.Path
		}

		fields := []interface{}{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if id := c.Param("id"); id != "" {
			fields = append(fields, "resource_id", id)
		}
		if td := ctxutil.GetTraceData(c.Request.Context()); td != nil {
			fields = append(fields, "trace_id", td.TraceID, "request_id", td.RequestID)
		}
		if sd := ctxutil.GetSessionData(c.Request.Context()); sd != nil && sd.StudentID != "" {
			fields = append(fields, "student_id", sd.StudentID)
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "error", c.Errors.String())
		}

		switch {
		case status >= 500:
			log.Error("HTTP request", fields...)
		case status >= 400:
			log.Warn("HTTP request", fields...)
		default:
			log.Info("HTTP request", fields...)
		}
	}
}
