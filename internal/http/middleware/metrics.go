package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/observability"
)

// Metrics records request latency by route template. Event streams stay
// open for minutes and are tracked by the SSE client gauge instead.
func Metrics(enabled bool, skipRoutes ...string) gin.HandlerFunc {
	if !enabled {
		return func(c *gin.Context) { c.Next() }
	}
	skip := make(map[string]bool, len(skipRoutes))
	for _, r := range skipRoutes {
		skip[r] = true
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if skip[route] {
			return
		}
		if route == "" {
			route = "unmatched"
		}
		observability.ObserveHTTP(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
