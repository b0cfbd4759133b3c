package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

func newLoggedRouter(t *testing.T) (*gin.Engine, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	r := gin.New()
	r.Use(AttachTraceContext())
	r.Use(AttachSessionContext())
	r.Use(RequestLogger(logger.FromCore(core)))
	r.GET("/healthcheck", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/generations/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	return r, logs
}

func TestRequestLoggerSkipsHealthyHealthChecks(t *testing.T) {
	r, logs := newLoggedRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	if logs.Len() != 0 {
		t.Fatalf("health check logged: %d entries", logs.Len())
	}
}

func TestRequestLoggerRecordsRouteAndIdentity(t *testing.T) {
	r, logs := newLoggedRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/generations/abc", nil)
	req.Header.Set(headerStudentID, "s1")
	req.Header.Set(headerRequestID, "req-7")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Header().Get(headerRequestID) != "req-7" {
		t.Fatalf("request id echo: got=%q", rec.Header().Get(headerRequestID))
	}
	if rec.Header().Get(headerTraceID) == "" {
		t.Fatalf("trace id should be generated")
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries: want=1 got=%d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("level: want=warn got=%s", entries[0].Level)
	}
	fields := entries[0].ContextMap()
	if fields["route"] != "/api/generations/:id" || fields["resource_id"] != "abc" {
		t.Fatalf("fields: %v", fields)
	}
	if fields["request_id"] != "req-7" || fields["student_id"] != "s1" {
		t.Fatalf("context fields: %v", fields)
	}
}
