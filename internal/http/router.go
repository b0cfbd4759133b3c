package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/rich1edwards/vividly-mvp-sub011/internal/http/handlers"
	httpMW "github.com/rich1edwards/vividly-mvp-sub011/internal/http/middleware"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/observability"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	ServiceName    string
	CORSOrigins    []string
	MetricsEnabled bool
	TracingEnabled bool

	GenerationHandler *httpH.GenerationHandler
	ArtifactHandler   *httpH.ArtifactHandler
	RealtimeHandler   *httpH.RealtimeHandler
	HealthHandler     *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.TracingEnabled {
		name := cfg.ServiceName
		if name == "" {
			name = "vividly"
		}
		r.Use(otelgin.Middleware(name))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.AttachSessionContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.MetricsEnabled, "/api/sse/stream"))
	r.Use(httpMW.CORS(cfg.CORSOrigins...))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(observability.Handler()))
	}

	api := r.Group("/api")
	{
		if cfg.GenerationHandler != nil {
			api.POST("/generations", cfg.GenerationHandler.Submit)
			api.GET("/generations/:id", cfg.GenerationHandler.Get)
			api.POST("/generations/:id/cancel", cfg.GenerationHandler.Cancel)
			api.GET("/students/:id/generations", cfg.GenerationHandler.ListByStudent)
		}

		if cfg.ArtifactHandler != nil {
			api.DELETE("/artifacts", cfg.ArtifactHandler.Invalidate)
		}

		// Realtime (SSE)
		if cfg.RealtimeHandler != nil {
			api.GET("/sse/stream", cfg.RealtimeHandler.SSEStream)
			api.POST("/sse/subscribe", cfg.RealtimeHandler.SSESubscribe)
			api.POST("/sse/unsubscribe", cfg.RealtimeHandler.SSEUnsubscribe)
		}
	}

	return r
}
