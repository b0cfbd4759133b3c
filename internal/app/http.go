package app

import (
	"context"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/cache"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/http"
	httpH "github.com/rich1edwards/vividly-mvp-sub011/internal/http/handlers"
	httpMW "github.com/rich1edwards/vividly-mvp-sub011/internal/http/middleware"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/pipeline"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/realtime"
)

type Handlers struct {
	Health     *httpH.HealthHandler
	Generation *httpH.GenerationHandler
	Artifact   *httpH.ArtifactHandler
	Realtime   *httpH.RealtimeHandler
}

func wireHandlers(
	log *logger.Logger,
	orch *pipeline.Orchestrator,
	cc *cache.ContentCache,
	hub *realtime.SSEHub,
	limiter *httpMW.RateLimiter,
	ping func(ctx context.Context) error,
) Handlers {
	log.Info("Wiring handlers...")
	var lim httpH.Limiter
	if limiter != nil {
		lim = limiter
	}
	return Handlers{
		Health:     httpH.NewHealthHandler(ping),
		Generation: httpH.NewGenerationHandler(log, orch, lim),
		Artifact:   httpH.NewArtifactHandler(log, cc),
		Realtime:   httpH.NewRealtimeHandler(log, hub, orch),
	}
}

func wireServer(log *logger.Logger, cfg Config, handlers Handlers) *http.Server {
	return http.NewServer(http.RouterConfig{
		Log:               log,
		ServiceName:       cfg.ServiceName,
		CORSOrigins:       cfg.CORSOrigins,
		MetricsEnabled:    cfg.MetricsEnabled,
		TracingEnabled:    cfg.TracingEnabled,
		GenerationHandler: handlers.Generation,
		ArtifactHandler:   handlers.Artifact,
		RealtimeHandler:   handlers.Realtime,
		HealthHandler:     handlers.Health,
	})
}
