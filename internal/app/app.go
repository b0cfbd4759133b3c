package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/cache"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/clients/redis"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/data/db"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/http"
	httpMW "github.com/rich1edwards/vividly-mvp-sub011/internal/http/middleware"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/observability"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/pipeline"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/gcp"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/polly"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/renderer"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/realtime"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/realtime/bus"
)

type App struct {
	Log          *logger.Logger
	Cfg          Config
	DB           *gorm.DB
	Repos        Repos
	Cache        *cache.ContentCache
	Hub          *realtime.SSEHub
	Publisher    *realtime.Publisher
	Orchestrator *pipeline.Orchestrator
	Server       *http.Server

	redis        *goredis.Client
	bus          bus.Bus
	bucket       *gcp.ArtifactBucket
	limiter      *httpMW.RateLimiter
	closeDB      func() error
	otelShutdown func(context.Context) error

	cancel    context.CancelFunc
	closeOnce sync.Once
}

type dbService interface {
	DB() *gorm.DB
	AutoMigrateAll() error
	Close() error
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg, err := LoadConfig(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &App{Log: log, Cfg: cfg}
	if err := a.wire(context.Background()); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	log, cfg := a.Log, a.Cfg

	a.otelShutdown = observability.InitOTel(ctx, log, observability.OtelConfigFromEnv(cfg.ServiceName, cfg.Environment, cfg.Version))

	svc, err := openDB(log, cfg)
	if err != nil {
		return err
	}
	a.closeDB = svc.Close
	if err := svc.AutoMigrateAll(); err != nil {
		return fmt.Errorf("%s automigrate: %w", cfg.DBDriver, err)
	}
	a.DB = svc.DB()
	a.Repos = wireRepos(a.DB, log)

	var locker cache.Locker
	var emitter realtime.Emitter
	a.Hub = realtime.NewSSEHub(log, realtime.HubOptions{Heartbeat: cfg.SSEHeartbeat})
	if cfg.RedisAddr != "" {
		rdb, err := redis.NewClient(log, redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		a.redis = rdb
		rl, err := cache.NewRedisLocker(log, rdb, cfg.RedisLockPrefix)
		if err != nil {
			return fmt.Errorf("init redis locker: %w", err)
		}
		locker = rl
		b, err := bus.NewRedisBus(log, rdb, cfg.RedisChannel)
		if err != nil {
			return fmt.Errorf("init redis SSE bus: %w", err)
		}
		a.bus = b
		emitter = &bus.Emitter{Bus: b, Fallback: &realtime.HubEmitter{Hub: a.Hub}, Log: log}
	} else {
		log.Warn("REDIS_ADDR not set; generation lock and events are local to this instance")
		locker = cache.NewMemoryLocker()
		emitter = &realtime.HubEmitter{Hub: a.Hub}
	}

	a.Cache = cache.New(log, a.Repos.Artifacts, locker, cache.Options{
		LockTTL:      cfg.CacheLockTTL,
		AwaitTimeout: cfg.Pipeline.AwaitTimeout,
		ArtifactTTL:  cfg.CacheArtifactTTL,
		PollInterval: cfg.CachePollInterval,
	})
	a.Publisher = realtime.NewPublisher(log, emitter, realtime.PublisherOptions{QueueSize: cfg.EventQueueSize})

	llms, err := resolveLLM(log, cfg)
	if err != nil {
		return err
	}
	searcher, err := resolveSearcher(log)
	if err != nil {
		return err
	}
	bucket, err := resolveArtifactBucket(ctx, log)
	if err != nil {
		return err
	}
	a.bucket = bucket
	backends := stageBackends{LLM: llms, Searcher: searcher, Bucket: bucket}
	if cfg.PollyEnabled {
		backends.Speech = polly.NewSynthesizer(log, polly.ConfigFromEnv())
	}
	if cfg.RendererURL != "" {
		rc, err := renderer.New(log, renderer.Config{BaseURL: cfg.RendererURL, APIKey: cfg.RendererAPIKey}, nil)
		if err != nil {
			return fmt.Errorf("init renderer: %w", err)
		}
		backends.Renderer = rc
	}

	orch, err := pipeline.New(pipeline.Deps{
		Log:      log,
		DB:       a.DB,
		Requests: a.Repos.Requests,
		Runs:     a.Repos.Runs,
		Cache:    a.Cache,
		Events:   a.Publisher,
		Stages:   wireStages(log, cfg, backends),
	}, cfg.Pipeline)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	a.Orchestrator = orch

	a.limiter = httpMW.NewRateLimiter(cfg.SubmitRatePerMinute)
	handlers := wireHandlers(log, orch, a.Cache, a.Hub, a.limiter, a.ping)
	a.Server = wireServer(log, cfg, handlers)
	return nil
}

func openDB(log *logger.Logger, cfg Config) (dbService, error) {
	switch cfg.DBDriver {
	case "sqlite":
		s, err := db.NewSQLiteService(log, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
		return s, nil
	default:
		s, err := db.NewPostgresService(log)
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		return s, nil
	}
}

func (a *App) ping(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Start runs background work: orphan recovery, the cross-instance event
// forwarder and the rate limiter sweep.
func (a *App) Start() error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.Cfg.RecoverOrphans {
		if n, err := a.Orchestrator.RecoverOrphans(ctx); err != nil {
			a.Log.Warn("Orphaned run recovery failed", "error", err)
		} else if n > 0 {
			a.Log.Info("Marked orphaned runs as interrupted", "count", n)
		}
	}

	if a.bus != nil {
		if err := a.bus.StartForwarder(ctx, a.Hub.Broadcast); err != nil {
			return fmt.Errorf("start SSE forwarder: %w", err)
		}
	}

	if a.limiter != nil {
		go func() {
			t := time.NewTicker(5 * time.Minute)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					a.limiter.Sweep(10 * time.Minute)
				}
			}
		}()
	}
	return nil
}

func (a *App) Run() error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	a.Log.Info("HTTP server listening", "addr", a.Cfg.HTTPAddr)
	return a.Server.Run(a.Cfg.HTTPAddr)
}

// Close stops accepting requests, interrupts active runs and releases every
// backend. It is safe to call more than once.
func (a *App) Close() {
	if a == nil {
		return
	}
	a.closeOnce.Do(func() {
		timeout := a.Cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if a.Server != nil {
			if err := a.Server.Shutdown(ctx); err != nil {
				a.Log.Warn("HTTP shutdown", "error", err)
			}
		}
		if a.Orchestrator != nil {
			if err := a.Orchestrator.Shutdown(ctx); err != nil {
				a.Log.Warn("Orchestrator shutdown", "error", err)
			}
		}
		if a.Publisher != nil {
			a.Publisher.Shutdown(ctx)
		}
		if a.cancel != nil {
			a.cancel()
		}
		var errs []error
		if a.bus != nil {
			errs = append(errs, a.bus.Close())
		}
		if a.redis != nil {
			errs = append(errs, a.redis.Close())
		}
		if a.bucket != nil {
			errs = append(errs, a.bucket.Close())
		}
		if a.closeDB != nil {
			errs = append(errs, a.closeDB())
		}
		if a.otelShutdown != nil {
			errs = append(errs, a.otelShutdown(ctx))
		}
		if err := errors.Join(errs...); err != nil {
			a.Log.Warn("Close", "error", err)
		}
		a.Log.Sync()
	})
}
