package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/pipeline"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/envutil"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

type Config struct {
	HTTPAddr    string
	ServiceName string
	Environment string
	Version     string

	DBDriver   string
	SQLitePath string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisChannel    string
	RedisLockPrefix string

	LLMProvider       string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string
	OpenAIEmbedModel  string
	OpenAIImageModel  string
	AnthropicAPIKey   string
	AnthropicBaseURL  string
	AnthropicModel    string
	LLMTemperature    float64
	LLMMaxTokens      int64
	ImagesPerArtifact int

	PollyEnabled   bool
	RendererURL    string
	RendererAPIKey string
	RendererStyle  string

	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration

	Pipeline          pipeline.Config
	EventQueueSize    int
	CacheLockTTL      time.Duration
	CacheArtifactTTL  time.Duration
	CachePollInterval time.Duration
	SSEHeartbeat      time.Duration

	SubmitRatePerMinute int
	MetricsEnabled      bool
	TracingEnabled      bool
	CORSOrigins         []string
	ShutdownTimeout     time.Duration

	// RecoverOrphans fails runs left unfinished by a previous process. Turn
	// it off when several instances share one database.
	RecoverOrphans bool
}

func LoadConfig(log *logger.Logger) (Config, error) {
	pc := pipeline.DefaultConfig()
	if path := envutil.String("PIPELINE_STAGE_CONFIG", ""); path != "" {
		if err := pc.LoadFile(path); err != nil {
			return Config{}, fmt.Errorf("load stage config: %w", err)
		}
		log.Info("Loaded stage policy file", "path", path)
	}
	pc.MinConfidence = envutil.Float("PIPELINE_MIN_CONFIDENCE", pc.MinConfidence)
	pc.GradeMin = envutil.Int("PIPELINE_GRADE_MIN", pc.GradeMin)
	pc.GradeMax = envutil.Int("PIPELINE_GRADE_MAX", pc.GradeMax)
	pc.RetrievalTopK = envutil.Int("PIPELINE_RETRIEVAL_TOP_K", pc.RetrievalTopK)
	pc.MaxConcurrentRuns = int64(envutil.Int("PIPELINE_MAX_CONCURRENT_RUNS", int(pc.MaxConcurrentRuns)))
	pc.AwaitTimeout = envutil.Duration("CACHE_AWAIT_TIMEOUT", pc.AwaitTimeout)
	pc.EventDrainTimeout = envutil.Duration("PIPELINE_EVENT_DRAIN_TIMEOUT", pc.EventDrainTimeout)
	if err := pc.Validate(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPAddr:    envutil.String("HTTP_ADDR", ":8080"),
		ServiceName: envutil.String("SERVICE_NAME", "vividly-generation"),
		Environment: envutil.String("APP_ENV", "development"),
		Version:     envutil.String("APP_VERSION", "dev"),

		DBDriver:   strings.ToLower(envutil.String("DB_DRIVER", "postgres")),
		SQLitePath: envutil.String("SQLITE_PATH", ""),

		RedisAddr:       envutil.String("REDIS_ADDR", ""),
		RedisPassword:   envutil.String("REDIS_PASSWORD", ""),
		RedisDB:         envutil.Int("REDIS_DB", 0),
		RedisChannel:    envutil.String("REDIS_CHANNEL", "vividly:events"),
		RedisLockPrefix: envutil.String("REDIS_LOCK_PREFIX", "vividly:gen"),

		LLMProvider:       strings.ToLower(envutil.String("LLM_PROVIDER", "openai")),
		OpenAIAPIKey:      envutil.String("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     envutil.String("OPENAI_BASE_URL", ""),
		OpenAIModel:       envutil.String("OPENAI_MODEL", ""),
		OpenAIEmbedModel:  envutil.String("OPENAI_EMBEDDING_MODEL", ""),
		OpenAIImageModel:  envutil.String("OPENAI_IMAGE_MODEL", ""),
		AnthropicAPIKey:   envutil.String("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL:  envutil.String("ANTHROPIC_BASE_URL", ""),
		AnthropicModel:    envutil.String("ANTHROPIC_MODEL", ""),
		LLMTemperature:    envutil.Float("LLM_TEMPERATURE", 0.4),
		LLMMaxTokens:      int64(envutil.Int("LLM_MAX_TOKENS", 2048)),
		ImagesPerArtifact: envutil.Int("IMAGES_PER_ARTIFACT", 3),

		PollyEnabled:   envutil.Bool("POLLY_ENABLED", true),
		RendererURL:    envutil.String("RENDERER_URL", ""),
		RendererAPIKey: envutil.String("RENDERER_API_KEY", ""),
		RendererStyle:  envutil.String("RENDERER_STYLE", "explainer"),

		BreakerFailures:    uint32(envutil.Int("STAGE_BREAKER_FAILURES", 5)),
		BreakerOpenTimeout: envutil.Duration("STAGE_BREAKER_OPEN_TIMEOUT", 30*time.Second),

		Pipeline:          pc,
		EventQueueSize:    envutil.Int("PIPELINE_EVENT_QUEUE_SIZE", 64),
		CacheLockTTL:      envutil.Duration("CACHE_LOCK_TTL", 2*time.Minute),
		CacheArtifactTTL:  envutil.Duration("CACHE_ARTIFACT_TTL", 0),
		CachePollInterval: envutil.Duration("CACHE_POLL_INTERVAL", time.Second),
		SSEHeartbeat:      envutil.Duration("SSE_HEARTBEAT", 15*time.Second),

		SubmitRatePerMinute: envutil.Int("SUBMIT_RATE_PER_MINUTE", 10),
		MetricsEnabled:      envutil.Bool("METRICS_ENABLED", true),
		TracingEnabled:      envutil.Bool("OTEL_ENABLED", false),
		CORSOrigins:         splitList(envutil.String("CORS_ORIGINS", "")),
		ShutdownTimeout:     envutil.Duration("SHUTDOWN_TIMEOUT", 30*time.Second),
		RecoverOrphans:      envutil.Bool("RECOVER_ORPHANS", true),
	}

	switch cfg.DBDriver {
	case "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("invalid DB_DRIVER=%q (allowed: postgres, sqlite)", cfg.DBDriver)
	}
	switch cfg.LLMProvider {
	case "openai", "anthropic":
	default:
		return Config{}, fmt.Errorf("invalid LLM_PROVIDER=%q (allowed: openai, anthropic)", cfg.LLMProvider)
	}
	if cfg.CacheLockTTL <= 0 {
		return Config{}, fmt.Errorf("CACHE_LOCK_TTL must be positive")
	}
	if cfg.CacheArtifactTTL < 0 {
		cfg.CacheArtifactTTL = 0
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
