package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/observability"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/gcp"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/llm"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/qdrant"
)

var (
	newArtifactBucket = gcp.NewArtifactBucket
	newQdrantSearcher = qdrant.NewSearcher
)

type ProviderBootstrapErrorCode string

const (
	ProviderBootstrapErrorInvalidMode         ProviderBootstrapErrorCode = "invalid_mode"
	ProviderBootstrapErrorMissingBucket       ProviderBootstrapErrorCode = "missing_bucket"
	ProviderBootstrapErrorMissingEmulatorHost ProviderBootstrapErrorCode = "missing_emulator_host"
	ProviderBootstrapErrorInvalidURL          ProviderBootstrapErrorCode = "invalid_url"
	ProviderBootstrapErrorMissingQdrantURL    ProviderBootstrapErrorCode = "missing_qdrant_url"
	ProviderBootstrapErrorMissingCollection   ProviderBootstrapErrorCode = "missing_qdrant_collection"
	ProviderBootstrapErrorInvalidVectorDim    ProviderBootstrapErrorCode = "invalid_qdrant_vector_dim"
	ProviderBootstrapErrorMissingAPIKey       ProviderBootstrapErrorCode = "missing_api_key"
	ProviderBootstrapErrorConnectFailed       ProviderBootstrapErrorCode = "connect_failed"
)

// ProviderBootstrapError reports why a backend could not be initialized.
type ProviderBootstrapError struct {
	Code     ProviderBootstrapErrorCode
	Provider string
	Cause    error
}

func (e *ProviderBootstrapError) Error() string {
	if e == nil {
		return "provider bootstrap failed"
	}
	return fmt.Sprintf("provider bootstrap failed (code=%s provider=%q): %v", e.Code, e.Provider, e.Cause)
}

func (e *ProviderBootstrapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func providerBootstrapErrorCode(err error) ProviderBootstrapErrorCode {
	var bootstrapErr *ProviderBootstrapError
	if errors.As(err, &bootstrapErr) && bootstrapErr.Code != "" {
		return bootstrapErr.Code
	}
	return ProviderBootstrapErrorConnectFailed
}

func reportBootstrap(log *logger.Logger, provider string, err error) error {
	if err == nil {
		observability.ObserveProviderBootstrap(provider, "success", "none")
		return nil
	}
	code := providerBootstrapErrorCode(err)
	observability.ObserveProviderBootstrap(provider, "error", string(code))
	log.Error("Provider bootstrap failed", "provider", provider, "error_code", code, "error", err)
	return err
}

// resolveArtifactBucket returns nil without error when no bucket is
// configured; media stages are then disabled and runs asking for audio,
// video or images end partial.
func resolveArtifactBucket(ctx context.Context, log *logger.Logger) (*gcp.ArtifactBucket, error) {
	const provider = "gcs"
	storageCfg, err := gcp.ResolveArtifactStorageConfigFromEnv()
	if err != nil {
		var cfgErr *gcp.StorageConfigError
		if errors.As(err, &cfgErr) && cfgErr.Code == gcp.StorageConfigErrorMissingBucket {
			log.Warn("ARTIFACT_GCS_BUCKET_NAME not set; media stages disabled")
			return nil, nil
		}
		return nil, reportBootstrap(log, provider, classifyStorageError(err))
	}
	log.Info("Selecting artifact storage",
		"mode", storageCfg.Mode,
		"bucket", storageCfg.BucketName,
		"emulator_host", storageCfg.EmulatorHost,
	)
	bucket, err := newArtifactBucket(ctx, log, storageCfg)
	if err != nil {
		return nil, reportBootstrap(log, provider, classifyStorageError(err))
	}
	_ = reportBootstrap(log, provider, nil)
	return bucket, nil
}

func classifyStorageError(err error) error {
	code := ProviderBootstrapErrorConnectFailed
	var cfgErr *gcp.StorageConfigError
	if errors.As(err, &cfgErr) {
		switch cfgErr.Code {
		case gcp.StorageConfigErrorInvalidMode:
			code = ProviderBootstrapErrorInvalidMode
		case gcp.StorageConfigErrorMissingBucket:
			code = ProviderBootstrapErrorMissingBucket
		case gcp.StorageConfigErrorMissingEmulatorHost:
			code = ProviderBootstrapErrorMissingEmulatorHost
		case gcp.StorageConfigErrorInvalidURL:
			code = ProviderBootstrapErrorInvalidURL
		}
	}
	return &ProviderBootstrapError{Code: code, Provider: "gcs", Cause: err}
}

func resolveSearcher(log *logger.Logger) (*qdrant.Searcher, error) {
	const provider = "qdrant"
	qcfg, err := qdrant.ResolveConfigFromEnv()
	if err != nil {
		return nil, reportBootstrap(log, provider, classifyQdrantError(err))
	}
	log.Info("Selecting passage index",
		"qdrant_url", qcfg.URL,
		"qdrant_collection", qcfg.Collection,
		"qdrant_vector_dim", qcfg.VectorDim,
	)
	s, err := newQdrantSearcher(log, qcfg, nil)
	if err != nil {
		return nil, reportBootstrap(log, provider, classifyQdrantError(err))
	}
	_ = reportBootstrap(log, provider, nil)
	return s, nil
}

func classifyQdrantError(err error) error {
	code := ProviderBootstrapErrorConnectFailed
	var cfgErr *qdrant.ConfigError
	if errors.As(err, &cfgErr) {
		switch cfgErr.Code {
		case qdrant.ConfigErrorMissingURL:
			code = ProviderBootstrapErrorMissingQdrantURL
		case qdrant.ConfigErrorInvalidURL:
			code = ProviderBootstrapErrorInvalidURL
		case qdrant.ConfigErrorMissingCollection:
			code = ProviderBootstrapErrorMissingCollection
		case qdrant.ConfigErrorInvalidVectorDim:
			code = ProviderBootstrapErrorInvalidVectorDim
		}
	}
	return &ProviderBootstrapError{Code: code, Provider: "qdrant", Cause: err}
}

// LLMClients groups the model backends. Text comes from LLM_PROVIDER;
// embeddings and images always use OpenAI and are nil without a key.
type LLMClients struct {
	Text   llm.TextGenerator
	Embed  llm.Embedder
	Images llm.ImageGenerator
}

func resolveLLM(log *logger.Logger, cfg Config) (LLMClients, error) {
	var out LLMClients
	var openaiClient *llm.OpenAIClient
	if cfg.OpenAIAPIKey != "" {
		c, err := llm.NewOpenAIClient(log, llm.OpenAIConfig{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			Model:          cfg.OpenAIModel,
			EmbeddingModel: cfg.OpenAIEmbedModel,
			ImageModel:     cfg.OpenAIImageModel,
			Temperature:    cfg.LLMTemperature,
			MaxTokens:      cfg.LLMMaxTokens,
		})
		if err != nil {
			return LLMClients{}, reportBootstrap(log, "openai", &ProviderBootstrapError{Code: ProviderBootstrapErrorConnectFailed, Provider: "openai", Cause: err})
		}
		_ = reportBootstrap(log, "openai", nil)
		openaiClient = c
		out.Embed = c
		out.Images = c
	}

	switch cfg.LLMProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return LLMClients{}, reportBootstrap(log, "anthropic", &ProviderBootstrapError{
				Code:     ProviderBootstrapErrorMissingAPIKey,
				Provider: "anthropic",
				Cause:    errors.New("ANTHROPIC_API_KEY is required when LLM_PROVIDER=anthropic"),
			})
		}
		c, err := llm.NewAnthropicClient(log, llm.AnthropicConfig{
			APIKey:      cfg.AnthropicAPIKey,
			BaseURL:     cfg.AnthropicBaseURL,
			Model:       cfg.AnthropicModel,
			Temperature: cfg.LLMTemperature,
			MaxTokens:   cfg.LLMMaxTokens,
		})
		if err != nil {
			return LLMClients{}, reportBootstrap(log, "anthropic", &ProviderBootstrapError{Code: ProviderBootstrapErrorConnectFailed, Provider: "anthropic", Cause: err})
		}
		_ = reportBootstrap(log, "anthropic", nil)
		out.Text = c
	default:
		if openaiClient == nil {
			return LLMClients{}, reportBootstrap(log, "openai", &ProviderBootstrapError{
				Code:     ProviderBootstrapErrorMissingAPIKey,
				Provider: "openai",
				Cause:    errors.New("OPENAI_API_KEY is required when LLM_PROVIDER=openai"),
			})
		}
		out.Text = openaiClient
	}
	if out.Embed == nil {
		log.Warn("OPENAI_API_KEY not set; retrieval has no embedder and image generation is disabled")
	}
	return out, nil
}
