package qdrant

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/envutil"
)

// Config points the retrieval searcher at one curriculum collection.
type Config struct {
	URL        string
	Collection string
	VectorDim  int
	// TextField is the payload key holding passage text.
	TextField string
	// APIKey is sent as the api-key header when set.
	APIKey string
	// MinScore drops hits below this similarity. Zero keeps everything.
	MinScore float64
}

type ConfigErrorCode string

const (
	ConfigErrorMissingURL        ConfigErrorCode = "missing_url"
	ConfigErrorInvalidURL        ConfigErrorCode = "invalid_url"
	ConfigErrorMissingCollection ConfigErrorCode = "missing_collection"
	ConfigErrorInvalidVectorDim  ConfigErrorCode = "invalid_vector_dim"
)

type ConfigError struct {
	Code  ConfigErrorCode
	Value string
	Cause error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "invalid qdrant config"
	}
	switch e.Code {
	case ConfigErrorMissingURL:
		return "QDRANT_URL is required"
	case ConfigErrorInvalidURL:
		return fmt.Sprintf("invalid QDRANT_URL=%q; expected absolute URL like http://qdrant:6333", e.Value)
	case ConfigErrorMissingCollection:
		return "QDRANT_COLLECTION is required"
	case ConfigErrorInvalidVectorDim:
		return fmt.Sprintf("invalid QDRANT_VECTOR_DIM=%q; expected positive integer", e.Value)
	default:
		return "invalid qdrant config"
	}
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ResolveConfigFromEnv reads QDRANT_URL, QDRANT_COLLECTION,
// QDRANT_VECTOR_DIM, QDRANT_TEXT_FIELD, QDRANT_API_KEY and QDRANT_MIN_SCORE.
// A missing vector dimension skips the local dimension check.
func ResolveConfigFromEnv() (Config, error) {
	cfg := Config{
		URL:        envutil.String("QDRANT_URL", ""),
		Collection: envutil.String("QDRANT_COLLECTION", "oer_passages"),
		TextField:  envutil.String("QDRANT_TEXT_FIELD", "text"),
		APIKey:     envutil.String("QDRANT_API_KEY", ""),
		MinScore:   envutil.Float("QDRANT_MIN_SCORE", 0),
	}
	if rawDim := envutil.String("QDRANT_VECTOR_DIM", ""); rawDim != "" {
		dim, err := strconv.Atoi(rawDim)
		if err != nil || dim <= 0 {
			return Config{}, &ConfigError{Code: ConfigErrorInvalidVectorDim, Value: rawDim, Cause: err}
		}
		cfg.VectorDim = dim
	}
	if err := ValidateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ValidateConfig(cfg Config) error {
	if cfg.URL == "" {
		return &ConfigError{Code: ConfigErrorMissingURL}
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return &ConfigError{Code: ConfigErrorInvalidURL, Value: cfg.URL, Cause: err}
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return &ConfigError{Code: ConfigErrorMissingCollection}
	}
	if cfg.VectorDim < 0 {
		return &ConfigError{Code: ConfigErrorInvalidVectorDim, Value: strconv.Itoa(cfg.VectorDim)}
	}
	return nil
}
