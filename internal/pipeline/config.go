package pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
)

type RetryPolicy struct {
	// MaxAttempts counts the first call, so 2 means one retry.
	MaxAttempts int           `validate:"gte=1,lte=10"`
	MinBackoff  time.Duration `validate:"gte=0"`
	MaxBackoff  time.Duration `validate:"gte=0"`
	JitterFrac  float64       `validate:"gte=0,lte=1"`
}

type StagePolicy struct {
	Timeout time.Duration `validate:"gt=0"`
	Retry   RetryPolicy
}

type Config struct {
	MinConfidence     float64 `validate:"gte=0,lte=1"`
	GradeMin          int     `validate:"gte=1"`
	GradeMax          int     `validate:"gtefield=GradeMin"`
	RetrievalTopK     int     `validate:"gte=1,lte=50"`
	MaxConcurrentRuns int64   `validate:"gte=1"`
	// AwaitTimeout bounds how long a run waits on another run generating the
	// same content before generating independently.
	AwaitTimeout time.Duration `validate:"gt=0"`
	// EventDrainTimeout bounds how long a finished run waits for its queued
	// events to be delivered.
	EventDrainTimeout time.Duration `validate:"gt=0"`
	// Stages without an entry use Policy's fallback.
	Stages map[generation.StageName]StagePolicy `validate:"dive"`
}

func DefaultConfig() Config {
	transient := RetryPolicy{MaxAttempts: 2, MinBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second, JitterFrac: 0.2}
	return Config{
		MinConfidence:     0.6,
		GradeMin:          1,
		GradeMax:          12,
		RetrievalTopK:     5,
		MaxConcurrentRuns: 16,
		AwaitTimeout:      90 * time.Second,
		EventDrainTimeout: 5 * time.Second,
		Stages: map[generation.StageName]StagePolicy{
			generation.StageUnderstanding:    {Timeout: 20 * time.Second, Retry: transient},
			generation.StageInterestMatching: {Timeout: 15 * time.Second, Retry: transient},
			generation.StageRetrieval:        {Timeout: 20 * time.Second, Retry: transient},
			generation.StageScriptGeneration: {Timeout: 90 * time.Second, Retry: transient},
			generation.StageAudioSynthesis:   {Timeout: 90 * time.Second, Retry: transient},
			generation.StageVideoGeneration:  {Timeout: 10 * time.Minute, Retry: transient},
			generation.StageImageGeneration:  {Timeout: 2 * time.Minute, Retry: transient},
		},
	}
}

// Policy returns the stage's policy, falling back to a 30s single retry.
func (c Config) Policy(stage generation.StageName) StagePolicy {
	if p, ok := c.Stages[stage]; ok {
		return p
	}
	return StagePolicy{Timeout: 30 * time.Second, Retry: RetryPolicy{MaxAttempts: 2}}
}

type fileRetry struct {
	MaxAttempts *int           `yaml:"max_attempts"`
	MinBackoff  *time.Duration `yaml:"min_backoff"`
	MaxBackoff  *time.Duration `yaml:"max_backoff"`
	JitterFrac  *float64       `yaml:"jitter_frac"`
}

type fileStage struct {
	Timeout *time.Duration `yaml:"timeout"`
	Retry   fileRetry      `yaml:"retry"`
}

type fileConfig struct {
	MinConfidence     *float64             `yaml:"min_confidence"`
	GradeMin          *int                 `yaml:"grade_min"`
	GradeMax          *int                 `yaml:"grade_max"`
	RetrievalTopK     *int                 `yaml:"retrieval_top_k"`
	MaxConcurrentRuns *int64               `yaml:"max_concurrent_runs"`
	AwaitTimeout      *time.Duration       `yaml:"await_timeout"`
	Stages            map[string]fileStage `yaml:"stages"`
}

// LoadFile overlays the YAML policy file at path onto c. Only keys present
// in the file change.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read stage config: %w", err)
	}
	return c.ApplyYAML(raw)
}

func (c *Config) ApplyYAML(raw []byte) error {
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse stage config: %w", err)
	}
	setIf(&c.MinConfidence, f.MinConfidence)
	setIf(&c.GradeMin, f.GradeMin)
	setIf(&c.GradeMax, f.GradeMax)
	setIf(&c.RetrievalTopK, f.RetrievalTopK)
	setIf(&c.MaxConcurrentRuns, f.MaxConcurrentRuns)
	setIf(&c.AwaitTimeout, f.AwaitTimeout)
	if len(f.Stages) > 0 && c.Stages == nil {
		c.Stages = make(map[generation.StageName]StagePolicy)
	}
	for name, fs := range f.Stages {
		stage := generation.StageName(name)
		if stage.Ordinal() < 0 {
			return fmt.Errorf("stage config: unknown stage %q", name)
		}
		p := c.Policy(stage)
		setIf(&p.Timeout, fs.Timeout)
		setIf(&p.Retry.MaxAttempts, fs.Retry.MaxAttempts)
		setIf(&p.Retry.MinBackoff, fs.Retry.MinBackoff)
		setIf(&p.Retry.MaxBackoff, fs.Retry.MaxBackoff)
		setIf(&p.Retry.JitterFrac, fs.Retry.JitterFrac)
		c.Stages[stage] = p
	}
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func (c Config) Validate() error {
	if err := validate().Struct(c); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}
	return nil
}
