package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int64
	HTTPClient  *http.Client
}

type AnthropicClient struct {
	log    *logger.Logger
	client anthropic.Client
	cfg    AnthropicConfig
}

func NewAnthropicClient(log *logger.Logger, cfg AnthropicConfig) (*AnthropicClient, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaude3_5Sonnet20241022)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &AnthropicClient{
		log:    log.With("service", "AnthropicClient"),
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
	}, nil
}

func (c *AnthropicClient) GenerateText(ctx context.Context, system string, user string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.cfg.Model),
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: anthropic.Float(c.cfg.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if strings.TrimSpace(system) != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

func (c *AnthropicClient) GenerateJSON(ctx context.Context, system string, user string, out any) error {
	text, err := c.GenerateText(ctx, withJSONInstruction(system), user)
	if err != nil {
		return err
	}
	return decodeJSONText(text, out)
}
