package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	ImageModel     string
	ImageSize      string
	Temperature    float64
	MaxTokens      int64
	HTTPClient     *http.Client
}

// OpenAIClient implements TextGenerator, Embedder and ImageGenerator on the
// official SDK. SDK retries are disabled; the pipeline owns retry policy.
type OpenAIClient struct {
	log    *logger.Logger
	client openai.Client
	cfg    OpenAIConfig
}

func NewOpenAIClient(log *logger.Logger, cfg OpenAIConfig) (*OpenAIClient, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = string(openai.ImageModelDallE3)
	}
	if cfg.ImageSize == "" {
		cfg.ImageSize = "1024x1024"
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
	return &OpenAIClient{
		log:    log.With("service", "OpenAIClient"),
		client: openai.NewClient(opts...),
		cfg:    cfg,
	}, nil
}

func (c *OpenAIClient) GenerateText(ctx context.Context, system string, user string) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(user))
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               c.cfg.Model,
		Temperature:         openai.Float(c.cfg.Temperature),
		MaxCompletionTokens: openai.Int(c.cfg.MaxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

func (c *OpenAIClient) GenerateJSON(ctx context.Context, system string, user string, out any) error {
	text, err := c.GenerateText(ctx, withJSONInstruction(system), user)
	if err != nil {
		return err
	}
	return decodeJSONText(text, out)
}

func (c *OpenAIClient) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
		Model: openai.EmbeddingModel(c.cfg.EmbeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	for i, v := range out {
		if len(v) == 0 {
			return nil, fmt.Errorf("openai embeddings: missing vector for input %d", i)
		}
	}
	return out, nil
}

func (c *OpenAIClient) GenerateImage(ctx context.Context, prompt string) (Image, error) {
	resp, err := c.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(c.cfg.ImageModel),
		N:      openai.Int(1),
		Size:   openai.ImageGenerateParamsSize(c.cfg.ImageSize),
	})
	if err != nil {
		return Image{}, fmt.Errorf("openai image generation: %w", err)
	}
	if len(resp.Data) == 0 {
		return Image{}, ErrEmptyCompletion
	}
	img := resp.Data[0]
	if img.URL != "" {
		return Image{URL: img.URL, ContentType: "image/png"}, nil
	}
	if img.B64JSON == "" {
		return Image{}, ErrEmptyCompletion
	}
	data, err := base64.StdEncoding.DecodeString(img.B64JSON)
	if err != nil {
		return Image{}, fmt.Errorf("decode image payload: %w", err)
	}
	return Image{Data: data, ContentType: "image/png"}, nil
}
