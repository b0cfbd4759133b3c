package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TextGenerator is the narrow chat surface the generation stages use.
type TextGenerator interface {
	GenerateText(ctx context.Context, system string, user string) (string, error)
	// GenerateJSON asks for a single JSON object and decodes it into out.
	GenerateJSON(ctx context.Context, system string, user string, out any) error
}

type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// Image is a generated raster. Providers return either a hosted URL or the
// encoded bytes.
type Image struct {
	URL         string
	Data        []byte
	ContentType string
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (Image, error)
}

var ErrEmptyCompletion = errors.New("llm returned no content")

const jsonInstruction = "Respond with a single JSON object and nothing else."

func withJSONInstruction(system string) string {
	system = strings.TrimSpace(system)
	if system == "" {
		return jsonInstruction
	}
	return system + "\n\n" + jsonInstruction
}

// decodeJSONText tolerates code fences and prose around the object.
func decodeJSONText(text string, out any) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyCompletion
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in model output: %q", truncate(text, 200))
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), out); err != nil {
		return fmt.Errorf("decode model JSON: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
