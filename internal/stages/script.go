package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/llm"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

const scriptSystem = `You write short educational explainers for students.
Explain the topic at the given grade level, using the student's interest as the running example.
Only state facts supported by the provided sources.
Return {"title": "...", "script": "..."}. The script is plain prose suitable for narration.`

const maxPassageChars = 1500

type LLMScriptWriter struct {
	log *logger.Logger
	gen llm.TextGenerator
}

func NewLLMScriptWriter(log *logger.Logger, gen llm.TextGenerator) *LLMScriptWriter {
	if log == nil {
		log = logger.Nop()
	}
	return &LLMScriptWriter{log: log.With("stage", "script_generation"), gen: gen}
}

func (w *LLMScriptWriter) Invoke(ctx context.Context, in ScriptInput) (Result[Script], error) {
	if len(in.Passages) == 0 {
		return Result[Script]{}, Validationf("script needs at least one source passage")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\nGrade level: %d\nStudent interest: %s\nQuestion: %s\n\nSources:\n",
		in.TopicName, in.GradeLevel, in.Interest, in.Query)
	for i, p := range in.Passages {
		text := p.Text
		if len(text) > maxPassageChars {
			text = text[:maxPassageChars]
		}
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, p.Title, text)
	}
	var out Script
	if err := w.gen.GenerateJSON(ctx, scriptSystem, b.String(), &out); err != nil {
		return Result[Script]{}, fmt.Errorf("script generation: %w", err)
	}
	out.Title = strings.TrimSpace(out.Title)
	out.Body = strings.TrimSpace(out.Body)
	if out.Body == "" {
		return Result[Script]{}, fmt.Errorf("script generation: %w", llm.ErrEmptyCompletion)
	}
	if out.Title == "" {
		out.Title = in.TopicName
	}
	return Result[Script]{Output: out}, nil
}
