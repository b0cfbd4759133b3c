package stages

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/llm"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

const understandingSystem = `You map a student's question to one canonical curriculum topic.
Return {"topic_id": "...", "topic_name": "...", "subject": "...", "confidence": 0.0-1.0, "clarification": "..."}.
topic_id is a short stable identifier for the concept, identical for every phrasing of the same concept.
confidence reflects how sure you are that the question is about that topic.
When confidence is low, clarification suggests how the student could rephrase.`

type understandingReply struct {
	Understanding
	Confidence float64 `json:"confidence"`
}

type LLMUnderstander struct {
	log *logger.Logger
	gen llm.TextGenerator
}

func NewLLMUnderstander(log *logger.Logger, gen llm.TextGenerator) *LLMUnderstander {
	if log == nil {
		log = logger.Nop()
	}
	return &LLMUnderstander{log: log.With("stage", "understanding"), gen: gen}
}

func (u *LLMUnderstander) Invoke(ctx context.Context, in UnderstandingInput) (Result[Understanding], error) {
	if strings.TrimSpace(in.Query) == "" {
		return Result[Understanding]{}, Validationf("query is empty")
	}
	user := fmt.Sprintf("Grade level: %d\nQuestion: %s", in.GradeLevel, in.Query)
	var reply understandingReply
	if err := u.gen.GenerateJSON(ctx, understandingSystem, user, &reply); err != nil {
		return Result[Understanding]{}, fmt.Errorf("understanding: %w", err)
	}
	conf := clamp01(reply.Confidence)
	out := reply.Understanding
	out.TopicID = TopicSlug(out.TopicID)
	if out.TopicID == "" {
		out.TopicID = TopicSlug(out.TopicName)
	}
	if out.TopicID == "" {
		// no topic at all is indistinguishable from zero confidence
		conf = 0
	}
	if strings.TrimSpace(out.TopicName) == "" {
		out.TopicName = out.TopicID
	}
	return Result[Understanding]{Output: out, Confidence: &conf}, nil
}

// TopicSlug canonicalizes a topic identifier: lowercase ASCII letters and
// digits separated by single underscores.
func TopicSlug(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
