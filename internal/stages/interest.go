package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/llm"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

const interestSystem = `You pick the single student interest that gives the most engaging angle for explaining a topic.
Return {"interest": "..."} where interest is copied exactly from the candidate list.`

// LLMInterestMatcher picks exactly one of the candidate interests. A single
// candidate is returned without calling the model.
type LLMInterestMatcher struct {
	log *logger.Logger
	gen llm.TextGenerator
}

func NewLLMInterestMatcher(log *logger.Logger, gen llm.TextGenerator) *LLMInterestMatcher {
	if log == nil {
		log = logger.Nop()
	}
	return &LLMInterestMatcher{log: log.With("stage", "interest_matching"), gen: gen}
}

func (m *LLMInterestMatcher) Invoke(ctx context.Context, in InterestInput) (Result[string], error) {
	candidates := dedupInterests(in.Candidates)
	switch len(candidates) {
	case 0:
		return Result[string]{}, Validationf("no candidate interests")
	case 1:
		return Result[string]{Output: candidates[0]}, nil
	}
	user := fmt.Sprintf("Topic: %s\nGrade level: %d\nQuestion: %s\nCandidates: %s",
		in.TopicName, in.GradeLevel, in.Query, strings.Join(candidates, ", "))
	var reply struct {
		Interest string `json:"interest"`
	}
	if err := m.gen.GenerateJSON(ctx, interestSystem, user, &reply); err != nil {
		return Result[string]{}, fmt.Errorf("interest matching: %w", err)
	}
	chosen, ok := MatchCandidate(reply.Interest, candidates)
	if !ok {
		return Result[string]{}, Validationf("model chose %q which is not a candidate", reply.Interest)
	}
	return Result[string]{Output: chosen}, nil
}

// MatchCandidate returns the candidate equal to choice ignoring case and
// surrounding whitespace.
func MatchCandidate(choice string, candidates []string) (string, bool) {
	want := normInterest(choice)
	if want == "" {
		return "", false
	}
	for _, c := range candidates {
		if normInterest(c) == want {
			return c, true
		}
	}
	return "", false
}

func dedupInterests(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		n := normInterest(c)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, strings.TrimSpace(c))
	}
	return out
}

func normInterest(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
