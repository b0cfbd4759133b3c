package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/llm"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/qdrant"
)

type PassageSearcher interface {
	Search(ctx context.Context, vector []float32, topK int, filter qdrant.Filter) ([]qdrant.Passage, error)
}

// VectorRetriever embeds the question and searches the passage index,
// narrowed to the resolved topic and grade. Fewer than TopK passages is a
// normal result; none at all is fatal.
type VectorRetriever struct {
	log      *logger.Logger
	embedder llm.Embedder
	searcher PassageSearcher
}

func NewVectorRetriever(log *logger.Logger, embedder llm.Embedder, searcher PassageSearcher) *VectorRetriever {
	if log == nil {
		log = logger.Nop()
	}
	return &VectorRetriever{log: log.With("stage", "retrieval"), embedder: embedder, searcher: searcher}
}

func (r *VectorRetriever) Invoke(ctx context.Context, in RetrievalInput) (Result[[]Passage], error) {
	if in.TopK <= 0 {
		in.TopK = 5
	}
	text := strings.TrimSpace(in.TopicName + "\n" + in.Query)
	if text == "" {
		return Result[[]Passage]{}, Validationf("nothing to retrieve for")
	}
	vecs, err := r.embedder.Embed(ctx, []string{text})
	if err != nil {
		return Result[[]Passage]{}, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return Result[[]Passage]{}, fmt.Errorf("embed query: empty vector")
	}
	hits, err := r.searcher.Search(ctx, vecs[0], in.TopK, qdrant.Filter{
		TopicID:    in.TopicID,
		GradeLevel: in.GradeLevel,
		Subject:    in.Subject,
	})
	if err != nil {
		return Result[[]Passage]{}, fmt.Errorf("search passages: %w", err)
	}
	if len(hits) == 0 {
		return Result[[]Passage]{}, Fatalf("no source material found for topic %q", in.TopicID)
	}
	out := make([]Passage, 0, len(hits))
	for _, h := range hits {
		out = append(out, Passage{ID: h.ID, Title: h.Title, Source: h.Source, Text: h.Text, Score: h.Score})
	}
	if len(out) < in.TopK {
		r.log.Debug("retrieval returned fewer passages than requested", "topic_id", in.TopicID, "want", in.TopK, "got", len(out))
	}
	return Result[[]Passage]{Output: out}, nil
}
