package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

func TestSearchRequestShapeAndOrdering(t *testing.T) {
	var captured map[string]any
	s := newTestSearcher(t, func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodPost {
			t.Fatalf("method: want=%s got=%s", http.MethodPost, r.Method)
		}
		if r.URL.Path != "/collections/oer_passages/points/search" {
			t.Fatalf("path: want=%q got=%q", "/collections/oer_passages/points/search", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return okResponse(t, []map[string]any{
			{"id": "p-low", "score": 0.2, "payload": map[string]any{"text": "Newton's second law", "title": "Forces"}},
			{"id": 7, "score": 0.9, "payload": map[string]any{"text": "F = m a"}},
			{"id": "p-empty", "score": 0.95, "payload": map[string]any{"title": "no text"}},
		}), nil
	})

	passages, err := s.Search(context.Background(), []float32{1, 2, 3}, 4, Filter{TopicID: "topic_phys_newton_2", GradeLevel: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(passages) != 2 {
		t.Fatalf("passages: want=2 got=%d", len(passages))
	}
	if passages[0].ID != "7" || passages[1].ID != "p-low" {
		t.Fatalf("order: got=%q,%q", passages[0].ID, passages[1].ID)
	}
	if passages[1].Title != "Forces" {
		t.Fatalf("title: want=%q got=%q", "Forces", passages[1].Title)
	}
	if captured["limit"] != float64(4) {
		t.Fatalf("limit: want=4 got=%v", captured["limit"])
	}
	filter, ok := captured["filter"].(map[string]any)
	if !ok {
		t.Fatalf("filter type: got=%T", captured["filter"])
	}
	must, _ := filter["must"].([]any)
	if len(must) != 2 {
		t.Fatalf("filter must: want=2 got=%d", len(must))
	}
}

func TestSearchRejectsDimensionMismatch(t *testing.T) {
	s := newTestSearcher(t, func(r *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected request to %s", r.URL.Path)
		return nil, nil
	})
	_, err := s.Search(context.Background(), []float32{1, 2}, 3, Filter{})
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got=%T", err)
	}
	if opErr.Code != OperationErrorValidation || opErr.Retryable() {
		t.Fatalf("code: want=%q non-retryable got=%q retryable=%v", OperationErrorValidation, opErr.Code, opErr.Retryable())
	}
}

func TestSearchServerErrorIsRetryable(t *testing.T) {
	s := newTestSearcher(t, func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusServiceUnavailable,
			Header:     make(http.Header),
			Body:       io.NopCloser(bytes.NewBufferString(`{"status":{"error":"overloaded"}}`)),
		}, nil
	})
	_, err := s.Search(context.Background(), []float32{1, 2, 3}, 3, Filter{})
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got=%T", err)
	}
	if opErr.StatusCode != http.StatusServiceUnavailable || !opErr.Retryable() {
		t.Fatalf("status: want=503 retryable got=%d retryable=%v", opErr.StatusCode, opErr.Retryable())
	}
}

func TestClassifyHTTPCallErrorTimeout(t *testing.T) {
	err := classifyHTTPCallError("search", "timeout", fmt.Errorf("wrapped: %w", context.DeadlineExceeded))
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got=%T", err)
	}
	if opErr.Code != OperationErrorTimeout {
		t.Fatalf("error code: want=%q got=%q", OperationErrorTimeout, opErr.Code)
	}
}

func TestResolveConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("QDRANT_URL", "http://qdrant:6333")
	t.Setenv("QDRANT_COLLECTION", "")
	t.Setenv("QDRANT_VECTOR_DIM", "")
	t.Setenv("QDRANT_TEXT_FIELD", "")
	cfg, err := ResolveConfigFromEnv()
	if err != nil {
		t.Fatalf("ResolveConfigFromEnv: %v", err)
	}
	if cfg.Collection != "oer_passages" || cfg.TextField != "text" || cfg.VectorDim != 0 {
		t.Fatalf("defaults: got=%+v", cfg)
	}

	t.Setenv("QDRANT_VECTOR_DIM", "abc")
	_, err = ResolveConfigFromEnv()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Code != ConfigErrorInvalidVectorDim {
		t.Fatalf("invalid dim: want=%q got=%v", ConfigErrorInvalidVectorDim, err)
	}
}

func newTestSearcher(t *testing.T, roundTrip func(*http.Request) (*http.Response, error)) *Searcher {
	t.Helper()
	s, err := NewSearcher(logger.Nop(), Config{
		URL:        "http://qdrant.local",
		Collection: "oer_passages",
		VectorDim:  3,
	}, &http.Client{Transport: roundTripFunc(roundTrip)})
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}
	return s
}

func okResponse(t *testing.T, result any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"result": result, "status": "ok", "time": 0.001})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader(raw)),
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestSearchSendsAPIKeyAndScoreThreshold(t *testing.T) {
	var gotKey string
	var body map[string]any
	s, err := NewSearcher(logger.Nop(), Config{
		URL:        "http://qdrant.local",
		Collection: "oer_passages",
		APIKey:     "secret",
		MinScore:   0.4,
	}, &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		gotKey = r.Header.Get("api-key")
		_ = json.NewDecoder(r.Body).Decode(&body)
		return okResponse(t, []any{}), nil
	})})
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}
	if _, err := s.Search(context.Background(), []float32{0.1, 0.2}, 3, Filter{}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotKey != "secret" {
		t.Fatalf("api-key: want=secret got=%q", gotKey)
	}
	if body["score_threshold"] != 0.4 {
		t.Fatalf("score_threshold: want=0.4 got=%v", body["score_threshold"])
	}
}
