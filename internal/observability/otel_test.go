package observability

import (
	"context"
	"testing"
)

func TestInitOTelDisabledIsNoop(t *testing.T) {
	if shutdown := InitOTel(context.Background(), nil, OtelConfig{}); shutdown != nil {
		t.Fatalf("disabled tracing should not install a provider")
	}
}

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = abc ,broken, =x,tenant=vividly")
	if len(got) != 2 || got["api-key"] != "abc" || got["tenant"] != "vividly" {
		t.Fatalf("headers: %v", got)
	}
	if ParseHeaders("") != nil {
		t.Fatalf("empty input should give nil")
	}
}

func TestClampRatio(t *testing.T) {
	for in, want := range map[float64]float64{-1: 0, 0.25: 0.25, 3: 1} {
		if got := clampRatio(in); got != want {
			t.Fatalf("clamp(%v): want=%v got=%v", in, want, got)
		}
	}
}
