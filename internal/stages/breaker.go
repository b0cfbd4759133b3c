package stages

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/observability"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

type BreakerSettings struct {
	// ConsecutiveFailures opens the circuit. 0 uses 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests is how many trial requests are allowed while half-open.
	HalfOpenRequests uint32
}

// Breaker stops calling a failing stage service for a while so runs fail
// fast instead of waiting out every timeout. Only transient errors count as
// failures; a bad input does not trip the circuit.
type Breaker[I, O any] struct {
	next Client[I, O]
	cb   *gobreaker.CircuitBreaker[Result[O]]
}

func NewBreaker[I, O any](log *logger.Logger, name string, next Client[I, O], s BreakerSettings) *Breaker[I, O] {
	if log == nil {
		log = logger.Nop()
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 1
	}
	log = log.With("component", "StageBreaker", "stage", name)
	observability.SetBreakerState(name, 0)
	cb := gobreaker.NewCircuitBreaker[Result[O]](gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("stage circuit state changed", "from", from.String(), "to", to.String())
			observability.SetBreakerState(name, stateValue(to))
		},
	})
	return &Breaker[I, O]{next: next, cb: cb}
}

func (b *Breaker[I, O]) Invoke(ctx context.Context, in I) (Result[O], error) {
	return b.cb.Execute(func() (Result[O], error) {
		return b.next.Invoke(ctx, in)
	})
}

func (b *Breaker[I, O]) State() gobreaker.State { return b.cb.State() }

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
