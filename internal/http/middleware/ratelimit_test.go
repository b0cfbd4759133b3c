package middleware

import (
	"testing"
	"time"
)

func TestRateLimiterIsPerKey(t *testing.T) {
	rl := NewRateLimiter(2)
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatalf("burst should allow two requests")
	}
	if rl.Allow("a") {
		t.Fatalf("third request within the minute should be limited")
	}
	if !rl.Allow("b") {
		t.Fatalf("other keys have their own bucket")
	}
}

func TestRateLimiterSweepAndDisabled(t *testing.T) {
	rl := NewRateLimiter(1)
	base := time.Now()
	rl.now = func() time.Time { return base }
	rl.Allow("a")
	rl.now = func() time.Time { return base.Add(2 * time.Hour) }
	if n := rl.Sweep(time.Hour); n != 1 {
		t.Fatalf("sweep: want=1 got=%d", n)
	}

	var off *RateLimiter = NewRateLimiter(0)
	for i := 0; i < 10; i++ {
		if !off.Allow("x") {
			t.Fatalf("disabled limiter must allow")
		}
	}
}
