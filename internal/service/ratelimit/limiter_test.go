package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(capacity, rate float64) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(capacity, rate)
	l.now = clk.now
	return l, clk
}

func TestAllowConsumesAndRefills(t *testing.T) {
	l, clk := newTestLimiter(2, 1)

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatalf("expected burst of 2 to pass")
	}
	if l.Allow("a") {
		t.Fatalf("expected third call to be throttled")
	}
	if !l.Allow("b") {
		t.Fatalf("keys must not share a bucket")
	}

	clk.t = clk.t.Add(time.Second)
	if !l.Allow("a") {
		t.Fatalf("expected one token after 1s refill")
	}
	if l.Allow("a") {
		t.Fatalf("refill must not exceed elapsed time")
	}
}

func TestIdleBucketsAreEvicted(t *testing.T) {
	l, clk := newTestLimiter(2, 1)
	l.Allow("a")
	l.Allow("b")
	if got := l.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}

	clk.t = clk.t.Add(time.Minute)
	l.Allow("c")
	if got := l.Len(); got != 1 {
		t.Fatalf("Len after sweep = %d, want 1", got)
	}
}
