package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 5, 5) // 5 tokens capacity, 5 tokens/sec.

	if !b.Allow(5) {
		t.Fatalf("expected initial burst to succeed")
	}
	if b.Allow(1) {
		t.Fatalf("expected bucket to be empty")
	}

	clk.Advance(200 * time.Millisecond) // 1 token refilled (5 tokens/sec).
	if !b.Allow(1) {
		t.Fatalf("expected refill after time advance")
	}
}

func TestTokenBucket_DoesNotExceedCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 1, 1) // capacity 1 token.

	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}

	clk.Advance(10 * time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill up to capacity")
	}
	if b.Allow(1) {
		t.Fatalf("expected capacity clamp (only 1 token available)")
	}
}

func TestTokenBucket_NilAllowsEverything(t *testing.T) {
	var b *TokenBucket
	if !b.Allow(1000) {
		t.Fatalf("nil bucket must allow")
	}
	if NewMessageLimiter(0, 100) != nil {
		t.Fatalf("NewMessageLimiter(0, 100) should disable limiting")
	}
}

func TestMessageLimiter_BurstAboveRate(t *testing.T) {
	b := NewMessageLimiter(1, 10)
	if !b.Allow(10) {
		t.Fatalf("expected a burst of 10 to succeed")
	}
	if b.Allow(1) {
		t.Fatalf("expected bucket to be empty after the burst")
	}
	if b.fillRate != 1 {
		t.Fatalf("fillRate=%d, want 1", b.fillRate)
	}
}

func TestMessageLimiter_BurstRaisedToRate(t *testing.T) {
	b := NewMessageLimiter(5, 2)
	if !b.Allow(5) {
		t.Fatalf("expected burst to be raised to the per-second rate")
	}
}

func TestTokenBucket_ClockBackwardsDoesNotRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 2, 1)
	if !b.Allow(2) {
		t.Fatalf("expected initial burst")
	}
	clk.Advance(-5 * time.Second)
	if b.Allow(1) {
		t.Fatalf("expected no refill when the clock goes backwards")
	}
	clk.Advance(time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill after clock moves forward again")
	}
}
