package ratelimit

import (
	"sync"
	"time"
)

const nanoTokensPerToken int64 = int64(time.Second) // 1e9

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket is a deterministic token bucket that refills at an integer
// rate (tokens/sec) using a provided Clock.
//
// Tokens are tracked as fixed-point "nano-tokens" (1 token = 1e9) so a rate of
// X tokens/sec adds exactly X nano-tokens per elapsed nanosecond.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // nano-tokens
	fillRate int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if fillRate < 0 {
		fillRate = 0
	}
	capacity := toNano(capacityTokens)
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		fillRate:  fillRate,
		available: capacity,
		last:      clock.Now(),
	}
}

// NewMessageLimiter returns a bucket allowing perSecond messages per second
// sustained, with up to burst messages at once. burst is raised to perSecond
// when smaller. perSecond <= 0 disables limiting and returns nil; a nil
// *TokenBucket allows everything.
func NewMessageLimiter(perSecond, burst int) *TokenBucket {
	if perSecond <= 0 {
		return nil
	}
	if burst < perSecond {
		burst = perSecond
	}
	return NewTokenBucket(RealClock{}, int64(burst), int64(perSecond))
}

// Allow consumes the provided number of tokens if available.
//
// tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if b == nil || tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards: move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.fillRate <= 0 || b.capacity <= 0 {
		return
	}

	need := b.capacity - b.available
	if need <= 0 {
		b.available = b.capacity
		return
	}
	// elapsed*fillRate may overflow; clamp once enough time has passed to fill.
	if elapsed >= need/b.fillRate+1 {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.fillRate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
