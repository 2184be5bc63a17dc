// Package ratelimit provides the deterministic token bucket used to cap
// inbound signaling message rates per connection.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// One token is 1e9 nano-tokens, so a fill rate of N tokens/sec adds exactly
// N nano-tokens per elapsed nanosecond. Fixed point avoids float rounding.
const nanosPerToken int64 = int64(time.Second)

// TokenBucket refills at an integer rate (tokens/sec) using the provided
// Clock, which makes it fully deterministic under test.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacityNanos int64
	fillRate      int64 // tokens/sec, equivalently nano-tokens/ns

	availableNanos int64
	last           time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if fillRate < 0 {
		fillRate = 0
	}
	capacity := tokensToNanos(capacityTokens)
	return &TokenBucket{
		clock:          clock,
		capacityNanos:  capacity,
		fillRate:       fillRate,
		availableNanos: capacity,
		last:           clock.Now(),
	}
}

// Allow consumes the given number of tokens if available. tokens <= 0
// always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := tokensToNanos(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.availableNanos < cost {
		return false
	}
	b.availableNanos -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if elapsed <= 0 || b.fillRate <= 0 || b.availableNanos >= b.capacityNanos {
		return
	}

	// Clamp before multiplying so elapsed*fillRate cannot overflow.
	need := b.capacityNanos - b.availableNanos
	if elapsed >= need/b.fillRate+1 {
		b.availableNanos = b.capacityNanos
		return
	}
	b.availableNanos += elapsed * b.fillRate
	if b.availableNanos > b.capacityNanos {
		b.availableNanos = b.capacityNanos
	}
}

func tokensToNanos(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > math.MaxInt64/nanosPerToken {
		return math.MaxInt64
	}
	return tokens * nanosPerToken
}
