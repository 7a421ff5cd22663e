package ratelimit

import (
	"sync"
	"time"
)

// nanoTokensPerToken is the fixed-point scale: one token is 1e9 nano-tokens,
// so a fill rate of N tokens/sec adds N nano-tokens per elapsed nanosecond.
// Integer arithmetic keeps refills deterministic under a fake clock.
const nanoTokensPerToken = int64(time.Second)

// TokenBucket limits inbound signaling message rate per connection.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacityNano int64
	fillRate     int64 // tokens/sec

	availableNano int64
	last          time.Time
}

// NewTokenBucket returns a bucket that starts full. capacity and fillRate are
// whole tokens; non-positive values yield a bucket that rejects everything.
func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	capacityNano := capacity * nanoTokensPerToken
	return &TokenBucket{
		clock:         clock,
		capacityNano:  capacityNano,
		fillRate:      fillRate,
		availableNano: capacityNano,
		last:          clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	cost := nanoTokensPerToken

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.availableNano < cost {
		return false
	}
	b.availableNano -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.fillRate <= 0 || b.capacityNano <= 0 || b.availableNano >= b.capacityNano {
		return
	}

	need := b.capacityNano - b.availableNano
	// fillRate tokens/sec equals fillRate nano-tokens per nanosecond.
	if fillNanos := need / b.fillRate; fillNanos <= 0 || elapsed.Nanoseconds() >= fillNanos {
		b.availableNano = b.capacityNano
		return
	}
	b.availableNano += elapsed.Nanoseconds() * b.fillRate
	if b.availableNano > b.capacityNano {
		b.availableNano = b.capacityNano
	}
}
