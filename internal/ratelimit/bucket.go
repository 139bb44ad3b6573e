package ratelimit

import "time"

// Clock is the time source. Tests substitute a fake.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// bucket is a token bucket refilled at an integer rate. Tokens are kept as
// fixed-point nano-tokens: at X tokens/sec the bucket gains X nano-tokens per
// elapsed nanosecond. Not safe for concurrent use.
type bucket struct {
	capacity  int64 // nano-tokens
	rate      int64 // tokens/sec
	available int64 // nano-tokens
	last      time.Time
}

func newBucket(now time.Time, burst, rate int64) *bucket {
	capacity := tokensToNano(burst)
	return &bucket{capacity: capacity, rate: max(rate, 0), available: capacity, last: now}
}

// take consumes one token if available.
func (b *bucket) take(now time.Time) bool {
	b.refill(now)
	if b.available < nanoTokensPerToken {
		return false
	}
	b.available -= nanoTokensPerToken
	return true
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.rate == 0 || b.available >= b.capacity {
		return
	}

	// Clamp before multiplying so elapsed*rate cannot overflow.
	need := b.capacity - b.available
	if elapsed >= need/b.rate {
		b.available = b.capacity
		return
	}
	b.available = min(b.available+elapsed*b.rate, b.capacity)
}

// full reports whether the bucket has refilled completely by now, which
// makes it indistinguishable from a fresh one.
func (b *bucket) full(now time.Time) bool {
	b.refill(now)
	return b.available >= b.capacity
}

func tokensToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
