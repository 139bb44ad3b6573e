package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxKeys bounds the buckets a Keyed limiter tracks.
const DefaultMaxKeys = 4096

// Keyed keeps one token bucket per key, typically a client IP. When more
// than maxKeys keys are tracked the least recently used bucket is dropped,
// so a forgotten client starts over with a full burst.
type Keyed struct {
	clock   Clock
	rate    int64
	burst   int64
	maxKeys int

	mu      sync.Mutex
	buckets map[string]*list.Element
	lru     *list.List
}

type keyedEntry struct {
	key string
	b   *bucket
}

// NewKeyed allows perSecond events per key with bursts of up to burst.
func NewKeyed(clock Clock, perSecond, burst int64, maxKeys int) *Keyed {
	if clock == nil {
		clock = RealClock{}
	}
	if burst < 1 {
		burst = 1
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Keyed{
		clock:   clock,
		rate:    perSecond,
		burst:   burst,
		maxKeys: maxKeys,
		buckets: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Allow consumes one token from key's bucket.
func (k *Keyed) Allow(key string) bool {
	now := k.clock.Now()

	k.mu.Lock()
	defer k.mu.Unlock()

	if elem, ok := k.buckets[key]; ok {
		k.lru.MoveToFront(elem)
		return elem.Value.(*keyedEntry).b.take(now)
	}

	k.evictLocked(now)
	b := newBucket(now, k.burst, k.rate)
	k.buckets[key] = k.lru.PushFront(&keyedEntry{key: key, b: b})
	return b.take(now)
}

// evictLocked makes room for one more key. Idle buckets that have refilled
// completely go first; otherwise the least recently used one is dropped.
func (k *Keyed) evictLocked(now time.Time) {
	for elem := k.lru.Back(); elem != nil && len(k.buckets) >= k.maxKeys; {
		prev := elem.Prev()
		if e := elem.Value.(*keyedEntry); e.b.full(now) {
			k.lru.Remove(elem)
			delete(k.buckets, e.key)
		}
		elem = prev
	}
	if len(k.buckets) < k.maxKeys {
		return
	}
	oldest := k.lru.Back()
	k.lru.Remove(oldest)
	delete(k.buckets, oldest.Value.(*keyedEntry).key)
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
