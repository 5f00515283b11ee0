package rate

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

// Config holds token-bucket tuning parameters.
type Config struct {
	Capacity       int
	RefillInterval time.Duration
}

// Limiter is a sharded map of per-key token buckets. Lookup-or-create,
// consume, and cleanup are safe for concurrent use; contention is spread
// across shards keyed by an FNV hash.
type Limiter struct {
	config Config
	shards [shardCount]*shard
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// New creates a Limiter. Capacity and interval must be validated by the
// caller; New does not re-check them.
func New(cfg Config) *Limiter {
	l := &Limiter{config: cfg}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// TryConsume takes one token from the bucket for key, creating the bucket at
// full capacity on first use. When the budget is exhausted it returns false
// and the time until the next burst refill.
func (l *Limiter) TryConsume(key string) (bool, time.Duration) {
	now := time.Now()
	s := l.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: l.config.Capacity, lastRefill: now}
		s.buckets[key] = b
	}
	l.refill(b, now)

	if b.tokens <= 0 {
		return false, b.lastRefill.Add(l.config.RefillInterval).Sub(now)
	}
	b.tokens--
	return true, 0
}

// refill replenishes the bucket to capacity once the interval boundary has
// passed. The whole budget returns in one burst; partial elapsed time earns
// nothing.
func (l *Limiter) refill(b *bucket, now time.Time) {
	if now.Sub(b.lastRefill) >= l.config.RefillInterval {
		b.tokens = l.config.Capacity
		b.lastRefill = now
	}
}

// Cleanup evicts buckets that are at full capacity after refill and returns
// the number evicted. A full bucket is behaviorally identical to a fresh
// one, so eviction never changes an outcome.
func (l *Limiter) Cleanup() int {
	now := time.Now()
	evicted := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			l.refill(b, now)
			if b.tokens == l.config.Capacity {
				delete(s.buckets, key)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// Len reports the number of live buckets across all shards.
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}
