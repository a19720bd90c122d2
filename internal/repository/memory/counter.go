package memory

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CounterStore is the in-process counter backend. It serves two jobs:
// the test double for anything that needs counters, and the fail-open
// fallback the pipeline degrades to when Redis is unreachable —
// per-instance limits are looser than shared ones, but looser beats an
// outage in the counter backend silently blocking all traffic.
//
// Clock is injectable so tests can drive refill and window expiry
// without sleeping.
type CounterStore struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	windows map[string][]time.Time
	floods  map[string]*floodWindow
	dedup   map[string]time.Time
	now     func() time.Time

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// tokenBucket remembers the parameters its limiter was built with, so
// a threshold change is picked up on the next call instead of riding
// on the old limiter until the janitor drops it.
type tokenBucket struct {
	lim      *rate.Limiter
	capacity float64
	refill   float64
}

type floodWindow struct {
	counts   map[int64]int
	lastSeen time.Time
}

func NewCounterStore() *CounterStore {
	return NewCounterStoreWithClock(time.Now)
}

func NewCounterStoreWithClock(now func() time.Time) *CounterStore {
	s := &CounterStore{
		buckets: make(map[string]*tokenBucket),
		windows: make(map[string][]time.Time),
		floods:  make(map[string]*floodWindow),
		dedup:   make(map[string]time.Time),
		now:     now,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Stop shuts down the janitor goroutine. Safe to call twice.
func (s *CounterStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.stopped
}

// janitor sweeps idle state so a long-lived fallback store doesn't
// accumulate one entry per actor the gateway has ever seen.
func (s *CounterStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	defer close(s.stopped)

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *CounterStore) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, ts := range s.windows {
		if len(ts) == 0 || now.Sub(ts[len(ts)-1]) > 10*time.Minute {
			delete(s.windows, key)
		}
	}
	for key, fw := range s.floods {
		if now.Sub(fw.lastSeen) > 10*time.Minute {
			delete(s.floods, key)
		}
	}
	for key, expiry := range s.dedup {
		if now.After(expiry) {
			delete(s.dedup, key)
		}
	}
	// rate.Limiter carries no last-use timestamp; full buckets are
	// dropped wholesale when the map grows past a working-set bound.
	if len(s.buckets) > 100_000 {
		s.buckets = make(map[string]*tokenBucket)
	}
}

// AdmitToken delegates the bucket math to x/time/rate: burst is the
// capacity, Limit the refill. AllowN against the injected clock is the
// same refill-then-consume the distributed store runs in Lua.
//
// Parameters are compared on every call, matching the distributed
// store's behavior of reading them per event: a changed threshold
// rebuilds the bucket, and the rebuilt bucket starts full.
func (s *CounterStore) AdmitToken(_ context.Context, key string, capacity, refillPerSec float64) (bool, error) {
	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok || b.capacity != capacity || b.refill != refillPerSec {
		b = &tokenBucket{
			lim:      rate.NewLimiter(rate.Limit(refillPerSec), int(capacity)),
			capacity: capacity,
			refill:   refillPerSec,
		}
		s.buckets[key] = b
	}
	s.mu.Unlock()

	return b.lim.AllowN(s.now(), 1), nil
}

func (s *CounterStore) SlidingCount(_ context.Context, key string, window time.Duration) (int, error) {
	now := s.now()
	cutoff := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.windows[key][:0]
	for _, ts := range s.windows[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	s.windows[key] = kept
	return len(kept), nil
}

func (s *CounterStore) BucketCount(_ context.Context, key string, window time.Duration, buckets int) (int, error) {
	now := s.now()
	span := window.Microseconds() / int64(buckets)
	current := now.UnixMicro() / span

	s.mu.Lock()
	defer s.mu.Unlock()

	fw, ok := s.floods[key]
	if !ok {
		fw = &floodWindow{counts: make(map[int64]int)}
		s.floods[key] = fw
	}
	fw.lastSeen = now
	fw.counts[current]++

	total := 0
	for idx, n := range fw.counts {
		if idx <= current-int64(buckets) {
			delete(fw.counts, idx)
			continue
		}
		total += n
	}
	return total, nil
}

func (s *CounterStore) ClaimDedup(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, ok := s.dedup[key]; ok && now.Before(expiry) {
		return false, nil
	}
	s.dedup[key] = now.Add(ttl)
	return true, nil
}

func (s *CounterStore) ReleaseDedup(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dedup, key)
	return nil
}
