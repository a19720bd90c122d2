package fallback

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/botgate/internal/models"
	"github.com/lalith-99/botgate/internal/repository"
)

// CounterStore decorates the distributed store with a fail-open
// in-process fallback.
//
// Policy: an outage in the counter backend must not block all traffic.
// When the primary returns ErrCounterUnavailable, the call is replayed
// against the in-process store and an operational alarm is raised
// through the audit sink. Per-instance counting is looser than shared
// counting; that's the accepted cost of staying up.
//
// The degraded flag edge-triggers the alarm so a long Redis outage
// produces one audit event per transition, not one per event.
type CounterStore struct {
	primary  repository.CounterStore
	fallback repository.CounterStore
	audit    repository.AuditSink
	logger   *zap.Logger

	degraded atomic.Bool
}

func New(primary, fb repository.CounterStore, audit repository.AuditSink, logger *zap.Logger) *CounterStore {
	return &CounterStore{
		primary:  primary,
		fallback: fb,
		audit:    audit,
		logger:   logger,
	}
}

func (s *CounterStore) AdmitToken(ctx context.Context, key string, capacity, refillPerSec float64) (bool, error) {
	ok, err := s.primary.AdmitToken(ctx, key, capacity, refillPerSec)
	if !s.failedOver(err) {
		s.recovered()
		return ok, err
	}
	return s.fallback.AdmitToken(ctx, key, capacity, refillPerSec)
}

func (s *CounterStore) SlidingCount(ctx context.Context, key string, window time.Duration) (int, error) {
	n, err := s.primary.SlidingCount(ctx, key, window)
	if !s.failedOver(err) {
		s.recovered()
		return n, err
	}
	return s.fallback.SlidingCount(ctx, key, window)
}

func (s *CounterStore) BucketCount(ctx context.Context, key string, window time.Duration, buckets int) (int, error) {
	n, err := s.primary.BucketCount(ctx, key, window, buckets)
	if !s.failedOver(err) {
		s.recovered()
		return n, err
	}
	return s.fallback.BucketCount(ctx, key, window, buckets)
}

func (s *CounterStore) ClaimDedup(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.primary.ClaimDedup(ctx, key, ttl)
	if !s.failedOver(err) {
		s.recovered()
		return ok, err
	}
	return s.fallback.ClaimDedup(ctx, key, ttl)
}

func (s *CounterStore) ReleaseDedup(ctx context.Context, key string) error {
	err := s.primary.ReleaseDedup(ctx, key)
	if !s.failedOver(err) {
		s.recovered()
		return err
	}
	return s.fallback.ReleaseDedup(ctx, key)
}

func (s *CounterStore) failedOver(err error) bool {
	if err == nil || !errors.Is(err, repository.ErrCounterUnavailable) {
		return false
	}
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Error("counter store unavailable, failing open to in-process counters", zap.Error(err))
		s.audit.Record(models.AuditEvent{
			Kind:   "audit.counter_store_degraded",
			Detail: err.Error(),
			At:     time.Now(),
		})
	}
	return true
}

func (s *CounterStore) recovered() {
	if s.degraded.CompareAndSwap(true, false) {
		s.logger.Info("counter store recovered")
		s.audit.Record(models.AuditEvent{
			Kind: "audit.counter_store_recovered",
			At:   time.Now(),
		})
	}
}
