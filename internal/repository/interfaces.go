package repository

import (
	"context"
	"errors"
	"time"

	"github.com/lalith-99/botgate/internal/models"
)

// Every port method takes a context: each one may cross a network
// boundary (Postgres, Redis, the platform API), and these calls are the
// only suspension points in a pipeline run. Cancelling the run cancels
// the backend call.
//
// Counter state is shared across horizontally-scaled gateway instances;
// production backs it with Redis, tests and the fail-open fallback with
// an in-process implementation. Everything is injected, nothing is a
// process-wide singleton.

// Sentinel errors shared across implementations. Callers check with
// errors.Is, never by string.
var (
	ErrNotFound           = errors.New("not found")
	ErrCounterUnavailable = errors.New("counter store unavailable")
)

// TenantStore resolves ingress credentials to tenant registrations.
type TenantStore interface {
	// ResolveByToken looks up a registration by its ingest path token.
	// Returns ErrNotFound for unmapped tokens.
	ResolveByToken(ctx context.Context, token string) (*models.TenantRegistration, error)

	// ResolveByID looks up a registration by tenant id, used when the
	// credential arrives as a header secret and the caller must verify
	// it against SecretHash.
	ResolveByID(ctx context.Context, tenantID string) (*models.TenantRegistration, error)
}

// ConfigStore loads per-(tenant, subject) group configuration.
type ConfigStore interface {
	// GetGroupConfig returns the config for a subject, or a default
	// config (gateway thresholds, no modules) when none is stored.
	GetGroupConfig(ctx context.Context, tenantID, subjectID string) (*models.GroupConfig, error)

	// IsActorBanned reports a global (tenant-wide) ban on an actor.
	IsActorBanned(ctx context.Context, tenantID, actorID string) (bool, error)
}

// CounterStore is the shared mutable heart of the gateway: token
// buckets, abuse windows, and dedup keys. All methods are atomic
// key-scoped read-modify-writes — no caller ever holds a lock across
// two of them, because instances of the gateway share one store.
//
// Implementations return ErrCounterUnavailable (wrapped) when the
// backend is down; callers fail open onto an in-process fallback.
type CounterStore interface {
	// AdmitToken performs one token-bucket admission check: refill by
	// elapsed time, then consume one token if at least one is present.
	// Atomic — two concurrent calls against an empty bucket must never
	// both succeed.
	AdmitToken(ctx context.Context, key string, capacity, refillPerSec float64) (bool, error)

	// SlidingCount appends now to the exact sliding window at key,
	// evicts entries older than window, and returns the count. Used
	// for low-volume categories (raid joins).
	SlidingCount(ctx context.Context, key string, window time.Duration) (int, error)

	// BucketCount increments the current fixed bucket for key and
	// returns the summed count across the trailing window's buckets.
	// An approximation that bounds memory for high-volume categories
	// (message flood).
	BucketCount(ctx context.Context, key string, window time.Duration, buckets int) (int, error)

	// ClaimDedup records a delivery id with a TTL. Returns true when
	// this is the first sighting, false for a duplicate delivery.
	ClaimDedup(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ReleaseDedup forgets a claim, letting the same key be claimed
	// again. Used when a claimed delivery could not be accepted after
	// all and the caller reports it as retryable — the retry must not
	// read back as a duplicate.
	ReleaseDedup(ctx context.Context, key string) error
}

// MitigationStore persists mitigation records so that active
// mitigations survive restarts and stay visible to operators.
type MitigationStore interface {
	// Create inserts a record. Upsert semantics on the active-record
	// identity (tenant, subject, actor, action): if an active record
	// already exists it is returned unchanged and created is false.
	Create(ctx context.Context, rec *models.MitigationRecord) (created bool, err error)

	// MarkReversed stamps ReversedAt on the active record matching the
	// identity. Returns false (nil error) when no active record exists
	// — an expiry firing after a manual reversal lands here and must
	// not fail, and must not re-run the reversal action either.
	MarkReversed(ctx context.Context, tenantID, subjectID, actorID string, action models.MitigationAction, at time.Time) (bool, error)

	// ListActive returns the active mitigations for a tenant.
	ListActive(ctx context.Context, tenantID string, now time.Time) ([]models.MitigationRecord, error)
}

// BindingStore persists module bindings, the long-lived (tenant,
// match) → module configuration mutated by the admin surface. The
// gateway reads them once at startup into the typed dispatch table.
type BindingStore interface {
	ListEnabled(ctx context.Context) ([]models.ModuleBinding, error)
}

// ActionOutcome classifies an ActionSink result for retry purposes.
type ActionOutcome int

const (
	ActionOK ActionOutcome = iota
	ActionRetryable
	ActionFatal
)

// ActionSink is the platform effector: the one way the gateway (and
// its modules) cause anything to happen in a chat. Implementations
// must be idempotent — the gateway retries Retryable outcomes and
// re-applies reversals freely.
type ActionSink interface {
	Execute(ctx context.Context, tenantID, subjectID, actorID string, action models.MitigationAction, duration time.Duration) (ActionOutcome, error)
}

// AuditSink receives fire-and-forget observability events. Record must
// never block the caller or return; a slow or broken sink costs
// nothing but dropped audit events.
type AuditSink interface {
	Record(event models.AuditEvent)
}
