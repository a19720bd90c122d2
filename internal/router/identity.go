package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalith-99/botgate/internal/auth"
	"github.com/lalith-99/botgate/internal/models"
	"github.com/lalith-99/botgate/internal/repository"
)

// Rejection reasons. Both are terminal: the event is dropped before it
// enters the pipeline, and the ingress still acknowledges the request
// so a misconfigured tenant can't cause an upstream retry storm.
var (
	ErrUnknownTenant   = errors.New("unknown tenant")
	ErrSuspendedTenant = errors.New("suspended tenant")
)

// Credential is whatever the ingress extracted from the request:
// either the ingest path token, or a tenant id + shared secret pair
// from the X-Gateway-Secret header.
type Credential struct {
	PathToken string
	TenantID  string
	Secret    string
}

// Identity resolves credentials to tenant registrations, cache-first.
//
// The hot path is one Redis GET per event; Postgres is only consulted
// on cache miss. Resolution must be deterministic: same credential,
// unchanged tenant state, same answer — the cache TTL is the only
// staleness window.
type Identity struct {
	tenants repository.TenantStore
	cache   *redis.Client
	audit   repository.AuditSink
	logger  *zap.Logger

	// cacheTTL bounds how long a suspended tenant can keep resolving.
	cacheTTL time.Duration
}

func NewIdentity(tenants repository.TenantStore, cache *redis.Client, audit repository.AuditSink, logger *zap.Logger) *Identity {
	return &Identity{
		tenants:  tenants,
		cache:    cache,
		audit:    audit,
		logger:   logger,
		cacheTTL: 60 * time.Second,
	}
}

// Resolve maps a credential to its tenant registration.
//
// Returns ErrUnknownTenant for unmapped credentials (including a bad
// header secret — indistinguishable from a missing tenant on purpose)
// and ErrSuspendedTenant for suspended ones.
func (r *Identity) Resolve(ctx context.Context, cred Credential) (*models.TenantRegistration, error) {
	var (
		reg *models.TenantRegistration
		err error
	)

	switch {
	case cred.PathToken != "":
		reg, err = r.resolveToken(ctx, cred.PathToken)
	case cred.TenantID != "" && cred.Secret != "":
		reg, err = r.resolveSecret(ctx, cred.TenantID, cred.Secret)
	default:
		err = ErrUnknownTenant
	}
	if err != nil {
		if errors.Is(err, ErrUnknownTenant) {
			r.reject(cred, err)
		}
		return nil, err
	}

	if reg.Status != models.TenantActive {
		r.reject(cred, ErrSuspendedTenant)
		return nil, ErrSuspendedTenant
	}
	return reg, nil
}

func (r *Identity) resolveToken(ctx context.Context, token string) (*models.TenantRegistration, error) {
	cacheKey := "bg:tenant:tok:" + token

	if r.cache != nil {
		if raw, err := r.cache.Get(ctx, cacheKey).Bytes(); err == nil {
			var reg models.TenantRegistration
			if err := json.Unmarshal(raw, &reg); err == nil {
				return &reg, nil
			}
			// A corrupt cache entry falls through to the store read
			// and gets overwritten below.
		}
	}

	reg, err := r.tenants.ResolveByToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnknownTenant
	}
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}

	if r.cache != nil {
		if raw, err := json.Marshal(reg); err == nil {
			// Best-effort: a cache write failure just means the next
			// event pays the Postgres read again.
			if err := r.cache.Set(ctx, cacheKey, raw, r.cacheTTL).Err(); err != nil {
				r.logger.Warn("tenant cache write failed", zap.Error(err))
			}
		}
	}
	return reg, nil
}

func (r *Identity) resolveSecret(ctx context.Context, tenantID, secret string) (*models.TenantRegistration, error) {
	reg, err := r.tenants.ResolveByID(ctx, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnknownTenant
	}
	if err != nil {
		return nil, fmt.Errorf("resolve tenant id: %w", err)
	}
	if !auth.VerifySecret(reg.SecretHash, secret) {
		return nil, ErrUnknownTenant
	}
	return reg, nil
}

func (r *Identity) reject(cred Credential, cause error) {
	kind := "audit.tenant_unknown"
	if errors.Is(cause, ErrSuspendedTenant) {
		kind = "audit.tenant_suspended"
	}
	r.audit.Record(models.AuditEvent{
		Kind:     kind,
		TenantID: cred.TenantID,
		Detail:   cause.Error(),
		At:       time.Now(),
	})
}
