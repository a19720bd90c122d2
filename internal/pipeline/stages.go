package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/lalith-99/botgate/internal/abuse"
	"github.com/lalith-99/botgate/internal/dispatch"
	"github.com/lalith-99/botgate/internal/models"
	"github.com/lalith-99/botgate/internal/ratelimit"
	"github.com/lalith-99/botgate/internal/repository"
)

// The standard chain, in its fixed order:
//
//	Auth → GroupConfig → Trust → RateLimit → AbuseCheck → Dispatch
//
// Assembled by NewStandardChain; tests assemble shorter chains.
func NewStandardChain(
	config repository.ConfigStore,
	limiter *ratelimit.Limiter,
	engine *abuse.Engine,
	registry *dispatch.Registry,
	audit repository.AuditSink,
) []Stage {
	return []Stage{
		&AuthStage{config: config, audit: audit},
		&GroupConfigStage{config: config},
		&TrustStage{},
		&RateLimitStage{limiter: limiter},
		&AbuseStage{engine: engine},
		&DispatchStage{registry: registry},
	}
}

// AuthStage rejects events from globally banned actors. Bans are
// tenant-wide; per-subject mutes are the abuse engine's business.
type AuthStage struct {
	config repository.ConfigStore
	audit  repository.AuditSink
}

func (s *AuthStage) Name() string { return "auth" }

func (s *AuthStage) Handle(ctx context.Context, pc *Context) (*Result, error) {
	banned, err := s.config.IsActorBanned(ctx, pc.Event.TenantID, pc.Event.ActorID)
	if err != nil {
		return nil, fmt.Errorf("check global ban: %w", err)
	}
	if banned {
		s.audit.Record(models.AuditEvent{
			Kind:      "audit.actor_banned",
			TenantID:  pc.Event.TenantID,
			SubjectID: pc.Event.SubjectID,
			ActorID:   pc.Event.ActorID,
			At:        time.Now(),
		})
		return &Result{Outcome: OutcomeActorBanned, Stage: s.Name()}, nil
	}
	return nil, nil
}

// GroupConfigStage loads the per-subject configuration every later
// stage depends on: thresholds, enabled modules, trust scores.
type GroupConfigStage struct {
	config repository.ConfigStore
}

func (s *GroupConfigStage) Name() string { return "group_config" }

func (s *GroupConfigStage) Handle(ctx context.Context, pc *Context) (*Result, error) {
	cfg, err := s.config.GetGroupConfig(ctx, pc.Event.TenantID, pc.Event.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("load group config: %w", err)
	}
	pc.Group = cfg
	return nil, nil
}

// TrustStage attaches the actor's trust score and decides the
// exemption flag once. Downstream stages (rate limit, abuse) honor
// pc.Exempt instead of each re-implementing the trust logic.
//
// TrustExemption == 0 means the subject grants no exemptions at all.
type TrustStage struct{}

func (s *TrustStage) Name() string { return "trust" }

func (s *TrustStage) Handle(_ context.Context, pc *Context) (*Result, error) {
	pc.TrustScore = pc.Group.TrustScores[pc.Event.ActorID]
	pc.Exempt = pc.Group.TrustExemption > 0 && pc.TrustScore >= pc.Group.TrustExemption
	return nil, nil
}

// RateLimitStage is token-bucket admission. A rejection is silent
// back-pressure: the event stops here, no mitigation, no audit noise.
type RateLimitStage struct {
	limiter *ratelimit.Limiter
}

func (s *RateLimitStage) Name() string { return "rate_limit" }

func (s *RateLimitStage) Handle(ctx context.Context, pc *Context) (*Result, error) {
	if pc.Exempt {
		return nil, nil
	}
	ok, err := s.limiter.Admit(ctx, pc.Event, pc.Group.Thresholds)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Result{Outcome: OutcomeRateLimited, Stage: s.Name()}, nil
	}
	return nil, nil
}

// AbuseStage feeds the event to the detection engine. When this event
// is the one that crosses a threshold, the chain short-circuits —
// there is no point dispatching the message that just got its author
// muted. Events observed during an existing Cooldown keep flowing:
// they are counted but trigger nothing.
type AbuseStage struct {
	engine *abuse.Engine
}

func (s *AbuseStage) Name() string { return "abuse_check" }

func (s *AbuseStage) Handle(ctx context.Context, pc *Context) (*Result, error) {
	if pc.Exempt {
		return nil, nil
	}
	rec, err := s.engine.Observe(ctx, pc.Event, pc.Group.Thresholds)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		pc.Mitigation = rec
		return &Result{Outcome: OutcomeMitigated, Stage: s.Name()}, nil
	}
	return nil, nil
}

// DispatchStage hands the event to its bound module, if any. Module
// failures are already isolated inside the registry; the pipeline
// completes either way.
type DispatchStage struct {
	registry *dispatch.Registry
}

func (s *DispatchStage) Name() string { return "module_dispatch" }

func (s *DispatchStage) Handle(ctx context.Context, pc *Context) (*Result, error) {
	pc.Dispatch = s.registry.Dispatch(ctx, pc.Event, pc.Group)
	return nil, nil
}
