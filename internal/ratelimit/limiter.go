package ratelimit

import (
	"context"
	"fmt"

	"github.com/lalith-99/botgate/internal/models"
	"github.com/lalith-99/botgate/internal/repository"
)

// Per-command buckets are deliberately tighter than the per-actor one:
// an actor gets a reasonable overall message budget but can't spend it
// all hammering a single command.
const (
	commandCapacity = 5
	commandRefill   = 0.2
)

// Limiter is token-bucket admission control in front of the abuse
// engine. A rejection here is silent — it means "not yet", never
// "this is abuse" — so the only observable effect is that the event
// stops flowing.
//
// The bucket state lives in the CounterStore; this type only decides
// scopes and parameters. That keeps every gateway instance admitting
// against the same buckets.
type Limiter struct {
	counters repository.CounterStore
}

func NewLimiter(counters repository.CounterStore) *Limiter {
	return &Limiter{counters: counters}
}

// Admit runs the admission checks for one event: the per-actor scope
// always, plus the (actor, command) scope when the event carries a
// command. Both buckets must admit.
//
// The command bucket is checked first, so a command burst is rejected
// by the tighter limit without spending the actor's overall budget.
// The cost runs the other way: when the actor bucket then rejects, a
// command token has already been consumed. Command tokens refill
// independently, so the loss is bounded to that one token.
func (l *Limiter) Admit(ctx context.Context, ev *models.InboundEvent, t models.Thresholds) (bool, error) {
	if ev.Command != "" {
		key := fmt.Sprintf("%s:%s:%s", ev.TenantID, ev.ActorID, ev.Command)
		ok, err := l.counters.AdmitToken(ctx, key, commandCapacity, commandRefill)
		if err != nil {
			return false, fmt.Errorf("admit command scope: %w", err)
		}
		if !ok {
			return false, nil
		}
	}

	key := ev.TenantID + ":" + ev.ActorID
	ok, err := l.counters.AdmitToken(ctx, key, t.BucketCapacity, t.BucketRefill)
	if err != nil {
		return false, fmt.Errorf("admit actor scope: %w", err)
	}
	return ok, nil
}
