package abuse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/botgate/internal/models"
	"github.com/lalith-99/botgate/internal/repository"
)

// fixedBuckets is the resolution of the flood approximation: the
// window is split into this many rotating buckets. Memory per hot key
// is bounded by the bucket count regardless of message volume.
const fixedBuckets = 10

// applyTimeout bounds one mitigation application including all its
// retries; the work runs detached from the triggering event's request.
const applyTimeout = 30 * time.Second

// Engine is the abuse detector and its mitigation state machine.
//
// Per (tenant, subject, category) it keeps a trailing-window count in
// the shared counter store — exact sliding window for low-volume
// categories (raid joins), fixed-bucket approximation for high-volume
// ones (message flood) — and drives Normal → Triggered → Cooldown →
// Normal per target.
//
// The Triggered edge is the only place an action fires. Idempotence
// across gateway instances comes from MitigationStore.Create: only the
// instance whose insert wins applies the action, every other crossing
// during Cooldown is a no-op. That hysteresis is what keeps a
// sustained flood from stacking duplicate mutes.
type Engine struct {
	counters    repository.CounterStore
	mitigations repository.MitigationStore
	actions     repository.ActionSink
	audit       repository.AuditSink
	logger      *zap.Logger
	now         func() time.Time

	// Expiry timers are process-local and cancellable: a manual
	// reversal cancels the pending timer instead of letting it fire
	// redundantly.
	mu     sync.Mutex
	timers map[string]*time.Timer

	retryBase     time.Duration
	retryAttempts int

	wg sync.WaitGroup
}

func NewEngine(
	counters repository.CounterStore,
	mitigations repository.MitigationStore,
	actions repository.ActionSink,
	audit repository.AuditSink,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		counters:      counters,
		mitigations:   mitigations,
		actions:       actions,
		audit:         audit,
		logger:        logger,
		now:           time.Now,
		timers:        make(map[string]*time.Timer),
		retryBase:     250 * time.Millisecond,
		retryAttempts: 5,
	}
}

// Stop cancels every pending expiry timer and waits for in-flight
// mitigation applications to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	for key, t := range e.timers {
		t.Stop()
		delete(e.timers, key)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// check is one classified observation: which window to count in and
// what to do when the count crosses the limit.
type check struct {
	category models.AbuseCategory
	limit    int
	window   time.Duration
	action   models.MitigationAction
	duration time.Duration
	// actorScoped: the mitigation targets the actor who crossed the
	// threshold (flood mute) rather than the subject (raid lock).
	actorScoped bool
	// sliding selects the exact window; floods use fixed buckets.
	sliding bool
	// inclusive: trigger at count == limit (raid: the Nth join IS the
	// raid) versus strictly above it (flood: the limit is the allowed
	// budget, the limit+1th message triggers).
	inclusive bool
}

func classify(ev *models.InboundEvent, t models.Thresholds) (check, bool) {
	switch {
	case ev.Kind == models.KindMemberJoined:
		return check{
			category:  models.CategoryRaid,
			limit:     t.RaidLimit,
			window:    t.RaidWindow,
			action:    models.ActionLock,
			duration:  t.RaidLock,
			sliding:   true,
			inclusive: true,
		}, true
	case (ev.Kind == models.KindMessage || ev.Kind == models.KindEditedMessage) && ev.HasMedia:
		return check{
			category:    models.CategoryMediaFlood,
			limit:       t.MediaFloodLimit,
			window:      t.MediaFloodWindow,
			action:      models.ActionMute,
			duration:    t.MediaFloodMute,
			actorScoped: true,
		}, true
	case ev.Kind == models.KindMessage || ev.Kind == models.KindEditedMessage:
		return check{
			category:    models.CategoryMessageFlood,
			limit:       t.FloodLimit,
			window:      t.FloodWindow,
			action:      models.ActionMute,
			duration:    t.FloodMute,
			actorScoped: true,
		}, true
	}
	return check{}, false
}

// Observe counts one qualifying event and, on a threshold crossing,
// applies the mitigation. Returns the created record when this event
// triggered one, nil otherwise (including every crossing during an
// existing Cooldown).
//
// Counting continues during Cooldown — the window stays truthful, only
// the action is suppressed.
func (e *Engine) Observe(ctx context.Context, ev *models.InboundEvent, t models.Thresholds) (*models.MitigationRecord, error) {
	c, ok := classify(ev, t)
	if !ok {
		return nil, nil
	}

	key := fmt.Sprintf("%s:%s:%s", ev.TenantID, ev.SubjectID, c.category)

	var (
		count int
		err   error
	)
	if c.sliding {
		count, err = e.counters.SlidingCount(ctx, key, c.window)
	} else {
		count, err = e.counters.BucketCount(ctx, key, c.window, fixedBuckets)
	}
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", c.category, err)
	}

	crossed := count > c.limit
	if c.inclusive {
		crossed = count >= c.limit
	}
	if !crossed {
		return nil, nil
	}

	return e.trigger(ctx, ev, c)
}

func (e *Engine) trigger(ctx context.Context, ev *models.InboundEvent, c check) (*models.MitigationRecord, error) {
	now := e.now()
	expires := now.Add(c.duration)

	rec := &models.MitigationRecord{
		ID:          uuid.New(),
		TenantID:    ev.TenantID,
		SubjectID:   ev.SubjectID,
		Action:      c.action,
		Cause:       c.category,
		TriggeredAt: now,
		ExpiresAt:   &expires,
	}
	if c.actorScoped {
		rec.ActorID = ev.ActorID
	}

	created, err := e.mitigations.Create(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("create mitigation: %w", err)
	}
	if !created {
		// Already Triggered or in Cooldown; edge-triggered means we
		// do nothing here.
		return nil, nil
	}

	e.logger.Warn("abuse threshold crossed",
		zap.String("tenant_id", rec.TenantID),
		zap.String("subject_id", rec.SubjectID),
		zap.String("actor_id", rec.ActorID),
		zap.String("cause", string(rec.Cause)),
		zap.String("action", string(rec.Action)),
		zap.Duration("duration", c.duration),
	)
	e.audit.Record(models.AuditEvent{
		Kind:      "audit.mitigation_triggered",
		TenantID:  rec.TenantID,
		SubjectID: rec.SubjectID,
		ActorID:   rec.ActorID,
		Detail:    string(rec.Cause) + " -> " + string(rec.Action),
		At:        now,
	})

	// Application (and its retries) runs detached: the triggering
	// event's request has already been acknowledged and must not wait
	// on the platform API.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		actx, cancel := context.WithTimeout(context.Background(), applyTimeout)
		defer cancel()
		e.execute(actx, rec.TenantID, rec.SubjectID, rec.ActorID, rec.Action, c.duration)
	}()

	e.scheduleExpiry(rec, c.duration)
	return rec, nil
}

func (e *Engine) timerKey(tenantID, subjectID, actorID string, action models.MitigationAction) string {
	return tenantID + "|" + subjectID + "|" + actorID + "|" + string(action)
}

func (e *Engine) scheduleExpiry(rec *models.MitigationRecord, duration time.Duration) {
	key := e.timerKey(rec.TenantID, rec.SubjectID, rec.ActorID, rec.Action)

	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.timers[key]; ok {
		old.Stop()
	}
	e.timers[key] = time.AfterFunc(duration, func() {
		e.expire(rec)
	})
}

// expire is the Cooldown → Normal transition: stamp the record
// reversed and undo the platform effect. If an operator already
// reversed it out-of-band the stamp affects nothing and the reversal
// action is skipped.
func (e *Engine) expire(rec *models.MitigationRecord) {
	key := e.timerKey(rec.TenantID, rec.SubjectID, rec.ActorID, rec.Action)
	e.mu.Lock()
	delete(e.timers, key)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	reversed, err := e.mitigations.MarkReversed(ctx, rec.TenantID, rec.SubjectID, rec.ActorID, rec.Action, e.now())
	if err != nil {
		e.logger.Error("mark mitigation expired failed",
			zap.String("tenant_id", rec.TenantID),
			zap.String("subject_id", rec.SubjectID),
			zap.Error(err),
		)
		return
	}
	if !reversed {
		return
	}

	if reversal, ok := rec.Action.Reversal(); ok {
		e.execute(ctx, rec.TenantID, rec.SubjectID, rec.ActorID, reversal, 0)
	}
	e.audit.Record(models.AuditEvent{
		Kind:      "audit.mitigation_expired",
		TenantID:  rec.TenantID,
		SubjectID: rec.SubjectID,
		ActorID:   rec.ActorID,
		Detail:    string(rec.Action),
		At:        e.now(),
	})
}

// Reverse is the operator's manual Any-state → Normal transition. It
// cancels the pending expiry timer so it can't fire redundantly, then
// stamps and undoes the mitigation. Reversing something already
// reversed (or expired) is a no-op, not an error.
func (e *Engine) Reverse(ctx context.Context, tenantID, subjectID, actorID string, action models.MitigationAction) error {
	key := e.timerKey(tenantID, subjectID, actorID, action)
	e.mu.Lock()
	if t, ok := e.timers[key]; ok {
		t.Stop()
		delete(e.timers, key)
	}
	e.mu.Unlock()

	reversed, err := e.mitigations.MarkReversed(ctx, tenantID, subjectID, actorID, action, e.now())
	if err != nil {
		return fmt.Errorf("mark mitigation reversed: %w", err)
	}
	if !reversed {
		return nil
	}

	if reversal, ok := action.Reversal(); ok {
		e.execute(ctx, tenantID, subjectID, actorID, reversal, 0)
	}
	e.audit.Record(models.AuditEvent{
		Kind:      "audit.mitigation_reversed",
		TenantID:  tenantID,
		SubjectID: subjectID,
		ActorID:   actorID,
		Detail:    string(action),
		At:        e.now(),
	})
	return nil
}

// execute calls the action sink with bounded exponential backoff.
// The sink is idempotent by contract, so re-sending after an ambiguous
// failure is safe. Exhausting the retry budget (or a fatal outcome)
// escalates to the operator via the audit sink instead of retrying
// forever.
func (e *Engine) execute(ctx context.Context, tenantID, subjectID, actorID string, action models.MitigationAction, duration time.Duration) {
	delay := e.retryBase
	var lastErr error

	for attempt := 1; attempt <= e.retryAttempts; attempt++ {
		outcome, err := e.actions.Execute(ctx, tenantID, subjectID, actorID, action, duration)
		switch {
		case err == nil && outcome == repository.ActionOK:
			return
		case outcome == repository.ActionFatal:
			e.escalate(tenantID, subjectID, actorID, action, err)
			return
		default:
			lastErr = err
		}

		select {
		case <-ctx.Done():
			e.escalate(tenantID, subjectID, actorID, action, ctx.Err())
			return
		case <-time.After(delay):
		}
		delay *= 2
	}

	e.escalate(tenantID, subjectID, actorID, action, lastErr)
}

func (e *Engine) escalate(tenantID, subjectID, actorID string, action models.MitigationAction, cause error) {
	detail := string(action)
	if cause != nil {
		detail += ": " + cause.Error()
	}
	e.logger.Error("mitigation execution failed, escalating",
		zap.String("tenant_id", tenantID),
		zap.String("subject_id", subjectID),
		zap.String("actor_id", actorID),
		zap.String("action", string(action)),
		zap.Error(cause),
	)
	e.audit.Record(models.AuditEvent{
		Kind:      "audit.mitigation_escalated",
		TenantID:  tenantID,
		SubjectID: subjectID,
		ActorID:   actorID,
		Detail:    detail,
		At:        e.now(),
	})
}
