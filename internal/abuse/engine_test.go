package abuse

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/botgate/internal/models"
	"github.com/lalith-99/botgate/internal/repository"
	"github.com/lalith-99/botgate/internal/repository/memory"
)

// fakeMitigations implements the active-record idempotence invariant
// in memory: one active record per (tenant, subject, actor, action).
type fakeMitigations struct {
	mu      sync.Mutex
	records []*models.MitigationRecord
}

func (f *fakeMitigations) Create(_ context.Context, rec *models.MitigationRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.TenantID == rec.TenantID && r.SubjectID == rec.SubjectID &&
			r.ActorID == rec.ActorID && r.Action == rec.Action && r.ReversedAt == nil {
			return false, nil
		}
	}
	cp := *rec
	f.records = append(f.records, &cp)
	return true, nil
}

func (f *fakeMitigations) MarkReversed(_ context.Context, tenantID, subjectID, actorID string, action models.MitigationAction, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.TenantID == tenantID && r.SubjectID == subjectID &&
			r.ActorID == actorID && r.Action == action && r.ReversedAt == nil {
			t := at
			r.ReversedAt = &t
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeMitigations) ListActive(_ context.Context, tenantID string, now time.Time) ([]models.MitigationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.MitigationRecord
	for _, r := range f.records {
		if r.TenantID == tenantID && r.Active(now) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeMitigations) count(cause models.AbuseCategory) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.records {
		if r.Cause == cause {
			n++
		}
	}
	return n
}

type actionCall struct {
	actorID string
	action  models.MitigationAction
}

type fakeActions struct {
	mu      sync.Mutex
	calls   []actionCall
	outcome repository.ActionOutcome
	err     error
}

func (f *fakeActions) Execute(_ context.Context, _, _, actorID string, action models.MitigationAction, _ time.Duration) (repository.ActionOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, actionCall{actorID: actorID, action: action})
	return f.outcome, f.err
}

func (f *fakeActions) callsFor(action models.MitigationAction) []actionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []actionCall
	for _, c := range f.calls {
		if c.action == action {
			out = append(out, c)
		}
	}
	return out
}

type fakeAudit struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (f *fakeAudit) Record(ev models.AuditEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeAudit) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *fakeMitigations, *fakeActions, *fakeAudit) {
	t.Helper()
	counters := memory.NewCounterStore()
	t.Cleanup(counters.Stop)

	mits := &fakeMitigations{}
	acts := &fakeActions{outcome: repository.ActionOK}
	audit := &fakeAudit{}

	e := NewEngine(counters, mits, acts, audit, zap.NewNop())
	e.retryBase = time.Millisecond
	t.Cleanup(e.Stop)
	return e, mits, acts, audit
}

func messageEvent(actor string) *models.InboundEvent {
	return &models.InboundEvent{
		TenantID:  "t1",
		SubjectID: "s1",
		ActorID:   actor,
		Kind:      models.KindMessage,
	}
}

func joinEvent(actor string) *models.InboundEvent {
	return &models.InboundEvent{
		TenantID:  "t1",
		SubjectID: "s1",
		ActorID:   actor,
		Kind:      models.KindMemberJoined,
	}
}

func TestFlood_TriggersOnceAboveLimit(t *testing.T) {
	e, mits, acts, _ := newTestEngine(t)
	ctx := context.Background()

	thresholds := models.DefaultThresholds(models.Thresholds{
		FloodLimit:  5,
		FloodWindow: 5 * time.Second,
		FloodMute:   time.Hour, // expiry not under test here
	})

	// Five messages fill the budget without triggering.
	for i := 0; i < 5; i++ {
		rec, err := e.Observe(ctx, messageEvent("alice"), thresholds)
		require.NoError(t, err)
		assert.Nil(t, rec, "message %d must not trigger", i+1)
	}

	// The sixth crosses the limit: mute for the flooding actor.
	rec, err := e.Observe(ctx, messageEvent("alice"), thresholds)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.ActionMute, rec.Action)
	assert.Equal(t, models.CategoryMessageFlood, rec.Cause)
	assert.Equal(t, "alice", rec.ActorID)
	assert.NotEqual(t, uuid.Nil, rec.ID)

	// Messages 7-10 keep counting but the Cooldown suppresses any
	// further action: still exactly one record.
	for i := 0; i < 4; i++ {
		rec, err := e.Observe(ctx, messageEvent("alice"), thresholds)
		require.NoError(t, err)
		assert.Nil(t, rec)
	}
	assert.Equal(t, 1, mits.count(models.CategoryMessageFlood))

	e.Stop() // wait for the detached application
	require.Len(t, acts.callsFor(models.ActionMute), 1)
}

func TestRaid_LocksSubjectAtThreshold(t *testing.T) {
	e, mits, acts, _ := newTestEngine(t)
	ctx := context.Background()

	thresholds := models.DefaultThresholds(models.Thresholds{
		RaidLimit:  10,
		RaidWindow: 60 * time.Second,
		RaidLock:   time.Hour,
	})

	// Nine joins: below threshold.
	for i := 0; i < 9; i++ {
		rec, err := e.Observe(ctx, joinEvent("user"+string(rune('a'+i))), thresholds)
		require.NoError(t, err)
		assert.Nil(t, rec)
	}

	// The tenth join IS the raid: lock the subject, no actor target.
	rec, err := e.Observe(ctx, joinEvent("userj"), thresholds)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.ActionLock, rec.Action)
	assert.Equal(t, models.CategoryRaid, rec.Cause)
	assert.Empty(t, rec.ActorID)

	// The eleventh is still counted but produces no new action.
	rec, err = e.Observe(ctx, joinEvent("userk"), thresholds)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 1, mits.count(models.CategoryRaid))

	e.Stop()
	require.Len(t, acts.callsFor(models.ActionLock), 1)
}

func TestMediaFlood_UsesOwnThreshold(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	thresholds := models.DefaultThresholds(models.Thresholds{
		MediaFloodLimit:  3,
		MediaFloodWindow: 10 * time.Second,
		MediaFloodMute:   time.Hour,
	})

	ev := func() *models.InboundEvent {
		e := messageEvent("alice")
		e.HasMedia = true
		return e
	}

	for i := 0; i < 3; i++ {
		rec, err := e.Observe(ctx, ev(), thresholds)
		require.NoError(t, err)
		assert.Nil(t, rec)
	}
	rec, err := e.Observe(ctx, ev(), thresholds)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.CategoryMediaFlood, rec.Cause)
}

func TestMitigation_AutoReversesOnExpiry(t *testing.T) {
	e, mits, acts, audit := newTestEngine(t)
	ctx := context.Background()

	thresholds := models.DefaultThresholds(models.Thresholds{
		FloodLimit:  1,
		FloodWindow: 5 * time.Second,
		FloodMute:   60 * time.Millisecond,
	})

	_, err := e.Observe(ctx, messageEvent("alice"), thresholds)
	require.NoError(t, err)
	rec, err := e.Observe(ctx, messageEvent("alice"), thresholds)
	require.NoError(t, err)
	require.NotNil(t, rec)

	// The expiry timer fires at ~60ms; give it tolerance.
	require.Eventually(t, func() bool {
		active, _ := mits.ListActive(ctx, "t1", time.Now())
		return len(active) == 0
	}, time.Second, 10*time.Millisecond, "mitigation should auto-reverse")

	require.Eventually(t, func() bool {
		return len(acts.callsFor(models.ActionUnmute)) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Contains(t, audit.kinds(), "audit.mitigation_expired")
}

func TestManualReversal_CancelsExpiryTimer(t *testing.T) {
	e, _, acts, audit := newTestEngine(t)
	ctx := context.Background()

	thresholds := models.DefaultThresholds(models.Thresholds{
		FloodLimit:  1,
		FloodWindow: 5 * time.Second,
		FloodMute:   80 * time.Millisecond,
	})

	_, err := e.Observe(ctx, messageEvent("alice"), thresholds)
	require.NoError(t, err)
	rec, err := e.Observe(ctx, messageEvent("alice"), thresholds)
	require.NoError(t, err)
	require.NotNil(t, rec)

	require.NoError(t, e.Reverse(ctx, "t1", "s1", "alice", models.ActionMute))
	assert.Contains(t, audit.kinds(), "audit.mitigation_reversed")

	// Long past the original expiry: the cancelled timer must not
	// have produced a second reversal.
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, acts.callsFor(models.ActionUnmute), 1)
	assert.NotContains(t, audit.kinds(), "audit.mitigation_expired")
}

func TestManualReversal_NoActiveRecordIsNoop(t *testing.T) {
	e, _, acts, _ := newTestEngine(t)

	require.NoError(t, e.Reverse(context.Background(), "t1", "s1", "alice", models.ActionMute))
	assert.Empty(t, acts.calls)
}

func TestExecute_EscalatesAfterRetryBudget(t *testing.T) {
	e, _, acts, audit := newTestEngine(t)
	acts.outcome = repository.ActionRetryable
	acts.err = errors.New("platform 503")

	ctx := context.Background()
	thresholds := models.DefaultThresholds(models.Thresholds{
		FloodLimit:  1,
		FloodWindow: 5 * time.Second,
		FloodMute:   time.Hour,
	})

	_, err := e.Observe(ctx, messageEvent("alice"), thresholds)
	require.NoError(t, err)
	rec, err := e.Observe(ctx, messageEvent("alice"), thresholds)
	require.NoError(t, err)
	require.NotNil(t, rec)

	require.Eventually(t, func() bool {
		for _, k := range audit.kinds() {
			if k == "audit.mitigation_escalated" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, acts.callsFor(models.ActionMute), e.retryAttempts)
}

func TestExecute_FatalOutcomeDoesNotRetry(t *testing.T) {
	e, _, acts, audit := newTestEngine(t)
	acts.outcome = repository.ActionFatal
	acts.err = errors.New("platform 400")

	ctx := context.Background()
	thresholds := models.DefaultThresholds(models.Thresholds{
		FloodLimit:  1,
		FloodWindow: 5 * time.Second,
		FloodMute:   time.Hour,
	})

	_, _ = e.Observe(ctx, messageEvent("alice"), thresholds)
	rec, err := e.Observe(ctx, messageEvent("alice"), thresholds)
	require.NoError(t, err)
	require.NotNil(t, rec)

	e.Stop()
	assert.Len(t, acts.callsFor(models.ActionMute), 1)
	assert.Contains(t, audit.kinds(), "audit.mitigation_escalated")
}

func TestObserve_IgnoresNonQualifyingKinds(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	ev := &models.InboundEvent{
		TenantID:  "t1",
		SubjectID: "s1",
		ActorID:   "alice",
		Kind:      models.KindCallback,
	}
	rec, err := e.Observe(context.Background(), ev, models.DefaultThresholds(models.Thresholds{}))
	require.NoError(t, err)
	assert.Nil(t, rec)
}
