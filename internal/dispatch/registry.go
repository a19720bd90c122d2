package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/botgate/internal/models"
	"github.com/lalith-99/botgate/internal/repository"
)

// ErrBindingConflict: a second enabled binding for the same
// (tenant, match). Detected here, at registration time — a conflict is
// a configuration error the deployer gets immediately, never a
// dispatch-time coin flip.
var ErrBindingConflict = errors.New("module binding conflict")

// Actions is the capability handed to a module: the platform effector
// pre-scoped to the event's tenant and subject. A handler can mute or
// warn within its own chat; it cannot reach another tenant's.
type Actions interface {
	Execute(ctx context.Context, actorID string, action models.MitigationAction, duration time.Duration) (repository.ActionOutcome, error)
}

// scopedActions binds an ActionSink to one (tenant, subject).
type scopedActions struct {
	sink      repository.ActionSink
	tenantID  string
	subjectID string
}

func (s *scopedActions) Execute(ctx context.Context, actorID string, action models.MitigationAction, duration time.Duration) (repository.ActionOutcome, error) {
	return s.sink.Execute(ctx, s.tenantID, s.subjectID, actorID, action, duration)
}

// Module is the fixed capability interface every handler implements.
// Resolution is always a table lookup against registered modules —
// there is no auto-discovery and no reflection.
//
// Handle receives the event, a read-only copy of the group config, and
// the scoped action capability. Returning an error (or panicking, or
// overrunning the time box) is isolated to this one dispatch.
type Module interface {
	ID() string
	Handle(ctx context.Context, ev *models.InboundEvent, cfg models.GroupConfig, actions Actions) error
}

// Outcome reports what one dispatch did.
type Outcome struct {
	// Matched is false for the common no-op case: no enabled binding
	// for this event. Plain chat messages usually land here.
	Matched  bool
	ModuleID string
	// Err is the isolated handler failure, if any. It never aborts
	// the pipeline for subsequent events.
	Err error
}

type binding struct {
	module  Module
	enabled bool
}

// Registry is the typed dispatch table: (tenant, match) → module,
// where match is a command name or an event-kind name.
type Registry struct {
	sink    repository.ActionSink
	audit   repository.AuditSink
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.RWMutex
	bindings map[string]map[string]binding
}

func NewRegistry(sink repository.ActionSink, audit repository.AuditSink, logger *zap.Logger, timeout time.Duration) *Registry {
	return &Registry{
		sink:     sink,
		audit:    audit,
		logger:   logger,
		timeout:  timeout,
		bindings: make(map[string]map[string]binding),
	}
}

// Register installs a binding. At most one ENABLED binding may exist
// per (tenant, match); registering a second returns ErrBindingConflict.
// Disabled bindings can coexist — they're configuration kept around,
// not dispatch candidates.
func (r *Registry) Register(tenantID, match string, m Module, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byMatch, ok := r.bindings[tenantID]
	if !ok {
		byMatch = make(map[string]binding)
		r.bindings[tenantID] = byMatch
	}

	if existing, ok := byMatch[match]; ok && existing.enabled && enabled {
		return fmt.Errorf("%w: tenant %s match %q already bound to %s",
			ErrBindingConflict, tenantID, match, existing.module.ID())
	}
	if enabled || !r.hasEnabled(byMatch, match) {
		byMatch[match] = binding{module: m, enabled: enabled}
	}
	return nil
}

func (r *Registry) hasEnabled(byMatch map[string]binding, match string) bool {
	b, ok := byMatch[match]
	return ok && b.enabled
}

// Lookup returns the enabled module for (tenant, match), if any.
func (r *Registry) Lookup(tenantID, match string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[tenantID][match]
	if !ok || !b.enabled {
		return nil, false
	}
	return b.module, true
}

// LoadFromStore registers persisted bindings against the modules this
// build actually ships. A stored binding whose module id isn't in
// available is configuration drift: logged and skipped, because
// failing startup over a stale row helps nobody. A stored CONFLICT,
// on the other hand, propagates — two enabled bindings for one
// (tenant, match) is a real configuration error.
func (r *Registry) LoadFromStore(ctx context.Context, store repository.BindingStore, available map[string]Module) error {
	bindings, err := store.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("load bindings: %w", err)
	}
	for _, b := range bindings {
		mod, ok := available[b.ModuleID]
		if !ok {
			r.logger.Warn("stored binding references unknown module, skipping",
				zap.String("tenant_id", b.TenantID),
				zap.String("match", b.Match),
				zap.String("module_id", b.ModuleID),
			)
			continue
		}
		if err := r.Register(b.TenantID, b.Match, mod, true); err != nil {
			return err
		}
	}
	return nil
}

// matchFor derives the lookup key from the event: commands dispatch by
// command name, everything else by event kind.
func matchFor(ev *models.InboundEvent) string {
	if ev.Command != "" {
		return ev.Command
	}
	return string(ev.Kind)
}

// Dispatch runs the bound handler for one event, if there is one.
//
// No binding is a pass-through, not an error. A bound handler runs
// inside a time box with panic recovery; whatever goes wrong is
// logged, surfaced through the audit sink, and contained — the next
// event dispatches as if nothing happened.
func (r *Registry) Dispatch(ctx context.Context, ev *models.InboundEvent, cfg *models.GroupConfig) Outcome {
	match := matchFor(ev)

	mod, ok := r.Lookup(ev.TenantID, match)
	if !ok {
		return Outcome{}
	}
	if !moduleEnabled(cfg, mod.ID()) {
		// Bound for the tenant but switched off for this subject.
		return Outcome{}
	}

	err := r.invoke(ctx, mod, ev, cfg)
	if err != nil {
		r.logger.Error("module dispatch failed",
			zap.String("tenant_id", ev.TenantID),
			zap.String("subject_id", ev.SubjectID),
			zap.String("module_id", mod.ID()),
			zap.String("match", match),
			zap.Error(err),
		)
		r.audit.Record(models.AuditEvent{
			Kind:      "audit.module_dispatch_error",
			TenantID:  ev.TenantID,
			SubjectID: ev.SubjectID,
			ActorID:   ev.ActorID,
			Detail:    mod.ID() + ": " + err.Error(),
			At:        time.Now(),
		})
	}
	return Outcome{Matched: true, ModuleID: mod.ID(), Err: err}
}

// moduleEnabled checks the per-subject allow list. An empty list means
// the subject hasn't restricted anything: every registered module runs.
func moduleEnabled(cfg *models.GroupConfig, moduleID string) bool {
	if cfg == nil || len(cfg.EnabledModules) == 0 {
		return true
	}
	for _, id := range cfg.EnabledModules {
		if id == moduleID {
			return true
		}
	}
	return false
}

// invoke runs the handler in its own goroutine so the time box is a
// real cancellation: when the deadline passes, dispatch returns and
// the handler's eventual result is discarded. The handler receives the
// deadline through its context and is expected to honor it; one that
// doesn't costs a parked goroutine until it returns, nothing more.
func (r *Registry) invoke(parent context.Context, mod Module, ev *models.InboundEvent, cfg *models.GroupConfig) error {
	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	actions := &scopedActions{sink: r.sink, tenantID: ev.TenantID, subjectID: ev.SubjectID}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("module panic: %v", p)
			}
		}()
		done <- mod.Handle(ctx, ev, *cfg, actions)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("module %s: %w", mod.ID(), err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("module %s: %w", mod.ID(), ctx.Err())
	}
}
