package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalith-99/botgate/internal/dispatch"
	"github.com/lalith-99/botgate/internal/models"
	"github.com/lalith-99/botgate/internal/repository"
)

// Outcome is how one pipeline run ended.
type Outcome string

const (
	// OutcomeCompleted: every stage ran; the event reached dispatch
	// (whether or not a module was bound to it).
	OutcomeCompleted Outcome = "completed"
	// OutcomeActorBanned: short-circuited by the auth stage.
	OutcomeActorBanned Outcome = "actor_banned"
	// OutcomeRateLimited: admission control said "not yet".
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeMitigated: this event crossed an abuse threshold and
	// triggered a mitigation.
	OutcomeMitigated Outcome = "mitigated"
	// OutcomeInternalError: a stage failed unexpectedly; downstream
	// stages did not run.
	OutcomeInternalError Outcome = "internal_error"
)

// Context is the mutable state threaded through one pipeline run.
// Early stages fill it in, later stages read it. Exempt is the one
// cross-stage flag: trust exemption is decided once by the trust
// stage, and every stage that honors exemptions checks the flag
// instead of re-deriving it.
type Context struct {
	Event  *models.InboundEvent
	Tenant *models.TenantRegistration
	Group  *models.GroupConfig

	TrustScore int
	Exempt     bool

	Mitigation *models.MitigationRecord
	Dispatch   dispatch.Outcome
}

// Result is the terminal state of a run.
type Result struct {
	Outcome Outcome
	Stage   string
	Err     error
}

// Stage is one link in the chain. Returning (nil, nil) continues to
// the next stage; a non-nil Result short-circuits the rest of the
// chain; an error is an unexpected failure the executor converts to
// OutcomeInternalError.
type Stage interface {
	Name() string
	Handle(ctx context.Context, pc *Context) (*Result, error)
}

// Executor runs the ordered stage chain for one event.
//
// Failure containment is its whole job description: a stage error or
// panic stops THIS event's processing and is reported, but nothing a
// stage does can propagate up and crash the ingress.
type Executor struct {
	stages []Stage
	audit  repository.AuditSink
	logger *zap.Logger
}

func NewExecutor(audit repository.AuditSink, logger *zap.Logger, stages ...Stage) *Executor {
	return &Executor{stages: stages, audit: audit, logger: logger}
}

// Run executes the chain in order and returns how it ended.
func (e *Executor) Run(ctx context.Context, pc *Context) Result {
	for _, stage := range e.stages {
		res, err := e.runStage(ctx, stage, pc)
		if err != nil {
			e.logger.Error("pipeline stage failed",
				zap.String("stage", stage.Name()),
				zap.String("tenant_id", pc.Event.TenantID),
				zap.String("subject_id", pc.Event.SubjectID),
				zap.Error(err),
			)
			e.audit.Record(models.AuditEvent{
				Kind:      "audit.pipeline_error",
				TenantID:  pc.Event.TenantID,
				SubjectID: pc.Event.SubjectID,
				ActorID:   pc.Event.ActorID,
				Detail:    stage.Name() + ": " + err.Error(),
			})
			return Result{Outcome: OutcomeInternalError, Stage: stage.Name(), Err: err}
		}
		if res != nil {
			return *res
		}
	}
	return Result{Outcome: OutcomeCompleted}
}

// runStage wraps one stage call with panic recovery, so a buggy stage
// degrades to an internal error instead of taking the process down.
func (e *Executor) runStage(ctx context.Context, stage Stage, pc *Context) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = fmt.Errorf("stage panic: %v", p)
		}
	}()
	return stage.Handle(ctx, pc)
}
