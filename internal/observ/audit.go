package observ

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/botgate/internal/models"
)

// AuditLog is the gateway's AuditSink: every event is written to the
// structured log and fanned out to live subscribers (the operator
// audit-tail websocket).
//
// Record is fire-and-forget by contract. Subscriber channels are
// buffered and sends never block — a stalled websocket reader loses
// events, it never backs up the pipeline.
type AuditLog struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[int]chan models.AuditEvent
	next int
}

func NewAuditLog(logger *zap.Logger) *AuditLog {
	return &AuditLog{
		logger: logger,
		subs:   make(map[int]chan models.AuditEvent),
	}
}

func (a *AuditLog) Record(event models.AuditEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	a.logger.Info("audit",
		zap.String("audit_kind", event.Kind),
		zap.String("tenant_id", event.TenantID),
		zap.String("subject_id", event.SubjectID),
		zap.String("actor_id", event.ActorID),
		zap.String("detail", event.Detail),
	)

	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, ch := range a.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a live tail. The returned cancel func must be
// called when the subscriber goes away; it closes the channel.
func (a *AuditLog) Subscribe() (<-chan models.AuditEvent, func()) {
	ch := make(chan models.AuditEvent, 64)

	a.mu.Lock()
	id := a.next
	a.next++
	a.subs[id] = ch
	a.mu.Unlock()

	cancel := func() {
		a.mu.Lock()
		if _, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(ch)
		}
		a.mu.Unlock()
	}
	return ch, cancel
}
