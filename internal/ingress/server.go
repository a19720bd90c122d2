package ingress

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/botgate/internal/abuse"
	"github.com/lalith-99/botgate/internal/middleware"
	"github.com/lalith-99/botgate/internal/models"
	"github.com/lalith-99/botgate/internal/observ"
	"github.com/lalith-99/botgate/internal/pipeline"
	"github.com/lalith-99/botgate/internal/repository"
	"github.com/lalith-99/botgate/internal/router"
)

// Options tune the ingress. Zero values get sensible defaults in
// NewServer.
type Options struct {
	// QueueDepth bounds the ack-then-process queue. A full queue is a
	// defined failure mode (429 to the platform), never a silent drop
	// and never an unbounded backlog.
	QueueDepth int
	// Workers is the number of pipeline worker goroutines draining
	// the queue.
	Workers int
	// ProcessTimeout bounds one pipeline run.
	ProcessTimeout time.Duration
	// DedupTTL is how long delivery ids are remembered.
	DedupTTL time.Duration
	// OpsJWTSecret signs operator-API tokens.
	OpsJWTSecret string
}

// Server is the network-facing ingress.
//
// The contract with the platform is strict: acknowledge fast, with a
// fixed shape, no matter what happens downstream. Identity resolution
// and dedup are the only work on the request path (both one cache
// round-trip); the pipeline itself runs on worker goroutines fed by a
// bounded queue. The platform's retry machinery sees exactly two
// responses ever: the fixed 200 ack, or a retryable 429 when the
// queue is saturated.
type Server struct {
	identity    *router.Identity
	exec        *pipeline.Executor
	engine      *abuse.Engine
	mitigations repository.MitigationStore
	counters    repository.CounterStore
	audit       *observ.AuditLog
	logger      *zap.Logger
	opts        Options

	router *gin.Engine
	queue  chan job

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewServer(
	identity *router.Identity,
	exec *pipeline.Executor,
	engine *abuse.Engine,
	mitigations repository.MitigationStore,
	counters repository.CounterStore,
	audit *observ.AuditLog,
	logger *zap.Logger,
	opts Options,
) *Server {
	if opts.QueueDepth == 0 {
		opts.QueueDepth = 1024
	}
	if opts.Workers == 0 {
		opts.Workers = 8
	}
	if opts.ProcessTimeout == 0 {
		opts.ProcessTimeout = 30 * time.Second
	}
	if opts.DedupTTL == 0 {
		opts.DedupTTL = 10 * time.Minute
	}

	s := &Server{
		identity:    identity,
		exec:        exec,
		engine:      engine,
		mitigations: mitigations,
		counters:    counters,
		audit:       audit,
		logger:      logger,
		opts:        opts,
		queue:       make(chan job, opts.QueueDepth),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := gin.New()
	r.Use(gin.Recovery())

	// Health is public — load balancers can't carry credentials.
	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Ingest authenticates by tenant credential, not by JWT: either
	// the per-tenant path token, or tenant id + shared secret headers.
	r.POST("/ingest/:token", s.handleIngest)
	r.POST("/ingest", s.handleIngest)

	ops := r.Group("/v1/ops")
	ops.Use(middleware.OpsAuthMiddleware(s.opts.OpsJWTSecret))
	ops.GET("/mitigations", s.handleListMitigations)
	ops.POST("/mitigations/reverse", s.handleReverseMitigation)
	ops.GET("/audit/tail", s.handleAuditTail)

	s.router = r
}

// Router exposes the gin engine (tests drive it with httptest).
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start launches the pipeline workers.
func (s *Server) Start() {
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.logger.Info("ingress workers started", zap.Int("workers", s.opts.Workers))
}

// Stop closes the queue and waits for workers to drain it. Call after
// the HTTP listener has stopped accepting.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
}

// ack is the one fixed acknowledgment every accepted (or deliberately
// dropped) delivery gets. Upstream retry semantics depend on its
// shape never varying with downstream outcome.
func ack(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleIngest(c *gin.Context) {
	cred := router.Credential{
		PathToken: c.Param("token"),
		TenantID:  c.GetHeader("X-Gateway-Tenant"),
		Secret:    c.GetHeader("X-Gateway-Secret"),
	}

	reg, err := s.identity.Resolve(c.Request.Context(), cred)
	if err != nil {
		// Unknown and suspended tenants are terminal, and so are
		// resolution backend failures as far as the caller goes: the
		// ingress acknowledges all of them. Replying with an error
		// here would make the platform retry a delivery we will
		// never accept, or hammer us while a backend is down.
		if !errors.Is(err, router.ErrUnknownTenant) && !errors.Is(err, router.ErrSuspendedTenant) {
			s.logger.Error("identity resolution failed", zap.Error(err))
		}
		ack(c)
		return
	}

	raw, err := c.GetRawData()
	if err != nil {
		s.logger.Warn("read ingest body failed", zap.String("tenant_id", reg.ID), zap.Error(err))
		ack(c)
		return
	}

	ev, err := DecodeEvent(reg.ID, raw, time.Now())
	if err != nil {
		s.logger.Warn("malformed event dropped", zap.String("tenant_id", reg.ID), zap.Error(err))
		s.audit.Record(models.AuditEvent{
			Kind:     "audit.malformed_event",
			TenantID: reg.ID,
			Detail:   err.Error(),
		})
		ack(c)
		return
	}

	// Duplicate deliveries (platform retries) are dropped before they
	// can double-count in any window.
	dedupKey := ev.TenantID + ":" + ev.DedupKey
	claimed := false
	fresh, err := s.counters.ClaimDedup(c.Request.Context(), dedupKey, s.opts.DedupTTL)
	if err != nil {
		s.logger.Error("dedup claim failed", zap.Error(err))
	} else if !fresh {
		ack(c)
		return
	} else {
		claimed = true
	}

	select {
	case s.queue <- job{event: ev, tenant: reg}:
		ack(c)
	default:
		// The claim must not outlive a saturation response: 429 tells
		// the platform to retry, and the retry has to be accepted as a
		// first sighting, not dropped as a duplicate.
		if claimed {
			if rerr := s.counters.ReleaseDedup(c.Request.Context(), dedupKey); rerr != nil {
				s.logger.Error("release dedup claim failed", zap.Error(rerr))
			}
		}
		s.audit.Record(models.AuditEvent{
			Kind:     "audit.queue_saturated",
			TenantID: ev.TenantID,
		})
		c.Header("Retry-After", "1")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "queue saturated"})
	}
}

// job pairs the decoded event with its resolved registration so
// workers never re-resolve.
type job struct {
	event  *models.InboundEvent
	tenant *models.TenantRegistration
}

func (s *Server) worker() {
	defer s.wg.Done()
	for j := range s.queue {
		s.process(j)
	}
}

func (s *Server) process(j job) {
	// Workers run on their own clock: the HTTP request that delivered
	// this event was acknowledged long ago.
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ProcessTimeout)
	defer cancel()

	pc := &pipeline.Context{Event: j.event, Tenant: j.tenant}
	res := s.exec.Run(ctx, pc)

	s.logger.Debug("pipeline run finished",
		zap.String("tenant_id", j.event.TenantID),
		zap.String("subject_id", j.event.SubjectID),
		zap.String("kind", string(j.event.Kind)),
		zap.String("outcome", string(res.Outcome)),
		zap.String("stage", res.Stage),
	)
}
