package ingress

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/botgate/internal/auth"
	"github.com/lalith-99/botgate/internal/models"
	"github.com/lalith-99/botgate/internal/observ"
	"github.com/lalith-99/botgate/internal/pipeline"
	"github.com/lalith-99/botgate/internal/repository"
	"github.com/lalith-99/botgate/internal/repository/memory"
	"github.com/lalith-99/botgate/internal/router"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTenantStore struct {
	byToken map[string]*models.TenantRegistration
}

func (f *fakeTenantStore) ResolveByToken(_ context.Context, token string) (*models.TenantRegistration, error) {
	reg, ok := f.byToken[token]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return reg, nil
}

func (f *fakeTenantStore) ResolveByID(_ context.Context, _ string) (*models.TenantRegistration, error) {
	return nil, repository.ErrNotFound
}

type secretTenantStore struct {
	byID map[string]*models.TenantRegistration
}

func (f *secretTenantStore) ResolveByToken(_ context.Context, _ string) (*models.TenantRegistration, error) {
	return nil, repository.ErrNotFound
}

func (f *secretTenantStore) ResolveByID(_ context.Context, id string) (*models.TenantRegistration, error) {
	reg, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return reg, nil
}

// captureStage forwards every event it sees to a channel, standing in
// for the whole pipeline.
type captureStage struct {
	events chan *models.InboundEvent
}

func (s *captureStage) Name() string { return "capture" }

func (s *captureStage) Handle(_ context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	s.events <- pc.Event
	return nil, nil
}

type testHarness struct {
	server *Server
	events chan *models.InboundEvent
}

func newTestHarness(t *testing.T, opts Options) *testHarness {
	t.Helper()

	logger := zap.NewNop()
	audit := observ.NewAuditLog(logger)
	store := &fakeTenantStore{byToken: map[string]*models.TenantRegistration{
		"tok-live": {ID: "t1", PathToken: "tok-live", Status: models.TenantActive},
		"tok-susp": {ID: "t2", PathToken: "tok-susp", Status: models.TenantSuspended},
	}}
	counters := memory.NewCounterStore()
	t.Cleanup(counters.Stop)

	events := make(chan *models.InboundEvent, 64)
	exec := pipeline.NewExecutor(audit, logger, &captureStage{events: events})
	identity := router.NewIdentity(store, nil, audit, logger)

	srv := NewServer(identity, exec, nil, nil, counters, audit, logger, opts)
	return &testHarness{server: srv, events: events}
}

func (h *testHarness) post(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.server.Router().ServeHTTP(w, req)
	return w
}

// waitEvent blocks until a pipeline run happens, or fails the test.
func (h *testHarness) waitEvent(t *testing.T) *models.InboundEvent {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no pipeline run observed")
		return nil
	}
}

// assertNoEvent asserts the pipeline stayed idle.
func (h *testHarness) assertNoEvent(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected pipeline run for event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func envelope(updateID int) string {
	return fmt.Sprintf(`{"update_id": %d, "chat_id": "c1", "user_id": "u1", "kind": "message", "payload": {"text": "hello"}}`, updateID)
}

func TestIngest_AcceptedEventIsAckedAndProcessed(t *testing.T) {
	h := newTestHarness(t, Options{Workers: 1})
	h.server.Start()
	t.Cleanup(h.server.Stop)

	w := h.post("/ingest/tok-live", envelope(1))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok": true}`, w.Body.String())

	ev := h.waitEvent(t)
	assert.Equal(t, "t1", ev.TenantID)
	assert.Equal(t, "c1", ev.SubjectID)
	assert.Equal(t, "u1", ev.ActorID)
}

func TestIngest_UnknownCredentialAcksWithoutProcessing(t *testing.T) {
	h := newTestHarness(t, Options{Workers: 1})
	h.server.Start()
	t.Cleanup(h.server.Stop)

	w := h.post("/ingest/no-such-token", envelope(1))

	// The ack is indistinguishable from the accepted case: same status,
	// same body. The event itself goes nowhere.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok": true}`, w.Body.String())
	h.assertNoEvent(t)
}

func TestIngest_SuspendedTenantAcksWithoutProcessing(t *testing.T) {
	h := newTestHarness(t, Options{Workers: 1})
	h.server.Start()
	t.Cleanup(h.server.Stop)

	w := h.post("/ingest/tok-susp", envelope(1))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok": true}`, w.Body.String())
	h.assertNoEvent(t)
}

func TestIngest_MalformedEventAcksAndDrops(t *testing.T) {
	h := newTestHarness(t, Options{Workers: 1})
	h.server.Start()
	t.Cleanup(h.server.Stop)

	w := h.post("/ingest/tok-live", `{"update_id": 1, "kind": "message"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok": true}`, w.Body.String())
	h.assertNoEvent(t)
}

func TestIngest_DuplicateDeliveryProcessedOnce(t *testing.T) {
	h := newTestHarness(t, Options{Workers: 1})
	h.server.Start()
	t.Cleanup(h.server.Stop)

	w := h.post("/ingest/tok-live", envelope(7))
	assert.Equal(t, http.StatusOK, w.Code)
	w = h.post("/ingest/tok-live", envelope(7))
	assert.Equal(t, http.StatusOK, w.Code, "retry is acked like the original")

	h.waitEvent(t)
	h.assertNoEvent(t)
}

func TestIngest_QueueSaturationReturns429(t *testing.T) {
	// No workers started: the queue fills and stays full.
	h := newTestHarness(t, Options{QueueDepth: 1, Workers: 1})

	w := h.post("/ingest/tok-live", envelope(1))
	require.Equal(t, http.StatusOK, w.Code)

	w = h.post("/ingest/tok-live", envelope(2))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestIngest_SaturatedDeliveryCanBeRetried(t *testing.T) {
	// No workers yet: the queue fills and stays full.
	h := newTestHarness(t, Options{QueueDepth: 1, Workers: 1})

	w := h.post("/ingest/tok-live", envelope(1))
	require.Equal(t, http.StatusOK, w.Code)
	w = h.post("/ingest/tok-live", envelope(2))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	// Drain the queue, then retry the 429'd delivery. The rejected
	// attempt must not have spent its dedup claim — the retry is a
	// first sighting and gets processed.
	h.server.Start()
	t.Cleanup(h.server.Stop)
	first := h.waitEvent(t)
	assert.Equal(t, "1", first.DedupKey)

	w = h.post("/ingest/tok-live", envelope(2))
	require.Equal(t, http.StatusOK, w.Code)
	retried := h.waitEvent(t)
	assert.Equal(t, "2", retried.DedupKey)
}

func TestIngest_HeaderCredential(t *testing.T) {
	logger := zap.NewNop()
	audit := observ.NewAuditLog(logger)
	counters := memory.NewCounterStore()
	t.Cleanup(counters.Stop)

	// A tenant resolvable only by id + secret, no path token.
	hash, err := auth.HashSecret("hunter2")
	require.NoError(t, err)
	store := &secretTenantStore{byID: map[string]*models.TenantRegistration{
		"t9": {ID: "t9", SecretHash: hash, Status: models.TenantActive},
	}}
	events := make(chan *models.InboundEvent, 8)
	exec := pipeline.NewExecutor(audit, logger, &captureStage{events: events})
	identity := router.NewIdentity(store, nil, audit, logger)
	srv := NewServer(identity, exec, nil, nil, counters, audit, logger, Options{Workers: 1})
	srv.Start()
	t.Cleanup(srv.Stop)

	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(envelope(1)))
	req.Header.Set("X-Gateway-Tenant", "t9")
	req.Header.Set("X-Gateway-Secret", "hunter2")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	select {
	case ev := <-events:
		assert.Equal(t, "t9", ev.TenantID)
	case <-time.After(2 * time.Second):
		t.Fatal("no pipeline run observed")
	}
}

func TestHealth(t *testing.T) {
	h := newTestHarness(t, Options{})

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	w := httptest.NewRecorder()
	h.server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOps_RequiresToken(t *testing.T) {
	h := newTestHarness(t, Options{OpsJWTSecret: "test-secret"})

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/mitigations", nil)
	w := httptest.NewRecorder()
	h.server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
