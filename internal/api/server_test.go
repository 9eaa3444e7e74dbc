package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sales-insight-service/internal/apperr"
	"sales-insight-service/internal/blob"
	"sales-insight-service/internal/claims"
	"sales-insight-service/internal/models"
	"sales-insight-service/internal/queue"
	"sales-insight-service/internal/telemetry"
	"sales-insight-service/internal/workflow"
)

// memStore backs both the API reads/writes and the workflow transitions.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	audits   []models.LabelAudit
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]*models.Session{}}
}

func (m *memStore) CreateSession(_ context.Context, sess models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = &sess
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return models.Session{}, apperr.NotFound("session not found")
	}
	return *sess, nil
}

func (m *memStore) ListByUser(_ context.Context, userID string, _ int) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, sess := range m.sessions {
		if sess.UserID == userID {
			out = append(out, *sess)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *memStore) ListByStore(_ context.Context, storeID string, _ int) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, sess := range m.sessions {
		if sess.StoreID == storeID {
			out = append(out, *sess)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *memStore) GetByPendingRequest(_ context.Context, requestID string) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		if sess.OutcomeRequest != nil && sess.OutcomeRequest.ID == requestID &&
			sess.OutcomeRequest.Status == models.RequestPending {
			return *sess, nil
		}
	}
	return models.Session{}, apperr.NotFound("pending request not found")
}

func (m *memStore) AttachOutcomeRequest(_ context.Context, sessionID string, req models.OutcomeLabelRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return apperr.NotFound("session not found")
	}
	if sess.OutcomeLabel != nil ||
		(sess.OutcomeRequest != nil && sess.OutcomeRequest.Status == models.RequestPending) {
		return apperr.Conflict("outcome label already set or a request is already pending")
	}
	sess.OutcomeRequest = &req
	return nil
}

func (m *memStore) ResolveOutcomeRequest(_ context.Context, requestID string, status models.RequestStatus, label *models.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		if sess.OutcomeRequest != nil && sess.OutcomeRequest.ID == requestID &&
			sess.OutcomeRequest.Status == models.RequestPending {
			sess.OutcomeRequest.Status = status
			if label != nil {
				sess.OutcomeLabel = label
			}
			return nil
		}
	}
	return apperr.Conflict("request is not pending")
}

func (m *memStore) AppendAudit(_ context.Context, entry models.LabelAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, entry)
	return nil
}

func (m *memStore) QueryAudit(_ context.Context, sessionID string) ([]models.LabelAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LabelAudit
	for i := len(m.audits) - 1; i >= 0; i-- {
		if m.audits[i].SessionID == sessionID {
			out = append(out, m.audits[i])
		}
	}
	return out, nil
}

func (m *memStore) ListPendingApproval(_ context.Context, storeID string) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, sess := range m.sessions {
		if sess.StoreID == storeID && sess.OutcomeRequest != nil &&
			sess.OutcomeRequest.Status == models.RequestPending {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func sortByCreated(sessions []models.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

type recordingQueue struct {
	mu       sync.Mutex
	tasks    []queue.Task
	inflight int64
	dlq      []string
}

func (r *recordingQueue) Enqueue(_ context.Context, task queue.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return nil
}

func (r *recordingQueue) ReadyDepth(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.tasks)), nil
}

func (r *recordingQueue) InFlightCount(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight, nil
}

func (r *recordingQueue) DLQPeek(_ context.Context, n int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > int64(len(r.dlq)) {
		n = int64(len(r.dlq))
	}
	return r.dlq[:n], nil
}

type stubLimiter struct{ deny bool }

func (s *stubLimiter) Allow(context.Context, string) (bool, error) {
	return !s.deny, nil
}

type testEnv struct {
	store   *memStore
	tasks   *recordingQueue
	limiter *stubLimiter
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)

	store := newMemStore()
	tasks := &recordingQueue{}
	limiter := &stubLimiter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := telemetry.NewMetrics()

	server := NewServer(Config{
		Store:    store,
		Queue:    tasks,
		Blobs:    blobs,
		Workflow: workflow.New(store, metrics, logger),
		Claims:   &claims.Resolver{},
		Limiter:  limiter,
		Metrics:  metrics,
		Logger:   logger,
	})
	return &testEnv{store: store, tasks: tasks, limiter: limiter, handler: server.Router()}
}

func identity(req *http.Request, userID string, role models.Role, storeID string) {
	req.Header.Set(claims.HeaderUserID, userID)
	req.Header.Set(claims.HeaderEmail, userID+"@example.com")
	req.Header.Set(claims.HeaderRole, string(role))
	req.Header.Set(claims.HeaderStoreID, storeID)
}

func (e *testEnv) do(t *testing.T, method, target string, body any, userID string, role models.Role, storeID string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	identity(req, userID, role, storeID)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data any) {
	t.Helper()
	var env struct {
		Data    json.RawMessage `json:"data"`
		TraceID string          `json:"traceId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
}

func validUpload() map[string]any {
	return map[string]any{
		"customerName": "Walk-in",
		"consentGiven": true,
		"audioData":    base64.StdEncoding.EncodeToString([]byte("fake-audio")),
		"audioFormat":  "wav",
	}
}

func (e *testEnv) seedCompleted(id, userID, storeID string, createdAt time.Time) {
	e.store.sessions[id] = &models.Session{
		ID: id, UserID: userID, StoreID: storeID,
		CustomerName: "Walk-in", ConsentGiven: true,
		Status: models.StatusCompleted, CreatedAt: createdAt,
	}
}

func TestCreateSessionAcceptsAndEnqueues(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", validUpload(),
		"sales-1", models.RoleSales, "store-1")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var sess models.Session
	decodeEnvelope(t, rec, &sess)
	assert.Equal(t, models.StatusPending, sess.Status)
	assert.Equal(t, "sales-1", sess.UserID)
	assert.Equal(t, models.DefaultTTLSeconds, sess.TTLSeconds)

	require.Len(t, env.tasks.tasks, 1)
	assert.Equal(t, sess.ID, env.tasks.tasks[0].SessionID)
	assert.Equal(t, 1, env.tasks.tasks[0].Attempt)

	stored, err := env.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.NotEmpty(t, stored.AudioBlob)
}

func TestResponsesOmitBlobKey(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", validUpload(),
		"sales-1", models.RoleSales, "store-1")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotContains(t, rec.Body.String(), "audioBlob")

	var sess models.Session
	decodeEnvelope(t, rec, &sess)
	rec = env.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID, nil,
		"sales-1", models.RoleSales, "store-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "audioBlob")

	rec = env.do(t, http.MethodGet, "/api/v1/sessions", nil,
		"sales-1", models.RoleSales, "store-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "audioBlob")
}

func TestCreateSessionRequiresConsent(t *testing.T) {
	env := newTestEnv(t)
	body := validUpload()
	body["consentGiven"] = false

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", body,
		"sales-1", models.RoleSales, "store-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.tasks.tasks)
}

func TestCreateSessionDeniedForAuditor(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/sessions", validUpload(),
		"auditor-1", models.RoleAuditor, "store-1")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateSessionRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.limiter.deny = true
	rec := env.do(t, http.MethodPost, "/api/v1/sessions", validUpload(),
		"sales-1", models.RoleSales, "store-1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetSessionScoping(t *testing.T) {
	env := newTestEnv(t)
	env.seedCompleted("sess-1", "sales-1", "store-1", time.Now().UTC().Add(-24*time.Hour))

	rec := env.do(t, http.MethodGet, "/api/v1/sessions/sess-1", nil,
		"sales-1", models.RoleSales, "store-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var view sessionResponse
	decodeEnvelope(t, rec, &view)
	assert.False(t, view.DeadlineExceeded)
	assert.Equal(t, 6, view.RemainingDays)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions/sess-1", nil,
		"sales-2", models.RoleSales, "store-1")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions/sess-1", nil,
		"manager-2", models.RoleManager, "store-2")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions/sess-1", nil,
		"auditor-1", models.RoleAuditor, "store-9")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions/missing", nil,
		"sales-1", models.RoleSales, "store-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessionsByRole(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	env.seedCompleted("sess-1", "sales-1", "store-1", now.Add(-time.Hour))
	env.seedCompleted("sess-2", "sales-2", "store-1", now.Add(-2*time.Hour))
	env.seedCompleted("sess-3", "sales-3", "store-2", now.Add(-3*time.Hour))

	rec := env.do(t, http.MethodGet, "/api/v1/sessions", nil,
		"sales-1", models.RoleSales, "store-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var views []sessionResponse
	decodeEnvelope(t, rec, &views)
	require.Len(t, views, 1)
	assert.Equal(t, "sess-1", views[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions", nil,
		"manager-1", models.RoleManager, "store-1")
	require.Equal(t, http.StatusOK, rec.Code)
	views = nil
	decodeEnvelope(t, rec, &views)
	assert.Len(t, views, 2)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions?storeId=store-2", nil,
		"auditor-1", models.RoleAuditor, "store-1")
	require.Equal(t, http.StatusOK, rec.Code)
	views = nil
	decodeEnvelope(t, rec, &views)
	assert.Len(t, views, 1)
}

func TestOutcomeRequestLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seedCompleted("sess-1", "sales-1", "store-1", time.Now().UTC().Add(-24*time.Hour))

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/sess-1/outcome-request",
		map[string]any{"outcome": "won"}, "sales-1", models.RoleSales, "store-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	var req models.OutcomeLabelRequest
	decodeEnvelope(t, rec, &req)
	assert.Equal(t, models.RequestPending, req.Status)

	// A duplicate request conflicts.
	rec = env.do(t, http.MethodPost, "/api/v1/sessions/sess-1/outcome-request",
		map[string]any{"outcome": "lost"}, "sales-1", models.RoleSales, "store-1")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The manager sees it queued.
	rec = env.do(t, http.MethodGet, "/api/v1/approvals", nil,
		"manager-1", models.RoleManager, "store-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var approvals []sessionResponse
	decodeEnvelope(t, rec, &approvals)
	require.Len(t, approvals, 1)

	rec = env.do(t, http.MethodPost, "/api/v1/outcome-requests/"+req.ID+"/approve",
		nil, "manager-1", models.RoleManager, "store-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var approved sessionResponse
	decodeEnvelope(t, rec, &approved)
	require.NotNil(t, approved.OutcomeLabel)
	assert.Equal(t, models.OutcomeWon, *approved.OutcomeLabel)

	// Audit trail is visible to the manager, newest first.
	rec = env.do(t, http.MethodGet, "/api/v1/sessions/sess-1/audit", nil,
		"manager-1", models.RoleManager, "store-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []models.LabelAudit
	decodeEnvelope(t, rec, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditApproved, entries[0].Action)

	// Sales cannot read the audit log.
	rec = env.do(t, http.MethodGet, "/api/v1/sessions/sess-1/audit", nil,
		"sales-1", models.RoleSales, "store-1")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRejectOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seedCompleted("sess-1", "sales-1", "store-1", time.Now().UTC().Add(-24*time.Hour))

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/sess-1/outcome-request",
		map[string]any{"outcome": "won"}, "sales-1", models.RoleSales, "store-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	var req models.OutcomeLabelRequest
	decodeEnvelope(t, rec, &req)

	// Rejection without a reason fails validation.
	rec = env.do(t, http.MethodPost, "/api/v1/outcome-requests/"+req.ID+"/reject",
		map[string]any{}, "manager-1", models.RoleManager, "store-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/outcome-requests/"+req.ID+"/reject",
		map[string]any{"reason": "deal still open"}, "manager-1", models.RoleManager, "store-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var rejected sessionResponse
	decodeEnvelope(t, rec, &rejected)
	assert.Nil(t, rejected.OutcomeLabel)
	assert.Equal(t, models.RequestRejected, rejected.OutcomeRequest.Status)
}

func TestUnknownOutcomeIsValidationError(t *testing.T) {
	env := newTestEnv(t)
	env.seedCompleted("sess-1", "sales-1", "store-1", time.Now().UTC())

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/sess-1/outcome-request",
		map[string]any{"outcome": "maybe"}, "sales-1", models.RoleSales, "store-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKPIEndpoint(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	won := models.OutcomeWon
	env.seedCompleted("sess-1", "sales-1", "store-1", now.Add(-time.Hour))
	env.store.sessions["sess-1"].OutcomeLabel = &won
	env.seedCompleted("sess-2", "sales-1", "store-1", now.Add(-2*time.Hour))

	rec := env.do(t, http.MethodGet, "/api/v1/kpi", nil,
		"manager-1", models.RoleManager, "store-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var report workflow.KPIReport
	decodeEnvelope(t, rec, &report)
	assert.Equal(t, 2, report.TotalSessions)
	assert.Equal(t, 1, report.Won)
	assert.Equal(t, float64(100), report.ConversionRate)

	// Sales get their own numbers rather than the store's.
	rec = env.do(t, http.MethodGet, "/api/v1/kpi", nil,
		"sales-9", models.RoleSales, "store-1")
	require.Equal(t, http.StatusOK, rec.Code)
	report = workflow.KPIReport{}
	decodeEnvelope(t, rec, &report)
	assert.Equal(t, 0, report.TotalSessions)
}

func TestQueueStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.tasks.tasks = []queue.Task{{SessionID: "sess-1", Attempt: 1}}
	env.tasks.inflight = 2
	env.tasks.dlq = []string{`{"task":{"sessionId":"sess-9","attempt":3},"reason":"transcribe: timeout"}`}

	rec := env.do(t, http.MethodGet, "/api/v1/ops/queue", nil,
		"manager-1", models.RoleManager, "store-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats queueStatsResponse
	decodeEnvelope(t, rec, &stats)
	assert.Equal(t, int64(1), stats.ReadyDepth)
	assert.Equal(t, int64(2), stats.InFlight)
	require.Len(t, stats.DeadLetters, 1)
	assert.Contains(t, string(stats.DeadLetters[0]), "sess-9")

	rec = env.do(t, http.MethodGet, "/api/v1/ops/queue", nil,
		"sales-1", models.RoleSales, "store-1")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/ops/queue", nil,
		"auditor-1", models.RoleAuditor, "store-1")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestResponsesCarryTraceID(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil,
		"sales-1", models.RoleSales, "store-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var env2 struct {
		TraceID string `json:"traceId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env2))
	assert.NotEmpty(t, env2.TraceID)
}
