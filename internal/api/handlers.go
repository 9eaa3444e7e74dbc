package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"sales-insight-service/internal/apperr"
	"sales-insight-service/internal/authz"
	"sales-insight-service/internal/models"
	"sales-insight-service/internal/queue"
)

type createSessionRequest struct {
	CustomerName string `json:"customerName" validate:"required,max=200"`
	ConsentGiven bool   `json:"consentGiven"`
	AudioData    string `json:"audioData" validate:"required,base64"`
	AudioFormat  string `json:"audioFormat" validate:"omitempty,oneof=wav mp3 m4a"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	caller, err := s.claims.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := authz.EnforceAuditorReadOnly(caller); err != nil {
		s.writeError(w, r, err)
		return
	}

	allowed, err := s.limiter.Allow(r.Context(), caller.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !allowed {
		s.writeJSON(w, r, http.StatusTooManyRequests, envelope{
			Error: &errorBody{Code: "rate_limited", Message: "too many uploads, slow down"},
		})
		return
	}

	var cmd createSessionRequest
	if err := s.decodeBody(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !cmd.ConsentGiven {
		s.writeError(w, r, apperr.Validation("recording consent is required"))
		return
	}
	audio, err := base64.StdEncoding.DecodeString(cmd.AudioData)
	if err != nil || len(audio) == 0 {
		s.writeError(w, r, apperr.Validation("audioData must be non-empty base64"))
		return
	}
	format := cmd.AudioFormat
	if format == "" {
		format = "wav"
	}

	id := uuid.New().String()
	key := "audio/" + id + "." + format
	if _, err := s.blobs.Upload(r.Context(), key, audio, "audio/"+format); err != nil {
		s.writeError(w, r, apperr.Dependency("audio upload", err))
		return
	}

	sess := models.Session{
		ID:           id,
		UserID:       caller.UserID,
		StoreID:      caller.StoreID,
		CustomerName: cmd.CustomerName,
		ConsentGiven: true,
		Status:       models.StatusPending,
		CreatedAt:    time.Now().UTC(),
		AudioBlob:    key,
		TTLSeconds:   models.DefaultTTLSeconds,
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.queue.Enqueue(r.Context(), queue.Task{
		SessionID:  id,
		Attempt:    1,
		EnqueuedAt: sess.CreatedAt,
	}); err != nil {
		s.writeError(w, r, apperr.Dependency("analysis enqueue", err))
		return
	}
	s.metrics.SessionsCreated.Inc()
	s.logger.Info("session accepted", "sessionId", id, "userId", caller.UserID)
	s.writeData(w, r, http.StatusAccepted, sessionView(sess, time.Now().UTC()))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	caller, err := s.claims.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := authz.EnforceSalesScope(caller, sess); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := authz.EnforceManagerStoreScope(caller, sess); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, sessionView(sess, time.Now().UTC()))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	caller, err := s.claims.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	var sessions []models.Session
	switch caller.Role {
	case models.RoleSales:
		sessions, err = s.store.ListByUser(r.Context(), caller.UserID, limit)
	case models.RoleManager:
		sessions, err = s.store.ListByStore(r.Context(), caller.StoreID, limit)
	case models.RoleAuditor:
		storeID := r.URL.Query().Get("storeId")
		if storeID == "" {
			storeID = caller.StoreID
		}
		sessions, err = s.store.ListByStore(r.Context(), storeID, limit)
	default:
		err = apperr.Unauthorized("unrecognized role")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	now := time.Now().UTC()
	views := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sessionView(sess, now))
	}
	s.writeData(w, r, http.StatusOK, views)
}

type outcomeRequestBody struct {
	Outcome string  `json:"outcome" validate:"required"`
	Reason  *string `json:"reason"`
}

func (s *Server) handleCreateOutcomeRequest(w http.ResponseWriter, r *http.Request) {
	caller, err := s.claims.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body outcomeRequestBody
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	outcome, err := models.ParseOutcome(body.Outcome)
	if err != nil {
		s.writeError(w, r, apperr.Validation(err.Error()))
		return
	}

	req, err := s.workflow.RequestLabel(r.Context(), caller, chi.URLParam(r, "id"), outcome, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, req)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller, err := s.claims.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.workflow.Approve(r.Context(), caller, chi.URLParam(r, "requestId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, sessionView(sess, time.Now().UTC()))
}

type rejectBody struct {
	Reason string `json:"reason" validate:"required"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	caller, err := s.claims.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body rejectBody
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.workflow.Reject(r.Context(), caller, chi.URLParam(r, "requestId"), body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, sessionView(sess, time.Now().UTC()))
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	caller, err := s.claims.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.workflow.Audit(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.LabelAudit{}
	}
	s.writeData(w, r, http.StatusOK, entries)
}

func (s *Server) handleApprovalQueue(w http.ResponseWriter, r *http.Request) {
	caller, err := s.claims.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sessions, err := s.workflow.ApprovalQueue(r.Context(), caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := time.Now().UTC()
	views := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sessionView(sess, now))
	}
	s.writeData(w, r, http.StatusOK, views)
}

func (s *Server) handleKPI(w http.ResponseWriter, r *http.Request) {
	caller, err := s.claims.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.workflow.KPI(r.Context(), caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, report)
}

type queueStatsResponse struct {
	ReadyDepth  int64             `json:"readyDepth"`
	InFlight    int64             `json:"inFlight"`
	DeadLetters []json.RawMessage `json:"deadLetters"`
}

// handleQueueStats reports the analysis backlog and a sample of dead-lettered
// tasks. Managers use it to spot sessions that need manual reprocessing.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	caller, err := s.claims.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := authz.EnforceManagerOnly(caller); err != nil {
		s.writeError(w, r, err)
		return
	}

	depth, err := s.queue.ReadyDepth(r.Context())
	if err != nil {
		s.writeError(w, r, apperr.Dependency("queue stats", err))
		return
	}
	inflight, err := s.queue.InFlightCount(r.Context())
	if err != nil {
		s.writeError(w, r, apperr.Dependency("queue stats", err))
		return
	}
	entries, err := s.queue.DLQPeek(r.Context(), 20)
	if err != nil {
		s.writeError(w, r, apperr.Dependency("queue stats", err))
		return
	}
	deadLetters := make([]json.RawMessage, 0, len(entries))
	for _, entry := range entries {
		deadLetters = append(deadLetters, json.RawMessage(entry))
	}
	s.writeData(w, r, http.StatusOK, queueStatsResponse{
		ReadyDepth:  depth,
		InFlight:    inflight,
		DeadLetters: deadLetters,
	})
}

// sessionResponse augments a session with the deadline fields the UI shows.
type sessionResponse struct {
	models.Session
	DeadlineExceeded bool `json:"deadlineExceeded"`
	RemainingDays    int  `json:"remainingDays"`
}

func sessionView(sess models.Session, now time.Time) sessionResponse {
	// The blob key is internal storage detail, never part of the API surface.
	sess.AudioBlob = ""
	return sessionResponse{
		Session:          sess,
		DeadlineExceeded: authz.IsDeadlineExceeded(sess, now),
		RemainingDays:    authz.RemainingDays(sess, now),
	}
}
