// Package api is the HTTP surface: session upload and reads, the outcome
// label workflow endpoints, and the manager reporting views.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"sales-insight-service/internal/apperr"
	"sales-insight-service/internal/blob"
	"sales-insight-service/internal/claims"
	"sales-insight-service/internal/models"
	"sales-insight-service/internal/queue"
	"sales-insight-service/internal/telemetry"
	"sales-insight-service/internal/workflow"
)

// SessionStore is the persistence surface the API reads and writes.
type SessionStore interface {
	CreateSession(ctx context.Context, sess models.Session) error
	GetSession(ctx context.Context, id string) (models.Session, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error)
	ListByStore(ctx context.Context, storeID string, limit int) ([]models.Session, error)
}

// TaskQueue hands accepted sessions to the analysis worker and reports its
// backlog for the ops view.
type TaskQueue interface {
	Enqueue(ctx context.Context, task queue.Task) error
	ReadyDepth(ctx context.Context) (int64, error)
	InFlightCount(ctx context.Context) (int64, error)
	DLQPeek(ctx context.Context, n int64) ([]string, error)
}

// Limiter caps per-user upload throughput.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

type Server struct {
	store    SessionStore
	queue    TaskQueue
	blobs    blob.Store
	workflow *workflow.Service
	claims   *claims.Resolver
	limiter  Limiter
	validate *validator.Validate
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

type Config struct {
	Store    SessionStore
	Queue    TaskQueue
	Blobs    blob.Store
	Workflow *workflow.Service
	Claims   *claims.Resolver
	Limiter  Limiter
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

func NewServer(cfg Config) *Server {
	return &Server{
		store:    cfg.Store,
		queue:    cfg.Queue,
		blobs:    cfg.Blobs,
		workflow: cfg.Workflow,
		claims:   cfg.Claims,
		limiter:  cfg.Limiter,
		validate: validator.New(),
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Get("/sessions/{id}/audit", s.handleGetAudit)
		r.Post("/sessions/{id}/outcome-request", s.handleCreateOutcomeRequest)
		r.Post("/outcome-requests/{requestId}/approve", s.handleApprove)
		r.Post("/outcome-requests/{requestId}/reject", s.handleReject)
		r.Get("/approvals", s.handleApprovalQueue)
		r.Get("/kpi", s.handleKPI)
		r.Get("/ops/queue", s.handleQueueStats)
	})

	return r
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
	TraceID string     `json:"traceId"`
}

func (s *Server) writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	s.writeJSON(w, r, status, envelope{Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal"

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		switch appErr.Kind {
		case apperr.KindValidation:
			status, code = http.StatusBadRequest, "validation"
		case apperr.KindUnauthorized:
			status, code = http.StatusForbidden, "unauthorized"
		case apperr.KindNotFound:
			status, code = http.StatusNotFound, "not_found"
		case apperr.KindConflict:
			status, code = http.StatusConflict, "conflict"
		case apperr.KindDependency:
			status, code = http.StatusBadGateway, "dependency"
		}
	}
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err,
			"traceId", middleware.GetReqID(r.Context()))
	}
	s.writeJSON(w, r, status, envelope{
		Error: &errorBody{Code: code, Message: err.Error()},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body envelope) {
	body.TraceID = middleware.GetReqID(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encoding response failed", "error", err)
	}
}

// decodeBody parses and validates a JSON request body.
func (s *Server) decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("invalid json body")
	}
	if err := s.validate.Struct(dst); err != nil {
		return apperr.Validation(err.Error())
	}
	return nil
}
