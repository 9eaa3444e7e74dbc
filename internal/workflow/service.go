// Package workflow implements the outcome label approval state machine: a
// request filed against a session, then a manager approval or rejection, with
// every transition appended to the audit log.
package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sales-insight-service/internal/apperr"
	"sales-insight-service/internal/authz"
	"sales-insight-service/internal/models"
	"sales-insight-service/internal/telemetry"
)

// Store is the persistence surface the workflow needs.
type Store interface {
	GetSession(ctx context.Context, id string) (models.Session, error)
	GetByPendingRequest(ctx context.Context, requestID string) (models.Session, error)
	AttachOutcomeRequest(ctx context.Context, sessionID string, req models.OutcomeLabelRequest) error
	ResolveOutcomeRequest(ctx context.Context, requestID string, status models.RequestStatus, label *models.Outcome) error
	AppendAudit(ctx context.Context, entry models.LabelAudit) error
	QueryAudit(ctx context.Context, sessionID string) ([]models.LabelAudit, error)
	ListPendingApproval(ctx context.Context, storeID string) ([]models.Session, error)
	ListByStore(ctx context.Context, storeID string, limit int) ([]models.Session, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error)
}

// Service drives label requests through their transitions.
type Service struct {
	store   Store
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func New(store Store, metrics *telemetry.Metrics, logger *slog.Logger) *Service {
	return &Service{store: store, metrics: metrics, logger: logger, now: time.Now}
}

// RequestLabel files a new pending outcome label request against a session
// the caller owns. Past the deadline a reason becomes mandatory.
func (s *Service) RequestLabel(ctx context.Context, claims models.UserClaims, sessionID string, outcome models.Outcome, reason *string) (*models.OutcomeLabelRequest, error) {
	if err := authz.EnforceAuditorReadOnly(claims); err != nil {
		return nil, err
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != claims.UserID {
		return nil, apperr.Unauthorized("only the session owner can request an outcome label")
	}
	if sess.OutcomeLabel != nil {
		return nil, apperr.Conflict("outcome label is already set")
	}
	if sess.OutcomeRequest != nil && sess.OutcomeRequest.Status == models.RequestPending {
		return nil, apperr.Conflict("a label request is already pending")
	}

	now := s.now().UTC()
	exceeded := authz.IsDeadlineExceeded(sess, now)
	if exceeded && (reason == nil || *reason == "") {
		return nil, apperr.Validation("a reason is required once the labeling deadline has passed")
	}

	req := models.OutcomeLabelRequest{
		ID:          uuid.New().String(),
		RequestedBy: claims.UserID,
		RequestedAt: now,
		Outcome:     outcome,
		Reason:      reason,
		Status:      models.RequestPending,
	}
	// The conditional write is the authoritative guard; the checks above
	// only produce nicer errors.
	if err := s.store.AttachOutcomeRequest(ctx, sessionID, req); err != nil {
		return nil, err
	}
	if err := s.appendAudit(ctx, models.LabelAudit{
		SessionID: sessionID,
		Timestamp: now,
		Action:    models.AuditRequestCreated,
		ActorID:   claims.UserID,
		ActorRole: claims.Role,
		Outcome:   &outcome,
		Reason:    reason,
		Metadata: map[string]any{
			"requestId":        req.ID,
			"deadlineExceeded": exceeded,
		},
	}); err != nil {
		return nil, err
	}
	s.metrics.RequestsCreated.Inc()
	s.logger.Info("outcome label requested", "sessionId", sessionID,
		"requestId", req.ID, "outcome", outcome, "deadlineExceeded", exceeded)
	return &req, nil
}

// Approve resolves a pending request, setting the session's outcome label.
// An approval after the deadline is audited as an override.
func (s *Service) Approve(ctx context.Context, claims models.UserClaims, requestID string) (models.Session, error) {
	if err := authz.EnforceManagerOnly(claims); err != nil {
		return models.Session{}, err
	}
	// Resolve which session holds the request before the store-scope check.
	sess, err := s.store.GetByPendingRequest(ctx, requestID)
	if err != nil {
		return models.Session{}, err
	}
	if err := authz.EnforceManagerStoreScope(claims, sess); err != nil {
		return models.Session{}, err
	}

	now := s.now().UTC()
	exceeded := authz.IsDeadlineExceeded(sess, now)
	action := models.AuditApproved
	if exceeded {
		action = models.AuditOverride
	}

	label := sess.OutcomeRequest.Outcome
	if err := s.store.ResolveOutcomeRequest(ctx, requestID, models.RequestApproved, &label); err != nil {
		return models.Session{}, err
	}
	if err := s.appendAudit(ctx, models.LabelAudit{
		SessionID: sess.ID,
		Timestamp: now,
		Action:    action,
		ActorID:   claims.UserID,
		ActorRole: claims.Role,
		Outcome:   &label,
		Metadata: map[string]any{
			"requestId":        requestID,
			"deadlineExceeded": exceeded,
		},
	}); err != nil {
		return models.Session{}, err
	}
	s.metrics.RequestsApproved.WithLabelValues(string(action)).Inc()
	s.logger.Info("outcome label approved", "sessionId", sess.ID,
		"requestId", requestID, "outcome", label, "action", action)

	return s.store.GetSession(ctx, sess.ID)
}

// Reject resolves a pending request without setting a label. The session can
// receive a fresh request afterwards. A rejection reason is mandatory.
func (s *Service) Reject(ctx context.Context, claims models.UserClaims, requestID, reason string) (models.Session, error) {
	if err := authz.EnforceManagerOnly(claims); err != nil {
		return models.Session{}, err
	}
	if reason == "" {
		return models.Session{}, apperr.Validation("a rejection reason is required")
	}
	sess, err := s.store.GetByPendingRequest(ctx, requestID)
	if err != nil {
		return models.Session{}, err
	}
	if err := authz.EnforceManagerStoreScope(claims, sess); err != nil {
		return models.Session{}, err
	}

	now := s.now().UTC()
	if err := s.store.ResolveOutcomeRequest(ctx, requestID, models.RequestRejected, nil); err != nil {
		return models.Session{}, err
	}
	if err := s.appendAudit(ctx, models.LabelAudit{
		SessionID: sess.ID,
		Timestamp: now,
		Action:    models.AuditRejected,
		ActorID:   claims.UserID,
		ActorRole: claims.Role,
		Reason:    &reason,
		Metadata:  map[string]any{"requestId": requestID},
	}); err != nil {
		return models.Session{}, err
	}
	s.metrics.RequestsRejected.Inc()
	s.logger.Info("outcome label rejected", "sessionId", sess.ID,
		"requestId", requestID)

	return s.store.GetSession(ctx, sess.ID)
}

// Audit returns a session's label history, newest first. Managers see their
// own store, auditors see everything, sales see nothing.
func (s *Service) Audit(ctx context.Context, claims models.UserClaims, sessionID string) ([]models.LabelAudit, error) {
	switch claims.Role {
	case models.RoleAuditor:
	case models.RoleManager:
		sess, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := authz.EnforceManagerStoreScope(claims, sess); err != nil {
			return nil, err
		}
	case models.RoleSales:
		return nil, apperr.Unauthorized("sales role cannot read the audit log")
	default:
		return nil, apperr.Unauthorized("unrecognized role")
	}
	return s.store.QueryAudit(ctx, sessionID)
}

// ApprovalQueue lists the manager's store sessions awaiting a decision.
func (s *Service) ApprovalQueue(ctx context.Context, claims models.UserClaims) ([]models.Session, error) {
	if err := authz.EnforceManagerOnly(claims); err != nil {
		return nil, err
	}
	return s.store.ListPendingApproval(ctx, claims.StoreID)
}

// appendAudit writes an audit entry. A failed append propagates: a label
// transition without its audit row must not be reported as a success.
func (s *Service) appendAudit(ctx context.Context, entry models.LabelAudit) error {
	entry.ID = uuid.New().String()
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.Error("audit append failed", "sessionId", entry.SessionID,
			"action", entry.Action, "error", err)
		return err
	}
	return nil
}
