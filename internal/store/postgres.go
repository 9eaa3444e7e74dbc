package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"sales-insight-service/internal/apperr"
	"sales-insight-service/internal/models"
)

// Store wraps pgxpool for Postgres persistence of sessions, the append-only
// label audit, and pipeline step checkpoints.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const sessionColumns = `id, user_id, store_id, customer_name, consent_given, status, created_at,
	audio_blob, transcription, pii_masked, sentiment, summary, document_url,
	outcome_label, outcome_request, ttl_seconds`

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess models.Session) error {
	transcription, piiMasked, sentiment, summary, request, err := marshalArtifacts(sess)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $7 + make_interval(secs => $16), NOW())
	`, sess.ID, sess.UserID, sess.StoreID, sess.CustomerName, sess.ConsentGiven,
		string(sess.Status), sess.CreatedAt, emptyToNil(sess.AudioBlob),
		transcription, piiMasked, sentiment, summary, sess.DocumentURL,
		outcomeToNil(sess.OutcomeLabel), request, sess.TTLSeconds)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (models.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, apperr.NotFound(fmt.Sprintf("session %s not found", id))
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

// UpdateSession replaces the mutable columns of a session row.
func (s *Store) UpdateSession(ctx context.Context, sess models.Session) error {
	transcription, piiMasked, sentiment, summary, request, err := marshalArtifacts(sess)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET status = $2, audio_blob = $3, transcription = $4, pii_masked = $5,
		    sentiment = $6, summary = $7, document_url = $8,
		    outcome_label = $9, outcome_request = $10, updated_at = NOW()
		WHERE id = $1
	`, sess.ID, string(sess.Status), emptyToNil(sess.AudioBlob),
		transcription, piiMasked, sentiment, summary, sess.DocumentURL,
		outcomeToNil(sess.OutcomeLabel), request)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(fmt.Sprintf("session %s not found", sess.ID))
	}
	return nil
}

// SetStatus flips only the lifecycle status.
func (s *Store) SetStatus(ctx context.Context, id string, status models.SessionStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(fmt.Sprintf("session %s not found", id))
	}
	return nil
}

// ClearAudioBlob drops the audio object reference after cleanup deletes it.
func (s *Store) ClearAudioBlob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET audio_blob = NULL, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("clear audio blob: %w", err)
	}
	return nil
}

// ListByUser returns a salesperson's sessions, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error) {
	return s.listSessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, clampLimit(limit))
}

// ListByStore returns a store's sessions, newest first.
func (s *Store) ListByStore(ctx context.Context, storeID string, limit int) ([]models.Session, error) {
	return s.listSessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE store_id = $1 ORDER BY created_at DESC LIMIT $2
	`, storeID, clampLimit(limit))
}

// ListPendingApproval returns a store's sessions holding a pending outcome
// label request.
func (s *Store) ListPendingApproval(ctx context.Context, storeID string) ([]models.Session, error) {
	return s.listSessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE store_id = $1 AND outcome_request->>'status' = 'pending'
		ORDER BY created_at DESC
	`, storeID)
}

// GetByPendingRequest resolves which session holds the pending request with
// the given id. Used by approve/reject, which address requests, not sessions.
func (s *Store) GetByPendingRequest(ctx context.Context, requestID string) (models.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE outcome_request->>'id' = $1 AND outcome_request->>'status' = 'pending'
	`, requestID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, apperr.NotFound(fmt.Sprintf("pending request %s not found", requestID))
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

// ListDeadlineOverdue returns sessions created before cutoff that still have
// no outcome label.
func (s *Store) ListDeadlineOverdue(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	return s.listSessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE outcome_label IS NULL AND created_at < $1
		ORDER BY created_at ASC
	`, cutoff)
}

// AttachOutcomeRequest attaches a new pending request, guarded against the
// label already being set or another pending request existing. The guard runs
// inside the UPDATE so two near-simultaneous requests cannot both win.
func (s *Store) AttachOutcomeRequest(ctx context.Context, sessionID string, req models.OutcomeLabelRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal outcome request: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET outcome_request = $2, updated_at = NOW()
		WHERE id = $1 AND outcome_label IS NULL
		  AND (outcome_request IS NULL OR outcome_request->>'status' <> 'pending')
	`, sessionID, raw)
	if err != nil {
		return fmt.Errorf("attach outcome request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("outcome label already set or a request is already pending")
	}
	return nil
}

// ResolveOutcomeRequest flips the pending request identified by requestID to
// the given terminal status and, when label is non-nil, sets the session's
// outcome label in the same statement. The pending-status guard makes double
// resolution a conflict rather than a silent overwrite.
func (s *Store) ResolveOutcomeRequest(ctx context.Context, requestID string, status models.RequestStatus, label *models.Outcome) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET outcome_request = jsonb_set(outcome_request, '{status}', to_jsonb($2::text)),
		    outcome_label = COALESCE($3, outcome_label),
		    updated_at = NOW()
		WHERE outcome_request->>'id' = $1 AND outcome_request->>'status' = 'pending'
	`, requestID, string(status), outcomeToNil(label))
	if err != nil {
		return fmt.Errorf("resolve outcome request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict(fmt.Sprintf("request %s is not pending", requestID))
	}
	return nil
}

// AppendAudit adds an immutable audit row. There is deliberately no update or
// delete counterpart.
func (s *Store) AppendAudit(ctx context.Context, entry models.LabelAudit) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO label_audit (id, session_id, ts, action, actor_user_id, actor_role, outcome, reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.SessionID, entry.Timestamp, string(entry.Action),
		entry.ActorID, string(entry.ActorRole), outcomeToNil(entry.Outcome), entry.Reason, metadata)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// QueryAudit returns a session's audit entries ordered by timestamp
// descending, insertion order breaking ties.
func (s *Store) QueryAudit(ctx context.Context, sessionID string) ([]models.LabelAudit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, ts, action, actor_user_id, actor_role, outcome, reason, metadata
		FROM label_audit WHERE session_id = $1
		ORDER BY ts DESC, seq DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.LabelAudit
	for rows.Next() {
		var e models.LabelAudit
		var action, role string
		var outcome, reason pgtype.Text
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Timestamp, &action, &role,
			&outcome, &reason, &metadata); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Action = models.AuditAction(action)
		e.ActorRole = models.Role(role)
		if outcome.Valid {
			o := models.Outcome(outcome.String)
			e.Outcome = &o
		}
		e.Reason = textPtr(reason)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetCheckpoint returns the durably recorded result of a pipeline step, if
// any. The recorded flag distinguishes "step ran with empty output" from
// "step never ran".
func (s *Store) GetCheckpoint(ctx context.Context, sessionID, step string) (json.RawMessage, bool, error) {
	var result []byte
	err := s.pool.QueryRow(ctx, `
		SELECT result FROM pipeline_checkpoints WHERE session_id = $1 AND step = $2
	`, sessionID, step).Scan(&result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query checkpoint: %w", err)
	}
	return result, true, nil
}

// PutCheckpoint records a step result. A replayed write is a no-op so the
// first recorded result always wins.
func (s *Store) PutCheckpoint(ctx context.Context, sessionID, step string, result json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_checkpoints (session_id, step, result, recorded_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (session_id, step) DO NOTHING
	`, sessionID, step, []byte(result))
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

// ClearCheckpoints drops a session's recorded step results.
func (s *Store) ClearCheckpoints(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pipeline_checkpoints WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("clear checkpoints: %w", err)
	}
	return nil
}

func (s *Store) listSessions(ctx context.Context, query string, args ...any) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (models.Session, error) {
	var sess models.Session
	var status string
	var audioBlob, documentURL, outcomeLabel pgtype.Text
	var transcription, piiMasked, sentiment, summary, request []byte

	if err := row.Scan(&sess.ID, &sess.UserID, &sess.StoreID, &sess.CustomerName,
		&sess.ConsentGiven, &status, &sess.CreatedAt, &audioBlob,
		&transcription, &piiMasked, &sentiment, &summary, &documentURL,
		&outcomeLabel, &request, &sess.TTLSeconds); err != nil {
		return models.Session{}, err
	}

	sess.Status = models.SessionStatus(status)
	if audioBlob.Valid {
		sess.AudioBlob = audioBlob.String
	}
	sess.DocumentURL = textPtr(documentURL)
	if outcomeLabel.Valid {
		o := models.Outcome(outcomeLabel.String)
		sess.OutcomeLabel = &o
	}
	if err := unmarshalInto(transcription, &sess.Transcription); err != nil {
		return models.Session{}, err
	}
	if err := unmarshalInto(piiMasked, &sess.PiiMasked); err != nil {
		return models.Session{}, err
	}
	if err := unmarshalInto(sentiment, &sess.Sentiment); err != nil {
		return models.Session{}, err
	}
	if err := unmarshalInto(summary, &sess.Summary); err != nil {
		return models.Session{}, err
	}
	if err := unmarshalInto(request, &sess.OutcomeRequest); err != nil {
		return models.Session{}, err
	}
	return sess, nil
}

func marshalArtifacts(sess models.Session) (transcription, piiMasked, sentiment, summary, request []byte, err error) {
	if transcription, err = marshalOrNil(sess.Transcription); err != nil {
		return
	}
	if piiMasked, err = marshalOrNil(sess.PiiMasked); err != nil {
		return
	}
	if sentiment, err = marshalOrNil(sess.Sentiment); err != nil {
		return
	}
	if summary, err = marshalOrNil(sess.Summary); err != nil {
		return
	}
	request, err = marshalOrNil(sess.OutcomeRequest)
	return
}

func marshalOrNil[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal session artifact: %w", err)
	}
	return raw, nil
}

func unmarshalInto[T any](raw []byte, dst **T) error {
	if len(raw) == 0 {
		return nil
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal session artifact: %w", err)
	}
	*dst = v
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func outcomeToNil(o *models.Outcome) *string {
	if o == nil {
		return nil
	}
	s := string(*o)
	return &s
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
