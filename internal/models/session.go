package models

import (
	"fmt"
	"time"
)

// Role is the caller's role as asserted by the identity gateway.
type Role string

const (
	RoleSales   Role = "Sales"
	RoleManager Role = "Manager"
	RoleAuditor Role = "Auditor"
)

// ParseRole validates a role string against the closed set.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleSales, RoleManager, RoleAuditor:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// SessionStatus is the analysis lifecycle state of a session.
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusProcessing SessionStatus = "processing"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
)

// ParseSessionStatus validates a status string against the closed set.
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch SessionStatus(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return SessionStatus(s), nil
	}
	return "", fmt.Errorf("unknown session status %q", s)
}

// Outcome is the final deal result attached to a session.
type Outcome string

const (
	OutcomeWon      Outcome = "won"
	OutcomeLost     Outcome = "lost"
	OutcomePending  Outcome = "pending"
	OutcomeCanceled Outcome = "canceled"
)

// ParseOutcome validates an outcome string against the closed set.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(s) {
	case OutcomeWon, OutcomeLost, OutcomePending, OutcomeCanceled:
		return Outcome(s), nil
	}
	return "", fmt.Errorf("unknown outcome %q", s)
}

// RequestStatus is the lifecycle state of an outcome label request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// AuditAction identifies the transition recorded by a label audit entry.
type AuditAction string

const (
	AuditRequestCreated AuditAction = "REQUEST_CREATED"
	AuditApproved       AuditAction = "APPROVED"
	AuditRejected       AuditAction = "REJECTED"
	AuditOverride       AuditAction = "OVERRIDE"
)

// DefaultTTLSeconds is the retention policy attached to every session at
// creation (30 days). Expiry itself is enforced by the storage layer.
const DefaultTTLSeconds = 2592000

// Session is one uploaded conversation and everything derived from it.
type Session struct {
	ID           string        `json:"id"`
	UserID       string        `json:"userId"`
	StoreID      string        `json:"storeId"`
	CustomerName string        `json:"customerName"`
	ConsentGiven bool          `json:"consentGiven"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	AudioBlob    string        `json:"audioBlob,omitempty"`

	Transcription *Transcription `json:"transcription,omitempty"`
	PiiMasked     *PiiMaskedData `json:"piiMasked,omitempty"`
	Sentiment     *SentimentData `json:"sentiment,omitempty"`
	Summary       *Summary       `json:"summary,omitempty"`
	DocumentURL   *string        `json:"documentUrl"`

	OutcomeLabel   *Outcome             `json:"outcomeLabel"`
	OutcomeRequest *OutcomeLabelRequest `json:"outcomeLabelRequest,omitempty"`

	TTLSeconds int `json:"ttl"`
}

// Transcription is the speaker-separated output of the transcribe step.
type Transcription struct {
	Speakers []Speaker `json:"speakers"`
}

type Speaker struct {
	ID       string    `json:"id"`
	Segments []Segment `json:"segments"`
}

type Segment struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// FullText joins every segment's text across all speakers, newline-separated,
// in speaker then segment order. This is the exact text handed to redaction.
func (t *Transcription) FullText() string {
	var out string
	first := true
	for _, sp := range t.Speakers {
		for _, seg := range sp.Segments {
			if !first {
				out += "\n"
			}
			out += seg.Text
			first = false
		}
	}
	return out
}

// PiiMaskedData is the redaction step output. FullText is the only text form
// allowed to reach sentiment, summarization, and indexing.
type PiiMaskedData struct {
	FullText string      `json:"fullText"`
	Entities []PiiEntity `json:"entities"`
}

type PiiEntity struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	RedactedText string `json:"redactedText"`
}

// SentimentData is the sentiment step output.
type SentimentData struct {
	Overall  string             `json:"overall"` // positive, neutral, negative
	Segments []SentimentSegment `json:"segments"`
}

type SentimentSegment struct {
	Text       string  `json:"text"`
	Sentiment  string  `json:"sentiment"`
	Confidence float64 `json:"confidence"`
}

// Summary is the structured summarization step output.
type Summary struct {
	KeyPoints        []string    `json:"keyPoints"`
	Concerns         []string    `json:"concerns"`
	NextActions      []string    `json:"nextActions"`
	SuccessFactors   []string    `json:"successFactors"`
	ImprovementAreas []string    `json:"improvementAreas"`
	Quotations       []Quotation `json:"quotations"`
}

type Quotation struct {
	SpeakerSegmentID string `json:"speakerSegmentId"`
	TimeRange        string `json:"timeRange"`
	Text             string `json:"text"`
}

// OutcomeLabelRequest is the at-most-one live request attached to a session.
type OutcomeLabelRequest struct {
	ID          string        `json:"id"`
	RequestedBy string        `json:"requestedBy"`
	RequestedAt time.Time     `json:"requestedAt"`
	Outcome     Outcome       `json:"outcome"`
	Reason      *string       `json:"reason,omitempty"`
	Status      RequestStatus `json:"status"`
}

// LabelAudit is one append-only audit row. Entries are never updated or
// deleted; ordering is by timestamp, insertion order breaking ties.
type LabelAudit struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Timestamp time.Time      `json:"timestamp"`
	Action    AuditAction    `json:"action"`
	ActorID   string         `json:"actorUserId"`
	ActorRole Role           `json:"actorRole"`
	Outcome   *Outcome       `json:"outcome,omitempty"`
	Reason    *string        `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// UserClaims is the caller identity resolved once per request. Never persisted.
type UserClaims struct {
	UserID  string `json:"userId"`
	Email   string `json:"email"`
	Role    Role   `json:"role"`
	StoreID string `json:"storeId"`
}
