// Package pipeline runs the multi-step analysis of an uploaded session:
// transcription, PII redaction, sentiment, summarization, search indexing,
// report export, then finalization and audio cleanup.
//
// Every model-backed step records its result as a durable checkpoint before
// the pipeline advances. A retried run replays recorded results instead of
// re-invoking the step, so retries never duplicate model calls, index writes,
// or exports.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"sales-insight-service/internal/ai"
	"sales-insight-service/internal/blob"
	"sales-insight-service/internal/export"
	"sales-insight-service/internal/models"
	"sales-insight-service/internal/search"
	"sales-insight-service/internal/telemetry"
)

// Step names used as checkpoint keys. Renaming one orphans its recorded
// results.
const (
	StepTranscribe = "transcribe"
	StepRedact     = "redact_pii"
	StepSentiment  = "sentiment"
	StepSummarize  = "summarize"
	StepIndex      = "index"
	StepExport     = "export"
)

// SessionStore is the persistence surface the pipeline needs.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (models.Session, error)
	UpdateSession(ctx context.Context, sess models.Session) error
	SetStatus(ctx context.Context, id string, status models.SessionStatus) error
	ClearAudioBlob(ctx context.Context, id string) error
	GetCheckpoint(ctx context.Context, sessionID, step string) (json.RawMessage, bool, error)
	PutCheckpoint(ctx context.Context, sessionID, step string, result json.RawMessage) error
	ClearCheckpoints(ctx context.Context, sessionID string) error
}

// Pipeline executes the analysis steps for one session at a time.
type Pipeline struct {
	store       SessionStore
	blobs       blob.Store
	speech      ai.SpeechClient
	language    ai.LanguageClient
	summarizer  ai.Summarizer
	indexer     search.Indexer
	exporter    export.Exporter
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	stepTimeout time.Duration
}

type Config struct {
	Store       SessionStore
	Blobs       blob.Store
	Speech      ai.SpeechClient
	Language    ai.LanguageClient
	Summarizer  ai.Summarizer
	Indexer     search.Indexer
	Exporter    export.Exporter
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
	StepTimeout time.Duration
}

func New(cfg Config) *Pipeline {
	return &Pipeline{
		store:       cfg.Store,
		blobs:       cfg.Blobs,
		speech:      cfg.Speech,
		language:    cfg.Language,
		summarizer:  cfg.Summarizer,
		indexer:     cfg.Indexer,
		exporter:    cfg.Exporter,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		stepTimeout: cfg.StepTimeout,
	}
}

// stepDone is the checkpoint payload for steps whose only output is a side
// effect.
type stepDone struct {
	Done bool `json:"done"`
}

// Run executes the pipeline for a session. It is safe to call again after a
// crash or a failed attempt: completed steps replay from checkpoints and a
// session already in a terminal status is left untouched. A returned error
// means a fatal step failed and the caller may retry.
func (p *Pipeline) Run(ctx context.Context, sessionID string) error {
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == models.StatusCompleted || sess.Status == models.StatusFailed {
		p.logger.Info("session already terminal", "sessionId", sessionID, "status", sess.Status)
		return nil
	}
	if sess.Status != models.StatusProcessing {
		if err := p.store.SetStatus(ctx, sessionID, models.StatusProcessing); err != nil {
			return err
		}
	}
	if sess.AudioBlob == "" {
		return fmt.Errorf("session %s has no audio blob", sessionID)
	}

	transcription, err := runStep(ctx, p, sessionID, StepTranscribe, func(ctx context.Context) (*models.Transcription, error) {
		audio, err := p.blobs.Download(ctx, sess.AudioBlob)
		if err != nil {
			return nil, fmt.Errorf("download audio: %w", err)
		}
		return p.speech.Transcribe(ctx, audio, path.Base(sess.AudioBlob))
	})
	if err != nil {
		return err
	}

	masked, err := runStep(ctx, p, sessionID, StepRedact, func(ctx context.Context) (*models.PiiMaskedData, error) {
		return p.language.RedactPII(ctx, transcription.FullText())
	})
	if err != nil {
		return err
	}

	// From here on only the masked text is analyzed.
	sentiment, err := runStep(ctx, p, sessionID, StepSentiment, func(ctx context.Context) (*models.SentimentData, error) {
		return p.language.AnalyzeSentiment(ctx, masked.FullText)
	})
	if err != nil {
		return err
	}

	summary, err := runStep(ctx, p, sessionID, StepSummarize, func(ctx context.Context) (*models.Summary, error) {
		return p.summarizer.Summarize(ctx, masked, sentiment)
	})
	if err != nil {
		return err
	}

	enriched := sess
	enriched.Transcription = transcription
	enriched.PiiMasked = masked
	enriched.Sentiment = sentiment
	enriched.Summary = summary

	if _, err := runStep(ctx, p, sessionID, StepIndex, func(ctx context.Context) (stepDone, error) {
		if err := p.indexer.Index(ctx, enriched); err != nil {
			return stepDone{}, err
		}
		return stepDone{Done: true}, nil
	}); err != nil {
		return err
	}

	// Export failure is not fatal. The session completes without a report.
	var documentURL *string
	location, err := runStep(ctx, p, sessionID, StepExport, func(ctx context.Context) (string, error) {
		return p.exporter.Export(ctx, enriched)
	})
	if err != nil {
		p.logger.Warn("report export failed, completing without document",
			"sessionId", sessionID, "error", err)
	} else if location != "" {
		documentURL = &location
	}

	// Finalize against a fresh read so a label approved mid-pipeline is not
	// clobbered.
	fresh, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	fresh.Transcription = transcription
	fresh.PiiMasked = masked
	fresh.Sentiment = sentiment
	fresh.Summary = summary
	fresh.DocumentURL = documentURL
	fresh.Status = models.StatusCompleted
	if err := p.store.UpdateSession(ctx, fresh); err != nil {
		return err
	}
	p.metrics.PipelineSucceeded.Inc()
	p.logger.Info("session analysis completed", "sessionId", sessionID,
		"hasDocument", documentURL != nil)

	// Cleanup: the raw recording is only needed as pipeline input, and a
	// completed session never replays, so its checkpoints can go too.
	if err := p.store.ClearCheckpoints(ctx, sessionID); err != nil {
		p.logger.Warn("checkpoint cleanup failed", "sessionId", sessionID, "error", err)
	}
	if err := p.blobs.Delete(ctx, fresh.AudioBlob); err != nil {
		p.logger.Warn("audio cleanup failed", "sessionId", sessionID, "error", err)
		return nil
	}
	if err := p.store.ClearAudioBlob(ctx, sessionID); err != nil {
		p.logger.Warn("clearing audio reference failed", "sessionId", sessionID, "error", err)
	}
	return nil
}

// MarkFailed records the terminal failed status once retries are exhausted.
// Artifacts from steps that did succeed are kept, as is the audio blob so the
// session can be reprocessed by hand.
func (p *Pipeline) MarkFailed(ctx context.Context, sessionID string) error {
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == models.StatusCompleted || sess.Status == models.StatusFailed {
		return nil
	}
	p.hydrateFromCheckpoints(ctx, &sess)
	sess.Status = models.StatusFailed
	if err := p.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	p.metrics.PipelineFailed.Inc()
	p.logger.Error("session analysis failed", "sessionId", sessionID)
	return nil
}

func (p *Pipeline) hydrateFromCheckpoints(ctx context.Context, sess *models.Session) {
	loadCheckpoint(ctx, p, sess.ID, StepTranscribe, &sess.Transcription)
	loadCheckpoint(ctx, p, sess.ID, StepRedact, &sess.PiiMasked)
	loadCheckpoint(ctx, p, sess.ID, StepSentiment, &sess.Sentiment)
	loadCheckpoint(ctx, p, sess.ID, StepSummarize, &sess.Summary)
}

func loadCheckpoint[T any](ctx context.Context, p *Pipeline, sessionID, step string, dst *T) {
	raw, ok, err := p.store.GetCheckpoint(ctx, sessionID, step)
	if err != nil || !ok {
		return
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return
	}
	*dst = v
}

// runStep executes one checkpointed step. A recorded result is replayed
// without invoking fn, without metrics, and without logs, so a retried
// pipeline is silent about work it already did.
func runStep[T any](ctx context.Context, p *Pipeline, sessionID, step string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	raw, ok, err := p.store.GetCheckpoint(ctx, sessionID, step)
	if err != nil {
		return zero, err
	}
	if ok {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return zero, fmt.Errorf("replay %s checkpoint: %w", step, err)
		}
		return v, nil
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.stepTimeout)
	defer cancel()

	start := time.Now()
	v, err := fn(stepCtx)
	if err != nil {
		p.metrics.StepFailures.WithLabelValues(step).Inc()
		p.logger.Error("pipeline step failed", "sessionId", sessionID,
			"step", step, "error", err)
		return zero, fmt.Errorf("%s: %w", step, err)
	}
	p.metrics.StepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())

	result, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("marshal %s result: %w", step, err)
	}
	if err := p.store.PutCheckpoint(ctx, sessionID, step, result); err != nil {
		return zero, err
	}
	p.logger.Info("pipeline step completed", "sessionId", sessionID,
		"step", step, "duration", time.Since(start))
	return v, nil
}
