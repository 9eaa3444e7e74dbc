// Package worker consumes analysis tasks from the queue and drives the
// pipeline, retrying failed attempts with backoff until the attempt budget is
// spent.
package worker

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"sales-insight-service/internal/pipeline"
	"sales-insight-service/internal/queue"
	"sales-insight-service/internal/telemetry"
)

type Processor struct {
	queue          *queue.Queue
	pipeline       *pipeline.Pipeline
	metrics        *telemetry.Metrics
	logger         *slog.Logger
	pollInterval   time.Duration
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
}

type Config struct {
	Queue          *queue.Queue
	Pipeline       *pipeline.Pipeline
	Metrics        *telemetry.Metrics
	Logger         *slog.Logger
	PollInterval   time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func New(cfg Config) *Processor {
	return &Processor{
		queue:          cfg.Queue,
		pipeline:       cfg.Pipeline,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		pollInterval:   cfg.PollInterval,
		maxAttempts:    cfg.MaxAttempts,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
	}
}

// Run polls the queue until ctx is canceled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.logger.Info("worker started", "pollInterval", p.pollInterval,
		"maxAttempts", p.maxAttempts)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Processor) tick(ctx context.Context) {
	recovered, err := p.queue.RequeueExpired(ctx, time.Now())
	if err != nil {
		p.logger.Error("lease recovery failed", "error", err)
	} else if recovered > 0 {
		p.logger.Warn("recovered expired leases", "count", recovered)
	}

	promoted, err := p.queue.PromoteScheduled(ctx, time.Now())
	if err != nil {
		p.logger.Error("promoting scheduled tasks failed", "error", err)
	} else if promoted > 0 {
		p.logger.Info("promoted scheduled retries", "count", promoted)
	}

	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		p.metrics.QueueDepth.Set(float64(depth))
	}

	for {
		task, lease, ok, err := p.queue.DequeueWithLease(ctx, time.Now())
		if err != nil {
			p.logger.Error("dequeue failed", "error", err)
			return
		}
		if !ok {
			return
		}
		p.process(ctx, task, lease)
	}
}

func (p *Processor) process(ctx context.Context, task queue.Task, lease string) {
	p.metrics.InFlight.Inc()
	defer p.metrics.InFlight.Dec()

	p.logger.Info("processing session", "sessionId", task.SessionID,
		"attempt", task.Attempt)

	stopHeartbeat := p.keepLeaseAlive(ctx, task.SessionID, lease)
	err := p.pipeline.Run(ctx, task.SessionID)
	stopHeartbeat()

	if err == nil {
		p.ack(ctx, task, lease)
		return
	}

	if task.Attempt >= p.maxAttempts {
		p.logger.Error("attempts exhausted", "sessionId", task.SessionID,
			"attempt", task.Attempt, "error", err)
		if mfErr := p.pipeline.MarkFailed(ctx, task.SessionID); mfErr != nil {
			p.logger.Error("marking session failed errored",
				"sessionId", task.SessionID, "error", mfErr)
		}
		if dlqErr := p.queue.DLQPush(ctx, task, err.Error()); dlqErr != nil {
			p.logger.Error("dlq push failed", "sessionId", task.SessionID,
				"error", dlqErr)
		}
		p.ack(ctx, task, lease)
		return
	}

	delay := backoffWithJitter(p.backoffInitial, p.backoffMax, task.Attempt)
	p.logger.Warn("attempt failed, retrying", "sessionId", task.SessionID,
		"attempt", task.Attempt, "delay", delay, "error", err)

	retry := queue.Task{
		SessionID:  task.SessionID,
		Attempt:    task.Attempt + 1,
		EnqueuedAt: time.Now().UTC(),
	}
	// Schedule before acking so a crash in between leaves the retry intact;
	// the worst case is a duplicate run, which the pipeline replays safely.
	if schedErr := p.queue.Schedule(ctx, retry, time.Now().Add(delay)); schedErr != nil {
		p.logger.Error("retry schedule failed", "sessionId", retry.SessionID,
			"error", schedErr)
		return
	}
	p.ack(ctx, task, lease)
}

func (p *Processor) ack(ctx context.Context, task queue.Task, lease string) {
	if err := p.queue.Ack(ctx, lease); err != nil {
		p.logger.Error("ack failed", "sessionId", task.SessionID, "error", err)
	}
}

// keepLeaseAlive extends the task's lease while the pipeline runs, so a slow
// session cannot outlive its visibility timeout and get processed twice.
func (p *Processor) keepLeaseAlive(ctx context.Context, sessionID, lease string) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.queue.VisibilityTimeout() / 2)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(hbCtx, lease, time.Now()); err != nil {
					p.logger.Error("lease extension failed",
						"sessionId", sessionID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// backoffWithJitter doubles the delay per attempt up to max, then spreads it
// by +/-20% so retries from a burst of failures do not land together.
func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	jitter := 0.8 + 0.4*rand.Float64()
	d := time.Duration(float64(delay) * jitter)
	if d > max {
		d = max
	}
	return d
}
