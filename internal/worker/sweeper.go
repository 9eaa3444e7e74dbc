package worker

import (
	"context"
	"log/slog"
	"time"

	"sales-insight-service/internal/authz"
	"sales-insight-service/internal/models"
	"sales-insight-service/internal/telemetry"
)

// OverdueLister finds sessions still unlabeled past the deadline.
type OverdueLister interface {
	ListDeadlineOverdue(ctx context.Context, cutoff time.Time) ([]models.Session, error)
}

// Sweeper periodically surfaces sessions whose labeling deadline has lapsed.
// It only observes: late labeling stays possible through the override path,
// so the sweep logs and gauges but mutates nothing.
type Sweeper struct {
	store    OverdueLister
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	interval time.Duration
}

func NewSweeper(store OverdueLister, metrics *telemetry.Metrics, logger *slog.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, metrics: metrics, logger: logger, interval: interval}
}

// Run sweeps once immediately, then on every interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-authz.DeadlineDays * 24 * time.Hour)
	sessions, err := s.store.ListDeadlineOverdue(ctx, cutoff)
	if err != nil {
		s.logger.Error("deadline sweep failed", "error", err)
		return
	}
	s.metrics.OverdueSessions.Set(float64(len(sessions)))
	if len(sessions) == 0 {
		return
	}
	s.logger.Warn("sessions past labeling deadline", "count", len(sessions))
	for _, sess := range sessions {
		s.logger.Warn("unlabeled session overdue", "sessionId", sess.ID,
			"userId", sess.UserID, "storeId", sess.StoreID,
			"createdAt", sess.CreatedAt)
	}
}
