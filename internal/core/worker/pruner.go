package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/notifyguard/internal/core/config"
	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/infra/storage"
	"github.com/vietddude/notifyguard/internal/metrics"
)

// keepTypes are never pruned; capacity records back dedup hydration on restart.
var keepTypes = []string{domain.NotificationTypeCapacityReached}

// Pruner deletes read notifications past the retention period.
type Pruner struct {
	cfg           config.RetentionConfig
	notifications storage.NotificationRepository
	now           func() time.Time
	log           *slog.Logger
}

// NewPruner creates a new Pruner worker.
func NewPruner(cfg config.RetentionConfig, notifications storage.NotificationRepository) *Pruner {
	return &Pruner{
		cfg:           cfg,
		notifications: notifications,
		now:           time.Now,
		log:           slog.Default().With("component", "pruner"),
	}
}

// Start runs the pruner loop until ctx ends.
func (p *Pruner) Start(ctx context.Context) {
	if p.cfg.MaxAge <= 0 {
		return // Retention disabled
	}

	interval := p.cfg.Interval
	if interval <= 0 {
		interval = min(p.cfg.MaxAge/10, time.Hour)
	}
	interval = max(interval, time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	_, _ = p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = p.Prune(ctx)
		}
	}
}

// Prune runs one retention pass and returns the number of deleted rows.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.cfg.MaxAge)

	n, err := p.notifications.DeleteReadOlderThan(ctx, cutoff, keepTypes)
	if err != nil {
		p.log.Error("Failed to prune notifications", "cutoff", cutoff, "error", err)
		return 0, err
	}
	if n > 0 {
		metrics.PrunedNotifications.Add(float64(n))
		p.log.Info("Pruned notifications", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}
