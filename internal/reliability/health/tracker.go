package health

import (
	"context"
	"log/slog"

	"github.com/vietddude/notifyguard/internal/reliability/classify"
)

// LogTracker reports escalations to the structured log.
type LogTracker struct {
	log *slog.Logger
}

// NewLogTracker creates a tracker writing to log.
func NewLogTracker(log *slog.Logger) *LogTracker {
	if log == nil {
		log = slog.Default()
	}
	return &LogTracker{log: log}
}

func (t *LogTracker) Report(ctx context.Context, err *classify.Error) error {
	t.log.ErrorContext(ctx, "Escalated error",
		"error_type", err.Type,
		"severity", err.Severity,
		"operation", err.OperationID,
		"message", err.Message,
		"details", err.TechnicalDetails,
	)
	return nil
}

// MultiTracker fans a report out to several trackers and returns the first error.
type MultiTracker []Tracker

func (m MultiTracker) Report(ctx context.Context, err *classify.Error) error {
	var first error
	for _, t := range m {
		if rerr := t.Report(ctx, err); rerr != nil && first == nil {
			first = rerr
		}
	}
	return first
}
