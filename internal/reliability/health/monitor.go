package health

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"sync"
	"time"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/metrics"
	"github.com/vietddude/notifyguard/internal/reliability/breaker"
	"github.com/vietddude/notifyguard/internal/reliability/classify"
	"github.com/vietddude/notifyguard/internal/reliability/retry"
)

// Tracker is the external error-tracking collaborator.
type Tracker interface {
	Report(ctx context.Context, err *classify.Error) error
}

// RetrySource supplies retry and breaker statistics.
type RetrySource interface {
	Stats() retry.Stats
}

type event struct {
	at       time.Time
	severity classify.Severity
}

type outcome struct {
	at time.Time
	ok bool
}

type opStats struct {
	total, successes, failures int64
	sum, min, max              time.Duration
}

// Monitor is the health monitor. Accessors are read-only snapshots.
type Monitor struct {
	cfg     Config
	tracker Tracker
	retries RetrySource
	now     func() time.Time
	log     *slog.Logger

	mu         sync.RWMutex
	total      int64
	byType     map[classify.Type]int64
	bySeverity map[classify.Severity]int64
	lastError  time.Time
	recent     []*classify.Error
	next       int
	errors     []event
	outcomes   []outcome
	ops        map[string]*opStats

	throttleMu sync.Mutex
	lastReport map[string]time.Time
	escalated  int64
	throttled  int64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTracker sets the escalation target. Without one, escalations are only logged.
func WithTracker(t Tracker) Option {
	return func(m *Monitor) { m.tracker = t }
}

// WithRetrySource wires retry and breaker statistics into the monitor.
func WithRetrySource(r RetrySource) Option {
	return func(m *Monitor) { m.retries = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Monitor) { m.log = log }
}

// NewMonitor creates a new health monitor.
func NewMonitor(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		log:        slog.Default().With("component", "health"),
		byType:     make(map[classify.Type]int64),
		bySeverity: make(map[classify.Severity]int64),
		ops:        make(map[string]*opStats),
		lastReport: make(map[string]time.Time),
	}
	m.recent = make([]*classify.Error, 0, m.cfg.RecentErrors)
	for _, opt := range opts {
		opt(m)
	}
	if m.tracker == nil {
		m.tracker = NewLogTracker(m.log)
	}
	return m
}

// SetRetrySource wires the executor after construction; the executor itself
// takes the monitor as its observer.
func (m *Monitor) SetRetrySource(r RetrySource) {
	m.mu.Lock()
	m.retries = r
	m.mu.Unlock()
}

// RecordError stores err and escalates it when it qualifies.
func (m *Monitor) RecordError(ctx context.Context, err *classify.Error) {
	if err == nil {
		return
	}
	now := m.now()

	m.mu.Lock()
	m.total++
	m.byType[err.Type]++
	m.bySeverity[err.Severity]++
	m.lastError = now
	if len(m.recent) < m.cfg.RecentErrors {
		m.recent = append(m.recent, err)
	} else {
		m.recent[m.next] = err
	}
	m.next = (m.next + 1) % m.cfg.RecentErrors
	m.errors = append(pruneEvents(m.errors, now.Add(-m.cfg.Window)), event{at: now, severity: err.Severity})
	m.mu.Unlock()

	metrics.ClassifiedErrors.WithLabelValues(string(err.Type), string(err.Severity)).Inc()

	if err.ShouldEscalate() {
		m.escalate(ctx, err, now)
	}
}

// RecordOutcome stores the result of a finished retry sequence.
func (m *Monitor) RecordOutcome(op domain.OperationID, elapsed time.Duration, failure *classify.Error) {
	now := m.now()
	kind := op.Kind()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.ops[kind]
	if !ok {
		s = &opStats{min: elapsed, max: elapsed}
		m.ops[kind] = s
	}
	s.total++
	s.sum += elapsed
	s.min = min(s.min, elapsed)
	s.max = max(s.max, elapsed)
	if failure == nil {
		s.successes++
	} else {
		s.failures++
	}

	m.outcomes = append(pruneOutcomes(m.outcomes, now.Add(-m.cfg.Window)), outcome{at: now, ok: failure == nil})
}

// escalate forwards err to the tracker at most once per (type, message) per window.
func (m *Monitor) escalate(ctx context.Context, err *classify.Error, now time.Time) {
	key := err.Key()

	m.throttleMu.Lock()
	if last, ok := m.lastReport[key]; ok && now.Sub(last) < m.cfg.EscalationWindow {
		m.throttled++
		m.throttleMu.Unlock()
		metrics.Escalations.WithLabelValues(string(err.Type), "throttled").Inc()
		return
	}
	m.lastReport[key] = now
	m.escalated++
	if len(m.lastReport) > 1024 {
		for k, at := range m.lastReport {
			if now.Sub(at) >= m.cfg.EscalationWindow {
				delete(m.lastReport, k)
			}
		}
	}
	m.throttleMu.Unlock()

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ReportTimeout)
	defer cancel()

	if rerr := m.tracker.Report(reportCtx, err); rerr != nil {
		metrics.Escalations.WithLabelValues(string(err.Type), "failed").Inc()
		m.log.Warn("Failed to escalate error", "error_type", err.Type, "error", rerr)
		return
	}
	metrics.Escalations.WithLabelValues(string(err.Type), "sent").Inc()
}

// GetErrorStatistics returns totals by type and severity.
func (m *Monitor) GetErrorStatistics() ErrorStatistics {
	now := m.now()
	m.mu.RLock()
	stats := ErrorStatistics{
		Total:      m.total,
		ByType:     maps.Clone(m.byType),
		BySeverity: maps.Clone(m.bySeverity),
		InWindow:   countSince(m.errors, now.Add(-m.cfg.Window)),
		Window:     m.cfg.Window.String(),
	}
	if !m.lastError.IsZero() {
		last := m.lastError
		stats.LastErrorAt = &last
	}
	m.mu.RUnlock()

	m.throttleMu.Lock()
	stats.Escalated = m.escalated
	stats.Throttled = m.throttled
	m.throttleMu.Unlock()
	return stats
}

// GetRecentErrors returns up to limit errors, newest first. limit <= 0 returns all kept errors.
func (m *Monitor) GetRecentErrors(limit int) []*classify.Error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*classify.Error, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.recent)) % len(m.recent)
		out = append(out, m.recent[idx])
	}
	return out
}

// GetRetryStatistics returns the executor snapshot, or zero stats when unwired.
func (m *Monitor) GetRetryStatistics() retry.Stats {
	m.mu.RLock()
	src := m.retries
	m.mu.RUnlock()
	if src == nil {
		return retry.Stats{}
	}
	return src.Stats()
}

// GetOperationStatistics returns per operation kind outcome summaries.
func (m *Monitor) GetOperationStatistics() map[string]OperationStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]OperationStats, len(m.ops))
	for kind, s := range m.ops {
		st := OperationStats{
			Total:     s.total,
			Successes: s.successes,
			Failures:  s.failures,
			MinMillis: millis(s.min),
			MaxMillis: millis(s.max),
		}
		if s.total > 0 {
			st.SuccessRate = round(float64(s.successes) / float64(s.total))
			st.AvgMillis = millis(s.sum / time.Duration(s.total))
		}
		out[kind] = st
	}
	return out
}

// GetHealthStatus derives the coarse status from the last window.
func (m *Monitor) GetHealthStatus() HealthStatus {
	now := m.now()
	since := now.Add(-m.cfg.Window)
	hs := HealthStatus{Status: StatusHealthy, CheckedAt: now}

	m.mu.RLock()
	var failed int
	for _, o := range m.outcomes {
		if o.at.Before(since) {
			continue
		}
		hs.Samples++
		if !o.ok {
			failed++
		}
	}
	for _, e := range m.errors {
		if e.at.Before(since) {
			continue
		}
		switch e.severity {
		case classify.SeverityCritical:
			hs.CriticalErrors++
		case classify.SeverityHigh:
			hs.HighErrors++
		}
	}
	m.mu.RUnlock()

	if hs.Samples > 0 {
		hs.ErrorRate = round(float64(failed) / float64(hs.Samples))
	}
	for _, b := range m.GetRetryStatistics().Breakers {
		if b.State == breaker.StateOpen {
			hs.OpenCircuits = append(hs.OpenCircuits, b.Operation)
		}
	}

	enough := hs.Samples >= m.cfg.MinSamples
	switch {
	case hs.CriticalErrors > 0:
		hs.Status = StatusCritical
		hs.Reasons = append(hs.Reasons, fmt.Sprintf("%d critical errors in the last %s", hs.CriticalErrors, m.cfg.Window))
	case enough && hs.ErrorRate > m.cfg.CriticalErrorRate:
		hs.Status = StatusCritical
		hs.Reasons = append(hs.Reasons, fmt.Sprintf("error rate %.2f above %.2f", hs.ErrorRate, m.cfg.CriticalErrorRate))
	}
	if hs.Status == StatusHealthy {
		if enough && hs.ErrorRate > m.cfg.DegradedErrorRate {
			hs.Status = StatusDegraded
			hs.Reasons = append(hs.Reasons, fmt.Sprintf("error rate %.2f above %.2f", hs.ErrorRate, m.cfg.DegradedErrorRate))
		}
		if len(hs.OpenCircuits) > 0 {
			hs.Status = StatusDegraded
			hs.Reasons = append(hs.Reasons, fmt.Sprintf("%d open circuits", len(hs.OpenCircuits)))
		}
		if hs.HighErrors > 0 {
			hs.Status = StatusDegraded
			hs.Reasons = append(hs.Reasons, fmt.Sprintf("%d high severity errors in the last %s", hs.HighErrors, m.cfg.Window))
		}
	}
	return hs
}

func pruneEvents(events []event, cutoff time.Time) []event {
	i := 0
	for i < len(events) && events[i].at.Before(cutoff) {
		i++
	}
	return events[i:]
}

func pruneOutcomes(outcomes []outcome, cutoff time.Time) []outcome {
	i := 0
	for i < len(outcomes) && outcomes[i].at.Before(cutoff) {
		i++
	}
	return outcomes[i:]
}

func countSince(events []event, cutoff time.Time) int {
	n := 0
	for _, e := range events {
		if !e.at.Before(cutoff) {
			n++
		}
	}
	return n
}

func millis(d time.Duration) float64 {
	return round(float64(d) / float64(time.Millisecond))
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
