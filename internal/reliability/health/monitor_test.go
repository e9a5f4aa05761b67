package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/reliability/breaker"
	"github.com/vietddude/notifyguard/internal/reliability/classify"
	"github.com/vietddude/notifyguard/internal/reliability/retry"
)

// =============================================================================
// Mocks
// =============================================================================

type fakeTracker struct {
	mu      sync.Mutex
	reports []*classify.Error
	err     error
}

func (f *fakeTracker) Report(ctx context.Context, err *classify.Error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, err)
	return f.err
}

func (f *fakeTracker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

type fakeRetries struct {
	stats retry.Stats
}

func (f *fakeRetries) Stats() retry.Stats { return f.stats }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(opts ...Option) (*Monitor, *fakeTracker, *clock) {
	tr := &fakeTracker{}
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithTracker(tr), WithClock(clk.Now)}, opts...)
	return NewMonitor(DefaultConfig(), opts...), tr, clk
}

func mkErr(t classify.Type, msg string) *classify.Error {
	return classify.New().Make(t, msg, "notification.persist", nil)
}

// =============================================================================
// Error recording
// =============================================================================

func TestRecordError_Statistics(t *testing.T) {
	m, _, _ := newTestMonitor()
	ctx := context.Background()

	m.RecordError(ctx, mkErr(classify.NetworkError, "dial"))
	m.RecordError(ctx, mkErr(classify.NetworkError, "dial"))
	m.RecordError(ctx, mkErr(classify.ServerError, "500"))
	m.RecordError(ctx, nil)

	stats := m.GetErrorStatistics()
	if stats.Total != 3 {
		t.Fatalf("expected 3 errors, got %d", stats.Total)
	}
	if stats.ByType[classify.NetworkError] != 2 || stats.ByType[classify.ServerError] != 1 {
		t.Errorf("unexpected by-type counts: %v", stats.ByType)
	}
	if stats.BySeverity[classify.SeverityMedium] != 2 || stats.BySeverity[classify.SeverityHigh] != 1 {
		t.Errorf("unexpected by-severity counts: %v", stats.BySeverity)
	}
	if stats.InWindow != 3 {
		t.Errorf("expected 3 errors in window, got %d", stats.InWindow)
	}
	if stats.LastErrorAt == nil {
		t.Error("expected last error time")
	}
}

func TestGetRecentErrors_NewestFirstAndBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecentErrors = 3
	m := NewMonitor(cfg, WithTracker(&fakeTracker{}))

	for i := range 5 {
		m.RecordError(context.Background(), mkErr(classify.NetworkError, fmt.Sprintf("e%d", i)))
	}

	all := m.GetRecentErrors(0)
	if len(all) != 3 {
		t.Fatalf("expected 3 retained errors, got %d", len(all))
	}
	want := []string{"e4", "e3", "e2"}
	for i, e := range all {
		if e.Message != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], e.Message)
		}
	}

	if got := m.GetRecentErrors(1); len(got) != 1 || got[0].Message != "e4" {
		t.Errorf("expected only newest error, got %v", got)
	}
}

func TestGetRecentErrors_Empty(t *testing.T) {
	m, _, _ := newTestMonitor()
	if got := m.GetRecentErrors(10); len(got) != 0 {
		t.Errorf("expected no errors, got %d", len(got))
	}
}

// =============================================================================
// Escalation
// =============================================================================

func TestEscalation_ThrottledPerKey(t *testing.T) {
	m, tr, clk := newTestMonitor()
	ctx := context.Background()

	crit := mkErr(classify.ConfigurationError, "missing push credentials")
	for range 3 {
		m.RecordError(ctx, crit)
	}
	if tr.count() != 1 {
		t.Fatalf("expected 1 report within window, got %d", tr.count())
	}

	// Different message is a different key.
	m.RecordError(ctx, mkErr(classify.ConfigurationError, "missing database url"))
	if tr.count() != 2 {
		t.Fatalf("expected 2 reports, got %d", tr.count())
	}

	clk.Advance(5*time.Minute + time.Second)
	m.RecordError(ctx, crit)
	if tr.count() != 3 {
		t.Fatalf("expected report after window, got %d", tr.count())
	}

	stats := m.GetErrorStatistics()
	if stats.Escalated != 3 || stats.Throttled != 2 {
		t.Errorf("expected 3 escalated / 2 throttled, got %d / %d", stats.Escalated, stats.Throttled)
	}
}

func TestEscalation_OnlyQualifyingErrors(t *testing.T) {
	m, tr, _ := newTestMonitor()
	ctx := context.Background()

	m.RecordError(ctx, mkErr(classify.NetworkError, "dial"))
	m.RecordError(ctx, mkErr(classify.ServerError, "500"))
	if tr.count() != 0 {
		t.Fatalf("expected no escalation, got %d", tr.count())
	}

	m.RecordError(ctx, mkErr(classify.NetworkError, "dial").Exhausted(3))
	if tr.count() != 1 {
		t.Fatalf("expected exhausted error to escalate, got %d", tr.count())
	}
}

func TestEscalation_TrackerFailureDoesNotPropagate(t *testing.T) {
	m, tr, _ := newTestMonitor()
	tr.err = errors.New("tracker down")

	m.RecordError(context.Background(), mkErr(classify.ConfigurationError, "bad"))

	if tr.count() != 1 {
		t.Fatalf("expected tracker to be called, got %d", tr.count())
	}
	if m.GetErrorStatistics().Total != 1 {
		t.Error("expected error to be recorded")
	}
}

func TestEscalation_SurvivesCancelledContext(t *testing.T) {
	var gotErr error
	tr := trackerFunc(func(ctx context.Context, _ *classify.Error) error {
		gotErr = ctx.Err()
		return nil
	})
	m := NewMonitor(DefaultConfig(), WithTracker(tr))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.RecordError(ctx, mkErr(classify.ConfigurationError, "bad"))

	if gotErr != nil {
		t.Errorf("expected live report context, got %v", gotErr)
	}
}

type trackerFunc func(context.Context, *classify.Error) error

func (f trackerFunc) Report(ctx context.Context, err *classify.Error) error { return f(ctx, err) }

// =============================================================================
// Operation statistics
// =============================================================================

func TestRecordOutcome_PerKind(t *testing.T) {
	m, _, _ := newTestMonitor()

	m.RecordOutcome(domain.PushOperation("ep-1"), 100*time.Millisecond, nil)
	m.RecordOutcome(domain.PushOperation("ep-2"), 300*time.Millisecond, mkErr(classify.PushProviderUnavailable, "503"))
	m.RecordOutcome(domain.OpPersistNotification, 20*time.Millisecond, nil)

	stats := m.GetOperationStatistics()
	push, ok := stats["push"]
	if !ok {
		t.Fatalf("expected push kind, got %v", stats)
	}
	if push.Total != 2 || push.Successes != 1 || push.Failures != 1 {
		t.Errorf("unexpected push counts: %+v", push)
	}
	if push.SuccessRate != 0.5 {
		t.Errorf("expected success rate 0.5, got %v", push.SuccessRate)
	}
	if push.MinMillis != 100 || push.MaxMillis != 300 || push.AvgMillis != 200 {
		t.Errorf("unexpected durations: %+v", push)
	}
	if stats["notification"].Total != 1 {
		t.Errorf("expected 1 persist outcome, got %+v", stats["notification"])
	}
}

// =============================================================================
// Health status
// =============================================================================

func TestHealthStatus_HealthyByDefault(t *testing.T) {
	m, _, _ := newTestMonitor()
	hs := m.GetHealthStatus()
	if hs.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s (%v)", hs.Status, hs.Reasons)
	}
}

func TestHealthStatus_ErrorRateThresholds(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		want     SystemStatus
	}{
		{"below degraded", 0, StatusHealthy},
		{"degraded", 2, StatusDegraded},
		{"critical", 3, StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestMonitor()
			for i := range 20 {
				var failure *classify.Error
				if i < tt.failures {
					failure = mkErr(classify.NetworkError, "dial")
				}
				m.RecordOutcome("notification.persist", time.Millisecond, failure)
			}
			if hs := m.GetHealthStatus(); hs.Status != tt.want {
				t.Errorf("expected %s, got %s (rate %.2f)", tt.want, hs.Status, hs.ErrorRate)
			}
		})
	}
}

func TestHealthStatus_IgnoresRateBelowMinSamples(t *testing.T) {
	m, _, _ := newTestMonitor()
	m.RecordOutcome("notification.persist", time.Millisecond, mkErr(classify.NetworkError, "dial"))

	if hs := m.GetHealthStatus(); hs.Status != StatusHealthy {
		t.Errorf("expected healthy with one sample, got %s", hs.Status)
	}
}

func TestHealthStatus_CriticalErrorInWindow(t *testing.T) {
	m, _, clk := newTestMonitor()
	m.RecordError(context.Background(), mkErr(classify.ConfigurationError, "bad"))

	if hs := m.GetHealthStatus(); hs.Status != StatusCritical {
		t.Fatalf("expected critical, got %s", hs.Status)
	}

	clk.Advance(6 * time.Minute)
	if hs := m.GetHealthStatus(); hs.Status != StatusHealthy {
		t.Errorf("expected healthy after window, got %s", hs.Status)
	}
}

func TestHealthStatus_HighErrorDegrades(t *testing.T) {
	m, _, _ := newTestMonitor()
	m.RecordError(context.Background(), mkErr(classify.ServerError, "500"))

	if hs := m.GetHealthStatus(); hs.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", hs.Status)
	}
}

func TestHealthStatus_OpenCircuitDegrades(t *testing.T) {
	src := &fakeRetries{stats: retry.Stats{Breakers: []breaker.Snapshot{
		{Operation: "push.ep-1", State: breaker.StateOpen},
		{Operation: "notification.persist", State: breaker.StateClosed},
	}}}
	m, _, _ := newTestMonitor(WithRetrySource(src))

	hs := m.GetHealthStatus()
	if hs.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", hs.Status)
	}
	if len(hs.OpenCircuits) != 1 || hs.OpenCircuits[0] != "push.ep-1" {
		t.Errorf("unexpected open circuits: %v", hs.OpenCircuits)
	}
}

func TestGetRetryStatistics_Unwired(t *testing.T) {
	m, _, _ := newTestMonitor()
	if s := m.GetRetryStatistics(); s.Calls != 0 || len(s.Breakers) != 0 {
		t.Errorf("expected zero stats, got %+v", s)
	}
}

func TestMonitor_ConcurrentRecording(t *testing.T) {
	m, _, _ := newTestMonitor()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordError(context.Background(), mkErr(classify.NetworkError, "dial"))
			m.RecordOutcome(domain.PushOperation(fmt.Sprintf("ep-%d", i)), time.Millisecond, nil)
			_ = m.GetHealthStatus()
		}()
	}
	wg.Wait()

	if got := m.GetErrorStatistics().Total; got != 50 {
		t.Errorf("expected 50 errors, got %d", got)
	}
	if got := m.GetOperationStatistics()["push"].Total; got != 50 {
		t.Errorf("expected 50 push outcomes, got %d", got)
	}
}
