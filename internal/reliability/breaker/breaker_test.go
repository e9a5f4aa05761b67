package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/notifyguard/internal/core/domain"
)

// =============================================================================
// Helpers
// =============================================================================

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(clock *manualClock, opts ...Option) *Registry {
	return NewRegistry(DefaultConfig(), append([]Option{WithClock(clock.Now)}, opts...)...)
}

func tripOpen(b *Breaker) {
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestBreaker_StartsClosed(t *testing.T) {
	b := newTestRegistry(newClock()).Get("sync_token")
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
	if !b.CanExecute() {
		t.Fatal("closed breaker must allow execution")
	}
}

func TestBreaker_OpensAfterFiveFailures(t *testing.T) {
	clock := newClock()
	b := newTestRegistry(clock).Get("sync_token")

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after 4 failures, got %s", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after 5 failures, got %s", b.State())
	}
	if b.CanExecute() {
		t.Fatal("open breaker must refuse execution")
	}

	clock.Advance(time.Minute)
	if b.CanExecute() {
		t.Fatal("breaker must stay open until the timeout has strictly elapsed")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newTestRegistry(newClock()).Get("op")
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("success should reset the failure count, got %s", b.State())
	}
	if got := b.Snapshot().FailureCount; got != 4 {
		t.Errorf("failure count = %d, want 4", got)
	}
}

func TestBreaker_HalfOpenOncePerTimeout(t *testing.T) {
	clock := newClock()
	var transitions []Transition
	reg := newTestRegistry(clock, OnStateChange(func(tr Transition) {
		transitions = append(transitions, tr)
	}))
	b := reg.Get("op")
	tripOpen(b)

	clock.Advance(time.Minute + time.Second)
	if !b.CanExecute() {
		t.Fatal("expected half-open trial after timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected halfOpen, got %s", b.State())
	}
	if !b.CanExecute() {
		t.Fatal("half-open breaker allows execution")
	}

	var toHalfOpen int
	for _, tr := range transitions {
		if tr.To == StateHalfOpen {
			toHalfOpen++
		}
	}
	if toHalfOpen != 1 {
		t.Errorf("expected exactly one transition to halfOpen, got %d", toHalfOpen)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newClock()
	b := newTestRegistry(clock).Get("op")
	tripOpen(b)
	clock.Advance(2 * time.Minute)
	b.CanExecute()

	b.RecordSuccess()
	b.RecordFailure()

	s := b.Snapshot()
	if s.State != StateOpen {
		t.Fatalf("expected open after half-open failure, got %s", s.State)
	}
	if s.SuccessCount != 0 {
		t.Errorf("success count should reset, got %d", s.SuccessCount)
	}
	if b.CanExecute() {
		t.Error("reopened breaker must wait a full timeout again")
	}
}

func TestBreaker_HalfOpenClosesAfterThreeSuccesses(t *testing.T) {
	clock := newClock()
	b := newTestRegistry(clock).Get("op")
	tripOpen(b)
	clock.Advance(2 * time.Minute)
	b.CanExecute()

	b.RecordSuccess()
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("expected halfOpen after 2 successes, got %s", b.State())
	}
	b.RecordSuccess()

	s := b.Snapshot()
	if s.State != StateClosed {
		t.Fatalf("expected closed, got %s", s.State)
	}
	if s.FailureCount != 0 || s.SuccessCount != 0 {
		t.Errorf("counters should reset, got failures=%d successes=%d", s.FailureCount, s.SuccessCount)
	}
}

func TestBreaker_ConcurrentCanExecuteTransitionsOnce(t *testing.T) {
	clock := newClock()
	var halfOpens atomic.Int32
	reg := newTestRegistry(clock, OnStateChange(func(tr Transition) {
		if tr.To == StateHalfOpen {
			halfOpens.Add(1)
		}
	}))
	b := reg.Get("op")
	tripOpen(b)
	clock.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.CanExecute()
		}()
	}
	wg.Wait()

	if got := halfOpens.Load(); got != 1 {
		t.Errorf("expected a single halfOpen transition, got %d", got)
	}
}

func TestRegistry_PerOperationIsolation(t *testing.T) {
	reg := newTestRegistry(newClock())
	a := reg.Get("push.a")
	tripOpen(a)

	if reg.Get("push.a") != a {
		t.Fatal("registry must return the same breaker for the same id")
	}
	if reg.Get("push.b").State() != StateClosed {
		t.Error("breakers for distinct ids must be independent")
	}

	open := reg.Open()
	if len(open) != 1 || open[0] != domain.OperationID("push.a") {
		t.Errorf("open = %v", open)
	}
	if n := len(reg.Snapshots()); n != 2 {
		t.Errorf("expected 2 snapshots, got %d", n)
	}
}

func TestNewRegistry_Defaults(t *testing.T) {
	reg := NewRegistry(Config{})
	if reg.cfg != DefaultConfig() {
		t.Errorf("cfg = %+v", reg.cfg)
	}
}
