// Package breaker implements per-operation circuit breakers.
package breaker

import (
	"sync"
	"time"

	"github.com/vietddude/notifyguard/internal/core/domain"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "halfOpen"
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// DefaultConfig returns failureThreshold=5, successThreshold=3, openTimeout=1m.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		OpenTimeout:      time.Minute,
	}
}

// Transition describes a state change.
type Transition struct {
	Operation domain.OperationID
	From      State
	To        State
	At        time.Time
}

// Snapshot is a read-only copy of a breaker's state.
type Snapshot struct {
	Operation       domain.OperationID `json:"operation"`
	State           State              `json:"state"`
	FailureCount    int                `json:"failure_count"`
	SuccessCount    int                `json:"success_count"`
	LastFailureTime time.Time          `json:"last_failure_time"`
	StateChangedAt  time.Time          `json:"state_changed_at"`
}

// Breaker gates one operation id.
type Breaker struct {
	id       domain.OperationID
	cfg      Config
	now      func() time.Time
	onChange func(Transition)

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	stateChangedAt  time.Time
}

func newBreaker(id domain.OperationID, cfg Config, now func() time.Time, onChange func(Transition)) *Breaker {
	return &Breaker{
		id:             id,
		cfg:            cfg,
		now:            now,
		onChange:       onChange,
		state:          StateClosed,
		stateChangedAt: now(),
	}
}

// CanExecute reports whether a call may be attempted. An open breaker whose
// timeout has elapsed moves to half-open in the same critical section.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	var tr *Transition
	allowed := true
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) > b.cfg.OpenTimeout {
			tr = b.transition(StateHalfOpen)
		} else {
			allowed = false
		}
	}
	b.mu.Unlock()

	b.notify(tr)
	return allowed
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var tr *Transition
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			tr = b.transition(StateClosed)
		}
	}
	b.mu.Unlock()

	b.notify(tr)
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var tr *Transition
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.lastFailureTime = b.now()
			tr = b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.lastFailureTime = b.now()
		tr = b.transition(StateOpen)
	}
	b.mu.Unlock()

	b.notify(tr)
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Operation:       b.id,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
		StateChangedAt:  b.stateChangedAt,
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) *Transition {
	tr := &Transition{Operation: b.id, From: b.state, To: to, At: b.now()}
	b.state = to
	b.stateChangedAt = tr.At

	switch to {
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
	case StateOpen, StateHalfOpen:
		b.successCount = 0
	}
	return tr
}

func (b *Breaker) notify(tr *Transition) {
	if tr != nil && b.onChange != nil {
		b.onChange(*tr)
	}
}
