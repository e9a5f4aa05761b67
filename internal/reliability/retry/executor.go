// Package retry runs operations with bounded attempts, exponential backoff and
// jitter, gated by per-operation circuit breakers.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/metrics"
	"github.com/vietddude/notifyguard/internal/reliability/breaker"
	"github.com/vietddude/notifyguard/internal/reliability/classify"
)

// Observer receives every classified error and every finished sequence.
type Observer interface {
	RecordError(ctx context.Context, err *classify.Error)
	RecordOutcome(op domain.OperationID, elapsed time.Duration, failure *classify.Error)
}

// Result is the explicit outcome of a retried operation. Failure is nil on success.
type Result[T any] struct {
	Value    T
	Failure  *classify.Error
	Attempts int
}

// OK reports whether the operation succeeded.
func (r Result[T]) OK() bool {
	return r.Failure == nil
}

// Err returns Failure as an error, or nil on success.
func (r Result[T]) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// Option adjusts the config of a single call.
type Option func(*Config)

// WithConfig replaces the executor defaults for this call.
func WithConfig(cfg Config) Option {
	return func(c *Config) { *c = cfg }
}

// WithMaxRetries overrides the retry budget for this call.
func WithMaxRetries(n int) Option {
	return func(c *Config) {
		c.MaxRetries = n
		if n == 0 {
			c.MaxRetries = -1
		}
	}
}

// WithShouldRetry overrides the retry predicate for this call.
func WithShouldRetry(fn func(*classify.Error) bool) Option {
	return func(c *Config) { c.ShouldRetry = fn }
}

// WithBreaker shares the breaker of key across calls with distinct ids.
func WithBreaker(key domain.OperationID) Option {
	return func(c *Config) { c.BreakerKey = key }
}

// Executor is the retry executor. It is safe for concurrent use.
type Executor struct {
	cfg        Config
	classifier *classify.Classifier
	breakers   *breaker.Registry
	observer   Observer
	log        *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	rnd   func() float64

	states   states
	counters counters
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithObserver attaches an observer such as the health monitor.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.log = log }
}

// NewExecutor creates an executor with cfg as the default for every call.
func NewExecutor(
	cfg Config,
	classifier *classify.Classifier,
	breakers *breaker.Registry,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		cfg:        cfg,
		classifier: classifier,
		breakers:   breakers,
		log:        slog.Default().With("component", "retry"),
		sleep:      sleepContext,
		rnd:        rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Breakers exposes the registry guarding this executor.
func (e *Executor) Breakers() *breaker.Registry {
	return e.breakers
}

// Classifier returns the classifier used for every attempt.
func (e *Executor) Classifier() *classify.Classifier {
	return e.classifier
}

// Run executes op under id. See Do.
func (e *Executor) Run(
	ctx context.Context,
	id domain.OperationID,
	op func(context.Context) error,
	opts ...Option,
) Result[struct{}] {
	return Do(ctx, e, id, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
}

// Do executes op under id with retries. An open breaker fails fast with
// serviceUnavailable without invoking op. At most MaxRetries+1 invocations are
// made; once the budget is spent the last error is returned in its escalated form.
func Do[T any](
	ctx context.Context,
	e *Executor,
	id domain.OperationID,
	op func(context.Context) (T, error),
	opts ...Option,
) Result[T] {
	cfg := e.cfg
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	kind := id.Kind()
	start := time.Now()
	e.counters.calls.Add(1)

	breakerKey := id
	if cfg.BreakerKey != "" {
		breakerKey = cfg.BreakerKey
	}
	b := e.breakers.Get(breakerKey)
	if !b.CanExecute() {
		failure := e.classifier.Make(
			classify.ServiceUnavailable,
			fmt.Sprintf("circuit open for %s", breakerKey),
			id,
			nil,
		)
		e.counters.rejected.Add(1)
		metrics.BreakerRejections.WithLabelValues(kind).Inc()
		e.finish(ctx, id, start, failure, "rejected")
		return Result[T]{Failure: failure}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &state{id: id, breaker: b, cancel: cancel, startedAt: start}
	e.states.put(st)
	defer e.states.clear(st)

	var failure *classify.Error
	outcome := "failure"

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := Backoff(cfg, attempt, e.rnd)
			if err := e.sleep(runCtx, delay); err != nil {
				failure = e.classifier.Classify(err, id, map[string]any{
					"attempts":   attempt,
					"last_error": string(failure.Type),
				})
				e.counters.cancelled.Add(1)
				outcome = "cancelled"
				break
			}
		}

		st.attempts.Add(1)
		e.counters.attempts.Add(1)
		metrics.RetryAttempts.WithLabelValues(kind).Inc()

		value, err := op(runCtx)
		if err == nil {
			b.RecordSuccess()
			e.counters.successes.Add(1)
			e.finish(ctx, id, start, nil, "success")
			return Result[T]{Value: value, Attempts: attempt + 1}
		}

		st.failures.Add(1)
		classified := e.classifier.Classify(err, id, map[string]any{"attempt": attempt + 1})
		b.RecordFailure()
		failure = classified

		if !cfg.shouldRetry(classified) {
			break
		}
		if attempt == cfg.MaxRetries {
			failure = classified.Exhausted(cfg.MaxRetries)
			e.counters.exhausted.Add(1)
			outcome = "exhausted"
			break
		}

		// Attempt errors before the final one are recorded as they happen.
		e.record(ctx, classified)
		e.log.Debug("Retrying operation",
			"operation", id,
			"attempt", attempt+1,
			"error_type", classified.Type,
			"error", classified.Message,
		)
	}

	e.counters.failures.Add(1)
	e.finish(ctx, id, start, failure, outcome)
	return Result[T]{Failure: failure, Attempts: int(st.attempts.Load())}
}

// Cancel aborts the pending sleep of the sequence running under id.
// Attempts already made are not undone. When several sequences share id,
// only the most recently started one is cancelled.
func (e *Executor) Cancel(id domain.OperationID) bool {
	return e.states.cancel(id)
}

// Stats returns a snapshot of executor counters, active retries and breakers.
func (e *Executor) Stats() Stats {
	s := Stats{
		Calls:     e.counters.calls.Load(),
		Attempts:  e.counters.attempts.Load(),
		Successes: e.counters.successes.Load(),
		Failures:  e.counters.failures.Load(),
		Exhausted: e.counters.exhausted.Load(),
		Rejected:  e.counters.rejected.Load(),
		Cancelled: e.counters.cancelled.Load(),
		Active:    e.states.active(),
		Breakers:  e.breakers.Snapshots(),
	}
	for _, b := range s.Breakers {
		if b.State == breaker.StateOpen {
			s.OpenCircuits++
		}
	}
	return s
}

func (e *Executor) finish(
	ctx context.Context,
	id domain.OperationID,
	start time.Time,
	failure *classify.Error,
	outcome string,
) {
	elapsed := time.Since(start)
	kind := id.Kind()
	metrics.RetryOutcomes.WithLabelValues(kind, outcome).Inc()
	metrics.OperationDuration.WithLabelValues(kind).Observe(elapsed.Seconds())

	if failure != nil {
		e.record(ctx, failure)
		e.log.Warn("Operation failed",
			"operation", id,
			"outcome", outcome,
			"error_type", failure.Type,
			"severity", failure.Severity,
			"error", failure.Message,
		)
	}
	if e.observer != nil {
		e.observer.RecordOutcome(id, elapsed, failure)
	}
}

func (e *Executor) record(ctx context.Context, err *classify.Error) {
	if e.observer != nil {
		e.observer.RecordError(ctx, err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
