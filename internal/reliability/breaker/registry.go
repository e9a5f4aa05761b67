package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/metrics"
)

// Registry holds one breaker per operation id for the process lifetime.
// Breakers are created lazily; each has its own lock.
type Registry struct {
	cfg      Config
	now      func() time.Time
	breakers sync.Map // domain.OperationID -> *Breaker
	log      *slog.Logger
	onChange func(Transition)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// OnStateChange registers a hook called after every transition, outside the breaker lock.
func OnStateChange(fn func(Transition)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// NewRegistry creates a registry. Zero thresholds fall back to DefaultConfig.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}

	r := &Registry{
		cfg: cfg,
		now: time.Now,
		log: slog.Default().With("component", "breaker"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for id, creating it on first use.
func (r *Registry) Get(id domain.OperationID) *Breaker {
	if b, ok := r.breakers.Load(id); ok {
		return b.(*Breaker)
	}
	b, _ := r.breakers.LoadOrStore(id, newBreaker(id, r.cfg, r.now, r.handle))
	return b.(*Breaker)
}

// Snapshots returns every breaker's state ordered by operation id.
func (r *Registry) Snapshots() []Snapshot {
	var out []Snapshot
	r.breakers.Range(func(_, v any) bool {
		out = append(out, v.(*Breaker).Snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// Open returns the ids of breakers currently open.
func (r *Registry) Open() []domain.OperationID {
	var ids []domain.OperationID
	for _, s := range r.Snapshots() {
		if s.State == StateOpen {
			ids = append(ids, s.Operation)
		}
	}
	return ids
}

func (r *Registry) handle(tr Transition) {
	kind := tr.Operation.Kind()
	metrics.BreakerTransitions.WithLabelValues(kind, string(tr.To)).Inc()

	if tr.To == StateOpen {
		r.log.Warn("Circuit opened", "operation", tr.Operation, "from", tr.From)
	} else {
		r.log.Info("Circuit state changed", "operation", tr.Operation, "from", tr.From, "to", tr.To)
	}

	if r.onChange != nil {
		r.onChange(tr)
	}
}
