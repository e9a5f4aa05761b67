package capacity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/infra/storage"
	"github.com/vietddude/notifyguard/internal/metrics"
	"github.com/vietddude/notifyguard/internal/notify/dispatch"
	"github.com/vietddude/notifyguard/internal/reliability/classify"
	"github.com/vietddude/notifyguard/internal/reliability/retry"
)

// Trigger names the channel that asked for a recheck.
type Trigger string

const (
	TriggerEvent     Trigger = "event"
	TriggerPoll      Trigger = "poll"
	TriggerManual    Trigger = "manual"
	TriggerReconcile Trigger = "reconcile"
)

// Config controls the watcher.
type Config struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	RecheckTimeout  time.Duration `yaml:"recheck_timeout"`
	PollConcurrency int           `yaml:"poll_concurrency"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval:    30 * time.Second,
		RecheckTimeout:  10 * time.Second,
		PollConcurrency: 8,
	}
}

// Dispatcher hands a capacity notification to delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, t dispatch.Trigger) (dispatch.Outcome, error)
}

// Claimer is a cross-process claim on a resource, taken after the local one.
// Claim returns false when another process already holds it.
type Claimer interface {
	Claim(ctx context.Context, id domain.ResourceID) (bool, error)
}

type entry struct {
	mu     sync.Mutex
	status domain.ResourceStatus
}

// Watcher detects resources reaching capacity and emits at most one
// capacity notification per resource, across both channels and restarts.
type Watcher struct {
	cfg           Config
	exec          *retry.Executor
	classifier    *classify.Classifier
	notifications storage.NotificationRepository
	resources     storage.ResourceRepository
	feed          storage.ChangeFeed
	dispatcher    Dispatcher
	claimer       Claimer
	observer      retry.Observer
	now           func() time.Time
	log           *slog.Logger

	entries sync.Map // domain.ResourceID -> *entry
	deduped sync.Map // domain.ResourceID -> struct{}, never shrinks
	pending sync.Map // domain.ResourceID -> struct{}, claimed without a confirmed record

	mu          sync.Mutex
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithClaimer adds a distributed claim after the in-memory one.
func WithClaimer(c Claimer) Option {
	return func(w *Watcher) { w.claimer = c }
}

// WithObserver receives classified failures that happen outside the executor.
func WithObserver(o retry.Observer) Option {
	return func(w *Watcher) { w.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(w *Watcher) { w.log = log }
}

// NewWatcher creates a watcher. feed may be nil, in which case only the poller runs.
func NewWatcher(
	cfg Config,
	exec *retry.Executor,
	store storage.Store,
	dispatcher Dispatcher,
	opts ...Option,
) *Watcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RecheckTimeout <= 0 {
		cfg.RecheckTimeout = def.RecheckTimeout
	}
	if cfg.PollConcurrency <= 0 {
		cfg.PollConcurrency = def.PollConcurrency
	}

	w := &Watcher{
		cfg:           cfg,
		exec:          exec,
		classifier:    exec.Classifier(),
		notifications: store.Notifications,
		resources:     store.Resources,
		feed:          store.Feed,
		dispatcher:    dispatcher,
		now:           time.Now,
		log:           slog.Default().With("component", "capacity"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start hydrates the dedup set from the durable store, loads open resources,
// subscribes to the change feed and starts the poller. A hydration failure is
// returned; a feed failure only leaves the poller in charge.
func (w *Watcher) Start(ctx context.Context) error {
	hydrated := retry.Do(ctx, w.exec, domain.OpHydrateDedup,
		func(ctx context.Context) ([]domain.ResourceID, error) {
			return w.notifications.ListResourceIDsByType(ctx, domain.NotificationTypeCapacityReached)
		})
	if !hydrated.OK() {
		return fmt.Errorf("hydrate dedup set: %w", hydrated.Failure)
	}
	for _, id := range hydrated.Value {
		w.deduped.Store(id, struct{}{})
		e := w.entry(id)
		e.mu.Lock()
		e.status = domain.ResourceStatusFull
		e.mu.Unlock()
	}

	tracked, err := w.loadOpen(ctx)
	if err != nil {
		w.log.Warn("Failed to load open resources", "error", err)
	}

	w.log.Info("Capacity watcher hydrated",
		"deduped", len(hydrated.Value),
		"tracked", tracked,
	)

	runCtx, cancel := context.WithCancel(ctx)

	var unsubscribe func()
	if w.feed != nil {
		unsub, err := w.feed.Subscribe(runCtx, w.onChange)
		if err != nil {
			failure := w.classifier.Classify(err, domain.OpSubscribeFeed, nil)
			w.record(ctx, failure)
			w.log.Warn("Change feed unavailable, relying on poller",
				"error_type", failure.Type,
				"error", failure.Message,
			)
		} else {
			unsubscribe = unsub
		}
	}

	w.mu.Lock()
	w.ctx = runCtx
	w.cancel = cancel
	w.unsubscribe = unsubscribe
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		w.runPoller(runCtx)
	}()
	return nil
}

// Close unsubscribes the feed, stops the poller, waits for in-flight
// rechecks and releases the status map. The dedup set is kept.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	cancel, unsubscribe := w.cancel, w.unsubscribe
	w.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
	w.entries.Clear()
	metrics.TrackedResources.Reset()
}

func (w *Watcher) onChange(change domain.MembershipChange) {
	w.mu.Lock()
	if w.closed || w.ctx == nil {
		w.mu.Unlock()
		return
	}
	ctx := w.ctx
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		w.Track(change.ResourceID)
		if err := w.Recheck(ctx, change.ResourceID, TriggerEvent); err != nil {
			w.log.Debug("Event recheck failed", "resource", change.ResourceID, "error", err)
		}
	}()
}

func (w *Watcher) runPoller(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll refreshes the tracked set from the store and rechecks every tracked
// resource that is still active and not deduped. Rechecks run concurrently up
// to PollConcurrency; Poll returns when all of them finished.
func (w *Watcher) Poll(ctx context.Context) {
	if _, err := w.loadOpen(ctx); err != nil {
		w.log.Warn("Failed to refresh open resources, polling tracked set", "error", err)
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.PollConcurrency)
	for _, id := range w.pollable() {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := w.Recheck(ctx, id, TriggerPoll); err != nil {
				w.log.Debug("Poll recheck failed", "resource", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	w.updateGauge()
}

// loadOpen tracks every open resource in the store, full or not. Resources
// that filled while no event reached the watcher are found this way.
func (w *Watcher) loadOpen(ctx context.Context) (int, error) {
	open := retry.Do(ctx, w.exec, domain.OpLoadResources, w.resources.ListOpen)
	if !open.OK() {
		return 0, open.Err()
	}
	for _, id := range open.Value {
		w.Track(id)
	}
	return len(open.Value), nil
}

// Recheck is the single decision rule behind both channels. When the resource
// is at capacity and not yet deduped, it is marked full and deduped before any
// I/O and then handed to the dispatcher. A failed dispatch keeps the mark.
func (w *Watcher) Recheck(ctx context.Context, id domain.ResourceID, trigger Trigger) error {
	metrics.CapacityRechecks.WithLabelValues(string(trigger)).Inc()

	if w.Deduped(id) {
		return nil
	}
	e := w.entry(id)
	e.mu.Lock()
	status := e.status
	e.mu.Unlock()
	if status != domain.ResourceStatusActive {
		return nil
	}

	readCtx, cancel := context.WithTimeout(ctx, w.cfg.RecheckTimeout)
	snap, err := w.resources.Snapshot(readCtx, id)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			w.entries.Delete(id)
			return nil
		}
		failure := w.classifier.Classify(err, domain.RecheckOperation(id), map[string]any{"trigger": string(trigger)})
		w.record(ctx, failure)
		return failure
	}

	if !w.claim(e, id, snap) {
		return nil
	}
	metrics.CapacityReached.Inc()
	w.log.Info("Capacity reached",
		"resource", id,
		"count", snap.Count,
		"capacity", snap.Capacity,
		"trigger", trigger,
	)

	if w.claimer != nil {
		owned, err := w.claimer.Claim(ctx, id)
		switch {
		case err != nil:
			w.log.Warn("Distributed claim unavailable, continuing with local claim", "resource", id, "error", err)
		case !owned:
			w.log.Info("Capacity notification claimed by another instance", "resource", id)
			return nil
		}
	}

	return w.deliver(ctx, snap)
}

// claim applies the threshold rule under the entry lock and takes the local claim.
func (w *Watcher) claim(e *entry, id domain.ResourceID, snap *domain.ResourceSnapshot) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != domain.ResourceStatusActive {
		return false
	}
	if snap.Expired(w.now()) {
		e.status = domain.ResourceStatusExpired
		return false
	}
	if !snap.Full() {
		return false
	}
	if _, loaded := w.deduped.LoadOrStore(id, struct{}{}); loaded {
		e.status = domain.ResourceStatusFull
		return false
	}
	e.status = domain.ResourceStatusFull
	w.pending.Store(id, struct{}{})
	return true
}

func (w *Watcher) deliver(ctx context.Context, snap *domain.ResourceSnapshot) error {
	out, err := w.dispatcher.Dispatch(ctx, dispatch.CapacityTrigger(snap))
	if out.Record != nil || out.Duplicate {
		w.pending.Delete(snap.ID)
	}
	if err != nil {
		w.log.Error("Capacity notification failed",
			"resource", snap.ID,
			"recorded", out.Record != nil,
			"error", err,
		)
		return err
	}
	return nil
}

// Reconcile re-dispatches resources whose claim was taken but whose durable
// record was never confirmed. It returns the number of dispatches attempted.
func (w *Watcher) Reconcile(ctx context.Context) (int, error) {
	ids := w.Pending()
	attempted := 0
	var errs []error

	for _, id := range ids {
		metrics.CapacityRechecks.WithLabelValues(string(TriggerReconcile)).Inc()

		exists := retry.Do(ctx, w.exec, domain.OpReconcile, func(ctx context.Context) (bool, error) {
			return w.notifications.ExistsForResource(ctx, id, domain.NotificationTypeCapacityReached)
		})
		if !exists.OK() {
			errs = append(errs, exists.Err())
			continue
		}
		if exists.Value {
			w.pending.Delete(id)
			continue
		}

		snap, err := w.resources.Snapshot(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				w.pending.Delete(id)
				continue
			}
			errs = append(errs, w.classifier.Classify(err, domain.RecheckOperation(id), nil))
			continue
		}
		attempted++
		if err := w.deliver(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}

	if attempted > 0 {
		w.log.Info("Reconciled capacity notifications", "attempted", attempted, "pending", len(w.Pending()))
	}
	return attempted, errors.Join(errs...)
}

// Track starts monitoring id. Known resources keep their status.
func (w *Watcher) Track(id domain.ResourceID) {
	w.entry(id)
}

// Status returns the status of a tracked resource.
func (w *Watcher) Status(id domain.ResourceID) (domain.ResourceStatus, bool) {
	v, ok := w.entries.Load(id)
	if !ok {
		return "", false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, true
}

// Deduped reports whether a capacity notification was already claimed for id.
func (w *Watcher) Deduped(id domain.ResourceID) bool {
	_, ok := w.deduped.Load(id)
	return ok
}

// Pending returns claimed resources without a confirmed record, sorted.
func (w *Watcher) Pending() []domain.ResourceID {
	var ids []domain.ResourceID
	w.pending.Range(func(k, _ any) bool {
		ids = append(ids, k.(domain.ResourceID))
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Counts returns the number of tracked resources per status.
func (w *Watcher) Counts() map[domain.ResourceStatus]int {
	counts := map[domain.ResourceStatus]int{
		domain.ResourceStatusActive:  0,
		domain.ResourceStatusFull:    0,
		domain.ResourceStatusExpired: 0,
	}
	w.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		counts[e.status]++
		e.mu.Unlock()
		return true
	})
	return counts
}

func (w *Watcher) entry(id domain.ResourceID) *entry {
	if v, ok := w.entries.Load(id); ok {
		return v.(*entry)
	}
	status := domain.ResourceStatusActive
	if w.Deduped(id) {
		status = domain.ResourceStatusFull
	}
	v, _ := w.entries.LoadOrStore(id, &entry{status: status})
	return v.(*entry)
}

func (w *Watcher) pollable() []domain.ResourceID {
	var ids []domain.ResourceID
	w.entries.Range(func(k, v any) bool {
		id := k.(domain.ResourceID)
		if w.Deduped(id) {
			return true
		}
		e := v.(*entry)
		e.mu.Lock()
		active := e.status == domain.ResourceStatusActive
		e.mu.Unlock()
		if active {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

func (w *Watcher) updateGauge() {
	for status, n := range w.Counts() {
		metrics.TrackedResources.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (w *Watcher) record(ctx context.Context, err *classify.Error) {
	if w.observer != nil {
		w.observer.RecordError(ctx, err)
	}
}
