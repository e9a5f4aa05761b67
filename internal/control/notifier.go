package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/vietddude/notifyguard/internal/core/config"
	"github.com/vietddude/notifyguard/internal/core/worker"
	"github.com/vietddude/notifyguard/internal/infra/push"
	redisclient "github.com/vietddude/notifyguard/internal/infra/redis"
	"github.com/vietddude/notifyguard/internal/infra/storage"
	"github.com/vietddude/notifyguard/internal/infra/storage/memory"
	"github.com/vietddude/notifyguard/internal/infra/storage/sqlstore"
	"github.com/vietddude/notifyguard/internal/infra/supabase"
	"github.com/vietddude/notifyguard/internal/notify/capacity"
	"github.com/vietddude/notifyguard/internal/notify/dispatch"
	"github.com/vietddude/notifyguard/internal/reliability/breaker"
	"github.com/vietddude/notifyguard/internal/reliability/classify"
	"github.com/vietddude/notifyguard/internal/reliability/health"
	"github.com/vietddude/notifyguard/internal/reliability/retry"
)

// Notifier owns every component of the daemon. It is built once at process
// start and passed to whoever needs the dispatcher or the watcher.
type Notifier struct {
	cfg          *config.AppConfig
	store        storage.Store
	mem          *memory.MemoryStorage
	db           *sqlstore.DB
	redisClient  *redisclient.Client
	monitor      *health.Monitor
	healthServer *health.Server
	executor     *retry.Executor
	dispatcher   *dispatch.Dispatcher
	watcher      *capacity.Watcher
	pruner       *worker.Pruner
	scheduler    *cron.Cron
	log          *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotifier creates a Notifier with all dependencies initialized.
func NewNotifier(ctx context.Context, cfg *config.AppConfig) (*Notifier, error) {
	n := &Notifier{
		cfg: cfg,
		log: slog.Default().With("component", "notifier"),
	}

	// 1. Redis (optional): distributed claims and escalation stream
	if cfg.Redis.Enabled {
		client, err := redisclient.NewClient(cfg.Redis.Config)
		if err != nil {
			n.log.Warn("Failed to connect to Redis, distributed claims disabled", "error", err)
		} else {
			n.redisClient = client
		}
	}

	// 2. Health monitor
	var tracker health.Tracker = health.NewLogTracker(nil)
	if n.redisClient != nil && cfg.Redis.EscalationStream {
		tracker = health.MultiTracker{
			tracker,
			redisclient.NewEscalationStream(n.redisClient, cfg.Redis.StreamMaxLen),
		}
	}
	n.monitor = health.NewMonitor(cfg.Health, health.WithTracker(tracker))

	// 3. Retry executor guarded by the breaker registry
	breakers := breaker.NewRegistry(cfg.Breaker)
	n.executor = retry.NewExecutor(cfg.Retry, classify.New(), breakers, retry.WithObserver(n.monitor))
	n.monitor.SetRetrySource(n.executor)

	// 4. Storage
	if err := n.initStore(ctx); err != nil {
		n.closeClients()
		return nil, err
	}
	if !cfg.ChangeFeed.Enabled {
		n.store.Feed = nil
	}

	// 5. Push gateway and dispatcher
	gateway, err := newGateway(ctx, cfg.Push)
	if err != nil {
		n.closeClients()
		return nil, err
	}
	n.dispatcher = dispatch.New(cfg.Push.Dispatch, n.executor, n.store.Notifications, n.store.Endpoints, gateway)

	// 6. Capacity watcher
	opts := []capacity.Option{capacity.WithObserver(n.monitor)}
	if n.redisClient != nil {
		opts = append(opts, capacity.WithClaimer(redisclient.NewClaimStore(n.redisClient, cfg.Redis.ClaimTTL)))
	}
	n.watcher = capacity.NewWatcher(cfg.Capacity, n.executor, n.store, n.dispatcher, opts...)

	// 7. Background jobs
	n.pruner = worker.NewPruner(cfg.Retention, n.store.Notifications)
	if cfg.Reconcile.Enabled {
		n.scheduler = cron.New()
	}

	n.healthServer = health.NewServer(n.monitor, cfg.Server.Port)
	return n, nil
}

func (n *Notifier) initStore(ctx context.Context) error {
	cfg := n.cfg
	switch cfg.Store.Backend {
	case config.BackendSQL:
		db, err := sqlstore.NewDB(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return err
		}
		n.db = db
		n.store = sqlstore.NewStore(db, cfg.Database.URL, nil)
		n.log.Info("Using SQL storage", "driver", db.Driver())

	case config.BackendSupabase:
		client, err := supabase.New(cfg.Supabase, nil)
		if err != nil {
			return fmt.Errorf("failed to init supabase: %w", err)
		}
		var feed *supabase.RealtimeFeed
		if cfg.ChangeFeed.Enabled {
			feed = supabase.NewRealtimeFeed(cfg.Supabase.URL, cfg.Supabase.APIKey, cfg.ChangeFeed.Realtime, nil)
		}
		n.store = supabase.NewStore(client, feed)
		n.log.Info("Using Supabase storage", "url", cfg.Supabase.URL)

	default:
		n.mem = memory.NewMemoryStorage()
		n.store = n.mem.Store()
		n.log.Info("Using Memory storage")
	}
	return nil
}

func newGateway(ctx context.Context, cfg config.PushConfig) (dispatch.Gateway, error) {
	if cfg.Provider == config.ProviderFCM {
		gw, err := push.NewFCMGateway(ctx, cfg.FCM, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to init fcm: %w", err)
		}
		return gw, nil
	}
	return push.NewLogGateway(nil, cfg.Invalid...), nil
}

// Start starts the notifier and all its components.
func (n *Notifier) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	// Start Health Server
	go func() {
		if err := n.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error("Health server failed", "error", err)
		}
	}()

	// Start DB Metrics Collector
	if n.db != nil {
		n.db.StartMetricsCollector(ctx)
	}

	if err := n.watcher.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start capacity watcher: %w", err)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.pruner.Start(ctx)
	}()

	if n.scheduler != nil {
		_, err := n.scheduler.AddFunc(n.cfg.Reconcile.Schedule, func() {
			attempted, err := n.watcher.Reconcile(ctx)
			if err != nil {
				n.log.Warn("Reconcile finished with errors", "attempted", attempted, "error", err)
			}
		})
		if err != nil {
			cancel()
			n.watcher.Close()
			return fmt.Errorf("invalid reconcile schedule: %w", err)
		}
		n.scheduler.Start()
		n.log.Info("Reconcile job scheduled", "schedule", n.cfg.Reconcile.Schedule)
	}

	n.log.Info("Notifier started",
		"store", n.cfg.Store.Backend,
		"push", n.cfg.Push.Provider,
		"port", n.cfg.Server.Port,
		"change_feed", n.store.Feed != nil,
	)
	return nil
}

// Stop gracefully stops all components.
func (n *Notifier) Stop(ctx context.Context) error {
	n.log.Info("Stopping notifier...")

	if n.scheduler != nil {
		select {
		case <-n.scheduler.Stop().Done():
		case <-ctx.Done():
		}
	}
	n.watcher.Close()
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	var stopErr error
	if err := n.healthServer.Stop(ctx); err != nil {
		n.log.Error("Failed to stop health server", "error", err)
		stopErr = err
	}
	n.closeClients()

	n.log.Info("Notifier stopped")
	return stopErr
}

func (n *Notifier) closeClients() {
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			n.log.Error("Failed to close database", "error", err)
		}
	}
	if n.redisClient != nil {
		if err := n.redisClient.Close(); err != nil {
			n.log.Error("Failed to close redis", "error", err)
		}
	}
}

// Dispatcher returns the notification dispatcher for other domain triggers.
func (n *Notifier) Dispatcher() *dispatch.Dispatcher { return n.dispatcher }

// Watcher returns the capacity watcher.
func (n *Notifier) Watcher() *capacity.Watcher { return n.watcher }

// Monitor returns the health monitor.
func (n *Notifier) Monitor() *health.Monitor { return n.monitor }

// Store returns the repositories in use.
func (n *Notifier) Store() storage.Store { return n.store }

// MemoryStore returns the in-process backend, or nil for other backends.
func (n *Notifier) MemoryStore() *memory.MemoryStorage { return n.mem }

// Pruner returns the retention worker.
func (n *Notifier) Pruner() *worker.Pruner { return n.pruner }

// Close releases clients of a notifier that was never started.
func (n *Notifier) Close() {
	n.watcher.Close()
	n.closeClients()
}
