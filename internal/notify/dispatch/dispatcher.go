package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/infra/storage"
	"github.com/vietddude/notifyguard/internal/metrics"
	"github.com/vietddude/notifyguard/internal/reliability/classify"
	"github.com/vietddude/notifyguard/internal/reliability/retry"
)

// Gateway delivers one message to one push token.
type Gateway interface {
	Send(ctx context.Context, msg domain.PushMessage) error
}

// Config controls push fan-out.
type Config struct {
	Concurrency   int           `yaml:"concurrency"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	// PushRetries overrides the executor budget for endpoint sends; 0 keeps it.
	PushRetries int `yaml:"push_retries"`
}

func DefaultConfig() Config {
	return Config{
		Concurrency:   4,
		RatePerSecond: 50,
		Burst:         10,
		SendTimeout:   10 * time.Second,
	}
}

// Trigger is a domain event that should reach a recipient.
type Trigger struct {
	RecipientID    string
	ResourceID     domain.ResourceID
	Title          string
	Body           string
	Type           string
	Category       string
	Data           map[string]any
	RequiresAction bool
}

// EndpointFailure is a failed send to one endpoint.
type EndpointFailure struct {
	EndpointID string
	Failure    *classify.Error
}

// Outcome reports what a dispatch did. Record is set whenever the durable
// write succeeded, even when every push failed.
type Outcome struct {
	Record    *domain.NotificationRecord
	Duplicate bool
	Delivered int
	Failed    []EndpointFailure
}

// Dispatcher persists a notification and then pushes it to every endpoint of
// the recipient. Push failures never roll back the record.
type Dispatcher struct {
	cfg           Config
	exec          *retry.Executor
	classifier    *classify.Classifier
	notifications storage.NotificationRepository
	endpoints     storage.EndpointRepository
	gateway       Gateway
	limiter       *rate.Limiter
	now           func() time.Time
	log           *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher. Sends are paced by a token bucket shared by every dispatch.
func New(
	cfg Config,
	exec *retry.Executor,
	notifications storage.NotificationRepository,
	endpoints storage.EndpointRepository,
	gateway Gateway,
	opts ...Option,
) *Dispatcher {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	d := &Dispatcher{
		cfg:           cfg,
		exec:          exec,
		classifier:    exec.Classifier(),
		notifications: notifications,
		endpoints:     endpoints,
		gateway:       gateway,
		limiter:       rate.NewLimiter(limit, cfg.Burst),
		now:           time.Now,
		log:           slog.Default().With("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch writes the record first and then fans out pushes.
//
// A record rejected as a duplicate yields Outcome.Duplicate with no push and no
// error. An error is returned when the trigger is invalid, when the record
// could not be persisted, or when every endpoint failed (pushNotificationError).
// Partial fan-out is a success.
func (d *Dispatcher) Dispatch(ctx context.Context, t Trigger) (Outcome, error) {
	if err := validate(t); err != nil {
		failure := d.classifier.Classify(err, domain.OpPersistNotification, map[string]any{"type": t.Type})
		metrics.Dispatches.WithLabelValues(t.Type, "invalid").Inc()
		return Outcome{}, failure
	}

	now := d.now()
	rec := &domain.NotificationRecord{
		ID:             uuid.NewString(),
		RecipientID:    t.RecipientID,
		ResourceID:     t.ResourceID,
		Title:          t.Title,
		Body:           t.Body,
		Type:           t.Type,
		Category:       t.Category,
		Data:           t.Data,
		RequiresAction: t.RequiresAction,
		SentAt:         now,
		CreatedAt:      now,
	}

	// The id is fixed before the first attempt so a retried insert that
	// already landed is recognised as this dispatch's own row.
	persistOp := domain.PersistOperation(rec.ID)
	persisted := retry.Do(ctx, d.exec, persistOp,
		func(ctx context.Context) (*domain.NotificationRecord, error) {
			return rec, d.notifications.Create(ctx, rec)
		}, retry.WithBreaker(domain.OpPersistNotification))
	if !persisted.OK() && persisted.Failure.Type == classify.DuplicateRecord {
		persisted = d.ownRecord(ctx, persistOp, rec, persisted)
	}
	if !persisted.OK() {
		if persisted.Failure.Type == classify.DuplicateRecord {
			d.log.Info("Notification already recorded",
				"type", t.Type,
				"resource", t.ResourceID,
				"recipient", t.RecipientID,
			)
			metrics.Dispatches.WithLabelValues(t.Type, "duplicate").Inc()
			return Outcome{Duplicate: true}, nil
		}
		metrics.Dispatches.WithLabelValues(t.Type, "not_persisted").Inc()
		return Outcome{}, persisted.Failure
	}

	out := Outcome{Record: persisted.Value}

	endpoints, err := d.endpoints.ListByRecipient(ctx, t.RecipientID)
	if err != nil {
		failure := d.classifier.Classify(err, domain.OpPersistNotification, map[string]any{
			"recipient": t.RecipientID,
			"step":      "list_endpoints",
		})
		d.log.Warn("Failed to list push endpoints",
			"recipient", t.RecipientID,
			"error_type", failure.Type,
			"error", failure.Message,
		)
		metrics.Dispatches.WithLabelValues(t.Type, "failed").Inc()
		return out, d.allFailed(rec, 0, failure)
	}
	if len(endpoints) == 0 {
		d.log.Debug("Recipient has no push endpoints", "recipient", t.RecipientID)
		metrics.Dispatches.WithLabelValues(t.Type, "delivered").Inc()
		return out, nil
	}

	out.Delivered, out.Failed = d.fanOut(ctx, rec, endpoints)

	switch {
	case out.Delivered == 0:
		metrics.Dispatches.WithLabelValues(t.Type, "failed").Inc()
		return out, d.allFailed(rec, len(endpoints), out.Failed[0].Failure)
	case len(out.Failed) > 0:
		metrics.Dispatches.WithLabelValues(t.Type, "partial").Inc()
	default:
		metrics.Dispatches.WithLabelValues(t.Type, "delivered").Inc()
	}
	return out, nil
}

// ownRecord resolves a duplicate rejection. When the stored row carries rec's
// id, an earlier attempt of this dispatch landed and the push must still go
// out; otherwise the duplicate result is returned unchanged.
func (d *Dispatcher) ownRecord(
	ctx context.Context,
	op domain.OperationID,
	rec *domain.NotificationRecord,
	dup retry.Result[*domain.NotificationRecord],
) retry.Result[*domain.NotificationRecord] {
	stored := retry.Do(ctx, d.exec, op,
		func(ctx context.Context) (*domain.NotificationRecord, error) {
			return d.notifications.Get(ctx, rec.ID)
		}, retry.WithBreaker(domain.OpPersistNotification))
	switch {
	case stored.OK() && stored.Value.ID == rec.ID:
		d.log.Debug("Retried insert had already landed", "notification", rec.ID)
		return retry.Result[*domain.NotificationRecord]{Value: stored.Value, Attempts: dup.Attempts}
	case stored.OK() || stored.Failure.Type == classify.RecordNotFound:
		return dup
	default:
		return stored
	}
}

func (d *Dispatcher) fanOut(
	ctx context.Context,
	rec *domain.NotificationRecord,
	endpoints []domain.Endpoint,
) (int, []EndpointFailure) {
	msg := domain.PushMessage{
		Title: rec.Title,
		Body:  rec.Body,
		Data:  pushData(rec),
	}

	var opts []retry.Option
	if d.cfg.PushRetries != 0 {
		opts = append(opts, retry.WithMaxRetries(d.cfg.PushRetries))
	}

	var (
		mu        sync.Mutex
		delivered int
		failed    []EndpointFailure
	)

	// One endpoint failing never cancels its siblings, so the group carries no shared ctx.
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)

	for _, ep := range endpoints {
		g.Go(func() error {
			op := domain.PushOperation(ep.ID)
			res := d.exec.Run(ctx, op, func(ctx context.Context) error {
				if err := d.limiter.Wait(ctx); err != nil {
					return err
				}
				if d.cfg.SendTimeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
					defer cancel()
				}
				m := msg
				m.Token = ep.Token
				return d.gateway.Send(ctx, m)
			}, opts...)

			if res.OK() {
				mu.Lock()
				delivered++
				mu.Unlock()
				metrics.PushDeliveries.WithLabelValues("delivered").Inc()
				return nil
			}

			mu.Lock()
			failed = append(failed, EndpointFailure{EndpointID: ep.ID, Failure: res.Failure})
			mu.Unlock()
			metrics.PushDeliveries.WithLabelValues(string(res.Failure.Type)).Inc()
			d.log.Warn("Push delivery failed",
				"recipient", rec.RecipientID,
				"endpoint", ep.ID,
				"error_type", res.Failure.Type,
				"error", res.Failure.Message,
			)
			if res.Failure.Type == classify.InvalidPushToken {
				d.dropEndpoint(ctx, ep)
			}
			return nil
		})
	}
	_ = g.Wait()

	return delivered, failed
}

func (d *Dispatcher) dropEndpoint(ctx context.Context, ep domain.Endpoint) {
	if err := d.endpoints.Remove(context.WithoutCancel(ctx), ep.Token); err != nil {
		d.log.Warn("Failed to remove invalid push endpoint", "endpoint", ep.ID, "error", err)
		return
	}
	d.log.Info("Removed invalid push endpoint", "endpoint", ep.ID, "recipient", ep.RecipientID)
}

func (d *Dispatcher) allFailed(rec *domain.NotificationRecord, endpoints int, last *classify.Error) *classify.Error {
	err := d.classifier.Make(
		classify.PushNotificationError,
		fmt.Sprintf("push failed for all %d endpoints of %s", endpoints, rec.RecipientID),
		last.OperationID,
		map[string]any{
			"notification_id": rec.ID,
			"recipient":       rec.RecipientID,
			"last_error":      string(last.Type),
		},
	)
	return err.WithSeverity(classify.SeverityHigh)
}

// CapacityTrigger builds the organizer notification for a full resource.
func CapacityTrigger(snap *domain.ResourceSnapshot) Trigger {
	title := strings.TrimSpace(snap.Title)
	if title == "" {
		title = "Your announcement"
	}
	return Trigger{
		RecipientID: snap.OwnerID,
		ResourceID:  snap.ID,
		Title:       "Announcement is full",
		Body:        fmt.Sprintf("%s reached %d of %d participants.", title, snap.Count, snap.Capacity),
		Type:        domain.NotificationTypeCapacityReached,
		Category:    domain.CategoryAnnouncement,
		Data: map[string]any{
			"announcement_id": string(snap.ID),
			"count":           snap.Count,
			"capacity":        snap.Capacity,
		},
	}
}

func validate(t Trigger) error {
	switch {
	case t.RecipientID == "":
		return &classify.ValidationFailure{Field: "recipient_id", Missing: true}
	case t.Type == "":
		return &classify.ValidationFailure{Field: "type", Missing: true}
	case strings.TrimSpace(t.Title) == "":
		return &classify.ValidationFailure{Field: "title", Missing: true}
	case t.Type == domain.NotificationTypeCapacityReached && t.ResourceID == "":
		return &classify.ValidationFailure{Field: "resource_id", Reason: "capacity notifications need a resource"}
	}
	return nil
}

// pushData flattens record data into the string map push providers accept.
func pushData(rec *domain.NotificationRecord) map[string]string {
	data := map[string]string{
		"notification_id": rec.ID,
		"type":            rec.Type,
	}
	if rec.Category != "" {
		data["category"] = rec.Category
	}
	if rec.ResourceID != "" {
		data["resource_id"] = string(rec.ResourceID)
	}
	for k, v := range rec.Data {
		if _, ok := data[k]; ok {
			continue
		}
		data[k] = fmt.Sprint(v)
	}
	return data
}
