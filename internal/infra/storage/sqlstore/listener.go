package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/tidwall/gjson"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/infra/storage"
	"github.com/vietddude/notifyguard/internal/reliability/classify"
)

// MembershipChannel is the LISTEN channel the participants trigger notifies.
const MembershipChannel = "membership_changes"

// ListenerFeed is a postgres LISTEN/NOTIFY change feed.
type ListenerFeed struct {
	url     string
	channel string
	log     *slog.Logger

	minReconnect time.Duration
	maxReconnect time.Duration
	pingEvery    time.Duration
}

// NewListenerFeed creates a feed listening on MembershipChannel at url.
func NewListenerFeed(url string, log *slog.Logger) *ListenerFeed {
	if log == nil {
		log = slog.Default()
	}
	return &ListenerFeed{
		url:          url,
		channel:      MembershipChannel,
		log:          log.With("component", "pg_listener"),
		minReconnect: time.Second,
		maxReconnect: time.Minute,
		pingEvery:    90 * time.Second,
	}
}

// Subscribe implements storage.ChangeFeed.
func (f *ListenerFeed) Subscribe(ctx context.Context, handle storage.ChangeHandler) (func(), error) {
	l := pq.NewListener(f.url, f.minReconnect, f.maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			f.log.Warn("Listener disconnected", "error", err)
		case pq.ListenerEventReconnected:
			f.log.Info("Listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			f.log.Warn("Listener connection attempt failed", "error", err)
		}
	})
	if err := l.Listen(f.channel); err != nil {
		_ = l.Close()
		return nil, &classify.FeedFailure{Source: "postgres:" + f.channel, Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.loop(ctx, l, handle)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			if err := l.Close(); err != nil {
				f.log.Debug("Listener close failed", "error", err)
			}
		})
	}, nil
}

func (f *ListenerFeed) loop(ctx context.Context, l *pq.Listener, handle storage.ChangeHandler) {
	ticker := time.NewTicker(f.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-l.Notify:
			// nil after a reconnect; the poller covers anything missed meanwhile.
			if n == nil {
				continue
			}
			change, err := ParseMembershipPayload(n.Extra)
			if err != nil {
				f.log.Warn("Dropping malformed membership change", "error", err)
				continue
			}
			handle(change)
		case <-ticker.C:
			if err := l.Ping(); err != nil {
				f.log.Warn("Listener ping failed", "error", err)
			}
		}
	}
}

// ParseMembershipPayload decodes the trigger payload
// {"resource_id": ..., "member_id": ..., "change": "INSERT"|"DELETE"}.
func ParseMembershipPayload(payload string) (domain.MembershipChange, error) {
	if !gjson.Valid(payload) {
		return domain.MembershipChange{}, &classify.FormatFailure{What: "membership payload", Err: fmt.Errorf("invalid json: %q", payload)}
	}
	res := gjson.GetMany(payload, "resource_id", "member_id", "change")
	if res[0].String() == "" {
		return domain.MembershipChange{}, &classify.ValidationFailure{Field: "resource_id", Reason: "missing in membership payload", Missing: true}
	}

	change := domain.MembershipChange{
		ResourceID: domain.ResourceID(res[0].String()),
		MemberID:   res[1].String(),
		Type:       domain.ChangeType(strings.ToUpper(res[2].String())),
		At:         time.Now(),
	}
	switch change.Type {
	case domain.ChangeInsert, domain.ChangeDelete:
	default:
		return domain.MembershipChange{}, &classify.ValidationFailure{Field: "change", Reason: fmt.Sprintf("unsupported change %q", res[2].String())}
	}
	return change, nil
}
