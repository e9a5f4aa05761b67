package supabase

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/infra/storage"
	"github.com/vietddude/notifyguard/internal/reliability/classify"
)

// RealtimeConfig selects the table whose row changes are streamed.
type RealtimeConfig struct {
	Schema         string        `yaml:"schema"`
	Table          string        `yaml:"table"`
	ResourceColumn string        `yaml:"resource_column"`
	MemberColumn   string        `yaml:"member_column"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DefaultRealtimeConfig streams announcement_participants.
func DefaultRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		Schema:         "public",
		Table:          TableParticipants,
		ResourceColumn: "announcement_id",
		MemberColumn:   "participant_id",
		Heartbeat:      30 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// RealtimeFeed is a storage.ChangeFeed over the Supabase realtime (Phoenix) websocket.
type RealtimeFeed struct {
	wsURL  string
	cfg    RealtimeConfig
	dialer *websocket.Dialer
	log    *slog.Logger
}

// NewRealtimeFeed converts the project URL to the realtime websocket endpoint.
func NewRealtimeFeed(projectURL, apiKey string, cfg RealtimeConfig, log *slog.Logger) *RealtimeFeed {
	def := DefaultRealtimeConfig()
	if cfg.Schema == "" {
		cfg.Schema = def.Schema
	}
	if cfg.Table == "" {
		cfg.Table = def.Table
	}
	if cfg.ResourceColumn == "" {
		cfg.ResourceColumn = def.ResourceColumn
	}
	if cfg.MemberColumn == "" {
		cfg.MemberColumn = def.MemberColumn
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if log == nil {
		log = slog.Default()
	}

	wsURL := strings.TrimSuffix(projectURL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https"):
		wsURL = "wss" + wsURL[5:]
	case strings.HasPrefix(wsURL, "http"):
		wsURL = "ws" + wsURL[4:]
	}
	wsURL += "/realtime/v1/websocket?" + url.Values{"apikey": {apiKey}, "vsn": {"1.0.0"}}.Encode()

	return &RealtimeFeed{
		wsURL:  wsURL,
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    log.With("component", "realtime", "table", cfg.Table),
	}
}

// Topic is the Phoenix channel topic for the configured table.
func (f *RealtimeFeed) Topic() string {
	return "realtime:" + f.cfg.Schema + ":" + f.cfg.Table
}

// Subscribe dials once synchronously so an unreachable feed is reported to
// the caller; later disconnects are retried in the background.
func (f *RealtimeFeed) Subscribe(ctx context.Context, handle storage.ChangeHandler) (func(), error) {
	conn, err := f.connect(ctx)
	if err != nil {
		return nil, &classify.FeedFailure{Source: f.Topic(), Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.run(ctx, conn, handle)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

// session is one websocket connection with a serialised writer.
type session struct {
	conn *websocket.Conn
	wmu  sync.Mutex
	ref  int
}

func (s *session) send(topic, event string, payload any) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.ref++
	ref := strconv.Itoa(s.ref)
	return s.conn.WriteJSON(map[string]any{
		"topic":    topic,
		"event":    event,
		"payload":  payload,
		"ref":      ref,
		"join_ref": ref,
	})
}

func (f *RealtimeFeed) connect(ctx context.Context) (*session, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	s := &session{conn: conn}
	join := map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]any{
				{"event": "*", "schema": f.cfg.Schema, "table": f.cfg.Table},
			},
		},
	}
	if err := s.send(f.Topic(), "phx_join", join); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}
	return s, nil
}

func (f *RealtimeFeed) run(ctx context.Context, s *session, handle storage.ChangeHandler) {
	backoff := time.Second
	for {
		f.serve(ctx, s, handle)
		if ctx.Err() != nil {
			return
		}

		for {
			f.log.Warn("Realtime connection lost, reconnecting", "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			var err error
			s, err = f.connect(ctx)
			if err == nil {
				f.log.Info("Realtime reconnected")
				backoff = time.Second
				break
			}
			f.log.Warn("Realtime reconnect failed", "error", err)
			backoff = min(backoff*2, f.cfg.MaxBackoff)
		}
	}
}

// serve reads one connection until it fails or ctx ends.
func (f *RealtimeFeed) serve(ctx context.Context, s *session, handle storage.ChangeHandler) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(f.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = s.send(f.Topic(), "phx_leave", map[string]any{})
				s.wmu.Lock()
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				s.wmu.Unlock()
				_ = s.conn.Close()
				return
			case <-ticker.C:
				if err := s.send("phoenix", "heartbeat", map[string]any{}); err != nil {
					_ = s.conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				f.log.Debug("Realtime read failed", "error", err)
			}
			_ = s.conn.Close()
			return
		}
		change, ok, err := ParseRealtimeMessage(msg, f.cfg.ResourceColumn, f.cfg.MemberColumn)
		if err != nil {
			f.log.Warn("Dropping malformed realtime message", "error", err)
			continue
		}
		if ok {
			handle(change)
		}
	}
}

// ParseRealtimeMessage extracts a membership change from a realtime frame.
// Frames that are not row inserts or deletes return ok=false. Both the
// postgres_changes envelope (payload.data) and the legacy per-event envelope
// (payload.record / payload.old_record) are understood.
func ParseRealtimeMessage(msg []byte, resourceColumn, memberColumn string) (domain.MembershipChange, bool, error) {
	if !gjson.ValidBytes(msg) {
		return domain.MembershipChange{}, false, &classify.FormatFailure{What: "realtime frame", Err: fmt.Errorf("invalid json")}
	}
	frame := gjson.ParseBytes(msg)

	payload := frame.Get("payload")
	if frame.Get("event").String() == "postgres_changes" {
		payload = payload.Get("data")
	}

	typ := domain.ChangeType(strings.ToUpper(payload.Get("type").String()))
	var row gjson.Result
	switch typ {
	case domain.ChangeInsert:
		row = payload.Get("record")
	case domain.ChangeDelete:
		row = payload.Get("old_record")
	default:
		return domain.MembershipChange{}, false, nil
	}

	id := row.Get(resourceColumn).String()
	if id == "" {
		return domain.MembershipChange{}, false, &classify.ValidationFailure{Field: resourceColumn, Reason: "missing in realtime record", Missing: true}
	}

	at := time.Now()
	if ts := payload.Get("commit_timestamp").String(); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			at = t
		}
	}

	return domain.MembershipChange{
		ResourceID: domain.ResourceID(id),
		Type:       typ,
		MemberID:   row.Get(memberColumn).String(),
		At:         at,
	}, true, nil
}
