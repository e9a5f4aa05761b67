package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/reliability/classify"
)

// =============================================================================
// Helpers
// =============================================================================

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string][]string
	Header http.Header
	Body   []byte
}

type fakePostgREST struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{r.Method, r.URL.Path, r.URL.Query(), r.Header.Clone(), body})
	f.mu.Unlock()
	f.handler(w, r)
}

func (f *fakePostgREST) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *fakePostgREST) {
	t.Helper()
	fake := &fakePostgREST{handler: handler}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c, err := New(Config{URL: srv.URL, APIKey: "service-key"}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	return c, fake
}

func respond(status int, body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

// =============================================================================
// Client
// =============================================================================

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Config{APIKey: "k"}, nil)
	if got := classify.New().Classify(err, "", nil).Type; got != classify.ConfigurationError {
		t.Errorf("expected configurationError, got %s", got)
	}
}

func TestClient_HeadersAndQuery(t *testing.T) {
	c, fake := newTestClient(t, respond(http.StatusOK, `[]`))

	_, err := c.From("notifications").Select("id").Eq("type", "capacity_reached").Not("read_at", "is", "null").Limit(5).Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	req := fake.last()
	if req.Path != "/rest/v1/notifications" {
		t.Errorf("unexpected path %s", req.Path)
	}
	if req.Header.Get("apikey") != "service-key" || req.Header.Get("Authorization") != "Bearer service-key" {
		t.Errorf("missing auth headers: %v", req.Header)
	}
	if got := req.Query["type"]; len(got) != 1 || got[0] != "eq.capacity_reached" {
		t.Errorf("unexpected type filter %v", got)
	}
	if got := req.Query["read_at"]; len(got) != 1 || got[0] != "not.is.null" {
		t.Errorf("unexpected read_at filter %v", got)
	}
	if req.Query["limit"][0] != "5" {
		t.Errorf("unexpected limit %v", req.Query["limit"])
	}
}

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   classify.Type
	}{
		{http.StatusUnauthorized, `{"message":"JWT expired"}`, classify.AuthenticationError},
		{http.StatusForbidden, `{"message":"permission denied for table notifications","code":"42501"}`, classify.AuthorizationError},
		{http.StatusTooManyRequests, ``, classify.RateLimitExceeded},
		{http.StatusConflict, `{"code":"23505","message":"duplicate key value violates unique constraint"}`, classify.DuplicateRecord},
		{http.StatusServiceUnavailable, `upstream`, classify.ServerError},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c, _ := newTestClient(t, respond(tt.status, tt.body))
			_, err := c.From("notifications").Execute(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			ce := classify.New().Classify(err, domain.OpPersistNotification, nil)
			if ce.Type != tt.want {
				t.Errorf("expected %s, got %s", tt.want, ce.Type)
			}
			var sf *classify.StatusFailure
			if !errors.As(err, &sf) || sf.StatusCode != tt.status {
				t.Errorf("expected status failure %d in chain, got %v", tt.status, err)
			}
		})
	}
}

func TestClient_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, _ := New(Config{URL: url, APIKey: "k"}, nil)
	_, err := c.From("notifications").Execute(context.Background())
	if got := classify.New().Classify(err, "", nil).Type; got != classify.NetworkError {
		t.Errorf("expected networkError, got %s (%v)", got, err)
	}
}

func TestResponse_Total(t *testing.T) {
	r := &Response{Headers: http.Header{"Content-Range": {"0-9/22"}}}
	if n, ok := r.Total(); !ok || n != 22 {
		t.Errorf("expected 22, got %d %v", n, ok)
	}
	r = &Response{Headers: http.Header{"Content-Range": {"*/*"}}}
	if _, ok := r.Total(); ok {
		t.Error("expected unknown total")
	}
}

// =============================================================================
// Repositories
// =============================================================================

func TestNotificationRepo_Create(t *testing.T) {
	c, fake := newTestClient(t, respond(http.StatusCreated, `[{"id":"x"}]`))
	repo := NewNotificationRepo(c)

	rec := &domain.NotificationRecord{
		RecipientID: "organizer-1",
		ResourceID:  "a1",
		Title:       "Full",
		Type:        domain.NotificationTypeCapacityReached,
	}
	if err := repo.Create(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" {
		t.Error("expected generated id")
	}

	req := fake.last()
	if req.Method != http.MethodPost || req.Header.Get("Prefer") != "return=representation" {
		t.Errorf("unexpected request %s %v", req.Method, req.Header)
	}
	var row map[string]any
	if err := json.Unmarshal(req.Body, &row); err != nil {
		t.Fatal(err)
	}
	if row["resource_id"] != "a1" || row["type"] != domain.NotificationTypeCapacityReached {
		t.Errorf("unexpected row %v", row)
	}
}

func TestNotificationRepo_CreateDuplicate(t *testing.T) {
	c, _ := newTestClient(t, respond(http.StatusConflict, `{"code":"23505","message":"duplicate key"}`))
	err := NewNotificationRepo(c).Create(context.Background(), &domain.NotificationRecord{Type: domain.NotificationTypeCapacityReached, ResourceID: "a1"})
	if got := classify.New().Classify(err, "", nil).Type; got != classify.DuplicateRecord {
		t.Errorf("expected duplicateRecord, got %s", got)
	}
}

func TestNotificationRepo_ListResourceIDsByType(t *testing.T) {
	c, _ := newTestClient(t, respond(http.StatusOK, `[{"resource_id":"a1"},{"resource_id":"a2"},{"resource_id":"a1"}]`))
	ids, err := NewNotificationRepo(c).ListResourceIDsByType(context.Background(), domain.NotificationTypeCapacityReached)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "a1" || ids[1] != "a2" {
		t.Errorf("unexpected ids %v", ids)
	}
}

func TestNotificationRepo_DeleteReadOlderThan(t *testing.T) {
	c, fake := newTestClient(t, respond(http.StatusOK, `[{"id":"1"},{"id":"2"}]`))
	n, err := NewNotificationRepo(c).DeleteReadOlderThan(context.Background(), timeAt(1000), []string{"capacity_reached"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2, got %d", n)
	}
	req := fake.last()
	if req.Method != http.MethodDelete || req.Query["type"][0] != "not.in.(capacity_reached)" || req.Query["created_at"][0] != "lt.1000" {
		t.Errorf("unexpected delete %s %v", req.Method, req.Query)
	}
}

func TestResourceRepo_Snapshot(t *testing.T) {
	body := `[{"id":"a1","organizer_id":"o1","title":"Sunday 5v5","capacity":22,"status":"active","expires_at":null,"announcement_participants":[{"count":22}]}]`
	c, fake := newTestClient(t, respond(http.StatusOK, body))

	snap, err := NewResourceRepo(c).Snapshot(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Count != 22 || snap.Capacity != 22 || !snap.Full() || !snap.ExpiresAt.IsZero() {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if got := fake.last().Query["select"][0]; got != announcementColumns {
		t.Errorf("unexpected select %s", got)
	}
}

func TestResourceRepo_SnapshotNotFound(t *testing.T) {
	c, _ := newTestClient(t, respond(http.StatusOK, `[]`))
	_, err := NewResourceRepo(c).Snapshot(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := classify.New().Classify(err, "", nil).Type; got != classify.RecordNotFound {
		t.Errorf("expected recordNotFound, got %s", got)
	}
}

func TestNotificationRepo_Get(t *testing.T) {
	body := `[{"id":"n1","recipient_id":"u1","resource_id":"a1","title":"Full","type":"capacity_reached",
		"data":{"count":2},"sent_at":1700000000000,"created_at":1700000000000,"read_at":null}]`
	c, fake := newTestClient(t, respond(http.StatusOK, body))
	rec, err := NewNotificationRepo(c).Get(context.Background(), "n1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != "n1" || rec.ResourceID != "a1" || rec.ReadAt != nil {
		t.Errorf("unexpected record %+v", rec)
	}
	if !rec.CreatedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("created_at = %v", rec.CreatedAt)
	}
	if got := fake.last().Query["id"]; len(got) != 1 || got[0] != "eq.n1" {
		t.Errorf("expected id=eq.n1, got %v", got)
	}

	c, _ = newTestClient(t, respond(http.StatusOK, `[]`))
	if _, err := NewNotificationRepo(c).Get(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResourceRepo_ListOpenKeepsFullSkipsExpired(t *testing.T) {
	body := `[
		{"id":"a1","capacity":10,"announcement_participants":[{"count":3}]},
		{"id":"a2","capacity":2,"announcement_participants":[{"count":2}]},
		{"id":"a3","capacity":5,"expires_at":1,"announcement_participants":[{"count":0}]}
	]`
	c, fake := newTestClient(t, respond(http.StatusOK, body))
	ids, err := NewResourceRepo(c).ListOpen(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "a1" || ids[1] != "a2" {
		t.Errorf("expected a1 and a2, got %v", ids)
	}
	if got := fake.last().Query["status"]; len(got) != 1 || got[0] != "not.eq.expired" {
		t.Errorf("expected status=not.eq.expired, got %v", got)
	}
}

func TestEndpointRepo_RegisterUpserts(t *testing.T) {
	c, fake := newTestClient(t, respond(http.StatusCreated, `[]`))
	if err := NewEndpointRepo(c).Register(context.Background(), &domain.Endpoint{RecipientID: "u1", Token: "t1"}); err != nil {
		t.Fatal(err)
	}
	req := fake.last()
	if req.Query["on_conflict"][0] != "token" {
		t.Errorf("expected on_conflict=token, got %v", req.Query)
	}
	if req.Header.Get("Prefer") != "resolution=merge-duplicates,return=representation" {
		t.Errorf("unexpected prefer %s", req.Header.Get("Prefer"))
	}
}

func TestEndpointRepo_ListByRecipient(t *testing.T) {
	body := `[{"id":"e1","recipient_id":"u1","token":"t1","platform":"android","created_at":1000}]`
	c, fake := newTestClient(t, respond(http.StatusOK, body))
	eps, err := NewEndpointRepo(c).ListByRecipient(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 1 || eps[0].Token != "t1" || eps[0].CreatedAt.UnixMilli() != 1000 {
		t.Errorf("unexpected endpoints %+v", eps)
	}
	if got := fake.last().Query["order"][0]; got != "created_at.asc,id.asc" {
		t.Errorf("unexpected order %s", got)
	}
}

func timeAt(ms int64) time.Time { return time.UnixMilli(ms) }
