package supabase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/infra/storage"
	"github.com/vietddude/notifyguard/internal/reliability/classify"
)

// Table names.
const (
	TableNotifications = "notifications"
	TableAnnouncements = "announcements"
	TableParticipants  = "announcement_participants"
	TableEndpoints     = "push_endpoints"
)

// NewStore returns repositories and a realtime feed backed by c.
func NewStore(c *Client, feed *RealtimeFeed) storage.Store {
	s := storage.Store{
		Notifications: NewNotificationRepo(c),
		Resources:     NewResourceRepo(c),
		Endpoints:     NewEndpointRepo(c),
	}
	if feed != nil {
		s.Feed = feed
	}
	return s
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

type notificationRow struct {
	ID             string         `json:"id"`
	RecipientID    string         `json:"recipient_id"`
	ResourceID     *string        `json:"resource_id"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	Type           string         `json:"type"`
	Category       string         `json:"category"`
	Data           map[string]any `json:"data"`
	RequiresAction bool           `json:"requires_action"`
	SentAt         int64          `json:"sent_at"`
	CreatedAt      int64          `json:"created_at"`
	ReadAt         *int64         `json:"read_at"`
	ActionTakenAt  *int64         `json:"action_taken_at"`
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func (row notificationRow) toDomain() *domain.NotificationRecord {
	rec := &domain.NotificationRecord{
		ID:             row.ID,
		RecipientID:    row.RecipientID,
		Title:          row.Title,
		Body:           row.Body,
		Type:           row.Type,
		Category:       row.Category,
		Data:           row.Data,
		RequiresAction: row.RequiresAction,
		SentAt:         time.UnixMilli(row.SentAt),
		CreatedAt:      time.UnixMilli(row.CreatedAt),
	}
	if row.ResourceID != nil {
		rec.ResourceID = domain.ResourceID(*row.ResourceID)
	}
	if row.ReadAt != nil {
		t := time.UnixMilli(*row.ReadAt)
		rec.ReadAt = &t
	}
	if row.ActionTakenAt != nil {
		t := time.UnixMilli(*row.ActionTakenAt)
		rec.ActionTakenAt = &t
	}
	return rec
}

// NotificationRepo implements storage.NotificationRepository over PostgREST.
type NotificationRepo struct {
	c   *Client
	now func() time.Time
}

func NewNotificationRepo(c *Client) *NotificationRepo {
	return &NotificationRepo{c: c, now: time.Now}
}

func (r *NotificationRepo) Create(ctx context.Context, rec *domain.NotificationRecord) error {
	row := notificationRow{
		ID:             rec.ID,
		RecipientID:    rec.RecipientID,
		Title:          rec.Title,
		Body:           rec.Body,
		Type:           rec.Type,
		Category:       rec.Category,
		Data:           rec.Data,
		RequiresAction: rec.RequiresAction,
		ReadAt:         millisPtr(rec.ReadAt),
		ActionTakenAt:  millisPtr(rec.ActionTakenAt),
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Data == nil {
		row.Data = map[string]any{}
	}
	if rec.ResourceID != "" {
		id := string(rec.ResourceID)
		row.ResourceID = &id
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = r.now()
	}
	sent := rec.SentAt
	if sent.IsZero() {
		sent = created
	}
	row.CreatedAt = created.UnixMilli()
	row.SentAt = sent.UnixMilli()

	if _, err := r.c.From(TableNotifications).ExecuteInsert(ctx, row); err != nil {
		return err
	}
	rec.ID = row.ID
	rec.CreatedAt = time.UnixMilli(row.CreatedAt)
	rec.SentAt = time.UnixMilli(row.SentAt)
	return nil
}

func (r *NotificationRepo) Get(ctx context.Context, id string) (*domain.NotificationRecord, error) {
	resp, err := r.c.From(TableNotifications).
		Select("*").
		Eq("id", id).
		Limit(1).
		Execute(ctx)
	if err != nil {
		return nil, err
	}
	var rows []notificationRow
	if err := resp.JSON(&rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	return rows[0].toDomain(), nil
}

func (r *NotificationRepo) ListResourceIDsByType(ctx context.Context, typ string) ([]domain.ResourceID, error) {
	resp, err := r.c.From(TableNotifications).
		Select("resource_id").
		Eq("type", typ).
		Not("resource_id", "is", "null").
		Execute(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var ids []domain.ResourceID
	for _, v := range gjson.GetBytes(resp.Body, "#.resource_id").Array() {
		id := v.String()
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, domain.ResourceID(id))
	}
	return ids, nil
}

func (r *NotificationRepo) ExistsForResource(ctx context.Context, id domain.ResourceID, typ string) (bool, error) {
	resp, err := r.c.From(TableNotifications).
		Select("id").
		Eq("resource_id", id).
		Eq("type", typ).
		Limit(1).
		Execute(ctx)
	if err != nil {
		return false, err
	}
	return resp.Rows() > 0, nil
}

func (r *NotificationRepo) DeleteReadOlderThan(ctx context.Context, cutoff time.Time, keepTypes []string) (int64, error) {
	q := r.c.From(TableNotifications).
		Select("id").
		Not("read_at", "is", "null").
		Lt("created_at", cutoff.UnixMilli())
	if len(keepTypes) > 0 {
		q = q.NotIn("type", keepTypes)
	}
	resp, err := q.ExecuteDelete(ctx)
	if err != nil {
		return 0, err
	}
	return int64(resp.Rows()), nil
}

// -----------------------------------------------------------------------------
// Resources
// -----------------------------------------------------------------------------

// announcementColumns embeds the participant count as announcement_participants[0].count.
const announcementColumns = "id,organizer_id,title,capacity,status,expires_at," + TableParticipants + "(count)"

// ResourceRepo implements storage.ResourceRepository over announcements.
type ResourceRepo struct {
	c   *Client
	now func() time.Time
}

func NewResourceRepo(c *Client) *ResourceRepo {
	return &ResourceRepo{c: c, now: time.Now}
}

func parseSnapshot(row gjson.Result) domain.ResourceSnapshot {
	snap := domain.ResourceSnapshot{
		ID:       domain.ResourceID(row.Get("id").String()),
		OwnerID:  row.Get("organizer_id").String(),
		Title:    row.Get("title").String(),
		Capacity: int(row.Get("capacity").Int()),
		Count:    int(row.Get(TableParticipants + ".0.count").Int()),
	}
	if exp := row.Get("expires_at"); exp.Exists() && exp.Type != gjson.Null {
		snap.ExpiresAt = time.UnixMilli(exp.Int())
	}
	return snap
}

func (r *ResourceRepo) Snapshot(ctx context.Context, id domain.ResourceID) (*domain.ResourceSnapshot, error) {
	resp, err := r.c.From(TableAnnouncements).
		Select(announcementColumns).
		Eq("id", id).
		Limit(1).
		Execute(ctx)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(resp.Body) {
		return nil, &classify.FormatFailure{What: "announcement", Err: fmt.Errorf("invalid json body")}
	}
	rows := gjson.ParseBytes(resp.Body).Array()
	if len(rows) == 0 {
		return nil, &classify.StoreFailure{Op: "select " + TableAnnouncements, Err: fmt.Errorf("announcement %s: %w", id, domain.ErrNotFound)}
	}
	snap := parseSnapshot(rows[0])
	return &snap, nil
}

func (r *ResourceRepo) ListOpen(ctx context.Context) ([]domain.ResourceID, error) {
	resp, err := r.c.From(TableAnnouncements).
		Select(announcementColumns).
		Not("status", "eq", domain.ResourceStatusExpired).
		Order("id", true).
		Execute(ctx)
	if err != nil {
		return nil, err
	}

	now := r.now()
	var ids []domain.ResourceID
	for _, row := range gjson.ParseBytes(resp.Body).Array() {
		snap := parseSnapshot(row)
		if snap.Expired(now) {
			continue
		}
		ids = append(ids, snap.ID)
	}
	return ids, nil
}

// -----------------------------------------------------------------------------
// Endpoints
// -----------------------------------------------------------------------------

type endpointRow struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Token       string `json:"token"`
	Platform    string `json:"platform"`
	CreatedAt   int64  `json:"created_at"`
}

// EndpointRepo implements storage.EndpointRepository over push_endpoints.
type EndpointRepo struct {
	c   *Client
	now func() time.Time
}

func NewEndpointRepo(c *Client) *EndpointRepo {
	return &EndpointRepo{c: c, now: time.Now}
}

func (r *EndpointRepo) ListByRecipient(ctx context.Context, recipientID string) ([]domain.Endpoint, error) {
	resp, err := r.c.From(TableEndpoints).
		Select("id,recipient_id,token,platform,created_at").
		Eq("recipient_id", recipientID).
		Order("created_at", true).
		Order("id", true).
		Execute(ctx)
	if err != nil {
		return nil, err
	}
	var rows []endpointRow
	if err := resp.JSON(&rows); err != nil {
		return nil, err
	}
	eps := make([]domain.Endpoint, 0, len(rows))
	for _, row := range rows {
		eps = append(eps, domain.Endpoint{
			ID:          row.ID,
			RecipientID: row.RecipientID,
			Token:       row.Token,
			Platform:    row.Platform,
			CreatedAt:   time.UnixMilli(row.CreatedAt),
		})
	}
	return eps, nil
}

func (r *EndpointRepo) Register(ctx context.Context, ep *domain.Endpoint) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = r.now()
	}
	row := endpointRow{
		ID:          ep.ID,
		RecipientID: ep.RecipientID,
		Token:       ep.Token,
		Platform:    ep.Platform,
		CreatedAt:   ep.CreatedAt.UnixMilli(),
	}
	_, err := r.c.From(TableEndpoints).OnConflict("token").ExecuteUpsert(ctx, []endpointRow{row})
	return err
}

func (r *EndpointRepo) Remove(ctx context.Context, token string) error {
	_, err := r.c.From(TableEndpoints).Eq("token", token).ExecuteDelete(ctx)
	return err
}
