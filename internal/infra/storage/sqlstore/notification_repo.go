package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/reliability/classify"
)

type notificationRow struct {
	ID             string         `db:"id"`
	RecipientID    string         `db:"recipient_id"`
	ResourceID     sql.NullString `db:"resource_id"`
	Title          string         `db:"title"`
	Body           string         `db:"body"`
	Type           string         `db:"type"`
	Category       string         `db:"category"`
	Data           string         `db:"data"`
	RequiresAction bool           `db:"requires_action"`
	SentAt         int64          `db:"sent_at"`
	CreatedAt      int64          `db:"created_at"`
	ReadAt         sql.NullInt64  `db:"read_at"`
	ActionTakenAt  sql.NullInt64  `db:"action_taken_at"`
}

func (r notificationRow) toDomain() (*domain.NotificationRecord, error) {
	rec := &domain.NotificationRecord{
		ID:             r.ID,
		RecipientID:    r.RecipientID,
		ResourceID:     domain.ResourceID(r.ResourceID.String),
		Title:          r.Title,
		Body:           r.Body,
		Type:           r.Type,
		Category:       r.Category,
		RequiresAction: r.RequiresAction,
		SentAt:         time.UnixMilli(r.SentAt),
		CreatedAt:      time.UnixMilli(r.CreatedAt),
		ReadAt:         nullTime(r.ReadAt),
		ActionTakenAt:  nullTime(r.ActionTakenAt),
	}
	if r.Data != "" {
		if err := json.Unmarshal([]byte(r.Data), &rec.Data); err != nil {
			return nil, &classify.FormatFailure{What: "notification data", Corrupt: true, Err: err}
		}
	}
	return rec, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// NotificationRepo implements storage.NotificationRepository using SQL.
type NotificationRepo struct {
	db  *DB
	now func() time.Time
}

// NewNotificationRepo creates a new SQL notification repository.
func NewNotificationRepo(db *DB) *NotificationRepo {
	return &NotificationRepo{db: db, now: time.Now}
}

// Create inserts rec. A second capacity record for the same resource hits
// the unique partial index and yields domain.ErrDuplicate.
func (r *NotificationRepo) Create(ctx context.Context, rec *domain.NotificationRecord) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return &classify.FormatFailure{What: "notification data", Err: err}
	}
	if rec.Data == nil {
		data = []byte("{}")
	}

	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	sentAt := rec.SentAt
	if sentAt.IsZero() {
		sentAt = createdAt
	}

	query := r.db.Rebind(`
		INSERT INTO notifications (
			id, recipient_id, resource_id, title, body, type, category, data,
			requires_action, sent_at, created_at, read_at, action_taken_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = r.db.ExecContext(ctx, query,
		id,
		rec.RecipientID,
		sql.NullString{String: string(rec.ResourceID), Valid: rec.ResourceID != ""},
		rec.Title,
		rec.Body,
		rec.Type,
		rec.Category,
		string(data),
		rec.RequiresAction,
		sentAt.UnixMilli(),
		createdAt.UnixMilli(),
		nullMillis(rec.ReadAt),
		nullMillis(rec.ActionTakenAt),
	)
	if err != nil {
		return storeErr("create notification", err)
	}

	rec.ID = id
	rec.CreatedAt = time.UnixMilli(createdAt.UnixMilli())
	rec.SentAt = time.UnixMilli(sentAt.UnixMilli())
	return nil
}

// Get returns the record with id.
func (r *NotificationRepo) Get(ctx context.Context, id string) (*domain.NotificationRecord, error) {
	var row notificationRow
	query := r.db.Rebind(`SELECT * FROM notifications WHERE id = ?`)
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, storeErr("get notification", err)
	}
	return row.toDomain()
}

// ListByRecipient returns the newest records of a recipient.
func (r *NotificationRepo) ListByRecipient(ctx context.Context, recipientID string, limit int) ([]*domain.NotificationRecord, error) {
	var rows []notificationRow
	query := r.db.Rebind(`SELECT * FROM notifications WHERE recipient_id = ? ORDER BY created_at DESC LIMIT ?`)
	if err := r.db.SelectContext(ctx, &rows, query, recipientID, limit); err != nil {
		return nil, storeErr("list notifications", err)
	}
	out := make([]*domain.NotificationRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *NotificationRepo) ListResourceIDsByType(ctx context.Context, typ string) ([]domain.ResourceID, error) {
	var ids []string
	query := r.db.Rebind(`
		SELECT DISTINCT resource_id FROM notifications
		WHERE type = ? AND resource_id IS NOT NULL AND resource_id <> ''`)
	if err := r.db.SelectContext(ctx, &ids, query, typ); err != nil {
		return nil, storeErr("list notified resources", err)
	}
	out := make([]domain.ResourceID, len(ids))
	for i, id := range ids {
		out[i] = domain.ResourceID(id)
	}
	return out, nil
}

func (r *NotificationRepo) ExistsForResource(ctx context.Context, id domain.ResourceID, typ string) (bool, error) {
	var n int
	query := r.db.Rebind(`SELECT COUNT(*) FROM notifications WHERE resource_id = ? AND type = ?`)
	if err := r.db.GetContext(ctx, &n, query, string(id), typ); err != nil {
		return false, storeErr("check notification", err)
	}
	return n > 0, nil
}

// MarkRead sets read_at on the record with id.
func (r *NotificationRepo) MarkRead(ctx context.Context, id string, at time.Time) error {
	query := r.db.Rebind(`UPDATE notifications SET read_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, at.UnixMilli(), id)
	if err != nil {
		return storeErr("mark notification read", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storeErr("mark notification read", fmt.Errorf("notification %s: %w", id, sql.ErrNoRows))
	}
	return nil
}

func (r *NotificationRepo) DeleteReadOlderThan(ctx context.Context, cutoff time.Time, keepTypes []string) (int64, error) {
	query := `DELETE FROM notifications WHERE read_at IS NOT NULL AND created_at < ?`
	args := []any{cutoff.UnixMilli()}
	if len(keepTypes) > 0 {
		var err error
		query, args, err = sqlx.In(query+` AND type NOT IN (?)`, cutoff.UnixMilli(), keepTypes)
		if err != nil {
			return 0, storeErr("prune notifications", err)
		}
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, storeErr("prune notifications", err)
	}
	return res.RowsAffected()
}
