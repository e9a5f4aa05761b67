package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/vietddude/notifyguard/internal/core/domain"
)

type snapshotRow struct {
	ID          string        `db:"id"`
	OrganizerID string        `db:"organizer_id"`
	Title       string        `db:"title"`
	Capacity    int           `db:"capacity"`
	ExpiresAt   sql.NullInt64 `db:"expires_at"`
	Count       int           `db:"member_count"`
}

const participantCount = `(SELECT COUNT(*) FROM announcement_participants p WHERE p.announcement_id = a.id)`

// ResourceRepo implements storage.ResourceRepository over announcements and
// their participants.
type ResourceRepo struct {
	db  *DB
	now func() time.Time
}

// NewResourceRepo creates a new SQL resource repository.
func NewResourceRepo(db *DB) *ResourceRepo {
	return &ResourceRepo{db: db, now: time.Now}
}

func (r *ResourceRepo) Snapshot(ctx context.Context, id domain.ResourceID) (*domain.ResourceSnapshot, error) {
	var row snapshotRow
	query := r.db.Rebind(`
		SELECT a.id, a.organizer_id, a.title, a.capacity, a.expires_at, ` + participantCount + ` AS member_count
		FROM announcements a WHERE a.id = ?`)
	if err := r.db.GetContext(ctx, &row, query, string(id)); err != nil {
		return nil, storeErr("snapshot announcement", err)
	}

	snap := &domain.ResourceSnapshot{
		ID:       domain.ResourceID(row.ID),
		OwnerID:  row.OrganizerID,
		Title:    row.Title,
		Count:    row.Count,
		Capacity: row.Capacity,
	}
	if row.ExpiresAt.Valid {
		snap.ExpiresAt = time.UnixMilli(row.ExpiresAt.Int64)
	}
	return snap, nil
}

func (r *ResourceRepo) ListOpen(ctx context.Context) ([]domain.ResourceID, error) {
	var ids []string
	query := r.db.Rebind(`
		SELECT a.id FROM announcements a
		WHERE a.status <> 'expired'
		  AND (a.expires_at IS NULL OR a.expires_at > ?)
		ORDER BY a.id`)
	if err := r.db.SelectContext(ctx, &ids, query, r.now().UnixMilli()); err != nil {
		return nil, storeErr("list open announcements", err)
	}
	out := make([]domain.ResourceID, len(ids))
	for i, id := range ids {
		out[i] = domain.ResourceID(id)
	}
	return out, nil
}

// Put creates or replaces an announcement.
func (r *ResourceRepo) Put(ctx context.Context, snap domain.ResourceSnapshot) error {
	var expires sql.NullInt64
	if !snap.ExpiresAt.IsZero() {
		expires = sql.NullInt64{Int64: snap.ExpiresAt.UnixMilli(), Valid: true}
	}
	query := r.db.Rebind(`
		INSERT INTO announcements (id, organizer_id, title, capacity, status, expires_at)
		VALUES (?, ?, ?, ?, 'active', ?)
		ON CONFLICT (id) DO UPDATE SET
			organizer_id = excluded.organizer_id,
			title = excluded.title,
			capacity = excluded.capacity,
			expires_at = excluded.expires_at`)
	_, err := r.db.ExecContext(ctx, query, string(snap.ID), snap.OwnerID, snap.Title, snap.Capacity, expires)
	return storeErr("put announcement", err)
}

// SetStatus updates the stored status of an announcement.
func (r *ResourceRepo) SetStatus(ctx context.Context, id domain.ResourceID, status domain.ResourceStatus) error {
	query := r.db.Rebind(`UPDATE announcements SET status = ? WHERE id = ?`)
	_, err := r.db.ExecContext(ctx, query, string(status), string(id))
	return storeErr("set announcement status", err)
}

// AddMember inserts a participant row.
func (r *ResourceRepo) AddMember(ctx context.Context, id domain.ResourceID, memberID string) error {
	query := r.db.Rebind(`
		INSERT INTO announcement_participants (announcement_id, participant_id, joined_at)
		VALUES (?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query, string(id), memberID, r.now().UnixMilli())
	return storeErr("add participant", err)
}

// RemoveMember deletes a participant row.
func (r *ResourceRepo) RemoveMember(ctx context.Context, id domain.ResourceID, memberID string) error {
	query := r.db.Rebind(`DELETE FROM announcement_participants WHERE announcement_id = ? AND participant_id = ?`)
	_, err := r.db.ExecContext(ctx, query, string(id), memberID)
	return storeErr("remove participant", err)
}
