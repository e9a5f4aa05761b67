package sqlstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/notifyguard/internal/core/domain"
)

type endpointRow struct {
	ID          string `db:"id"`
	RecipientID string `db:"recipient_id"`
	Token       string `db:"token"`
	Platform    string `db:"platform"`
	CreatedAt   int64  `db:"created_at"`
}

// EndpointRepo implements storage.EndpointRepository using SQL.
type EndpointRepo struct {
	db  *DB
	now func() time.Time
}

// NewEndpointRepo creates a new SQL endpoint repository.
func NewEndpointRepo(db *DB) *EndpointRepo {
	return &EndpointRepo{db: db, now: time.Now}
}

func (r *EndpointRepo) ListByRecipient(ctx context.Context, recipientID string) ([]domain.Endpoint, error) {
	var rows []endpointRow
	query := r.db.Rebind(`
		SELECT id, recipient_id, token, platform, created_at FROM push_endpoints
		WHERE recipient_id = ? ORDER BY created_at, id`)
	if err := r.db.SelectContext(ctx, &rows, query, recipientID); err != nil {
		return nil, storeErr("list endpoints", err)
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
	query := r.db.Rebind(`
		INSERT INTO push_endpoints (id, recipient_id, token, platform, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (token) DO UPDATE SET
			recipient_id = excluded.recipient_id,
			platform = excluded.platform`)
	_, err := r.db.ExecContext(ctx, query, ep.ID, ep.RecipientID, ep.Token, ep.Platform, ep.CreatedAt.UnixMilli())
	return storeErr("register endpoint", err)
}

func (r *EndpointRepo) Remove(ctx context.Context, token string) error {
	query := r.db.Rebind(`DELETE FROM push_endpoints WHERE token = ?`)
	_, err := r.db.ExecContext(ctx, query, token)
	return storeErr("remove endpoint", err)
}
