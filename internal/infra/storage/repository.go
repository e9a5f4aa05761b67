package storage

import (
	"context"
	"time"

	"github.com/vietddude/notifyguard/internal/core/domain"
)

// NotificationRepository handles the durable notification log
type NotificationRepository interface {
	// Create appends a record. It fills ID and CreatedAt when empty and
	// returns domain.ErrDuplicate when a uniqueness rule rejects the row.
	Create(ctx context.Context, rec *domain.NotificationRecord) error

	// Get returns the record with id, or domain.ErrNotFound
	Get(ctx context.Context, id string) (*domain.NotificationRecord, error)

	// ListResourceIDsByType returns the distinct resource ids with at least one record of type
	ListResourceIDsByType(ctx context.Context, typ string) ([]domain.ResourceID, error)

	// ExistsForResource reports whether a record of type exists for the resource
	ExistsForResource(ctx context.Context, id domain.ResourceID, typ string) (bool, error)

	// DeleteReadOlderThan removes read records created before cutoff, skipping keepTypes
	DeleteReadOlderThan(ctx context.Context, cutoff time.Time, keepTypes []string) (int64, error)
}

// ResourceRepository reads monitored resources
type ResourceRepository interface {
	// Snapshot returns the current member count and capacity, or domain.ErrNotFound
	Snapshot(ctx context.Context, id domain.ResourceID) (*domain.ResourceSnapshot, error)

	// ListOpen returns ids of resources that are not expired, full or not
	ListOpen(ctx context.Context) ([]domain.ResourceID, error)
}

// EndpointRepository handles registered push endpoints
type EndpointRepository interface {
	// ListByRecipient returns every endpoint of the recipient, oldest first
	ListByRecipient(ctx context.Context, recipientID string) ([]domain.Endpoint, error)

	// Register stores an endpoint; registering an existing token moves it to the recipient
	Register(ctx context.Context, ep *domain.Endpoint) error

	// Remove deletes every endpoint with token
	Remove(ctx context.Context, token string) error
}

// ChangeHandler receives membership changes from a feed.
type ChangeHandler func(domain.MembershipChange)

// ChangeFeed is a subscribable stream of membership inserts and deletes.
type ChangeFeed interface {
	// Subscribe starts delivery to handle until ctx ends or the returned
	// function is called. Delivery is best effort.
	Subscribe(ctx context.Context, handle ChangeHandler) (unsubscribe func(), err error)
}

// Store bundles the repositories of one backend.
type Store struct {
	Notifications NotificationRepository
	Resources     ResourceRepository
	Endpoints     EndpointRepository
	Feed          ChangeFeed
}
