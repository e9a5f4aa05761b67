package domain

import "time"

// ResourceID identifies a monitored countable resource (an announcement).
type ResourceID string

type ResourceStatus string

const (
	ResourceStatusActive  ResourceStatus = "active"
	ResourceStatusFull    ResourceStatus = "full"
	ResourceStatusExpired ResourceStatus = "expired"
)

// ResourceSnapshot is the current count and capacity of a resource as read from the store.
type ResourceSnapshot struct {
	ID        ResourceID `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Title     string     `json:"title"`
	Count     int        `json:"count"`
	Capacity  int        `json:"capacity"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// Full reports whether the member count reached capacity.
func (s *ResourceSnapshot) Full() bool {
	return s.Capacity > 0 && s.Count >= s.Capacity
}

// Expired reports whether the resource is past its expiry at now.
func (s *ResourceSnapshot) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeDelete ChangeType = "DELETE"
)

// MembershipChange is one row-level event on the membership relation.
type MembershipChange struct {
	ResourceID ResourceID
	Type       ChangeType
	MemberID   string
	At         time.Time
}
