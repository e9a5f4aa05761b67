package domain

import "time"

// Notification types and categories written by this module.
const (
	NotificationTypeCapacityReached = "capacity_reached"
	CategoryAnnouncement            = "announcement"
)

// NotificationRecord is the durable source of truth for "was this already sent".
type NotificationRecord struct {
	ID             string         `json:"id"`
	RecipientID    string         `json:"recipient_id"`
	ResourceID     ResourceID     `json:"resource_id"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	Type           string         `json:"type"`
	Category       string         `json:"category"`
	Data           map[string]any `json:"data"`
	RequiresAction bool           `json:"requires_action"`
	SentAt         time.Time      `json:"sent_at"`
	CreatedAt      time.Time      `json:"created_at"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
	ActionTakenAt  *time.Time     `json:"action_taken_at,omitempty"`
}

// Endpoint is a registered push destination of a recipient.
type Endpoint struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	Token       string    `json:"token"`
	Platform    string    `json:"platform"`
	CreatedAt   time.Time `json:"created_at"`
}

// PushMessage is what the push gateway receives for a single token.
type PushMessage struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}
