package classify

import "fmt"

// Failure is a raw collaborator failure tagged at the boundary that produced it.
// The set of implementations is closed; Classify matches them with a type switch.
type Failure interface {
	error
	failure()
}

// Origin names the collaborator an HTTP status came from.
type Origin string

const (
	OriginStore Origin = "store"
	OriginPush  Origin = "push"
)

// StatusFailure is a non-2xx response from an HTTP collaborator.
type StatusFailure struct {
	Origin     Origin
	StatusCode int
	Message    string
}

func (f *StatusFailure) Error() string {
	if f.Message != "" {
		return fmt.Sprintf("%s responded %d: %s", f.Origin, f.StatusCode, f.Message)
	}
	return fmt.Sprintf("%s responded %d", f.Origin, f.StatusCode)
}

// StoreFailure wraps an error returned by the durable store driver.
type StoreFailure struct {
	Op  string
	Err error
}

func (f *StoreFailure) Error() string { return fmt.Sprintf("store %s: %v", f.Op, f.Err) }
func (f *StoreFailure) Unwrap() error { return f.Err }

// PushReason narrows a push gateway failure.
type PushReason string

const (
	PushReasonInvalidToken PushReason = "invalid_token"
	PushReasonQuota        PushReason = "quota"
	PushReasonUnavailable  PushReason = "unavailable"
	PushReasonRejected     PushReason = "rejected"
)

// PushFailure is a per-token failure reported by the push gateway.
type PushFailure struct {
	Reason     PushReason
	StatusCode int
	Err        error
}

func (f *PushFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("push %s: %v", f.Reason, f.Err)
	}
	return fmt.Sprintf("push %s", f.Reason)
}

func (f *PushFailure) Unwrap() error { return f.Err }

// ValidationFailure is bad caller-supplied input.
type ValidationFailure struct {
	Field   string
	Reason  string
	Missing bool
}

func (f *ValidationFailure) Error() string {
	if f.Missing {
		return fmt.Sprintf("%s is required", f.Field)
	}
	return fmt.Sprintf("invalid %s: %s", f.Field, f.Reason)
}

// FormatFailure is a payload that could not be decoded.
type FormatFailure struct {
	What    string
	Corrupt bool
	Err     error
}

func (f *FormatFailure) Error() string { return fmt.Sprintf("malformed %s: %v", f.What, f.Err) }
func (f *FormatFailure) Unwrap() error { return f.Err }

// InitFailure is a dependency used before it was initialised.
type InitFailure struct {
	Component string
	Err       error
}

func (f *InitFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s not initialized: %v", f.Component, f.Err)
	}
	return fmt.Sprintf("%s not initialized", f.Component)
}

func (f *InitFailure) Unwrap() error { return f.Err }

// ConfigFailure is an invalid or missing setting.
type ConfigFailure struct {
	Key    string
	Reason string
}

func (f *ConfigFailure) Error() string { return fmt.Sprintf("config %s: %s", f.Key, f.Reason) }

// FeedFailure is a change-feed subscription or delivery failure.
type FeedFailure struct {
	Source string
	Err    error
}

func (f *FeedFailure) Error() string { return fmt.Sprintf("%s feed: %v", f.Source, f.Err) }
func (f *FeedFailure) Unwrap() error { return f.Err }

func (*StatusFailure) failure()     {}
func (*StoreFailure) failure()      {}
func (*PushFailure) failure()       {}
func (*ValidationFailure) failure() {}
func (*FormatFailure) failure()     {}
func (*InitFailure) failure()       {}
func (*ConfigFailure) failure()     {}
func (*FeedFailure) failure()       {}
