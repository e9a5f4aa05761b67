// Package classify turns raw collaborator failures into a closed taxonomy of
// domain errors carrying severity, a recovery hint and a user-facing message.
package classify

import "time"

// Type is one of the fixed error types.
type Type string

const (
	// Network / timeout
	NetworkError      Type = "networkError"
	ConnectionTimeout Type = "connectionTimeout"

	// Store
	AuthenticationError Type = "authenticationError"
	AuthorizationError  Type = "authorizationError"
	PermissionDenied    Type = "permissionDenied"
	RecordNotFound      Type = "recordNotFound"
	DuplicateRecord     Type = "duplicateRecord"
	DatabaseError       Type = "databaseError"
	ServerError         Type = "serverError"
	ServiceUnavailable  Type = "serviceUnavailable"

	// Rate limiting
	RateLimitExceeded Type = "rateLimitExceeded"
	QuotaExceeded     Type = "quotaExceeded"

	// Payload / validation
	DataCorruption       Type = "dataCorruption"
	InvalidFormat        Type = "invalidFormat"
	ValidationError      Type = "validationError"
	MissingRequiredField Type = "missingRequiredField"
	PayloadTooLarge      Type = "payloadTooLarge"

	// Push gateway
	PushNotificationError   Type = "pushNotificationError"
	InvalidPushToken        Type = "invalidPushToken"
	PushProviderUnavailable Type = "pushProviderUnavailable"

	// Service lifecycle
	ServiceInitializationError Type = "serviceInitializationError"
	ConfigurationError         Type = "configurationError"
	SubscriptionError          Type = "subscriptionError"
	OperationCancelled         Type = "operationCancelled"

	UnknownError Type = "unknownError"
)

// Severity orders how bad an error is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Recovery is the default hint for callers and presentation layers.
type Recovery string

const (
	RecoveryRetry          Recovery = "retry"
	RecoveryRetryWithDelay Recovery = "retryWithDelay"
	RecoveryFallback       Recovery = "fallback"
	RecoveryUserAction     Recovery = "userAction"
	RecoveryIgnore         Recovery = "ignore"
	RecoveryEscalate       Recovery = "escalate"
)

type definition struct {
	severity    Severity
	recovery    Recovery
	retryDelay  time.Duration
	escalate    bool
	retryable   bool
	userMessage string
}

// definitions is the taxonomy table. Every Type constant has exactly one row.
var definitions = map[Type]definition{
	NetworkError: {
		SeverityMedium, RecoveryRetry, 2 * time.Second, false, true,
		"Unable to connect. Please check your internet connection and try again.",
	},
	ConnectionTimeout: {
		SeverityMedium, RecoveryRetryWithDelay, 5 * time.Second, false, true,
		"The request took too long. Please try again.",
	},
	AuthenticationError: {
		SeverityHigh, RecoveryUserAction, 0, false, false,
		"Your session has expired. Please sign in again.",
	},
	AuthorizationError: {
		SeverityMedium, RecoveryUserAction, 0, false, false,
		"You don't have access to this content.",
	},
	PermissionDenied: {
		SeverityMedium, RecoveryUserAction, 0, false, false,
		"You don't have permission to do that.",
	},
	RecordNotFound: {
		SeverityLow, RecoveryFallback, 0, false, false,
		"The requested item could not be found.",
	},
	DuplicateRecord: {
		SeverityLow, RecoveryIgnore, 0, false, false,
		"This item already exists.",
	},
	DatabaseError: {
		SeverityMedium, RecoveryRetry, 2 * time.Second, false, true,
		"Something went wrong while saving your data. Please try again.",
	},
	ServerError: {
		SeverityHigh, RecoveryRetryWithDelay, 10 * time.Second, false, true,
		"The server is having trouble right now. Please try again shortly.",
	},
	ServiceUnavailable: {
		SeverityHigh, RecoveryRetryWithDelay, 30 * time.Second, false, true,
		"The service is temporarily unavailable. Please try again later.",
	},
	RateLimitExceeded: {
		SeverityMedium, RecoveryRetryWithDelay, time.Minute, false, false,
		"Too many requests. Please wait a moment and try again.",
	},
	QuotaExceeded: {
		SeverityHigh, RecoveryRetryWithDelay, 5 * time.Minute, true, false,
		"The service limit was reached. Please try again later.",
	},
	DataCorruption: {
		SeverityMedium, RecoveryFallback, 0, false, true,
		"Some data could not be read.",
	},
	InvalidFormat: {
		SeverityMedium, RecoveryFallback, 0, false, true,
		"Received data in an unexpected format.",
	},
	ValidationError: {
		SeverityMedium, RecoveryFallback, 0, false, false,
		"Please check the information you entered.",
	},
	MissingRequiredField: {
		SeverityMedium, RecoveryFallback, 0, false, false,
		"Some required information is missing.",
	},
	PayloadTooLarge: {
		SeverityMedium, RecoveryFallback, 0, false, false,
		"The content is too large to send.",
	},
	PushNotificationError: {
		SeverityMedium, RecoveryRetry, 2 * time.Second, false, true,
		"We couldn't deliver a notification to your device.",
	},
	InvalidPushToken: {
		SeverityLow, RecoveryIgnore, 0, false, false,
		"Notifications are not enabled on this device.",
	},
	PushProviderUnavailable: {
		SeverityHigh, RecoveryRetryWithDelay, 30 * time.Second, false, true,
		"Notifications are delayed. They will be delivered shortly.",
	},
	ServiceInitializationError: {
		SeverityHigh, RecoveryEscalate, 5 * time.Second, false, true,
		"The app is still starting up. Please try again in a moment.",
	},
	ConfigurationError: {
		SeverityCritical, RecoveryEscalate, 0, true, false,
		"The app is misconfigured. Our team has been notified.",
	},
	SubscriptionError: {
		SeverityMedium, RecoveryRetryWithDelay, 5 * time.Second, false, true,
		"Live updates are paused. Data will refresh automatically.",
	},
	OperationCancelled: {
		SeverityLow, RecoveryIgnore, 0, false, false,
		"The operation was cancelled.",
	},
	UnknownError: {
		SeverityMedium, RecoveryRetry, time.Second, false, true,
		"Something went wrong. Please try again.",
	},
}

// Types returns every known error type.
func Types() []Type {
	out := make([]Type, 0, len(definitions))
	for t := range definitions {
		out = append(out, t)
	}
	return out
}

// Retryable reports the default retry policy for t.
// Rate-limited errors keep their retryWithDelay hint but are not retried by default.
func Retryable(t Type) bool {
	def, ok := definitions[t]
	if !ok {
		return true
	}
	return def.retryable
}

// Known reports whether t is part of the taxonomy.
func Known(t Type) bool {
	_, ok := definitions[t]
	return ok
}
