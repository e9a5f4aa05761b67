package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/vietddude/notifyguard/internal/core/domain"
)

// Classifier converts failures into *Error values. It never panics and maps
// anything it doesn't recognise to UnknownError.
type Classifier struct {
	now func() time.Time
}

// New creates a classifier using the wall clock.
func New() *Classifier {
	return &Classifier{now: time.Now}
}

// Classify converts err into a classified error bound to op with ctx attached.
func (c *Classifier) Classify(err error, op domain.OperationID, ctx map[string]any) *Error {
	if err == nil {
		return c.Make(UnknownError, "nil failure", op, ctx)
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.WithOperation(op, ctx)
	}

	e := c.Make(resolve(err), err.Error(), op, ctx)
	e.TechnicalDetails = fmt.Sprintf("%T: %v", err, err)
	e.cause = err
	return e
}

// Make builds a classified error of type t directly, with the table defaults.
func (c *Classifier) Make(t Type, message string, op domain.OperationID, ctx map[string]any) *Error {
	def, ok := definitions[t]
	if !ok {
		t = UnknownError
		def = definitions[UnknownError]
	}
	return &Error{
		Type:        t,
		Severity:    def.severity,
		Recovery:    def.recovery,
		Message:     message,
		UserMessage: def.userMessage,
		Context:     maps.Clone(ctx),
		OperationID: op,
		Timestamp:   c.now(),
		RetryDelay:  def.retryDelay,
		Escalate:    def.escalate,
	}
}

func resolve(err error) Type {
	var f Failure
	if errors.As(err, &f) {
		switch f := f.(type) {
		case *StatusFailure:
			return statusType(f.Origin, f.StatusCode)
		case *StoreFailure:
			return storeType(f.Err)
		case *PushFailure:
			return pushType(f)
		case *ValidationFailure:
			if f.Missing {
				return MissingRequiredField
			}
			return ValidationError
		case *FormatFailure:
			if f.Corrupt {
				return DataCorruption
			}
			return InvalidFormat
		case *InitFailure:
			return ServiceInitializationError
		case *ConfigFailure:
			return ConfigurationError
		case *FeedFailure:
			if t, ok := transportType(f.Err); ok && t == OperationCancelled {
				return t
			}
			return SubscriptionError
		}
	}

	if t, ok := transportType(err); ok {
		return t
	}
	if t, ok := payloadType(err); ok {
		return t
	}
	if t, ok := domainType(err); ok {
		return t
	}
	return UnknownError
}

// statusType maps an HTTP status to a type for the given origin.
func statusType(origin Origin, code int) Type {
	switch {
	case code == http.StatusUnauthorized:
		return AuthenticationError
	case code == http.StatusForbidden:
		return AuthorizationError
	case code == http.StatusTooManyRequests:
		return RateLimitExceeded
	case code == http.StatusNotFound:
		if origin == OriginPush {
			return InvalidPushToken
		}
		return RecordNotFound
	case code == http.StatusConflict:
		return DuplicateRecord
	case code == http.StatusRequestTimeout:
		return ConnectionTimeout
	case code == http.StatusRequestEntityTooLarge:
		return PayloadTooLarge
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return ValidationError
	case code >= 500:
		if origin == OriginPush {
			return PushProviderUnavailable
		}
		return ServerError
	case origin == OriginPush:
		return PushNotificationError
	default:
		return DatabaseError
	}
}

func storeType(err error) Type {
	var status *StatusFailure
	if errors.As(err, &status) {
		return statusType(OriginStore, status.StatusCode)
	}
	if t, ok := transportType(err); ok {
		return t
	}
	if t, ok := domainType(err); ok {
		return t
	}
	if t, ok := payloadType(err); ok {
		return t
	}
	return DatabaseError
}

func pushType(f *PushFailure) Type {
	switch f.Reason {
	case PushReasonInvalidToken:
		return InvalidPushToken
	case PushReasonQuota:
		return RateLimitExceeded
	case PushReasonUnavailable:
		return PushProviderUnavailable
	}
	if t, ok := transportType(f.Err); ok {
		return t
	}
	if f.StatusCode != 0 {
		return statusType(OriginPush, f.StatusCode)
	}
	return PushNotificationError
}

// transportType recognises cancellation, deadlines and connectivity failures.
func transportType(err error) (Type, bool) {
	if err == nil {
		return "", false
	}
	switch {
	case errors.Is(err, context.Canceled):
		return OperationCancelled, true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ConnectionTimeout, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ConnectionTimeout, true
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr):
		return NetworkError, true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrUnexpectedEOF):
		return NetworkError, true
	}
	return "", false
}

func payloadType(err error) (Type, bool) {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		return InvalidFormat, true
	case errors.As(err, &typeErr):
		return DataCorruption, true
	}
	return "", false
}

func domainType(err error) (Type, bool) {
	switch {
	case errors.Is(err, domain.ErrDuplicate):
		return DuplicateRecord, true
	case errors.Is(err, domain.ErrNotFound):
		return RecordNotFound, true
	case errors.Is(err, domain.ErrPermissionDenied):
		return PermissionDenied, true
	}
	return "", false
}
