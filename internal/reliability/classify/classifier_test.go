package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/vietddude/notifyguard/internal/core/domain"
)

func fixedClassifier() *Classifier {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Classifier{now: func() time.Time { return at }}
}

func TestTaxonomyComplete(t *testing.T) {
	types := Types()
	if len(types) != 25 {
		t.Fatalf("expected 25 error types, got %d", len(types))
	}
	for _, typ := range types {
		def := definitions[typ]
		if def.severity == "" || def.recovery == "" {
			t.Errorf("%s: missing severity or recovery", typ)
		}
		if def.userMessage == "" {
			t.Errorf("%s: missing user message", typ)
		}
	}
}

func TestClassify_StatusTable(t *testing.T) {
	c := fixedClassifier()
	tests := []struct {
		status   int
		origin   Origin
		typ      Type
		severity Severity
		recovery Recovery
	}{
		{401, OriginStore, AuthenticationError, SeverityHigh, RecoveryUserAction},
		{403, OriginStore, AuthorizationError, SeverityMedium, RecoveryUserAction},
		{429, OriginStore, RateLimitExceeded, SeverityMedium, RecoveryRetryWithDelay},
		{500, OriginStore, ServerError, SeverityHigh, RecoveryRetryWithDelay},
		{503, OriginStore, ServerError, SeverityHigh, RecoveryRetryWithDelay},
		{404, OriginStore, RecordNotFound, SeverityLow, RecoveryFallback},
		{409, OriginStore, DuplicateRecord, SeverityLow, RecoveryIgnore},
		{422, OriginStore, ValidationError, SeverityMedium, RecoveryFallback},
		{404, OriginPush, InvalidPushToken, SeverityLow, RecoveryIgnore},
		{502, OriginPush, PushProviderUnavailable, SeverityHigh, RecoveryRetryWithDelay},
		{418, OriginPush, PushNotificationError, SeverityMedium, RecoveryRetry},
	}

	for _, tt := range tests {
		err := &StatusFailure{Origin: tt.origin, StatusCode: tt.status}
		got := c.Classify(fmt.Errorf("wrapped: %w", err), "op", nil)
		if got.Type != tt.typ || got.Severity != tt.severity || got.Recovery != tt.recovery {
			t.Errorf("%s %d: got %s/%s/%s, want %s/%s/%s", tt.origin, tt.status,
				got.Type, got.Severity, got.Recovery, tt.typ, tt.severity, tt.recovery)
		}
	}
}

func TestClassify_RateLimitNotRetriedByDefault(t *testing.T) {
	c := fixedClassifier()
	got := c.Classify(&StatusFailure{Origin: OriginStore, StatusCode: 429}, "sync_token", nil)

	if got.Type != RateLimitExceeded || got.Severity != SeverityMedium {
		t.Fatalf("got %s/%s", got.Type, got.Severity)
	}
	if got.Recovery != RecoveryRetryWithDelay {
		t.Errorf("expected retryWithDelay hint, got %s", got.Recovery)
	}
	if got.Retryable() {
		t.Error("rate limited errors must not be retried by the default policy")
	}
}

func TestClassify_Transport(t *testing.T) {
	c := fixedClassifier()
	tests := []struct {
		name string
		err  error
		want Type
	}{
		{"deadline", context.DeadlineExceeded, ConnectionTimeout},
		{"cancelled", context.Canceled, OperationCancelled},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, NetworkError},
		{"dns", &net.DNSError{Err: "no such host", Name: "db.local"}, NetworkError},
		{"store deadline", &StoreFailure{Op: "insert", Err: context.DeadlineExceeded}, ConnectionTimeout},
		{"store duplicate", &StoreFailure{Op: "insert", Err: domain.ErrDuplicate}, DuplicateRecord},
		{"store status", &StoreFailure{Op: "select", Err: &StatusFailure{Origin: OriginStore, StatusCode: 401}}, AuthenticationError},
		{"store generic", &StoreFailure{Op: "insert", Err: errors.New("pq: deadlock detected")}, DatabaseError},
		{"permission", fmt.Errorf("list: %w", domain.ErrPermissionDenied), PermissionDenied},
		{"unknown", errors.New("boom"), UnknownError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.err, "", nil); got.Type != tt.want {
				t.Errorf("got %s, want %s", got.Type, tt.want)
			}
		})
	}
}

func TestClassify_Boundaries(t *testing.T) {
	c := fixedClassifier()
	var syntaxErr error = json.Unmarshal([]byte("{"), &struct{}{})

	tests := []struct {
		err  error
		want Type
	}{
		{&ValidationFailure{Field: "recipient_id", Missing: true}, MissingRequiredField},
		{&ValidationFailure{Field: "title", Reason: "too long"}, ValidationError},
		{&FormatFailure{What: "realtime payload", Err: syntaxErr}, InvalidFormat},
		{&FormatFailure{What: "record", Corrupt: true, Err: errors.New("bad json")}, DataCorruption},
		{syntaxErr, InvalidFormat},
		{&InitFailure{Component: "push gateway"}, ServiceInitializationError},
		{&ConfigFailure{Key: "push.fcm.project_id", Reason: "empty"}, ConfigurationError},
		{&FeedFailure{Source: "realtime", Err: errors.New("socket closed")}, SubscriptionError},
		{&PushFailure{Reason: PushReasonInvalidToken}, InvalidPushToken},
		{&PushFailure{Reason: PushReasonQuota}, RateLimitExceeded},
		{&PushFailure{Reason: PushReasonRejected, StatusCode: 500}, PushProviderUnavailable},
		{&PushFailure{Reason: PushReasonRejected, Err: context.DeadlineExceeded}, ConnectionTimeout},
	}

	for _, tt := range tests {
		if got := c.Classify(tt.err, "", nil); got.Type != tt.want {
			t.Errorf("%v: got %s, want %s", tt.err, got.Type, tt.want)
		}
	}
}

func TestClassify_FieldsAndCopies(t *testing.T) {
	c := fixedClassifier()
	ctx := map[string]any{"resource": "r-1"}
	cause := &net.OpError{Op: "dial", Err: errors.New("refused")}

	got := c.Classify(cause, "push.ep-1", ctx)
	ctx["resource"] = "mutated"

	if got.OperationID != "push.ep-1" {
		t.Errorf("operation id = %q", got.OperationID)
	}
	if got.Context["resource"] != "r-1" {
		t.Error("context must be copied on creation")
	}
	if got.UserMessage == "" || got.UserMessage == got.Message {
		t.Error("user message must be set and distinct from the technical message")
	}
	if got.TechnicalDetails == "" {
		t.Error("technical details should describe the cause")
	}
	if !got.Timestamp.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", got.Timestamp)
	}
	if !errors.Is(got, cause) {
		t.Error("classified error should unwrap to its cause")
	}

	again := c.Classify(got, "other", map[string]any{"k": 1})
	if again.Type != NetworkError || again.OperationID != "other" || again.Context["resource"] != "r-1" {
		t.Errorf("reclassification should keep type and merge context: %+v", again)
	}
	if got.OperationID != "push.ep-1" || got.Context["k"] != nil {
		t.Error("reclassification must not mutate the original")
	}
}

func TestClassify_NilNeverPanics(t *testing.T) {
	got := fixedClassifier().Classify(nil, "", nil)
	if got.Type != UnknownError || got.Severity != SeverityMedium {
		t.Errorf("got %s/%s", got.Type, got.Severity)
	}
}

func TestError_EscalationAndExhaustion(t *testing.T) {
	c := fixedClassifier()

	if c.Make(NetworkError, "down", "", nil).ShouldEscalate() {
		t.Error("medium network errors should not escalate")
	}
	if !c.Make(ConfigurationError, "missing key", "", nil).ShouldEscalate() {
		t.Error("critical errors should escalate")
	}

	base := c.Make(NetworkError, "dial tcp: refused", "sync_token", nil)
	ex := base.Exhausted(3)
	if ex.Severity != SeverityHigh || ex.Recovery != RecoveryEscalate || !ex.ShouldEscalate() {
		t.Errorf("exhausted = %s/%s escalate=%v", ex.Severity, ex.Recovery, ex.ShouldEscalate())
	}
	if ex.Message != "dial tcp: refused (failed after 3 retries)" {
		t.Errorf("message = %q", ex.Message)
	}
	if base.Severity != SeverityMedium || base.Recovery != RecoveryRetry {
		t.Error("Exhausted must not mutate the original")
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	retryable := []Type{NetworkError, ConnectionTimeout, ServerError, ServiceUnavailable, DatabaseError, UnknownError, PushNotificationError}
	terminal := []Type{AuthenticationError, AuthorizationError, ValidationError, PermissionDenied, RateLimitExceeded}

	for _, typ := range retryable {
		if !Retryable(typ) {
			t.Errorf("%s should be retryable", typ)
		}
	}
	for _, typ := range terminal {
		if Retryable(typ) {
			t.Errorf("%s should not be retryable", typ)
		}
	}
}
