package classify

import (
	"fmt"
	"maps"
	"time"

	"github.com/vietddude/notifyguard/internal/core/domain"
)

// Error is a classified failure. Values are immutable once created; the
// With* helpers return modified copies.
type Error struct {
	Type             Type               `json:"type"`
	Severity         Severity           `json:"severity"`
	Recovery         Recovery           `json:"recovery_strategy"`
	Message          string             `json:"message"`
	UserMessage      string             `json:"user_message"`
	TechnicalDetails string             `json:"technical_details,omitempty"`
	Context          map[string]any     `json:"context,omitempty"`
	OperationID      domain.OperationID `json:"operation_id,omitempty"`
	Timestamp        time.Time          `json:"timestamp"`
	RetryDelay       time.Duration      `json:"retry_delay"`
	Escalate         bool               `json:"escalate"`

	cause error
}

func (e *Error) Error() string {
	if e.OperationID != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Type, e.OperationID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// ShouldEscalate is true for critical errors and errors explicitly marked for escalation.
func (e *Error) ShouldEscalate() bool {
	return e.Severity == SeverityCritical || e.Escalate
}

// Retryable applies the default retry policy to e.
func (e *Error) Retryable() bool {
	return Retryable(e.Type)
}

// Key identifies errors that are the same for escalation throttling.
func (e *Error) Key() string {
	return string(e.Type) + "|" + e.Message
}

// Exhausted returns the escalated form used once the retry budget is spent.
func (e *Error) Exhausted(retries int) *Error {
	c := e.clone()
	c.Severity = SeverityHigh
	c.Recovery = RecoveryEscalate
	c.Escalate = true
	c.Message = fmt.Sprintf("%s (failed after %d retries)", e.Message, retries)
	return c
}

// WithSeverity returns a copy with a different severity.
func (e *Error) WithSeverity(s Severity) *Error {
	c := e.clone()
	c.Severity = s
	return c
}

// WithOperation returns a copy bound to op and carrying extra context.
func (e *Error) WithOperation(op domain.OperationID, ctx map[string]any) *Error {
	c := e.clone()
	if op != "" {
		c.OperationID = op
	}
	for k, v := range ctx {
		if c.Context == nil {
			c.Context = make(map[string]any, len(ctx))
		}
		c.Context[k] = v
	}
	return c
}

func (e *Error) clone() *Error {
	c := *e
	c.Context = maps.Clone(e.Context)
	return &c
}
