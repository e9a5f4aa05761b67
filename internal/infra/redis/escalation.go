package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/notifyguard/internal/reliability/classify"
)

func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// EscalationStream appends escalated errors to a capped Redis stream for
// external consumers.
type EscalationStream struct {
	c      *Client
	maxLen int64
}

// NewEscalationStream creates a tracker. maxLen <= 0 means 10000 entries.
func NewEscalationStream(c *Client, maxLen int64) *EscalationStream {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &EscalationStream{c: c, maxLen: maxLen}
}

// Report implements health.Tracker.
func (s *EscalationStream) Report(ctx context.Context, err *classify.Error) error {
	values, encErr := escalationValues(err)
	if encErr != nil {
		return encErr
	}
	return storeErr("xadd", s.c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.c.escalationKey(),
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err())
}

// Recent returns up to count of the newest escalations, newest first.
func (s *EscalationStream) Recent(ctx context.Context, count int64) ([]map[string]any, error) {
	msgs, err := s.c.rdb.XRevRangeN(ctx, s.c.escalationKey(), "+", "-", count).Result()
	if err != nil {
		return nil, storeErr("xrevrange", err)
	}
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Values)
	}
	return out, nil
}

func escalationValues(err *classify.Error) (map[string]any, error) {
	ctxJSON, mErr := json.Marshal(err.Context)
	if mErr != nil {
		return nil, &classify.FormatFailure{What: "escalation context", Err: mErr}
	}
	return map[string]any{
		"type":      string(err.Type),
		"severity":  string(err.Severity),
		"recovery":  string(err.Recovery),
		"operation": string(err.OperationID),
		"message":   err.Message,
		"details":   err.TechnicalDetails,
		"context":   string(ctxJSON),
		"timestamp": err.Timestamp.UTC().Format(time.RFC3339Nano),
	}, nil
}
