package push

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/reliability/classify"
)

// LogGateway records messages instead of delivering them. Tokens listed in
// InvalidTokens fail the way an unregistered FCM token does.
type LogGateway struct {
	log *slog.Logger

	mu            sync.Mutex
	sent          []domain.PushMessage
	invalidTokens map[string]bool
}

// NewLogGateway creates a mock-mode gateway.
func NewLogGateway(log *slog.Logger, invalidTokens ...string) *LogGateway {
	if log == nil {
		log = slog.Default()
	}
	g := &LogGateway{log: log.With("component", "push", "mode", "log"), invalidTokens: make(map[string]bool)}
	for _, t := range invalidTokens {
		g.invalidTokens[t] = true
	}
	return g
}

func (g *LogGateway) Send(ctx context.Context, msg domain.PushMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	invalid := g.invalidTokens[msg.Token]
	if !invalid {
		g.sent = append(g.sent, msg)
	}
	g.mu.Unlock()

	if invalid {
		return &classify.PushFailure{Reason: classify.PushReasonInvalidToken, StatusCode: 404}
	}
	g.log.Info("Push message", "token", redact(msg.Token), "title", msg.Title)
	return nil
}

// Sent returns every message accepted so far.
func (g *LogGateway) Sent() []domain.PushMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.PushMessage(nil), g.sent...)
}

func redact(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
