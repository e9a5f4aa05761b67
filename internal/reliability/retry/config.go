package retry

import (
	"math"
	"time"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/reliability/classify"
)

// Config defines retry behavior.
type Config struct {
	// MaxRetries of 0 selects the default; a negative value disables retries.
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`

	// ShouldRetry overrides the default policy when set.
	ShouldRetry func(*classify.Error) bool `yaml:"-"`

	// BreakerKey guards the call with another operation's breaker when set.
	// Retry state and cancellation stay keyed by the call's own id.
	BreakerKey domain.OperationID `yaml:"-"`
}

// DefaultConfig returns maxRetries=3, initialDelay=1s, multiplier=2, maxDelay=5m.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Minute,
	}
}

// withDefaults fills zero fields. A negative MaxRetries means no retries.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.Multiplier <= 0 {
		c.Multiplier = def.Multiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	return c
}

func (c Config) shouldRetry(err *classify.Error) bool {
	if c.ShouldRetry != nil {
		return c.ShouldRetry(err)
	}
	return err.Retryable()
}

// JitterFraction is the +/- share of the delay randomised on every sleep.
const JitterFraction = 0.25

// Backoff returns the delay before the given attempt (attempt >= 1):
// clamp(initial * multiplier^(attempt-1), 0, max) with +/-25% uniform jitter, floored at 0.
// rnd must return values in [0, 1).
func Backoff(cfg Config, attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		return 0
	}
	base := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if base > float64(cfg.MaxDelay) || math.IsInf(base, 1) {
		base = float64(cfg.MaxDelay)
	}
	if base < 0 {
		base = 0
	}

	delay := base + base*JitterFraction*(rnd()*2-1)
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
