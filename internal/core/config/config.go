package config

import (
	"time"

	"github.com/vietddude/notifyguard/internal/infra/push"
	redisclient "github.com/vietddude/notifyguard/internal/infra/redis"
	"github.com/vietddude/notifyguard/internal/infra/storage/sqlstore"
	"github.com/vietddude/notifyguard/internal/infra/supabase"
	"github.com/vietddude/notifyguard/internal/notify/capacity"
	"github.com/vietddude/notifyguard/internal/notify/dispatch"
	"github.com/vietddude/notifyguard/internal/reliability/breaker"
	"github.com/vietddude/notifyguard/internal/reliability/health"
	"github.com/vietddude/notifyguard/internal/reliability/retry"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQL      = "sql"
	BackendSupabase = "supabase"
)

// Push providers.
const (
	ProviderFCM = "fcm"
	ProviderLog = "log"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Store      StoreConfig      `yaml:"store"`
	Database   sqlstore.Config  `yaml:"database"`
	Supabase   supabase.Config  `yaml:"supabase"`
	Redis      RedisConfig      `yaml:"redis"`
	ChangeFeed ChangeFeedConfig `yaml:"change_feed"`
	Capacity   capacity.Config  `yaml:"capacity"`
	Retry      retry.Config     `yaml:"retry"`
	Breaker    breaker.Config   `yaml:"breaker"`
	Health     health.Config    `yaml:"health"`
	Push       PushConfig       `yaml:"push"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // memory, sql, supabase
}

// RedisConfig enables the distributed claim and the escalation stream.
type RedisConfig struct {
	redisclient.Config `yaml:",inline"`

	Enabled          bool          `yaml:"enabled"`
	ClaimTTL         time.Duration `yaml:"claim_ttl"`
	EscalationStream bool          `yaml:"escalation_stream"`
	StreamMaxLen     int64         `yaml:"stream_max_len"`
}

// ChangeFeedConfig controls the membership event channel.
type ChangeFeedConfig struct {
	Enabled  bool                    `yaml:"enabled"`
	Realtime supabase.RealtimeConfig `yaml:"realtime"`
}

// PushConfig selects the push provider and fan-out limits.
type PushConfig struct {
	Provider string          `yaml:"provider"` // fcm, log
	FCM      push.FCMConfig  `yaml:"fcm"`
	Dispatch dispatch.Config `yaml:"dispatch"`
	Invalid  []string        `yaml:"invalid_tokens"` // log provider only
}

// ReconcileConfig controls re-dispatch of unconfirmed capacity claims.
type ReconcileConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron spec or @every descriptor
}

// RetentionConfig controls the notification pruner. A zero MaxAge disables it.
type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"max_age"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used for every key the file leaves out.
func Default() AppConfig {
	return AppConfig{
		Server:  ServerConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Store:   StoreConfig{Backend: BackendMemory},
		Database: sqlstore.Config{
			Driver:   sqlstore.DriverPostgres,
			MaxConns: 10,
			MinConns: 2,
		},
		Supabase: supabase.Config{
			Schema:  "public",
			Timeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Config:       redisclient.Config{KeyPrefix: "notifyguard"},
			ClaimTTL:     7 * 24 * time.Hour,
			StreamMaxLen: 10000,
		},
		ChangeFeed: ChangeFeedConfig{
			Enabled:  true,
			Realtime: supabase.DefaultRealtimeConfig(),
		},
		Capacity: capacity.DefaultConfig(),
		Retry:    retry.DefaultConfig(),
		Breaker:  breaker.DefaultConfig(),
		Health:   health.DefaultConfig(),
		Push: PushConfig{
			Provider: ProviderLog,
			Dispatch: dispatch.DefaultConfig(),
		},
		Reconcile: ReconcileConfig{Schedule: "@every 5m"},
		Retention: RetentionConfig{
			MaxAge:   30 * 24 * time.Hour,
			Interval: time.Hour,
		},
	}
}
