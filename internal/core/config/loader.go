package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/notifyguard/internal/infra/storage/sqlstore"
	"github.com/vietddude/notifyguard/internal/reliability/classify"
)

// Load reads configuration from a YAML file on top of Default.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content with ${VAR} expansion, fills defaults and validates.
func Parse(data []byte) (*AppConfig, error) {
	cfg := Default()

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Defaults are prefilled, so a zero here was written explicitly and means
	// no retries rather than the executor default.
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = -1
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults restores defaults for keys present in the file but left empty.
func (c *AppConfig) applyDefaults() {
	def := Default()
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Store.Backend == "" {
		c.Store.Backend = def.Store.Backend
	}
	if c.Database.Driver == "" {
		c.Database.Driver = def.Database.Driver
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = def.Redis.KeyPrefix
	}
	if c.Redis.ClaimTTL <= 0 {
		c.Redis.ClaimTTL = def.Redis.ClaimTTL
	}
	if c.Push.Provider == "" {
		c.Push.Provider = def.Push.Provider
	}
	if c.Reconcile.Schedule == "" {
		c.Reconcile.Schedule = def.Reconcile.Schedule
	}
	if c.Retention.Interval <= 0 {
		c.Retention.Interval = def.Retention.Interval
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
}

// Validate rejects inconsistent settings. Every problem is reported as a
// configuration failure so it classifies as configurationError.
func (c *AppConfig) Validate() error {
	var errs []error
	invalid := func(key, reason string) {
		errs = append(errs, &classify.ConfigFailure{Key: key, Reason: reason})
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQL:
		if c.Database.URL == "" {
			invalid("database.url", "required when store.backend is sql")
		}
		switch c.Database.Driver {
		case sqlstore.DriverPostgres, sqlstore.DriverPgx, sqlstore.DriverSQLite:
		default:
			invalid("database.driver", fmt.Sprintf("unsupported driver %q", c.Database.Driver))
		}
	case BackendSupabase:
		if c.Supabase.URL == "" {
			invalid("supabase.url", "required when store.backend is supabase")
		}
		if c.Supabase.APIKey == "" {
			invalid("supabase.api_key", "required when store.backend is supabase")
		}
	default:
		invalid("store.backend", fmt.Sprintf("unknown backend %q", c.Store.Backend))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		invalid("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}

	switch c.Push.Provider {
	case ProviderLog:
	case ProviderFCM:
		if c.Push.FCM.ProjectID == "" {
			invalid("push.fcm.project_id", "required when push.provider is fcm")
		}
	default:
		invalid("push.provider", fmt.Sprintf("unknown provider %q", c.Push.Provider))
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		invalid("redis.url", "required when redis.enabled is true")
	}
	if c.Redis.EscalationStream && !c.Redis.Enabled {
		invalid("redis.escalation_stream", "requires redis.enabled")
	}

	if c.Reconcile.Enabled {
		if _, err := cron.ParseStandard(c.Reconcile.Schedule); err != nil {
			invalid("reconcile.schedule", err.Error())
		}
	}

	if c.Retry.InitialDelay > c.Retry.MaxDelay && c.Retry.MaxDelay > 0 {
		invalid("retry.initial_delay", "must not exceed retry.max_delay")
	}
	if c.Health.DegradedErrorRate > c.Health.CriticalErrorRate && c.Health.CriticalErrorRate > 0 {
		invalid("health.degraded_error_rate", "must not exceed health.critical_error_rate")
	}
	if c.Retention.MaxAge < 0 {
		invalid("retention.max_age", "must not be negative")
	}

	return errors.Join(errs...)
}
