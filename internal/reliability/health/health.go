// Package health aggregates classified errors into statistics and a coarse
// health status, and escalates serious errors to an external tracker.
package health

import (
	"time"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/reliability/classify"
)

// SystemStatus represents the overall health state of the subsystem.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Config holds monitor thresholds.
type Config struct {
	RecentErrors      int           `yaml:"recent_errors"`
	Window            time.Duration `yaml:"window"`
	EscalationWindow  time.Duration `yaml:"escalation_window"`
	DegradedErrorRate float64       `yaml:"degraded_error_rate"`
	CriticalErrorRate float64       `yaml:"critical_error_rate"`
	MinSamples        int           `yaml:"min_samples"`
	ReportTimeout     time.Duration `yaml:"report_timeout"`
}

// DefaultConfig keeps 100 recent errors, a 5m health window and a 5m escalation throttle.
func DefaultConfig() Config {
	return Config{
		RecentErrors:      100,
		Window:            5 * time.Minute,
		EscalationWindow:  5 * time.Minute,
		DegradedErrorRate: 0.05,
		CriticalErrorRate: 0.10,
		MinSamples:        10,
		ReportTimeout:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RecentErrors <= 0 {
		c.RecentErrors = def.RecentErrors
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.EscalationWindow <= 0 {
		c.EscalationWindow = def.EscalationWindow
	}
	if c.DegradedErrorRate <= 0 {
		c.DegradedErrorRate = def.DegradedErrorRate
	}
	if c.CriticalErrorRate <= 0 {
		c.CriticalErrorRate = def.CriticalErrorRate
	}
	if c.MinSamples <= 0 {
		c.MinSamples = def.MinSamples
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = def.ReportTimeout
	}
	return c
}

// ErrorStatistics summarises every error recorded since start.
type ErrorStatistics struct {
	Total       int64                       `json:"total"`
	ByType      map[classify.Type]int64     `json:"by_type"`
	BySeverity  map[classify.Severity]int64 `json:"by_severity"`
	InWindow    int                         `json:"in_window"`
	Window      string                      `json:"window"`
	LastErrorAt *time.Time                  `json:"last_error_at,omitempty"`
	Escalated   int64                       `json:"escalated"`
	Throttled   int64                       `json:"throttled"`
}

// OperationStats summarises finished sequences of one operation kind.
type OperationStats struct {
	Total       int64   `json:"total"`
	Successes   int64   `json:"successes"`
	Failures    int64   `json:"failures"`
	SuccessRate float64 `json:"success_rate"`
	AvgMillis   float64 `json:"avg_duration_ms"`
	MinMillis   float64 `json:"min_duration_ms"`
	MaxMillis   float64 `json:"max_duration_ms"`
}

// HealthStatus is the coarse status with the signals that produced it.
type HealthStatus struct {
	Status         SystemStatus         `json:"status"`
	ErrorRate      float64              `json:"error_rate"`
	Samples        int                  `json:"samples"`
	CriticalErrors int                  `json:"critical_errors"`
	HighErrors     int                  `json:"high_errors"`
	OpenCircuits   []domain.OperationID `json:"open_circuits,omitempty"`
	Reasons        []string             `json:"reasons,omitempty"`
	CheckedAt      time.Time            `json:"checked_at"`
}
