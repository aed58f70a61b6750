// Package config provides project configuration loading for flowline.
// It is decoupled from CLI concerns so the scheduler daemon and other
// tools can load the same project file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/flowline-labs/flowline/internal/adapter"
)

// Config holds the full project configuration, normally loaded from
// flowline.yaml at the project root.
type Config struct {
	// ModelsDir is the directory scanned for model declaration files
	ModelsDir string `koanf:"models_dir"`

	// SourcesFile declares externally owned tables
	SourcesFile string `koanf:"sources_file"`

	// StatePath is the SQLite file holding run and slot history
	StatePath string `koanf:"state_path"`

	// Target is the warehouse connection
	Target TargetConfig `koanf:"target"`

	// Schedule configures the cadence daemon
	Schedule ScheduleConfig `koanf:"schedule"`

	// Listen is the control API address for `flowline serve`
	Listen string `koanf:"listen"`

	// Verbose enables debug logging
	Verbose bool `koanf:"verbose"`
}

// TargetConfig holds warehouse target configuration.
type TargetConfig struct {
	Type string `koanf:"type"` // duckdb, postgres

	// File-based databases (DuckDB)
	Path string `koanf:"path"`

	// Network databases
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Database string `koanf:"database"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`

	// Schema is the default schema models materialize into
	Schema string `koanf:"schema"`

	// MaxConnections bounds the warehouse connection pool
	MaxConnections int `koanf:"max_connections"`
}

// ScheduleConfig holds cadence configuration for the scheduler daemon.
type ScheduleConfig struct {
	// Interval is a cron expression or descriptor such as "@daily"
	Interval string `koanf:"interval"`

	// Catchup runs every missed boundary on startup instead of only the
	// most recent one
	Catchup bool `koanf:"catchup"`

	// StartDate anchors the cadence ("2026-01-01" or RFC 3339)
	StartDate string `koanf:"start_date"`

	// MaxConcurrentModels bounds parallel model execution within a run
	MaxConcurrentModels int `koanf:"max_concurrent_models"`
}

// AdapterConfig converts the target into an adapter connection config.
func (t *TargetConfig) AdapterConfig() adapter.Config {
	return adapter.Config{
		Type:           t.Type,
		Path:           t.Path,
		Host:           t.Host,
		Port:           t.Port,
		Database:       t.Database,
		Username:       t.User,
		Password:       t.Password,
		Schema:         t.Schema,
		MaxConnections: t.MaxConnections,
	}
}

// Validate checks the target against the adapter registry.
func (t *TargetConfig) Validate() error {
	if t.Type == "" {
		return fmt.Errorf("target type is required")
	}
	if !adapter.IsRegistered(strings.ToLower(t.Type)) {
		return &adapter.UnknownAdapterError{
			Type:      t.Type,
			Available: adapter.List(),
		}
	}
	return nil
}

// StartTime parses the schedule's start date. Dates without a time
// component anchor at midnight UTC. Zero time when unset.
func (s *ScheduleConfig) StartTime() (time.Time, error) {
	if s.StartDate == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s.StartDate); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s.StartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start_date %q: use YYYY-MM-DD or RFC 3339", s.StartDate)
	}
	return t.UTC(), nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if c.ModelsDir == "" {
		return fmt.Errorf("models_dir is required")
	}
	if err := c.Target.Validate(); err != nil {
		return err
	}
	if _, err := c.Schedule.StartTime(); err != nil {
		return err
	}
	if c.Schedule.MaxConcurrentModels < 0 {
		return fmt.Errorf("max_concurrent_models must not be negative")
	}
	return nil
}
