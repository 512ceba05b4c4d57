// Package storage defines the run journal: a record of how each run ended.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
//
// The journal stores outcomes only. Message history is never persisted.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get for an unknown run ID.
	ErrNotFound = errors.New("run not found")
	// ErrDuplicate is returned by Record when the run ID is already journaled.
	ErrDuplicate = errors.New("run already recorded")
)

// RunRecord is the journaled outcome of one run. Delegated sub-runs are
// recorded with ParentID set to the run that spawned them.
type RunRecord struct {
	ID           string    `json:"id"`
	ParentID     string    `json:"parent_id,omitempty"`
	Depth        int       `json:"depth"`
	Query        string    `json:"query"`
	ContextChars int       `json:"context_chars"`
	Truncated    bool      `json:"truncated"`
	Model        string    `json:"model"`
	Status       string    `json:"status"`
	Answer       string    `json:"answer,omitempty"`
	Error        string    `json:"error,omitempty"`
	LLMCalls     int       `json:"llm_calls"`
	Iterations   int       `json:"iterations"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Status   string
	ParentID string
	RootOnly bool // Only runs started at depth 0.
	Limit    int  // Default: 50.
}

// Journal persists run outcomes. Implementations are safe for concurrent use.
type Journal interface {
	Record(ctx context.Context, rec *RunRecord) error
	Get(ctx context.Context, id string) (*RunRecord, error)
	// List returns records newest first.
	List(ctx context.Context, f ListFilter) ([]RunRecord, error)
	// Prune deletes records created before cutoff and reports how many.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver    string          `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite    SQLiteConfig    `json:"sqlite" yaml:"sqlite"`
	Postgres  PostgresConfig  `json:"postgres" yaml:"postgres"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/rlm.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// RetentionConfig controls journal pruning.
type RetentionConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // Cron expression. Default: "@daily".
	Days     int    `json:"days" yaml:"days"`         // Default: 30.
}

const (
	// DefaultDriver is the default storage driver.
	DefaultDriver = "sqlite"
	// DriverSQLite is the SQLite driver name.
	DriverSQLite = "sqlite"
	// DriverPostgres is the PostgreSQL driver name.
	DriverPostgres = "postgres"

	DefaultListLimit         = 50
	DefaultRetentionSchedule = "@daily"
	DefaultRetentionDays     = 30
)
