// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"time"
)

// CaseStore defines the persistence boundary for cases and their artifacts.
// Writes that finish a run are guarded by an optimistic check on the run number.
type CaseStore interface {
	// Case operations
	Put(ctx context.Context, c *Case) error
	Get(ctx context.Context, caseID string) (*Case, error)
	List(ctx context.Context, principal string, limit int) ([]*Case, error)
	CountByState(ctx context.Context, principal string) (map[CaseState]int, error)

	// PutAssessment stores the assessment and moves the case to analyzed,
	// only when runNumber is still the case's current run. Returns ErrStaleRun otherwise.
	PutAssessment(ctx context.Context, caseID string, runNumber int64, a *RiskAssessment) error

	// FailRun moves the case to failed under the same run-number guard.
	FailRun(ctx context.Context, caseID string, runNumber int64, reason string) error

	// Assessment history
	GetAssessment(ctx context.Context, assessmentID string) (*RiskAssessment, error)
	ListAssessments(ctx context.Context, caseID string) ([]*RiskAssessment, error)
	LatestAssessments(ctx context.Context, principal string) ([]*RiskAssessment, error)

	// Normalized records, keyed by case and run
	SaveTransactions(ctx context.Context, caseID string, runNumber int64, records []TransactionRecord) error
	ListTransactions(ctx context.Context, caseID string, runNumber int64) ([]TransactionRecord, error)

	// Analysis run records
	SaveRun(ctx context.Context, run *AnalysisRun) error
	ListRuns(ctx context.Context, caseID string) ([]*AnalysisRun, error)

	// CEL detector rules
	SaveDetectorRule(ctx context.Context, rule *DetectorRule) error
	ListDetectorRules(ctx context.Context) ([]*DetectorRule, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL specific. PostgresURL, when set, takes precedence over the discrete fields.
	PostgresURL      string `yaml:"postgres_url"`
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
