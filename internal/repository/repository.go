// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = fmt.Errorf("%w: invalid input", domain.ErrValidation)
)

// SQLRepository implements domain.CaseStore using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// Put inserts or replaces a case.
func (r *SQLRepository) Put(ctx context.Context, c *domain.Case) error {
	if c == nil || c.ID == "" || c.Principal == "" {
		return fmt.Errorf("%w: case id and principal are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO cases (
			id, principal, document_ref, state, run_number, assessment_id,
			dataset_run, record_count, failure_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			run_number = excluded.run_number,
			assessment_id = excluded.assessment_id,
			dataset_run = excluded.dataset_run,
			record_count = excluded.record_count,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, c.Principal, c.DocumentRef, string(c.State), c.RunNumber, c.AssessmentID,
		c.DatasetRun, c.RecordCount, c.FailureReason, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

const caseColumns = `id, principal, document_ref, state, run_number, assessment_id,
		dataset_run, record_count, failure_reason, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCase(s scanner) (*domain.Case, error) {
	var c domain.Case
	var state string
	if err := s.Scan(
		&c.ID, &c.Principal, &c.DocumentRef, &state, &c.RunNumber, &c.AssessmentID,
		&c.DatasetRun, &c.RecordCount, &c.FailureReason, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.State = domain.CaseState(state)
	return &c, nil
}

// Get retrieves a case by ID.
func (r *SQLRepository) Get(ctx context.Context, caseID string) (*domain.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE id = ?`

	c, err := scanCase(r.db.QueryRowContext(ctx, r.rebind(query), caseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCaseNotFound
	}
	return c, err
}

// List returns the principal's cases, newest first. An empty principal lists all cases.
func (r *SQLRepository) List(ctx context.Context, principal string, limit int) ([]*domain.Case, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT ` + caseColumns + ` FROM cases WHERE (? = '' OR principal = ?) ORDER BY created_at DESC, id LIMIT ` + strconv.Itoa(limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), principal, principal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// CountByState returns the number of cases per state. An empty principal counts all cases.
func (r *SQLRepository) CountByState(ctx context.Context, principal string) (map[domain.CaseState]int, error) {
	query := `SELECT state, COUNT(*) FROM cases WHERE (? = '' OR principal = ?) GROUP BY state`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), principal, principal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.CaseState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[domain.CaseState(state)] = n
	}
	return counts, rows.Err()
}

// PutAssessment stores the assessment, completes the run and moves the case to analyzed
// in one transaction, provided runNumber is still the case's current processing run.
func (r *SQLRepository) PutAssessment(ctx context.Context, caseID string, runNumber int64, a *domain.RiskAssessment) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: assessment id is required", ErrInvalidInput)
	}

	signals, _ := json.Marshal(a.Signals)
	contributions, _ := json.Marshal(a.Contributions)
	outcomes, _ := json.Marshal(a.Outcomes)
	recommendations, _ := json.Marshal(a.Recommendations)
	now := time.Now().UTC()

	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.guardRun(ctx, tx, caseID, runNumber,
			`UPDATE cases SET state = ?, assessment_id = ?, failure_reason = '', updated_at = ?
			 WHERE id = ? AND run_number = ? AND state = ?`,
			string(domain.CaseAnalyzed), a.ID, now, caseID, runNumber, string(domain.CaseProcessing),
		); err != nil {
			return err
		}

		query := `
			INSERT INTO assessments (
				id, case_id, run_number, score, level, signals, contributions,
				outcomes, recommendations, narrative, narrative_source, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		if _, err := tx.ExecContext(ctx, r.rebind(query),
			a.ID, caseID, runNumber, a.Score, string(a.Level), string(signals), string(contributions),
			string(outcomes), string(recommendations), a.Narrative, a.NarrativeSource, a.CreatedAt,
		); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, r.rebind(`
			UPDATE analysis_runs SET status = ?, assessment_id = ?, finished_at = ?
			WHERE case_id = ? AND run_number = ?`),
			string(domain.RunCompleted), a.ID, now, caseID, runNumber,
		)
		return err
	})
}

// FailRun moves the case to failed under the same run-number guard as PutAssessment.
func (r *SQLRepository) FailRun(ctx context.Context, caseID string, runNumber int64, reason string) error {
	now := time.Now().UTC()

	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.guardRun(ctx, tx, caseID, runNumber,
			`UPDATE cases SET state = ?, failure_reason = ?, updated_at = ?
			 WHERE id = ? AND run_number = ? AND state = ?`,
			string(domain.CaseFailed), reason, now, caseID, runNumber, string(domain.CaseProcessing),
		); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, r.rebind(`
			UPDATE analysis_runs SET status = ?, error = ?, finished_at = ?
			WHERE case_id = ? AND run_number = ?`),
			string(domain.RunFailed), reason, now, caseID, runNumber,
		)
		return err
	})
}

// guardRun executes a conditional case update and maps "no row changed" onto
// ErrCaseNotFound or ErrStaleRun.
func (r *SQLRepository) guardRun(ctx context.Context, tx *sql.Tx, caseID string, runNumber int64, query string, args ...any) error {
	result, err := tx.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var current int64
	err = tx.QueryRowContext(ctx, r.rebind(`SELECT run_number FROM cases WHERE id = ?`), caseID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrCaseNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: run %d, current run %d", domain.ErrStaleRun, runNumber, current)
}

func (r *SQLRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

const assessmentColumns = `a.id, a.case_id, a.run_number, a.score, a.level, a.signals, a.contributions,
		a.outcomes, a.recommendations, a.narrative, a.narrative_source, a.created_at`

func scanAssessment(s scanner) (*domain.RiskAssessment, error) {
	var a domain.RiskAssessment
	var level, signals, contributions, outcomes, recommendations string
	if err := s.Scan(
		&a.ID, &a.CaseID, &a.RunNumber, &a.Score, &level, &signals, &contributions,
		&outcomes, &recommendations, &a.Narrative, &a.NarrativeSource, &a.CreatedAt,
	); err != nil {
		return nil, err
	}
	a.Level = domain.RiskLevel(level)
	if err := json.Unmarshal([]byte(signals), &a.Signals); err != nil {
		return nil, fmt.Errorf("failed to parse signals of assessment %s: %w", a.ID, err)
	}
	json.Unmarshal([]byte(contributions), &a.Contributions)
	json.Unmarshal([]byte(outcomes), &a.Outcomes)
	json.Unmarshal([]byte(recommendations), &a.Recommendations)
	return &a, nil
}

// GetAssessment retrieves an assessment by ID.
func (r *SQLRepository) GetAssessment(ctx context.Context, assessmentID string) (*domain.RiskAssessment, error) {
	query := `SELECT ` + assessmentColumns + ` FROM assessments a WHERE a.id = ?`

	a, err := scanAssessment(r.db.QueryRowContext(ctx, r.rebind(query), assessmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAssessments returns the assessment history of a case, newest run first.
func (r *SQLRepository) ListAssessments(ctx context.Context, caseID string) ([]*domain.RiskAssessment, error) {
	query := `SELECT ` + assessmentColumns + ` FROM assessments a WHERE a.case_id = ? ORDER BY a.run_number DESC`
	return r.queryAssessments(ctx, query, caseID)
}

// LatestAssessments returns the current assessment of every analyzed case of a principal.
// An empty principal covers all cases.
func (r *SQLRepository) LatestAssessments(ctx context.Context, principal string) ([]*domain.RiskAssessment, error) {
	query := `SELECT ` + assessmentColumns + `
		FROM assessments a
		JOIN cases c ON c.assessment_id = a.id
		WHERE (? = '' OR c.principal = ?)
		ORDER BY a.created_at DESC`
	return r.queryAssessments(ctx, query, principal, principal)
}

func (r *SQLRepository) queryAssessments(ctx context.Context, query string, args ...any) ([]*domain.RiskAssessment, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RiskAssessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
