package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// SaveTransactions stores the normalized records of a run and makes that run the
// case's current dataset. Records of other runs are dropped in the same transaction.
func (r *SQLRepository) SaveTransactions(ctx context.Context, caseID string, runNumber int64, records []domain.TransactionRecord) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.guardRun(ctx, tx, caseID, runNumber,
			`UPDATE cases SET dataset_run = ?, record_count = ?, updated_at = ?
			 WHERE id = ? AND run_number = ? AND state = ?`,
			runNumber, len(records), time.Now().UTC(), caseID, runNumber, string(domain.CaseProcessing),
		); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM case_transactions WHERE case_id = ?`), caseID); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, r.rebind(`
			INSERT INTO case_transactions (
				case_id, run_number, seq, tx_id, tx_date, amount, vendor, description, source_line
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, rec := range records {
			if _, err := stmt.ExecContext(ctx,
				caseID, runNumber, i, rec.ID, rec.Date, rec.Amount, rec.Vendor, rec.Description, rec.SourceLine,
			); err != nil {
				return fmt.Errorf("failed to store record %s: %w", rec.ID, err)
			}
		}
		return nil
	})
}

// ListTransactions returns the records stored for a run in normalized order.
func (r *SQLRepository) ListTransactions(ctx context.Context, caseID string, runNumber int64) ([]domain.TransactionRecord, error) {
	query := `
		SELECT tx_id, tx_date, amount, vendor, description, source_line
		FROM case_transactions
		WHERE case_id = ? AND run_number = ?
		ORDER BY seq
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), caseID, runNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.TransactionRecord
	for rows.Next() {
		var rec domain.TransactionRecord
		if err := rows.Scan(&rec.ID, &rec.Date, &rec.Amount, &rec.Vendor, &rec.Description, &rec.SourceLine); err != nil {
			return nil, err
		}
		rec.Date = rec.Date.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveRun inserts or updates an analysis run record. Timestamps already set are kept
// when the update leaves them empty.
func (r *SQLRepository) SaveRun(ctx context.Context, run *domain.AnalysisRun) error {
	if run == nil || run.CaseID == "" || run.RunNumber <= 0 {
		return fmt.Errorf("%w: run requires case id and positive run number", ErrInvalidInput)
	}

	query := `
		INSERT INTO analysis_runs (
			case_id, run_number, status, error, assessment_id, queued_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id, run_number) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			assessment_id = excluded.assessment_id,
			started_at = COALESCE(excluded.started_at, analysis_runs.started_at),
			finished_at = COALESCE(excluded.finished_at, analysis_runs.finished_at)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		run.CaseID, run.RunNumber, string(run.Status), run.Error, run.AssessmentID,
		run.QueuedAt, run.StartedAt, run.FinishedAt,
	)
	return err
}

// ListRuns returns the run history of a case, newest first.
func (r *SQLRepository) ListRuns(ctx context.Context, caseID string) ([]*domain.AnalysisRun, error) {
	query := `
		SELECT case_id, run_number, status, error, assessment_id, queued_at, started_at, finished_at
		FROM analysis_runs
		WHERE case_id = ?
		ORDER BY run_number DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.AnalysisRun
	for rows.Next() {
		var run domain.AnalysisRun
		var status string
		var started, finished sql.NullTime
		if err := rows.Scan(
			&run.CaseID, &run.RunNumber, &status, &run.Error, &run.AssessmentID,
			&run.QueuedAt, &started, &finished,
		); err != nil {
			return nil, err
		}
		run.Status = domain.RunStatus(status)
		if started.Valid {
			run.StartedAt = &started.Time
		}
		if finished.Valid {
			run.FinishedAt = &finished.Time
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// SaveDetectorRule inserts or updates a CEL detector rule.
func (r *SQLRepository) SaveDetectorRule(ctx context.Context, rule *domain.DetectorRule) error {
	if rule == nil || rule.ID == "" || rule.Expression == "" {
		return fmt.Errorf("%w: rule requires id and expression", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO detector_rules (
			id, name, description, expression, max_contribution, reason, explanation, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			max_contribution = excluded.max_contribution,
			reason = excluded.reason,
			explanation = excluded.explanation,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Expression, rule.MaxContribution,
		rule.Reason, rule.Explanation, enabled, rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// ListDetectorRules returns every stored rule, enabled or not, ordered by ID.
func (r *SQLRepository) ListDetectorRules(ctx context.Context) ([]*domain.DetectorRule, error) {
	query := `
		SELECT id, name, description, expression, max_contribution, reason, explanation, enabled, created_at, updated_at
		FROM detector_rules
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.DetectorRule
	for rows.Next() {
		var rule domain.DetectorRule
		var description sql.NullString
		var enabled int
		if err := rows.Scan(
			&rule.ID, &rule.Name, &description, &rule.Expression, &rule.MaxContribution,
			&rule.Reason, &rule.Explanation, &enabled, &rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rule.Description = description.String
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}
