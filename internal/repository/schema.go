package repository

// Schema definitions for the Harrier case store.
// Compatible with both SQLite and PostgreSQL.

const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    principal TEXT NOT NULL,
    document_ref TEXT NOT NULL,
    state TEXT NOT NULL,
    run_number INTEGER NOT NULL DEFAULT 0,
    assessment_id TEXT NOT NULL DEFAULT '',
    dataset_run INTEGER NOT NULL DEFAULT 0,
    record_count INTEGER NOT NULL DEFAULT 0,
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cases_principal ON cases(principal, created_at);
CREATE INDEX IF NOT EXISTS idx_cases_state ON cases(state);
`

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    run_number INTEGER NOT NULL,
    score REAL NOT NULL,
    level TEXT NOT NULL,
    signals TEXT NOT NULL,
    contributions TEXT NOT NULL,
    outcomes TEXT NOT NULL,
    recommendations TEXT NOT NULL,
    narrative TEXT NOT NULL,
    narrative_source TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_case ON assessments(case_id, run_number);
`

// schemaTransactions holds the normalized records of a case, keyed by the run that produced them.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS case_transactions (
    case_id TEXT NOT NULL,
    run_number INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    tx_id TEXT NOT NULL,
    tx_date TIMESTAMP NOT NULL,
    amount BIGINT NOT NULL,
    vendor TEXT NOT NULL,
    description TEXT NOT NULL,
    source_line INTEGER NOT NULL,
    PRIMARY KEY (case_id, run_number, seq)
);
`

const schemaRuns = `
CREATE TABLE IF NOT EXISTS analysis_runs (
    case_id TEXT NOT NULL,
    run_number INTEGER NOT NULL,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    assessment_id TEXT NOT NULL DEFAULT '',
    queued_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    PRIMARY KEY (case_id, run_number)
);
`

const schemaDetectorRules = `
CREATE TABLE IF NOT EXISTS detector_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    max_contribution REAL NOT NULL,
    reason TEXT NOT NULL,
    explanation TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCases,
		schemaAssessments,
		schemaTransactions,
		schemaRuns,
		schemaDetectorRules,
	}
}
