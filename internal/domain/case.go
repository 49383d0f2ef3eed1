package domain

import (
	"time"
)

// CaseState is the lifecycle state of a case.
type CaseState string

const (
	CaseUploaded   CaseState = "uploaded"
	CaseProcessing CaseState = "processing"
	CaseAnalyzed   CaseState = "analyzed"
	CaseFailed     CaseState = "failed"
)

// Terminal reports whether no run is expected to move the case further.
func (s CaseState) Terminal() bool {
	return s == CaseAnalyzed || s == CaseFailed
}

// Case is the unit of work tracking one document.
type Case struct {
	ID            string    `json:"id"`
	Principal     string    `json:"principal"`
	DocumentRef   string    `json:"documentRef"`
	State         CaseState `json:"state"`
	RunNumber     int64     `json:"runNumber"`
	AssessmentID  string    `json:"assessmentId,omitempty"`
	DatasetRun    int64     `json:"datasetRun,omitempty"` // run whose normalized records are current
	RecordCount   int       `json:"recordCount"`
	FailureReason string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// CaseView is what pollers receive for a case.
type CaseView struct {
	Case       *Case           `json:"case"`
	Assessment *RiskAssessment `json:"assessment,omitempty"`
}

// RunStatus tracks an analysis run record.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunDiscarded RunStatus = "discarded"
)

// AnalysisRun is the history entry of one analysis attempt.
type AnalysisRun struct {
	CaseID       string     `json:"caseId"`
	RunNumber    int64      `json:"runNumber"`
	Status       RunStatus  `json:"status"`
	Error        string     `json:"error,omitempty"`
	AssessmentID string     `json:"assessmentId,omitempty"`
	QueuedAt     time.Time  `json:"queuedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// AnalysisJob is the payload published when a run is scheduled.
type AnalysisJob struct {
	CaseID      string `json:"caseId"`
	RunNumber   int64  `json:"runNumber"`
	DocumentRef string `json:"documentRef"`
	Principal   string `json:"principal"`
	TraceID     string `json:"traceId,omitempty"`
}

// CaseEvent is published after a run reaches a terminal state.
type CaseEvent struct {
	CaseID    string    `json:"caseId"`
	RunNumber int64     `json:"runNumber"`
	State     CaseState `json:"state"`
	Score     float64   `json:"score,omitempty"`
	Level     RiskLevel `json:"level,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
