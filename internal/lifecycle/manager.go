// Package lifecycle owns the case state machine and drives analysis runs.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/detect"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/explain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/scoring"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("harrier-lifecycle")

// Deps are the collaborators of a Manager.
type Deps struct {
	Store      domain.CaseStore
	Cache      domain.Cache
	Bus        domain.EventBus
	Normalizer domain.Normalizer
	Registry   *detect.Registry
	Aggregator *scoring.Aggregator
	Explainer  *explain.Generator

	// Rule management; optional
	Compiler  *detect.RuleCompiler
	Detectors domain.DetectorsConfig

	Config domain.CaseConfig
}

// Manager is the only writer of case state.
type Manager struct {
	store      domain.CaseStore
	cache      domain.Cache
	bus        domain.EventBus
	normalizer domain.Normalizer
	aggregator *scoring.Aggregator
	explainer  *explain.Generator
	compiler   *detect.RuleCompiler
	detectors  domain.DetectorsConfig
	cfg        domain.CaseConfig

	registry atomic.Pointer[detect.Registry]
	locks    *keyedMutex
	now      func() time.Time
}

// NewManager wires a Manager. Store, Cache, Bus, Normalizer, Registry and Aggregator are required.
func NewManager(deps Deps) (*Manager, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("case store is required")
	case deps.Cache == nil:
		return nil, fmt.Errorf("cache is required")
	case deps.Bus == nil:
		return nil, fmt.Errorf("event bus is required")
	case deps.Normalizer == nil:
		return nil, fmt.Errorf("normalizer is required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("detector registry is required")
	case deps.Aggregator == nil:
		return nil, fmt.Errorf("aggregator is required")
	}

	explainer := deps.Explainer
	if explainer == nil {
		explainer = explain.NewGenerator(nil, domain.ExplanationConfig{})
	}

	cfg := deps.Config
	if cfg.MaxDocumentRefLength <= 0 {
		cfg.MaxDocumentRefLength = 1024
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Minute
	}
	if cfg.RunTimeout <= 0 || cfg.RunTimeout > cfg.LeaseTTL {
		cfg.RunTimeout = cfg.LeaseTTL
	}

	m := &Manager{
		store:      deps.Store,
		cache:      deps.Cache,
		bus:        deps.Bus,
		normalizer: deps.Normalizer,
		aggregator: deps.Aggregator,
		explainer:  explainer,
		compiler:   deps.Compiler,
		detectors:  deps.Detectors,
		cfg:        cfg,
		locks:      newKeyedMutex(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	m.registry.Store(deps.Registry)
	return m, nil
}

// Registry returns the detector registry new runs will use.
func (m *Manager) Registry() *detect.Registry {
	return m.registry.Load()
}

// ReplaceRegistry swaps the registry atomically. Runs already in flight keep the old one.
func (m *Manager) ReplaceRegistry(reg *detect.Registry) {
	if reg != nil {
		m.registry.Store(reg)
	}
}

// CreateCase registers a document for analysis under a principal.
func (m *Manager) CreateCase(ctx context.Context, principal, documentRef string) (*domain.Case, error) {
	principal = strings.TrimSpace(principal)
	documentRef = strings.TrimSpace(documentRef)

	if principal == "" {
		return nil, fmt.Errorf("%w: principal is required", domain.ErrValidation)
	}
	if documentRef == "" {
		return nil, fmt.Errorf("%w: document reference is required", domain.ErrValidation)
	}
	if len(documentRef) > m.cfg.MaxDocumentRefLength {
		return nil, fmt.Errorf("%w: document reference exceeds %d characters", domain.ErrValidation, m.cfg.MaxDocumentRefLength)
	}

	if sizer, ok := m.normalizer.(domain.DocumentSizer); ok {
		size, err := sizer.DocumentSize(ctx, documentRef)
		if err != nil {
			var nerr *domain.NormalizationError
			if errors.As(err, &nerr) {
				return nil, fmt.Errorf("%w: %s", domain.ErrValidation, nerr.Reason)
			}
			return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
		}
		if m.cfg.MaxDocumentBytes > 0 && size > m.cfg.MaxDocumentBytes {
			return nil, fmt.Errorf("%w: document exceeds maximum size of %d bytes", domain.ErrValidation, m.cfg.MaxDocumentBytes)
		}
	}

	now := m.now()
	c := &domain.Case{
		ID:          uuid.New().String(),
		Principal:   principal,
		DocumentRef: documentRef,
		State:       domain.CaseUploaded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Put(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save case: %w", err)
	}

	metrics.CasesCreated.Inc()
	slog.Info("case created",
		"case_id", c.ID,
		"principal", principal,
		"document_ref", documentRef,
	)
	return c, nil
}

// StartAnalysis schedules a new run for the case and returns the case in processing state.
// A case is startable from uploaded, analyzed and failed, and from processing once the
// previous run's lease has expired.
func (m *Manager) StartAnalysis(ctx context.Context, caseID string) (*domain.Case, error) {
	ctx, span := tracer.Start(ctx, "case.start_analysis",
		trace.WithAttributes(attribute.String("case.id", caseID)),
	)
	defer span.End()

	unlock := m.locks.Lock(caseID)
	defer unlock()

	c, err := m.store.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}

	next := c.RunNumber + 1
	token := leaseToken(caseID, next)
	acquired, err := m.cache.AcquireLease(ctx, caseID, token, m.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire case lease: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: case %s already has an active analysis run", domain.ErrInvalidState, caseID)
	}

	now := m.now()
	previous := c.RunNumber
	if c.State == domain.CaseProcessing && previous > 0 {
		slog.Warn("restarting analysis after expired lease",
			"case_id", caseID,
			"run_number", previous,
		)
		m.recordRun(ctx, &domain.AnalysisRun{
			CaseID:     caseID,
			RunNumber:  previous,
			Status:     domain.RunDiscarded,
			Error:      "lease expired",
			QueuedAt:   c.UpdatedAt,
			FinishedAt: &now,
		})
	}

	c.State = domain.CaseProcessing
	c.RunNumber = next
	c.FailureReason = ""
	c.UpdatedAt = now
	if err := m.store.Put(ctx, c); err != nil {
		m.releaseLease(ctx, caseID, token)
		return nil, fmt.Errorf("failed to save case: %w", err)
	}
	m.recordRun(ctx, &domain.AnalysisRun{CaseID: caseID, RunNumber: next, Status: domain.RunQueued, QueuedAt: now})
	m.invalidate(ctx, caseID)

	job := domain.AnalysisJob{
		CaseID:      caseID,
		RunNumber:   next,
		DocumentRef: c.DocumentRef,
		Principal:   c.Principal,
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		job.TraceID = sc.TraceID().String()
	}
	payload, _ := json.Marshal(job)
	if err := m.bus.Publish(ctx, domain.TopicAnalysisRequested, payload); err != nil {
		reason := "failed to schedule analysis"
		if ferr := m.fail(ctx, caseID, next, reason); ferr != nil {
			slog.Error("failed to record scheduling failure", "case_id", caseID, "error", ferr)
		}
		return nil, fmt.Errorf("%s: %w", reason, err)
	}

	span.SetAttributes(attribute.Int64("case.run_number", next))
	slog.Info("analysis started",
		"case_id", caseID,
		"run_number", next,
	)
	return c, nil
}

// CompleteAnalysis stores the assessment and moves the case to analyzed when runNumber
// is still current. Stale completions are discarded and reported as success.
func (m *Manager) CompleteAnalysis(ctx context.Context, caseID string, runNumber int64, a *domain.RiskAssessment) error {
	unlock := m.locks.Lock(caseID)
	defer unlock()

	a.CaseID = caseID
	a.RunNumber = runNumber

	err := m.store.PutAssessment(ctx, caseID, runNumber, a)
	if errors.Is(err, domain.ErrStaleRun) {
		m.discard(ctx, caseID, runNumber, err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to save assessment: %w", err)
	}

	m.invalidate(ctx, caseID)
	m.releaseLease(ctx, caseID, leaseToken(caseID, runNumber))

	metrics.RunsFinished.WithLabelValues("analyzed").Inc()
	metrics.RiskLevels.WithLabelValues(string(a.Level)).Inc()
	m.publishEvent(ctx, domain.TopicCaseAnalyzed, domain.CaseEvent{
		CaseID:    caseID,
		RunNumber: runNumber,
		State:     domain.CaseAnalyzed,
		Score:     a.Score,
		Level:     a.Level,
		Timestamp: m.now(),
	})
	return nil
}

// FailAnalysis moves the case to failed with reason, under the same run guard.
func (m *Manager) FailAnalysis(ctx context.Context, caseID string, runNumber int64, reason string) error {
	unlock := m.locks.Lock(caseID)
	defer unlock()
	return m.fail(ctx, caseID, runNumber, reason)
}

func (m *Manager) fail(ctx context.Context, caseID string, runNumber int64, reason string) error {
	if reason == "" {
		reason = "analysis failed"
	}

	err := m.store.FailRun(ctx, caseID, runNumber, reason)
	if errors.Is(err, domain.ErrStaleRun) {
		m.discard(ctx, caseID, runNumber, err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}

	m.invalidate(ctx, caseID)
	m.releaseLease(ctx, caseID, leaseToken(caseID, runNumber))

	metrics.RunsFinished.WithLabelValues("failed").Inc()
	slog.Warn("analysis failed",
		"case_id", caseID,
		"run_number", runNumber,
		"reason", reason,
	)
	m.publishEvent(ctx, domain.TopicCaseFailed, domain.CaseEvent{
		CaseID:    caseID,
		RunNumber: runNumber,
		State:     domain.CaseFailed,
		Reason:    reason,
		Timestamp: m.now(),
	})
	return nil
}

// GetCase returns the case with its current assessment. Only terminal views are cached,
// and they are filled under the case lock so a concurrent transition cannot be overwritten
// by an older snapshot.
func (m *Manager) GetCase(ctx context.Context, caseID string) (*domain.CaseView, error) {
	key := viewKey(caseID)
	if data, err := m.cache.Get(ctx, key); err == nil && data != nil {
		var view domain.CaseView
		if err := json.Unmarshal(data, &view); err == nil && view.Case != nil {
			return &view, nil
		}
	}

	unlock := m.locks.Lock(caseID)
	defer unlock()

	c, err := m.store.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}

	view := &domain.CaseView{Case: c}
	if c.AssessmentID != "" {
		a, err := m.store.GetAssessment(ctx, c.AssessmentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load assessment: %w", err)
		}
		view.Assessment = a
	}

	if m.cfg.ViewCacheTTL > 0 && c.State.Terminal() {
		if data, err := json.Marshal(view); err == nil {
			_ = m.cache.Set(ctx, key, data, m.cfg.ViewCacheTTL)
		}
	}
	return view, nil
}

// ListCases returns the principal's cases, newest first.
func (m *Manager) ListCases(ctx context.Context, principal string, limit int) ([]*domain.Case, error) {
	return m.store.List(ctx, principal, limit)
}

// Assessments returns the assessment history of a case, newest run first.
func (m *Manager) Assessments(ctx context.Context, caseID string) ([]*domain.RiskAssessment, error) {
	return m.store.ListAssessments(ctx, caseID)
}

// Runs returns the run history of a case, newest first.
func (m *Manager) Runs(ctx context.Context, caseID string) ([]*domain.AnalysisRun, error) {
	return m.store.ListRuns(ctx, caseID)
}

// Transactions returns the case's current normalized records.
func (m *Manager) Transactions(ctx context.Context, c *domain.Case) (*domain.TransactionSummary, error) {
	summary := &domain.TransactionSummary{CaseID: c.ID, RunNumber: c.DatasetRun}
	if c.DatasetRun == 0 {
		summary.Records = []domain.TransactionRecord{}
		return summary, nil
	}
	records, err := m.store.ListTransactions(ctx, c.ID, c.DatasetRun)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []domain.TransactionRecord{}
	}
	summary.Records = records
	summary.Count = len(records)
	return summary, nil
}

func (m *Manager) discard(ctx context.Context, caseID string, runNumber int64, cause error) {
	slog.Debug("discarding stale analysis run",
		"case_id", caseID,
		"run_number", runNumber,
		"reason", cause.Error(),
	)
	metrics.RunsFinished.WithLabelValues("discarded").Inc()

	now := m.now()
	m.recordRun(ctx, &domain.AnalysisRun{
		CaseID:     caseID,
		RunNumber:  runNumber,
		Status:     domain.RunDiscarded,
		Error:      "superseded by a newer run",
		QueuedAt:   now,
		FinishedAt: &now,
	})
}

func (m *Manager) recordRun(ctx context.Context, run *domain.AnalysisRun) {
	if err := m.store.SaveRun(ctx, run); err != nil {
		slog.Error("failed to record analysis run",
			"case_id", run.CaseID,
			"run_number", run.RunNumber,
			"error", err,
		)
	}
}

func (m *Manager) invalidate(ctx context.Context, caseID string) {
	if err := m.cache.Delete(ctx, viewKey(caseID)); err != nil {
		slog.Warn("failed to invalidate case view", "case_id", caseID, "error", err)
	}
}

func (m *Manager) releaseLease(ctx context.Context, caseID, token string) {
	if _, err := m.cache.ReleaseLease(ctx, caseID, token); err != nil {
		slog.Warn("failed to release case lease", "case_id", caseID, "error", err)
	}
}

func (m *Manager) publishEvent(ctx context.Context, topic string, event domain.CaseEvent) {
	payload, _ := json.Marshal(event)
	if err := m.bus.Publish(ctx, topic, payload); err != nil {
		slog.Error("failed to publish case event",
			"case_id", event.CaseID,
			"topic", topic,
			"error", err,
		)
	}
}

func leaseToken(caseID string, runNumber int64) string {
	return fmt.Sprintf("%s:%d", caseID, runNumber)
}

func viewKey(caseID string) string {
	return "case:" + caseID
}
