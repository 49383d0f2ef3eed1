package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Run executes one analysis job end to end: normalize, detect, aggregate, explain, persist.
// Pipeline failures are recorded on the case and not returned; the error result only
// reports that the outcome itself could not be persisted.
func (m *Manager) Run(ctx context.Context, job domain.AnalysisJob) error {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "case.analysis",
		trace.WithAttributes(
			attribute.String("case.id", job.CaseID),
			attribute.Int64("case.run_number", job.RunNumber),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.RunTimeout)
	defer cancel()

	c, err := m.store.Get(ctx, job.CaseID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to load case %s: %w", job.CaseID, err)
	}
	if c.RunNumber != job.RunNumber || c.State != domain.CaseProcessing {
		m.discard(ctx, job.CaseID, job.RunNumber, fmt.Errorf("%w: case is at run %d in state %s", domain.ErrStaleRun, c.RunNumber, c.State))
		return nil
	}

	started := m.now()
	m.recordRun(ctx, &domain.AnalysisRun{
		CaseID:    job.CaseID,
		RunNumber: job.RunNumber,
		Status:    domain.RunRunning,
		QueuedAt:  c.UpdatedAt,
		StartedAt: &started,
	})

	slog.Debug("analysis running",
		"case_id", job.CaseID,
		"run_number", job.RunNumber,
		"trace_id", job.TraceID,
	)

	assessment, reason := m.analyze(ctx, c)
	if assessment == nil && ctx.Err() != nil {
		reason = "analysis timed out"
	}

	// the outcome is persisted even when the run deadline has passed
	persistCtx := context.WithoutCancel(ctx)
	outcome := "analyzed"
	if assessment == nil {
		outcome = "failed"
		span.SetStatus(codes.Error, reason)
		err = m.FailAnalysis(persistCtx, job.CaseID, job.RunNumber, reason)
	} else {
		span.SetAttributes(
			attribute.Float64("assessment.score", assessment.Score),
			attribute.String("assessment.level", string(assessment.Level)),
		)
		err = m.CompleteAnalysis(persistCtx, job.CaseID, job.RunNumber, assessment)
	}
	metrics.RunDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		return err
	}

	attrs := []any{
		"case_id", job.CaseID,
		"run_number", job.RunNumber,
		"outcome", outcome,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if assessment != nil {
		attrs = append(attrs, "score", assessment.Score, "level", assessment.Level)
	}
	slog.Info("analysis finished", attrs...)
	return nil
}

// analyze runs the pipeline stages for a case. It returns either an assessment or the
// reason the run failed.
func (m *Manager) analyze(ctx context.Context, c *domain.Case) (*domain.RiskAssessment, string) {
	records, err := m.normalizer.Normalize(ctx, c.DocumentRef)
	if err != nil {
		var nerr *domain.NormalizationError
		if errors.As(err, &nerr) {
			return nil, nerr.Reason
		}
		slog.Error("normalization failed",
			"case_id", c.ID,
			"error", err,
		)
		return nil, "document could not be read"
	}

	if err := m.store.SaveTransactions(ctx, c.ID, c.RunNumber, records); err != nil {
		if errors.Is(err, domain.ErrStaleRun) {
			// a newer run owns the case now; the guarded write below discards this one
			return nil, "superseded by a newer run"
		}
		slog.Error("failed to store transactions",
			"case_id", c.ID,
			"error", err,
		)
		return nil, "failed to store normalized transactions"
	}

	registry := m.registry.Load()
	result := registry.Run(ctx, records)
	if result.Completed == 0 {
		return nil, fmt.Sprintf("%v: none of %d detectors completed", domain.ErrNoSignalsComputed, registry.Len())
	}

	assessment := m.aggregator.Aggregate(result.Signals)
	assessment.ID = uuid.New().String()
	assessment.CaseID = c.ID
	assessment.RunNumber = c.RunNumber
	assessment.Outcomes = result.Outcomes

	narrative := m.explainer.Explain(ctx, assessment)
	assessment.Narrative = narrative.Text
	assessment.NarrativeSource = narrative.Source

	return assessment, ""
}
