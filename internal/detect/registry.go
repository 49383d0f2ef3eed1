// Package detect provides the detector registry and the built-in statistical detectors.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"slices"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Detector is an independent check over a case's transaction records.
// Implementations must treat the records as read-only.
type Detector interface {
	Name() string
	Detect(ctx context.Context, records []domain.TransactionRecord) ([]domain.Signal, error)
}

// Registry is an ordered, immutable set of named detectors.
type Registry struct {
	detectors  []Detector
	maxWorkers int
}

// NewRegistry builds a registry. Detector names must be unique and non-empty.
func NewRegistry(maxWorkers int, detectors ...Detector) (*Registry, error) {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}

	seen := make(map[string]struct{}, len(detectors))
	for _, d := range detectors {
		if d == nil {
			return nil, fmt.Errorf("nil detector")
		}
		name := d.Name()
		if name == "" {
			return nil, fmt.Errorf("detector with empty name")
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("duplicate detector name: %s", name)
		}
		seen[name] = struct{}{}
	}

	return &Registry{
		detectors:  slices.Clone(detectors),
		maxWorkers: maxWorkers,
	}, nil
}

// With returns a new registry extended with more detectors.
func (r *Registry) With(detectors ...Detector) (*Registry, error) {
	all := append(slices.Clone(r.detectors), detectors...)
	return NewRegistry(r.maxWorkers, all...)
}

// Names returns detector names in registry order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.detectors))
	for i, d := range r.detectors {
		names[i] = d.Name()
	}
	return names
}

// Len returns the number of registered detectors.
func (r *Registry) Len() int {
	return len(r.detectors)
}

// RunResult is the combined outcome of one registry run.
type RunResult struct {
	Signals   []domain.Signal
	Outcomes  []domain.DetectorOutcome
	Completed int
}

// Run executes every detector against the records and waits for all of them.
// A detector error or panic yields a zero-signal outcome instead of aborting the run.
func (r *Registry) Run(ctx context.Context, records []domain.TransactionRecord) *RunResult {
	signals := make([][]domain.Signal, len(r.detectors))
	outcomes := make([]domain.DetectorOutcome, len(r.detectors))

	var g errgroup.Group
	g.SetLimit(r.maxWorkers)

	for i, d := range r.detectors {
		g.Go(func() error {
			// each detector gets its own copy
			sigs, outcome := runDetector(ctx, d, slices.Clone(records))
			signals[i] = sigs
			outcomes[i] = outcome
			return nil
		})
	}
	_ = g.Wait()

	result := &RunResult{Outcomes: outcomes}
	for i, o := range outcomes {
		if o.Completed {
			result.Completed++
			result.Signals = append(result.Signals, signals[i]...)
		}
	}
	return result
}

func runDetector(ctx context.Context, d Detector, records []domain.TransactionRecord) (sigs []domain.Signal, outcome domain.DetectorOutcome) {
	name := d.Name()
	start := time.Now()
	outcome.Detector = name

	defer func() {
		outcome.DurationMs = time.Since(start).Milliseconds()
		metrics.DetectorDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		if p := recover(); p != nil {
			slog.Error("detector panicked",
				"detector", name,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			metrics.DetectorRuns.WithLabelValues(name, "panic").Inc()
			sigs = nil
			outcome.Completed = false
			outcome.Signals = 0
			outcome.Error = fmt.Sprintf("%v: panic: %v", domain.ErrDetector, p)
		}
	}()

	if err := ctx.Err(); err != nil {
		outcome.Error = fmt.Errorf("%w: %s: %w", domain.ErrDetector, name, err).Error()
		metrics.DetectorRuns.WithLabelValues(name, "error").Inc()
		return nil, outcome
	}

	out, err := d.Detect(ctx, records)
	if err != nil {
		if !errors.Is(err, domain.ErrDetector) {
			err = fmt.Errorf("%w: %s: %w", domain.ErrDetector, name, err)
		}
		slog.Warn("detector failed",
			"detector", name,
			"error", err,
		)
		metrics.DetectorRuns.WithLabelValues(name, "error").Inc()
		outcome.Error = err.Error()
		return nil, outcome
	}

	// detectors may only speak for themselves
	valid := make([]domain.Signal, 0, len(out))
	for _, s := range out {
		s.Detector = name
		if s.Contribution < 0 || math.IsNaN(s.Contribution) || math.IsInf(s.Contribution, 0) {
			s.Contribution = 0
		}
		if !s.Triggered {
			s.Contribution = 0
		}
		valid = append(valid, s)
	}

	metrics.DetectorRuns.WithLabelValues(name, "ok").Inc()
	outcome.Completed = true
	outcome.Signals = len(valid)
	return valid, outcome
}
