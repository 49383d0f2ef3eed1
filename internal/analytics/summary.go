// Package analytics computes portfolio-level summaries over cases and their latest assessments.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Source is the read side of the case store the summary needs.
type Source interface {
	CountByState(ctx context.Context, principal string) (map[domain.CaseState]int, error)
	LatestAssessments(ctx context.Context, principal string) ([]*domain.RiskAssessment, error)
}

// DetectorStats aggregates one detector's triggered signals across latest assessments.
type DetectorStats struct {
	Detector        string  `json:"detector"`
	Triggered       int     `json:"triggered"`
	AvgContribution float64 `json:"avgContribution"`
	MaxContribution float64 `json:"maxContribution"`
}

// Summary is the analytics view of a principal's cases.
type Summary struct {
	TotalCases    int                      `json:"totalCases"`
	States        map[domain.CaseState]int `json:"states"`
	AssessedCases int                      `json:"assessedCases"`
	Levels        map[domain.RiskLevel]int `json:"levels"`
	AverageScore  float64                  `json:"averageScore"`
	Detectors     []DetectorStats          `json:"detectors"`
	GeneratedAt   time.Time                `json:"generatedAt"`
}

// Service computes summaries.
type Service struct {
	source Source
	now    func() time.Time
}

// NewService creates an analytics service.
func NewService(source Source) *Service {
	return &Service{source: source, now: time.Now}
}

// Summarize builds the summary for a principal; an empty principal covers every case.
func (s *Service) Summarize(ctx context.Context, principal string) (*Summary, error) {
	var (
		states      map[domain.CaseState]int
		assessments []*domain.RiskAssessment
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		states, err = s.source.CountByState(gctx, principal)
		if err != nil {
			return fmt.Errorf("failed to count cases: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		assessments, err = s.source.LatestAssessments(gctx, principal)
		if err != nil {
			return fmt.Errorf("failed to load assessments: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := Compute(states, assessments)
	summary.GeneratedAt = s.now().UTC()
	return summary, nil
}

// Compute folds state counts and latest assessments into a Summary.
// Every state and level is present in the result, zero or not.
func Compute(states map[domain.CaseState]int, assessments []*domain.RiskAssessment) *Summary {
	summary := &Summary{
		States:    make(map[domain.CaseState]int),
		Levels:    make(map[domain.RiskLevel]int),
		Detectors: []DetectorStats{},
	}
	for _, st := range []domain.CaseState{domain.CaseUploaded, domain.CaseProcessing, domain.CaseAnalyzed, domain.CaseFailed} {
		summary.States[st] = states[st]
		summary.TotalCases += states[st]
	}
	for _, lvl := range domain.AllRiskLevels {
		summary.Levels[lvl] = 0
	}

	type acc struct {
		count int
		sum   float64
		max   float64
	}
	byDetector := make(map[string]*acc)

	var scoreSum float64
	for _, a := range assessments {
		summary.AssessedCases++
		summary.Levels[a.Level]++
		scoreSum += a.Score

		for _, sig := range a.TriggeredSignals() {
			d, ok := byDetector[sig.Detector]
			if !ok {
				d = &acc{}
				byDetector[sig.Detector] = d
			}
			d.count++
			d.sum += sig.Contribution
			d.max = math.Max(d.max, sig.Contribution)
		}
	}
	if summary.AssessedCases > 0 {
		summary.AverageScore = round2(scoreSum / float64(summary.AssessedCases))
	}

	for name, d := range byDetector {
		summary.Detectors = append(summary.Detectors, DetectorStats{
			Detector:        name,
			Triggered:       d.count,
			AvgContribution: round2(d.sum / float64(d.count)),
			MaxContribution: round2(d.max),
		})
	}
	sort.Slice(summary.Detectors, func(i, j int) bool {
		if summary.Detectors[i].Triggered != summary.Detectors[j].Triggered {
			return summary.Detectors[i].Triggered > summary.Detectors[j].Triggered
		}
		return summary.Detectors[i].Detector < summary.Detectors[j].Detector
	})

	return summary
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
