// Package scoring combines detector signals into a bounded risk assessment.
package scoring

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// MaxScore is the upper bound of a risk score.
const MaxScore = 100.0

// Aggregator turns signals into a RiskAssessment. It is immutable after construction
// and safe for concurrent use.
type Aggregator struct {
	weights        map[string]float64
	defaultWeight  float64
	ceilings       map[string]float64
	defaultCeiling float64
	thresholds     domain.Thresholds
	now            func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock sets the clock used for assessment timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator from scoring configuration.
func NewAggregator(cfg domain.ScoringConfig, opts ...Option) *Aggregator {
	a := &Aggregator{
		weights:        make(map[string]float64, len(cfg.Weights)),
		defaultWeight:  cfg.DefaultWeight,
		ceilings:       make(map[string]float64, len(cfg.Ceilings)),
		defaultCeiling: cfg.DefaultCeiling,
		thresholds:     cfg.Thresholds,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for k, v := range cfg.Weights {
		a.weights[k] = v
	}
	for k, v := range cfg.Ceilings {
		a.ceilings[k] = v
	}
	if a.thresholds == (domain.Thresholds{}) {
		a.thresholds = domain.DefaultThresholds()
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Thresholds returns the level thresholds in use.
func (a *Aggregator) Thresholds() domain.Thresholds {
	return a.thresholds
}

// Weight returns the weight applied to a detector's signals.
func (a *Aggregator) Weight(detector string) float64 {
	w, ok := a.weights[detector]
	if !ok {
		w = a.defaultWeight
	}
	if w < 0 || math.IsNaN(w) {
		return 0
	}
	return w
}

// Ceiling returns the cap on a detector's weighted subtotal. Zero or less means uncapped.
func (a *Aggregator) Ceiling(detector string) float64 {
	c, ok := a.ceilings[detector]
	if !ok {
		c = a.defaultCeiling
	}
	if c <= 0 {
		return math.Inf(1)
	}
	return c
}

// Aggregate computes score, level, ordered signals, per-detector contributions and
// recommendations. The result has no ID, case or run; the caller assigns those.
func (a *Aggregator) Aggregate(signals []domain.Signal) *domain.RiskAssessment {
	ordered := slices.Clone(signals)
	slices.SortStableFunc(ordered, func(x, y domain.Signal) int {
		return cmp.Compare(a.weighted(y), a.weighted(x))
	})

	var contributions []domain.DetectorContribution
	index := make(map[string]int)
	for _, s := range signals {
		i, ok := index[s.Detector]
		if !ok {
			i = len(contributions)
			index[s.Detector] = i
			contributions = append(contributions, domain.DetectorContribution{
				Detector: s.Detector,
				Weight:   a.Weight(s.Detector),
				Ceiling:  a.Ceiling(s.Detector),
			})
		}
		contributions[i].Raw += signalContribution(s)
	}

	var total float64
	for i := range contributions {
		c := &contributions[i]
		c.Weighted = c.Raw * c.Weight
		c.Applied = math.Min(c.Weighted, c.Ceiling)
		if math.IsInf(c.Ceiling, 1) {
			c.Ceiling = 0
		}
		total += c.Applied
	}

	score := math.Max(0, math.Min(MaxScore, total))
	level := a.thresholds.Level(score)

	if ordered == nil {
		ordered = []domain.Signal{}
	}
	return &domain.RiskAssessment{
		Score:           score,
		Level:           level,
		Signals:         ordered,
		Contributions:   contributions,
		Recommendations: Recommend(ordered, level),
		CreatedAt:       a.now(),
	}
}

func (a *Aggregator) weighted(s domain.Signal) float64 {
	return signalContribution(s) * a.Weight(s.Detector)
}

// signalContribution ignores untriggered and malformed contributions.
func signalContribution(s domain.Signal) float64 {
	if !s.Triggered || s.Contribution <= 0 || math.IsNaN(s.Contribution) || math.IsInf(s.Contribution, 0) {
		return 0
	}
	return s.Contribution
}
