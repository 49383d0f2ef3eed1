package domain

import (
	"time"
)

// Signal is a single detector finding.
type Signal struct {
	Detector       string   `json:"detector"`
	Contribution   float64  `json:"contribution"`
	Triggered      bool     `json:"triggered"`
	Reason         string   `json:"reason"`
	Explanation    string   `json:"explanation"`
	TransactionIDs []string `json:"transactionIds,omitempty"`
}

// RiskLevel is the banded interpretation of a score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AllRiskLevels lists levels from lowest to highest.
var AllRiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// Thresholds holds the lower bounds of the medium, high and critical bands.
type Thresholds struct {
	Medium   float64 `json:"medium" yaml:"medium"`
	High     float64 `json:"high" yaml:"high"`
	Critical float64 `json:"critical" yaml:"critical"`
}

// DefaultThresholds returns the canonical 25/50/75 bands.
func DefaultThresholds() Thresholds {
	return Thresholds{Medium: 25, High: 50, Critical: 75}
}

// Level maps a score onto a risk level. Bounds are inclusive.
func (t Thresholds) Level(score float64) RiskLevel {
	switch {
	case score >= t.Critical:
		return RiskCritical
	case score >= t.High:
		return RiskHigh
	case score >= t.Medium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// DetectorContribution records how one detector's signals fed the score.
type DetectorContribution struct {
	Detector string  `json:"detector"`
	Raw      float64 `json:"raw"`      // sum of signal contributions
	Weight   float64 `json:"weight"`
	Weighted float64 `json:"weighted"` // raw * weight
	Ceiling  float64 `json:"ceiling"`
	Applied  float64 `json:"applied"`  // min(weighted, ceiling)
}

// DetectorOutcome describes how a detector behaved during a run.
type DetectorOutcome struct {
	Detector   string `json:"detector"`
	Completed  bool   `json:"completed"`
	Error      string `json:"error,omitempty"`
	Signals    int    `json:"signals"`
	DurationMs int64  `json:"durationMs"`
}

// Narrative sources.
const (
	NarrativeLLM      = "llm"
	NarrativeTemplate = "template"
)

// RiskAssessment is the aggregated result of one analysis run.
type RiskAssessment struct {
	ID              string                 `json:"id"`
	CaseID          string                 `json:"caseId"`
	RunNumber       int64                  `json:"runNumber"`
	Score           float64                `json:"score"`
	Level           RiskLevel              `json:"level"`
	Signals         []Signal               `json:"signals"`
	Contributions   []DetectorContribution `json:"contributions"`
	Outcomes        []DetectorOutcome      `json:"outcomes,omitempty"`
	Recommendations []string               `json:"recommendations,omitempty"`
	Narrative       string                 `json:"narrative"`
	NarrativeSource string                 `json:"narrativeSource"`
	CreatedAt       time.Time              `json:"createdAt"`
}

// TriggeredSignals returns the triggered signals in their stored order.
func (a *RiskAssessment) TriggeredSignals() []Signal {
	var out []Signal
	for _, s := range a.Signals {
		if s.Triggered {
			out = append(out, s)
		}
	}
	return out
}
