package domain

import "time"

// DetectorRule is a configurable CEL detector evaluated over dataset aggregates.
type DetectorRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// CEL expression returning bool (trigger) or double (severity in [0,1]).
	Expression string `json:"expression"`

	// Contribution emitted when the expression triggers at full severity.
	MaxContribution float64 `json:"maxContribution"`

	// Reason code and explanation fragment of the emitted signal.
	Reason      string `json:"reason"`
	Explanation string `json:"explanation,omitempty"`

	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RuleDetectorPrefix namespaces CEL rule detectors inside the registry.
const RuleDetectorPrefix = "rule:"
