package explain

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Template renders the deterministic narrative for an assessment.
// The output depends only on the assessment's score, level, signals and recommendations.
func Template(a *domain.RiskAssessment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk score %.1f/100 (%s). This is an automated indication of risk, not a finding of wrongdoing.", a.Score, a.Level)

	signals := a.TriggeredSignals()
	if len(signals) == 0 {
		sb.WriteString("\n\nNo significant risk indicators were detected in the analyzed transactions.")
		return sb.String()
	}

	slices.SortStableFunc(signals, func(x, y domain.Signal) int {
		if n := cmp.Compare(y.Contribution, x.Contribution); n != 0 {
			return n
		}
		if n := cmp.Compare(x.Detector, y.Detector); n != 0 {
			return n
		}
		return cmp.Compare(x.Reason, y.Reason)
	})

	sb.WriteString("\n\nIndicators:")
	for _, s := range signals {
		fmt.Fprintf(&sb, "\n- %s (%s, +%.1f): %s", s.Detector, s.Reason, s.Contribution, s.Explanation)
	}

	if len(a.Recommendations) > 0 {
		sb.WriteString("\n\nSuggested next steps:")
		for _, r := range a.Recommendations {
			fmt.Fprintf(&sb, "\n- %s", r)
		}
	}
	return sb.String()
}
