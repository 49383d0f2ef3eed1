package scoring

import (
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

// MaxRecommendations bounds the recommendation list.
const MaxRecommendations = 5

var detectorRecommendations = map[string]string{
	"benford":       "Verify numerical data sources and check for potential data entry errors or manipulation.",
	"split_invoice": "Review related invoices for potential unauthorized splitting to avoid approval thresholds.",
	"round_number":  "Request supporting documentation for round-number amounts; verify against actual costs.",
	"duplicate":     "Confirm that repeated payments correspond to distinct deliveries or services.",
	"outlier":       "Obtain supporting documentation for the unusually large or small amounts.",
	"concentration": "Review how the dominant vendors were selected and whether procurement rules were followed.",
	"timing":        "Review timing patterns; consider whether after-hours/weekend activity is justified.",
	"keywords":      "Ask the submitter to explain the flagged wording in the transaction descriptions.",
}

const customRuleRecommendation = "Review the transactions matched by the custom detector rules."

// Recommend derives next steps from the triggered detectors, in signal order, and the level.
func Recommend(signals []domain.Signal, level domain.RiskLevel) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(r string) {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}

	for _, s := range signals {
		if !s.Triggered {
			continue
		}
		if r, ok := detectorRecommendations[s.Detector]; ok {
			add(r)
		} else if strings.HasPrefix(s.Detector, domain.RuleDetectorPrefix) {
			add(customRuleRecommendation)
		}
	}

	if level == domain.RiskHigh || level == domain.RiskCritical {
		out = append([]string{"Flag for immediate supervisor review before any approval."}, out...)
		out = append(out, "Consider forensic audit of related transactions and parties.")
	}

	if len(out) > MaxRecommendations {
		out = out[:MaxRecommendations]
	}
	return out
}
