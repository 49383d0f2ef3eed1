package explain

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

const systemInstruction = `You are an expert anti-corruption analyst. You summarize statistical risk indicators found in financial transaction data.

Rules:
- Use hedged language ("may indicate", "warrants review"). Never state or imply that fraud, corruption or any crime occurred.
- Do not name individuals as responsible for anything.
- Only discuss the indicators provided. Do not invent facts.
- Write plain prose, at most three short paragraphs.`

// maxPromptSignals bounds the number of indicators sent to the model.
const maxPromptSignals = 12

func buildPrompt(a *domain.RiskAssessment, maxChars int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk score: %.1f/100\nRisk level: %s\n", a.Score, a.Level)

	signals := a.TriggeredSignals()
	if len(signals) == 0 {
		sb.WriteString("\nNo indicators were triggered. State that the transactions appear standard.\n")
	} else {
		sb.WriteString("\nTriggered indicators (highest contribution first):\n")
		for i, s := range signals {
			if i == maxPromptSignals {
				fmt.Fprintf(&sb, "- and %d more\n", len(signals)-maxPromptSignals)
				break
			}
			fmt.Fprintf(&sb, "- [%s/%s, +%.1f] %s\n", s.Detector, s.Reason, s.Contribution, s.Explanation)
		}
	}

	if len(a.Recommendations) > 0 {
		sb.WriteString("\nSuggested next steps:\n")
		for _, r := range a.Recommendations {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
	}

	if maxChars > 0 {
		fmt.Fprintf(&sb, "\nProvide a concise summary of these risk indicators in under %d characters.", maxChars)
	} else {
		sb.WriteString("\nProvide a concise summary of these risk indicators.")
	}
	return sb.String()
}

// accusatoryPhrases are rejected in generated narratives.
var accusatoryPhrases = []string{
	"is fraud",
	"is fraudulent",
	"committed fraud",
	"committed a crime",
	"is corrupt",
	"is guilty",
	"are guilty",
	"guilty of",
	"proves that",
	"proof of fraud",
	"embezzled",
	"stole ",
}

func accusatory(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range accusatoryPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// truncate cuts text to at most maxChars runes, preferring a sentence boundary.
func truncate(text string, maxChars int) string {
	runes := []rune(text)
	if maxChars <= 0 || len(runes) <= maxChars {
		return text
	}
	cut := string(runes[:maxChars])
	if i := strings.LastIndex(cut, ". "); i > len(cut)/2 {
		return cut[:i+1]
	}
	return strings.TrimSpace(cut)
}
