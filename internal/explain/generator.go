// Package explain turns risk assessments into narrative text.
package explain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// Narrative is the explanation attached to an assessment.
type Narrative struct {
	Text   string `json:"text"`
	Source string `json:"source"` // llm or template
}

// Generator produces narratives with a language model, falling back to the template.
type Generator struct {
	model     domain.LanguageModel
	enabled   bool
	timeout   time.Duration
	maxTokens int
	maxChars  int
}

// NewGenerator creates a generator. model may be nil, in which case every narrative
// comes from the template.
func NewGenerator(model domain.LanguageModel, cfg domain.ExplanationConfig) *Generator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Generator{
		model:     model,
		enabled:   cfg.Enabled && model != nil,
		timeout:   timeout,
		maxTokens: cfg.MaxTokens,
		maxChars:  cfg.MaxChars,
	}
}

// Explain never fails and never modifies the assessment.
func (g *Generator) Explain(ctx context.Context, a *domain.RiskAssessment) Narrative {
	if !g.enabled {
		return g.fallback(a, "disabled", nil)
	}

	text, err := g.generate(ctx, a)
	switch {
	case errors.Is(err, domain.ErrExplanationTimeout):
		return g.fallback(a, "timeout", err)
	case err != nil:
		return g.fallback(a, "error", err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return g.fallback(a, "empty", nil)
	}
	if accusatory(text) {
		return g.fallback(a, "rejected", nil)
	}

	metrics.Explanations.WithLabelValues(domain.NarrativeLLM, "ok").Inc()
	return Narrative{Text: truncate(text, g.maxChars), Source: domain.NarrativeLLM}
}

func (g *Generator) generate(ctx context.Context, a *domain.RiskAssessment) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	text, err := g.model.Generate(ctx, domain.GenerateRequest{
		System:    systemInstruction,
		Prompt:    buildPrompt(a, g.maxChars),
		MaxTokens: g.maxTokens,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return "", fmt.Errorf("%w: %w", domain.ErrExplanationTimeout, err)
		}
		return "", fmt.Errorf("%w: %w", domain.ErrExplanationService, err)
	}
	return text, nil
}

func (g *Generator) fallback(a *domain.RiskAssessment, reason string, err error) Narrative {
	if err != nil {
		slog.Warn("explanation fell back to template", "case_id", a.CaseID, "reason", reason, "error", err)
	} else if reason != "disabled" {
		slog.Warn("explanation fell back to template", "case_id", a.CaseID, "reason", reason)
	}
	metrics.Explanations.WithLabelValues(domain.NarrativeTemplate, reason).Inc()
	return Narrative{Text: Template(a), Source: domain.NarrativeTemplate}
}
