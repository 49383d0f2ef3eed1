package explain

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

type fakeModel struct {
	text  string
	err   error
	delay time.Duration
	last  domain.GenerateRequest
}

func (f *fakeModel) Name() string { return "fake" }

func (f *fakeModel) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	f.last = req
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.text, f.err
}

func (f *fakeModel) Close() error { return nil }

func enabledConfig() domain.ExplanationConfig {
	return domain.ExplanationConfig{Enabled: true, Timeout: time.Second, MaxTokens: 300, MaxChars: 2000}
}

func sampleAssessment() *domain.RiskAssessment {
	return &domain.RiskAssessment{
		CaseID: "case-1",
		Score:  62.5,
		Level:  domain.RiskHigh,
		Signals: []domain.Signal{
			{Detector: "duplicate", Triggered: true, Contribution: 20, Reason: "duplicate_payment", Explanation: "3 payments of 1250.00 to \"Acme\" within 3 day(s) may be duplicates."},
			{Detector: "split_invoice", Triggered: true, Contribution: 40, Reason: "split_below_threshold", Explanation: "2 payments just below the limit."},
			{Detector: "benford", Triggered: false, Reason: "conforms", Explanation: "Leading digits are consistent."},
			{Detector: "benford", Triggered: true, Contribution: 20, Reason: "first_digit_deviation", Explanation: "Leading digits deviate."},
		},
		Recommendations: []string{"Flag for immediate supervisor review before any approval."},
	}
}

func TestExplainFallbacks(t *testing.T) {
	ctx := context.Background()
	a := sampleAssessment()

	tests := []struct {
		name  string
		model *fakeModel
	}{
		{"ServiceError", &fakeModel{err: errors.New("upstream 503")}},
		{"Timeout", &fakeModel{text: "late", delay: 500 * time.Millisecond}},
		{"EmptyOutput", &fakeModel{text: "   "}},
		{"Accusatory", &fakeModel{text: "The vendor committed fraud and is guilty."}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := enabledConfig()
			cfg.Timeout = 50 * time.Millisecond
			g := NewGenerator(tt.model, cfg)

			n := g.Explain(ctx, a)
			if n.Source != domain.NarrativeTemplate {
				t.Errorf("expected template source, got %s", n.Source)
			}
			if n.Text == "" {
				t.Error("expected non-empty template text")
			}
			if n.Text != Template(a) {
				t.Error("expected the template narrative")
			}
		})
	}
}

func TestExplainDisabled(t *testing.T) {
	model := &fakeModel{text: "should not be used"}
	cfg := enabledConfig()
	cfg.Enabled = false

	n := NewGenerator(model, cfg).Explain(context.Background(), sampleAssessment())
	if n.Source != domain.NarrativeTemplate {
		t.Errorf("expected template source, got %s", n.Source)
	}
	if model.last.Prompt != "" {
		t.Error("model should not be called when disabled")
	}

	n = NewGenerator(nil, enabledConfig()).Explain(context.Background(), sampleAssessment())
	if n.Source != domain.NarrativeTemplate {
		t.Errorf("expected template source without a model, got %s", n.Source)
	}
}

func TestExplainLLM(t *testing.T) {
	model := &fakeModel{text: "  The payments may indicate duplicate invoicing and warrant review.  "}
	g := NewGenerator(model, enabledConfig())
	a := sampleAssessment()

	n := g.Explain(context.Background(), a)
	if n.Source != domain.NarrativeLLM {
		t.Fatalf("expected llm source, got %s", n.Source)
	}
	if n.Text != "The payments may indicate duplicate invoicing and warrant review." {
		t.Errorf("expected trimmed text, got %q", n.Text)
	}
	if !strings.Contains(model.last.Prompt, "Risk level: high") {
		t.Errorf("prompt missing level: %s", model.last.Prompt)
	}
	if strings.Contains(model.last.Prompt, "conforms") {
		t.Error("prompt should only carry triggered signals")
	}
	if model.last.MaxTokens != 300 {
		t.Errorf("expected max tokens 300, got %d", model.last.MaxTokens)
	}
	if model.last.System == "" {
		t.Error("expected a system instruction")
	}
}

func TestExplainTruncates(t *testing.T) {
	long := strings.Repeat("The amounts may warrant review. ", 20)
	cfg := enabledConfig()
	cfg.MaxChars = 100
	n := NewGenerator(&fakeModel{text: long}, cfg).Explain(context.Background(), sampleAssessment())

	if n.Source != domain.NarrativeLLM {
		t.Fatalf("expected llm source, got %s", n.Source)
	}
	if len([]rune(n.Text)) > 100 {
		t.Errorf("expected at most 100 characters, got %d", len([]rune(n.Text)))
	}
	if !strings.HasSuffix(n.Text, ".") {
		t.Errorf("expected cut at a sentence boundary, got %q", n.Text)
	}
}

func TestExplainDoesNotMutate(t *testing.T) {
	a := sampleAssessment()
	NewGenerator(nil, domain.ExplanationConfig{}).Explain(context.Background(), a)

	if a.Signals[0].Detector != "duplicate" || a.Signals[1].Detector != "split_invoice" {
		t.Error("assessment signals were reordered")
	}
	if a.Narrative != "" {
		t.Error("assessment narrative was set")
	}
}

func TestTemplate(t *testing.T) {
	t.Run("Deterministic", func(t *testing.T) {
		a := sampleAssessment()
		first := Template(a)
		for i := 0; i < 5; i++ {
			if Template(a) != first {
				t.Fatal("template output changed between calls")
			}
		}
	})

	t.Run("OrdersByContribution", func(t *testing.T) {
		text := Template(sampleAssessment())
		split := strings.Index(text, "split_invoice")
		benford := strings.Index(text, "benford")
		dup := strings.Index(text, "duplicate (")
		if split < 0 || benford < 0 || dup < 0 {
			t.Fatalf("missing signals in template: %s", text)
		}
		// split 40 first; benford and duplicate tie at 20 and order by detector name
		if !(split < benford && benford < dup) {
			t.Errorf("unexpected order in template: %s", text)
		}
		if strings.Contains(text, "conforms") {
			t.Error("untriggered signals should not be listed")
		}
		if !strings.Contains(text, "not a finding of wrongdoing") {
			t.Error("expected the disclaimer")
		}
	})

	t.Run("NoIndicators", func(t *testing.T) {
		text := Template(&domain.RiskAssessment{Level: domain.RiskLow})
		if !strings.Contains(text, "No significant risk indicators") {
			t.Errorf("unexpected text: %s", text)
		}
		if !strings.HasPrefix(text, "Risk score 0.0/100 (low).") {
			t.Errorf("unexpected header: %s", text)
		}
	})
}
