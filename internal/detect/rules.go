package detect

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/harrier/internal/domain"
)

// RuleCompiler compiles configurable CEL detector rules.
// Expressions see dataset aggregates and the list of transactions:
//
//	count, total_amount, max_amount, mean_amount, vendor_count,
//	weekend_ratio, round_ratio, negative_count, txs
type RuleCompiler struct {
	env *cel.Env
}

// NewRuleCompiler creates the CEL environment for detector rules.
func NewRuleCompiler() (*RuleCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("count", cel.IntType),
		cel.Variable("total_amount", cel.DoubleType),
		cel.Variable("max_amount", cel.DoubleType),
		cel.Variable("mean_amount", cel.DoubleType),
		cel.Variable("vendor_count", cel.IntType),
		cel.Variable("weekend_ratio", cel.DoubleType),
		cel.Variable("round_ratio", cel.DoubleType),
		cel.Variable("negative_count", cel.IntType),
		cel.Variable("txs", cel.ListType(cel.MapType(cel.StringType, cel.DynType))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &RuleCompiler{env: env}, nil
}

// Validate compiles a rule without keeping the program.
func (c *RuleCompiler) Validate(rule *domain.DetectorRule) error {
	_, err := c.Compile(rule)
	return err
}

// Compile turns a rule into a detector.
func (c *RuleCompiler) Compile(rule *domain.DetectorRule) (*RuleDetector, error) {
	if rule == nil {
		return nil, fmt.Errorf("rule is required")
	}
	if rule.ID == "" || rule.Expression == "" {
		return nil, fmt.Errorf("%w: rule id and expression are required", domain.ErrValidation)
	}
	if rule.MaxContribution < 0 {
		return nil, fmt.Errorf("%w: rule %s: maxContribution must not be negative", domain.ErrValidation, rule.ID)
	}

	ast, issues := c.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %w", domain.ErrValidation, rule.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, int, or double, got %s", domain.ErrValidation, rule.ID, outputType)
	}

	program, err := c.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &RuleDetector{rule: *rule, program: program}, nil
}

// CompileAll compiles the enabled rules, stopping at the first invalid one.
func (c *RuleCompiler) CompileAll(rules []*domain.DetectorRule) ([]Detector, error) {
	var out []Detector
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		d, err := c.Compile(r)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// RuleDetector evaluates one compiled CEL rule.
type RuleDetector struct {
	rule    domain.DetectorRule
	program cel.Program
}

func (d *RuleDetector) Name() string { return domain.RuleDetectorPrefix + d.rule.ID }

// Rule returns the rule configuration.
func (d *RuleDetector) Rule() domain.DetectorRule { return d.rule }

func (d *RuleDetector) Detect(ctx context.Context, records []domain.TransactionRecord) ([]domain.Signal, error) {
	out, _, err := d.program.ContextEval(ctx, Activation(records))
	if err != nil {
		return nil, fmt.Errorf("%w: evaluation error: %w", domain.ErrDetector, err)
	}

	score := clamp(toScore(out), 0, 1)
	if score == 0 {
		return nil, nil
	}

	reason := d.rule.Reason
	if reason == "" {
		reason = d.rule.ID
	}
	explanation := d.rule.Explanation
	if explanation == "" {
		explanation = fmt.Sprintf("Custom rule %q matched this dataset.", d.rule.Name)
	}

	return []domain.Signal{{
		Triggered:    true,
		Contribution: d.rule.MaxContribution * score,
		Reason:       reason,
		Explanation:  explanation,
	}}, nil
}

// Activation builds the CEL variables for a dataset.
func Activation(records []domain.TransactionRecord) map[string]any {
	var total, maxAmt float64
	var weekend, round, negative int64
	vendors := make(map[string]struct{})
	txs := make([]any, 0, len(records))

	for _, r := range records {
		amt := domain.MajorUnits(r.AbsAmount())
		total += amt
		if amt > maxAmt {
			maxAmt = amt
		}
		if isWeekend(r.Date) {
			weekend++
		}
		if r.AbsAmount() > 0 && r.AbsAmount()%10000 == 0 {
			round++
		}
		if r.Amount < 0 {
			negative++
		}
		vendors[r.VendorKey()] = struct{}{}

		txs = append(txs, map[string]any{
			"id":          r.ID,
			"date":        r.Date.Format("2006-01-02"),
			"amount":      domain.MajorUnits(r.Amount),
			"vendor":      r.Vendor,
			"description": r.Description,
			"weekend":     isWeekend(r.Date),
		})
	}

	n := int64(len(records))
	var mean, weekendRatio, roundRatio float64
	if n > 0 {
		mean = total / float64(n)
		weekendRatio = float64(weekend) / float64(n)
		roundRatio = float64(round) / float64(n)
	}

	return map[string]any{
		"count":          n,
		"total_amount":   total,
		"max_amount":     maxAmt,
		"mean_amount":    mean,
		"vendor_count":   int64(len(vendors)),
		"weekend_ratio":  weekendRatio,
		"round_ratio":    roundRatio,
		"negative_count": negative,
		"txs":            txs,
	}
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}
