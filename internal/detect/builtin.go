package detect

import (
	"fmt"
	"slices"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Builtin returns the built-in detectors in registry order, minus the disabled ones.
func Builtin(cfg domain.DetectorsConfig) []Detector {
	all := []Detector{
		NewBenford(cfg.Benford),
		NewOutlier(cfg.Outlier),
		NewDuplicate(cfg.Duplicate),
		NewConcentration(cfg.Concentration),
		NewRoundNumber(cfg.RoundNumber),
		NewSplitInvoice(cfg.SplitInvoice),
		NewTiming(cfg.Timing),
		NewKeywords(cfg.Keywords),
	}

	out := make([]Detector, 0, len(all))
	for _, d := range all {
		if !slices.Contains(cfg.Disabled, d.Name()) {
			out = append(out, d)
		}
	}
	return out
}

// Build assembles a registry from the built-in detectors plus the enabled CEL rules.
func Build(cfg domain.DetectorsConfig, compiler *RuleCompiler, rules []*domain.DetectorRule) (*Registry, error) {
	detectors := Builtin(cfg)
	if compiler != nil && len(rules) > 0 {
		ruleDetectors, err := compiler.CompileAll(rules)
		if err != nil {
			return nil, fmt.Errorf("failed to compile detector rules: %w", err)
		}
		detectors = append(detectors, ruleDetectors...)
	}
	return NewRegistry(cfg.MaxParallel, detectors...)
}
