package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/detect"
	"github.com/opensource-finance/harrier/internal/domain"
)

// SaveRule validates and stores a CEL detector rule. The running registry is not touched
// until ReloadRules is called.
func (m *Manager) SaveRule(ctx context.Context, rule *domain.DetectorRule) error {
	if m.compiler == nil {
		return fmt.Errorf("%w: detector rules are not enabled", domain.ErrValidation)
	}

	rule.Name = strings.TrimSpace(rule.Name)
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Name == "" {
		rule.Name = rule.ID
	}
	if rule.Reason == "" {
		rule.Reason = "custom_rule"
	}
	if rule.MaxContribution <= 0 {
		return fmt.Errorf("%w: maxContribution must be positive", domain.ErrValidation)
	}
	if err := m.compiler.Validate(rule); err != nil {
		return err
	}

	if err := m.store.SaveDetectorRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to save detector rule: %w", err)
	}

	slog.Info("detector rule saved",
		"rule_id", rule.ID,
		"enabled", rule.Enabled,
	)
	return nil
}

// Rules lists every stored detector rule.
func (m *Manager) Rules(ctx context.Context) ([]*domain.DetectorRule, error) {
	return m.store.ListDetectorRules(ctx)
}

// ReloadRules rebuilds the registry from the built-in detectors and the stored rules and
// swaps it in. It returns the number of detectors in the new registry.
func (m *Manager) ReloadRules(ctx context.Context) (int, error) {
	rules, err := m.store.ListDetectorRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load detector rules: %w", err)
	}

	reg, err := detect.Build(m.detectors, m.compiler, rules)
	if err != nil {
		return 0, err
	}
	m.ReplaceRegistry(reg)

	slog.Info("detector registry reloaded",
		"detectors", reg.Len(),
		"rules", len(rules),
	)
	return reg.Len(), nil
}
