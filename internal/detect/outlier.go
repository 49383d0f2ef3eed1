package detect

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Outlier flags amounts far from the bulk using the modified z-score on log amounts,
// both globally and within vendors that have enough history.
type Outlier struct {
	cfg domain.OutlierConfig
}

// NewOutlier creates an amount outlier detector.
func NewOutlier(cfg domain.OutlierConfig) *Outlier {
	return &Outlier{cfg: cfg}
}

func (o *Outlier) Name() string { return "outlier" }

func (o *Outlier) Detect(ctx context.Context, records []domain.TransactionRecord) ([]domain.Signal, error) {
	var usable []domain.TransactionRecord
	for _, r := range records {
		if r.AbsAmount() > 0 {
			usable = append(usable, r)
		}
	}
	if len(usable) < o.cfg.MinSamples {
		return nil, nil
	}

	flagged := make(map[string]float64)
	o.flag(usable, flagged)

	byVendor := make(map[string][]domain.TransactionRecord)
	for _, r := range usable {
		byVendor[r.VendorKey()] = append(byVendor[r.VendorKey()], r)
	}
	for _, group := range byVendor {
		if len(group) >= o.cfg.MinGroupSize {
			o.flag(group, flagged)
		}
	}

	if len(flagged) == 0 {
		return nil, nil
	}

	// keep record order for stable output
	var implicated []string
	maxZ := 0.0
	for _, r := range usable {
		if z, ok := flagged[r.ID]; ok && !slices.Contains(implicated, r.ID) {
			implicated = append(implicated, r.ID)
			maxZ = math.Max(maxZ, z)
		}
	}

	contribution := math.Min(o.cfg.MaxContribution, o.cfg.PerOutlier*float64(len(implicated)))
	return []domain.Signal{{
		Triggered:    true,
		Contribution: contribution,
		Reason:       "amount_outlier",
		Explanation: fmt.Sprintf(
			"%d transaction(s) have amounts far outside the typical range (max robust z-score %.1f).",
			len(implicated), maxZ),
		TransactionIDs: implicated,
	}}, nil
}

func (o *Outlier) flag(group []domain.TransactionRecord, flagged map[string]float64) {
	logs := make([]float64, len(group))
	for i, r := range group {
		logs[i] = math.Log10(float64(r.AbsAmount()))
	}
	m, mad := medianAbsDeviation(logs)
	if mad == 0 {
		return
	}
	for i, r := range group {
		z := 0.6745 * (logs[i] - m) / mad
		if math.Abs(z) > o.cfg.ZThreshold {
			if prev, ok := flagged[r.ID]; !ok || math.Abs(z) > prev {
				flagged[r.ID] = math.Abs(z)
			}
		}
	}
}
