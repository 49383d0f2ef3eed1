package detect

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/harrier/internal/domain"
)

// RoundNumber flags an unusually high share of exactly round amounts.
type RoundNumber struct {
	cfg domain.RoundNumberConfig
}

// NewRoundNumber creates a round amount detector.
func NewRoundNumber(cfg domain.RoundNumberConfig) *RoundNumber {
	return &RoundNumber{cfg: cfg}
}

func (r *RoundNumber) Name() string { return "round_number" }

func (r *RoundNumber) Detect(ctx context.Context, records []domain.TransactionRecord) ([]domain.Signal, error) {
	unit := r.cfg.RoundUnit
	if unit <= 0 {
		unit = 10000
	}

	var round []domain.TransactionRecord
	thousands := 0
	n := 0
	for _, rec := range records {
		amt := rec.AbsAmount()
		if amt == 0 {
			continue
		}
		n++
		if amt%unit == 0 {
			round = append(round, rec)
			if amt%(unit*10) == 0 {
				thousands++
			}
		}
	}

	if n < r.cfg.MinSamples || len(round) < r.cfg.MinCount {
		return nil, nil
	}

	ratio := float64(len(round)) / float64(n)
	limit := r.cfg.BaselineRate * r.cfg.Multiplier
	if ratio <= limit {
		return nil, nil
	}

	// scale from the limit up to an all-round dataset
	scale := clamp((ratio-limit)/math.Max(1-limit, 1e-9), 0.25, 1)
	reason := "round_amounts"
	explanation := fmt.Sprintf(
		"%d of %d amounts (%.0f%%) are exact multiples of %s, well above the expected %.0f%%.",
		len(round), n, ratio*100, domain.FormatAmount(unit), r.cfg.BaselineRate*100)
	if thousands >= 3 {
		reason = "round_thousands"
		explanation += fmt.Sprintf(" %d of them are exact multiples of %s.", thousands, domain.FormatAmount(unit*10))
	}

	return []domain.Signal{{
		Triggered:      true,
		Contribution:   r.cfg.MaxContribution * scale,
		Reason:         reason,
		Explanation:    explanation,
		TransactionIDs: ids(round),
	}}, nil
}
