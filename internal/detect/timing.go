package detect

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Timing flags unusual transaction timing: weekend activity and same-day bursts per vendor.
type Timing struct {
	cfg domain.TimingConfig
}

// NewTiming creates a timing detector.
func NewTiming(cfg domain.TimingConfig) *Timing {
	return &Timing{cfg: cfg}
}

func (t *Timing) Name() string { return "timing" }

type burstKey struct {
	vendor string
	day    string
}

func (t *Timing) Detect(ctx context.Context, records []domain.TransactionRecord) ([]domain.Signal, error) {
	if len(records) < t.cfg.MinSamples {
		return nil, nil
	}

	var signals []domain.Signal

	var weekend []domain.TransactionRecord
	for _, r := range records {
		if isWeekend(r.Date) {
			weekend = append(weekend, r)
		}
	}
	share := float64(len(weekend)) / float64(len(records))
	if share > t.cfg.WeekendShare {
		excess := (share - t.cfg.WeekendShare) / math.Max(1-t.cfg.WeekendShare, 1e-9)
		signals = append(signals, domain.Signal{
			Triggered:    true,
			Contribution: t.cfg.MaxContribution * clamp(excess, 0.25, 1) * 0.5,
			Reason:       "weekend_activity",
			Explanation: fmt.Sprintf(
				"%d of %d transactions (%.0f%%) are dated on weekends.",
				len(weekend), len(records), share*100),
			TransactionIDs: ids(weekend),
		})
	}

	bursts := make(map[burstKey][]domain.TransactionRecord)
	var order []burstKey
	for _, r := range records {
		k := burstKey{vendor: r.VendorKey(), day: r.Date.Format("2006-01-02")}
		if _, ok := bursts[k]; !ok {
			order = append(order, k)
		}
		bursts[k] = append(bursts[k], r)
	}
	var burstIDs []string
	var burstCount int
	for _, k := range order {
		if len(bursts[k]) >= t.cfg.BurstSize {
			burstCount++
			burstIDs = append(burstIDs, ids(bursts[k])...)
		}
	}
	if burstCount > 0 {
		signals = append(signals, domain.Signal{
			Triggered:    true,
			Contribution: math.Min(t.cfg.MaxContribution*0.5, 5*float64(burstCount)),
			Reason:       "same_day_burst",
			Explanation: fmt.Sprintf(
				"%d vendor(s) received %d or more payments on a single day.",
				burstCount, t.cfg.BurstSize),
			TransactionIDs: burstIDs,
		})
	}

	return signals, nil
}
