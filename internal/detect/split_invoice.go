package detect

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/opensource-finance/harrier/internal/domain"
)

// SplitInvoice flags vendors receiving several payments just under an approval limit
// that together exceed it.
type SplitInvoice struct {
	cfg domain.SplitInvoiceConfig
}

// NewSplitInvoice creates a split invoice detector.
func NewSplitInvoice(cfg domain.SplitInvoiceConfig) *SplitInvoice {
	thresholds := slices.Clone(cfg.ApprovalThresholds)
	slices.Sort(thresholds)
	cfg.ApprovalThresholds = thresholds
	return &SplitInvoice{cfg: cfg}
}

func (s *SplitInvoice) Name() string { return "split_invoice" }

// band returns the approval threshold an amount sits just below, or 0.
func (s *SplitInvoice) band(amount int64) int64 {
	for _, t := range s.cfg.ApprovalThresholds {
		lo := float64(t) * s.cfg.LowerRatio
		hi := float64(t) * s.cfg.UpperRatio
		if float64(amount) >= lo && float64(amount) <= hi {
			return t
		}
	}
	return 0
}

type splitKey struct {
	vendor    string
	threshold int64
}

func (s *SplitInvoice) Detect(ctx context.Context, records []domain.TransactionRecord) ([]domain.Signal, error) {
	groups := make(map[splitKey][]domain.TransactionRecord)
	var order []splitKey
	for _, r := range records {
		if r.Amount <= 0 {
			continue
		}
		t := s.band(r.Amount)
		if t == 0 {
			continue
		}
		k := splitKey{vendor: r.VendorKey(), threshold: t}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	var signals []domain.Signal
	for _, k := range order {
		group := groups[k]
		if len(group) < 2 {
			continue
		}
		slices.SortStableFunc(group, func(a, b domain.TransactionRecord) int {
			return a.Date.Compare(b.Date)
		})

		// sliding window over dates
		start := 0
		var best []domain.TransactionRecord
		for end := range group {
			for dayDiff(group[start].Date, group[end].Date) > s.cfg.WindowDays {
				start++
			}
			if end-start+1 > len(best) {
				best = group[start : end+1]
			}
		}
		if len(best) < 2 {
			continue
		}
		var total int64
		for _, r := range best {
			total += r.Amount
		}
		if total <= k.threshold {
			continue
		}

		signals = append(signals, domain.Signal{
			Triggered:    true,
			Contribution: math.Min(s.cfg.MaxContribution, s.cfg.PerGroup*float64(len(best)-1)),
			Reason:       "split_below_threshold",
			Explanation: fmt.Sprintf(
				"%d payments to %q just below the %s approval limit total %s within %d day(s), which may indicate a split invoice.",
				len(best), best[0].Vendor, domain.FormatAmount(k.threshold), domain.FormatAmount(total), s.cfg.WindowDays),
			TransactionIDs: ids(best),
		})
	}
	return signals, nil
}
