package detect

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Duplicate flags groups of payments with the same amount and vendor close in time.
type Duplicate struct {
	cfg domain.DuplicateConfig
}

// NewDuplicate creates a duplicate payment detector.
func NewDuplicate(cfg domain.DuplicateConfig) *Duplicate {
	return &Duplicate{cfg: cfg}
}

func (d *Duplicate) Name() string { return "duplicate" }

type dupKey struct {
	amount int64
	vendor string
}

func (d *Duplicate) Detect(ctx context.Context, records []domain.TransactionRecord) ([]domain.Signal, error) {
	groups := make(map[dupKey][]domain.TransactionRecord)
	var order []dupKey
	for _, r := range records {
		if r.Amount == 0 {
			continue
		}
		k := dupKey{amount: r.Amount, vendor: r.VendorKey()}
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

		for _, cluster := range d.clusters(group) {
			if len(cluster) < 2 {
				continue
			}
			signals = append(signals, domain.Signal{
				Triggered:    true,
				Contribution: math.Min(d.cfg.MaxContribution, d.cfg.PerExtraCopy*float64(len(cluster)-1)),
				Reason:       "duplicate_payment",
				Explanation: fmt.Sprintf(
					"%d payments of %s to %q within %d day(s) may be duplicates.",
					len(cluster), domain.FormatAmount(k.amount), cluster[0].Vendor, d.cfg.WindowDays),
				TransactionIDs: ids(cluster),
			})
		}
	}

	slices.SortStableFunc(signals, func(a, b domain.Signal) int {
		return cmp.Compare(b.Contribution, a.Contribution)
	})
	return signals, nil
}

// clusters splits a date-sorted group wherever consecutive records are further apart than the window.
func (d *Duplicate) clusters(group []domain.TransactionRecord) [][]domain.TransactionRecord {
	var out [][]domain.TransactionRecord
	current := []domain.TransactionRecord{group[0]}
	for _, r := range group[1:] {
		if dayDiff(current[len(current)-1].Date, r.Date) <= d.cfg.WindowDays {
			current = append(current, r)
			continue
		}
		out = append(out, current)
		current = []domain.TransactionRecord{r}
	}
	return append(out, current)
}
