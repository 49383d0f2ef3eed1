package detect

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Concentration flags datasets where a few vendors receive most of the money.
type Concentration struct {
	cfg domain.ConcentrationConfig
}

// NewConcentration creates a vendor concentration detector.
func NewConcentration(cfg domain.ConcentrationConfig) *Concentration {
	return &Concentration{cfg: cfg}
}

func (c *Concentration) Name() string { return "concentration" }

type vendorTotal struct {
	key   string
	name  string
	total float64
}

func (c *Concentration) Detect(ctx context.Context, records []domain.TransactionRecord) ([]domain.Signal, error) {
	totals := make(map[string]*vendorTotal)
	var grand float64
	for _, r := range records {
		amt := float64(r.AbsAmount())
		if amt == 0 {
			continue
		}
		k := r.VendorKey()
		vt, ok := totals[k]
		if !ok {
			vt = &vendorTotal{key: k, name: r.Vendor}
			totals[k] = vt
		}
		vt.total += amt
		grand += amt
	}

	if len(totals) < c.cfg.MinVendors || grand == 0 {
		return nil, nil
	}

	vendors := make([]*vendorTotal, 0, len(totals))
	values := make([]float64, 0, len(totals))
	for _, vt := range totals {
		vendors = append(vendors, vt)
		values = append(values, vt.total)
	}
	slices.SortFunc(vendors, func(a, b *vendorTotal) int {
		if n := cmp.Compare(b.total, a.total); n != 0 {
			return n
		}
		return cmp.Compare(a.key, b.key)
	})

	k := int(math.Ceil(c.cfg.TopFraction * float64(len(vendors))))
	if k < 1 {
		k = 1
	}
	var top float64
	topKeys := make(map[string]bool, k)
	names := make([]string, 0, k)
	for _, vt := range vendors[:k] {
		top += vt.total
		topKeys[vt.key] = true
		names = append(names, vt.name)
	}
	share := top / grand
	g := gini(values)

	if share < c.cfg.ShareThreshold {
		return nil, nil
	}

	var implicated []string
	for _, r := range records {
		if topKeys[r.VendorKey()] && r.Amount != 0 {
			implicated = append(implicated, r.ID)
		}
	}

	excess := (share - c.cfg.ShareThreshold) / math.Max(1-c.cfg.ShareThreshold, 1e-9)
	return []domain.Signal{{
		Triggered:    true,
		Contribution: c.cfg.MaxContribution * clamp(excess, 0.25, 1),
		Reason:       "vendor_concentration",
		Explanation: fmt.Sprintf(
			"%d of %d vendors (%v) account for %.0f%% of the total amount (Gini %.2f).",
			k, len(vendors), names, share*100, g),
		TransactionIDs: implicated,
	}}, nil
}
