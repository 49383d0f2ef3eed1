package detect

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Keywords flags descriptions and vendor names that use terminology associated with
// bribery, concealment, pressure, shell entities, conflicts or irregular payments.
type Keywords struct {
	cfg        domain.KeywordsConfig
	categories []keywordCategory
}

type keywordCategory struct {
	name    string
	weight  float64
	pattern *regexp.Regexp
}

// NewKeywords creates a keyword detector. Categories without terms are ignored.
func NewKeywords(cfg domain.KeywordsConfig) *Keywords {
	k := &Keywords{cfg: cfg}
	for _, name := range slices.Sorted(maps.Keys(cfg.Categories)) {
		cat := cfg.Categories[name]
		terms := make([]string, 0, len(cat.Terms))
		for _, term := range cat.Terms {
			if term = strings.TrimSpace(term); term != "" {
				terms = append(terms, regexp.QuoteMeta(strings.ToLower(term)))
			}
		}
		if len(terms) == 0 {
			continue
		}
		// longer phrases first so "undisclosed relationship" beats "undisclosed"
		slices.SortStableFunc(terms, func(a, b string) int { return len(b) - len(a) })

		weight := cat.Weight
		if weight <= 0 {
			weight = 1
		}
		k.categories = append(k.categories, keywordCategory{
			name:    name,
			weight:  weight,
			pattern: regexp.MustCompile(`(?i)\b(?:` + strings.Join(terms, "|") + `)\b`),
		})
	}
	return k
}

func (k *Keywords) Name() string { return "keywords" }

func (k *Keywords) Detect(ctx context.Context, records []domain.TransactionRecord) ([]domain.Signal, error) {
	var signals []domain.Signal
	var total float64

	for _, cat := range k.categories {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		found := make(map[string]bool)
		var matched []domain.TransactionRecord
		for _, r := range records {
			hits := cat.pattern.FindAllString(r.Description+"\n"+r.Vendor, -1)
			if len(hits) == 0 {
				continue
			}
			for _, h := range hits {
				found[strings.ToLower(h)] = true
			}
			matched = append(matched, r)
		}
		if len(matched) == 0 {
			continue
		}

		terms := slices.Sorted(maps.Keys(found))
		contribution := float64(len(terms)) * k.cfg.PerKeyword * cat.weight
		total += contribution
		signals = append(signals, domain.Signal{
			Triggered:    true,
			Contribution: contribution,
			Reason:       "keywords_" + cat.name,
			Explanation: fmt.Sprintf("%d transactions mention %s terms: %s.",
				len(matched), strings.ReplaceAll(cat.name, "_", " "), strings.Join(terms, ", ")),
			TransactionIDs: ids(matched),
		})
	}

	// the cap applies to the detector as a whole; categories keep their proportions
	if limit := k.cfg.MaxContribution; limit > 0 && total > limit {
		for i := range signals {
			signals[i].Contribution *= limit / total
		}
	}
	return signals, nil
}
