package detect

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/opensource-finance/harrier/internal/domain"
)

// benfordExpected holds log10(1 + 1/d) for leading digits 1..9.
var benfordExpected = func() [10]float64 {
	var p [10]float64
	for d := 1; d <= 9; d++ {
		p[d] = math.Log10(1 + 1/float64(d))
	}
	return p
}()

// Benford compares the first-digit distribution of amounts with Benford's law.
type Benford struct {
	cfg domain.BenfordConfig
}

// NewBenford creates a first-digit detector.
func NewBenford(cfg domain.BenfordConfig) *Benford {
	return &Benford{cfg: cfg}
}

func (b *Benford) Name() string { return "benford" }

func (b *Benford) Detect(ctx context.Context, records []domain.TransactionRecord) ([]domain.Signal, error) {
	var counts [10]int
	n := 0
	for _, r := range records {
		amt := r.AbsAmount()
		if amt < b.cfg.MinAmount || amt == 0 {
			continue
		}
		counts[leadingDigit(amt)]++
		n++
	}

	if n < b.cfg.MinSamples {
		return []domain.Signal{{
			Reason:      "insufficient_sample",
			Explanation: fmt.Sprintf("Only %d amounts are large enough for a first-digit test (minimum %d).", n, b.cfg.MinSamples),
		}}, nil
	}

	var chi2, mad float64
	for d := 1; d <= 9; d++ {
		observed := float64(counts[d]) / float64(n)
		expected := benfordExpected[d]
		mad += math.Abs(observed - expected)
		diff := float64(counts[d]) - expected*float64(n)
		chi2 += diff * diff / (expected * float64(n))
	}
	mad /= 9

	severity := math.Max(mad/b.cfg.MADThreshold, chi2/b.cfg.ChiSquareCritical)
	if severity <= 1 {
		return []domain.Signal{{
			Reason:      "conforms",
			Explanation: fmt.Sprintf("Leading digits of %d amounts are consistent with the expected distribution (MAD %.4f).", n, mad),
		}}, nil
	}

	saturation := b.cfg.SaturationSeverity
	if saturation <= 1 {
		saturation = 2
	}
	scale := clamp((severity-1)/(saturation-1), 0.1, 1)

	return []domain.Signal{{
		Triggered:    true,
		Contribution: b.cfg.MaxContribution * scale,
		Reason:       "first_digit_deviation",
		Explanation: fmt.Sprintf(
			"Leading digits of %d amounts deviate from the expected distribution (MAD %.4f, chi-square %.2f), which may indicate manually chosen figures.",
			n, mad, chi2),
	}}, nil
}

func leadingDigit(v int64) int {
	s := strconv.FormatInt(v, 10)
	return int(s[0] - '0')
}
