package domain

// DetectorsConfig holds the tunables of the built-in detectors.
type DetectorsConfig struct {
	MaxParallel   int                 `yaml:"max_parallel"`
	Benford       BenfordConfig       `yaml:"benford"`
	Outlier       OutlierConfig       `yaml:"outlier"`
	Duplicate     DuplicateConfig     `yaml:"duplicate"`
	Concentration ConcentrationConfig `yaml:"concentration"`
	RoundNumber   RoundNumberConfig   `yaml:"round_number"`
	SplitInvoice  SplitInvoiceConfig  `yaml:"split_invoice"`
	Timing        TimingConfig        `yaml:"timing"`
	Keywords      KeywordsConfig      `yaml:"keywords"`
	Disabled      []string            `yaml:"disabled"`
}

// BenfordConfig tunes the first-digit check.
type BenfordConfig struct {
	MinSamples         int     `yaml:"min_samples"`
	MinAmount          int64   `yaml:"min_amount"` // minor units
	MADThreshold       float64 `yaml:"mad_threshold"`
	ChiSquareCritical  float64 `yaml:"chi_square_critical"`
	SaturationSeverity float64 `yaml:"saturation_severity"`
	MaxContribution    float64 `yaml:"max_contribution"`
}

// OutlierConfig tunes the robust z-score check.
type OutlierConfig struct {
	MinSamples      int     `yaml:"min_samples"`
	MinGroupSize    int     `yaml:"min_group_size"`
	ZThreshold      float64 `yaml:"z_threshold"`
	PerOutlier      float64 `yaml:"per_outlier"`
	MaxContribution float64 `yaml:"max_contribution"`
}

// DuplicateConfig tunes duplicate payment clustering.
type DuplicateConfig struct {
	WindowDays      int     `yaml:"window_days"`
	PerExtraCopy    float64 `yaml:"per_extra_copy"`
	MaxContribution float64 `yaml:"max_contribution"`
}

// ConcentrationConfig tunes vendor concentration.
type ConcentrationConfig struct {
	MinVendors      int     `yaml:"min_vendors"`
	TopFraction     float64 `yaml:"top_fraction"`
	ShareThreshold  float64 `yaml:"share_threshold"`
	MaxContribution float64 `yaml:"max_contribution"`
}

// RoundNumberConfig tunes the round amount frequency check.
type RoundNumberConfig struct {
	RoundUnit       int64   `yaml:"round_unit"` // minor units
	MinCount        int     `yaml:"min_count"`
	MinSamples      int     `yaml:"min_samples"`
	BaselineRate    float64 `yaml:"baseline_rate"`
	Multiplier      float64 `yaml:"multiplier"`
	MaxContribution float64 `yaml:"max_contribution"`
}

// SplitInvoiceConfig tunes detection of amounts split under approval limits.
type SplitInvoiceConfig struct {
	ApprovalThresholds []int64 `yaml:"approval_thresholds"` // minor units
	LowerRatio         float64 `yaml:"lower_ratio"`
	UpperRatio         float64 `yaml:"upper_ratio"`
	WindowDays         int     `yaml:"window_days"`
	PerGroup           float64 `yaml:"per_group"`
	MaxContribution    float64 `yaml:"max_contribution"`
}

// TimingConfig tunes weekend share and burst checks.
type TimingConfig struct {
	MinSamples      int     `yaml:"min_samples"`
	WeekendShare    float64 `yaml:"weekend_share"`
	BurstSize       int     `yaml:"burst_size"`
	MaxContribution float64 `yaml:"max_contribution"`
}

// KeywordsConfig tunes suspicious terminology matching in descriptions and vendor names.
type KeywordsConfig struct {
	Categories      map[string]KeywordCategory `yaml:"categories"`
	PerKeyword      float64                    `yaml:"per_keyword"`
	MaxContribution float64                    `yaml:"max_contribution"`
}

// KeywordCategory is a group of terms sharing a weight.
type KeywordCategory struct {
	Terms  []string `yaml:"terms"`
	Weight float64  `yaml:"weight"`
}

// DefaultKeywordCategories returns the built-in terminology.
func DefaultKeywordCategories() map[string]KeywordCategory {
	return map[string]KeywordCategory{
		"bribery": {Weight: 2.0, Terms: []string{
			"bribe", "kickback", "payoff", "grease payment", "facilitation payment",
			"under the table", "cash payment", "gift", "gratuity", "inducement",
		}},
		"concealment": {Weight: 1.8, Terms: []string{
			"off-book", "undisclosed", "hidden", "secret", "confidential arrangement",
			"side agreement", "unofficial", "unrecorded", "destroy records",
		}},
		"pressure": {Weight: 1.5, Terms: []string{
			"must approve", "no questions", "bypass", "override", "expedite approval",
			"special handling", "exception", "waive requirement", "ignore policy",
		}},
		"shell_entities": {Weight: 1.7, Terms: []string{
			"shell company", "nominee", "offshore", "bearer shares", "trust account",
			"intermediary", "proxy", "front company", "special purpose vehicle",
		}},
		"conflicts": {Weight: 1.6, Terms: []string{
			"conflict of interest", "related party", "family member", "personal relationship",
			"undisclosed relationship", "competing interest", "self-dealing",
		}},
		"financial_irregularity": {Weight: 1.9, Terms: []string{
			"cash only", "no receipt", "no invoice", "falsified", "inflated",
			"duplicate payment", "phantom", "fictitious", "overbilling",
		}},
	}
}

// DefaultDetectorsConfig returns the built-in detector defaults.
func DefaultDetectorsConfig() DetectorsConfig {
	return DetectorsConfig{
		MaxParallel: 8,
		Benford: BenfordConfig{
			MinSamples:         20,
			MinAmount:          1000,
			MADThreshold:       0.015,
			ChiSquareCritical:  15.51,
			SaturationSeverity: 3,
			MaxContribution:    35,
		},
		Outlier: OutlierConfig{
			MinSamples:      8,
			MinGroupSize:    8,
			ZThreshold:      3.5,
			PerOutlier:      5,
			MaxContribution: 25,
		},
		Duplicate: DuplicateConfig{
			WindowDays:      3,
			PerExtraCopy:    10,
			MaxContribution: 30,
		},
		Concentration: ConcentrationConfig{
			MinVendors:      5,
			TopFraction:     0.2,
			ShareThreshold:  0.8,
			MaxContribution: 25,
		},
		RoundNumber: RoundNumberConfig{
			RoundUnit:       10000,
			MinCount:        3,
			MinSamples:      10,
			BaselineRate:    0.1,
			Multiplier:      3,
			MaxContribution: 30,
		},
		SplitInvoice: SplitInvoiceConfig{
			ApprovalThresholds: []int64{500000, 1000000, 2500000, 5000000, 10000000},
			LowerRatio:         0.8,
			UpperRatio:         0.99,
			WindowDays:         14,
			PerGroup:           20,
			MaxContribution:    40,
		},
		Timing: TimingConfig{
			MinSamples:      10,
			WeekendShare:    0.3,
			BurstSize:       5,
			MaxContribution: 30,
		},
		Keywords: KeywordsConfig{
			Categories:      DefaultKeywordCategories(),
			PerKeyword:      10,
			MaxContribution: 50,
		},
	}
}
