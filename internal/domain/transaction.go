package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionRecord is a normalized row extracted from a case document.
// Records are produced once by the normalizer and never mutated afterwards.
type TransactionRecord struct {
	ID          string    `json:"id"`
	Date        time.Time `json:"date"`
	Amount      int64     `json:"amount"` // signed, minor units
	Vendor      string    `json:"vendor"`
	Description string    `json:"description,omitempty"`
	SourceLine  int       `json:"sourceLine"`
}

// AbsAmount returns the magnitude of the amount in minor units.
func (t TransactionRecord) AbsAmount() int64 {
	if t.Amount < 0 {
		return -t.Amount
	}
	return t.Amount
}

// VendorKey returns the vendor identifier folded for grouping.
func (t TransactionRecord) VendorKey() string {
	return strings.ToLower(strings.Join(strings.Fields(t.Vendor), " "))
}

// MajorUnits converts a minor-unit amount to a float in major units.
func MajorUnits(minor int64) float64 {
	return float64(minor) / 100
}

// FormatAmount renders a minor-unit amount with two decimals.
func FormatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// TransactionSummary is a read-only view over a case's normalized records.
type TransactionSummary struct {
	CaseID    string              `json:"caseId"`
	RunNumber int64               `json:"runNumber"`
	Count     int                 `json:"count"`
	Records   []TransactionRecord `json:"records"`
}
