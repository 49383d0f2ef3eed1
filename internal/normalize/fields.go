package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

type field int

const (
	fieldUnknown field = iota
	fieldID
	fieldDate
	fieldAmount
	fieldVendor
	fieldDescription
)

var aliases = map[string]field{
	"id":               fieldID,
	"transaction_id":   fieldID,
	"txn_id":           fieldID,
	"reference":        fieldID,
	"invoice":          fieldID,
	"invoice_number":   fieldID,
	"date":             fieldDate,
	"transaction_date": fieldDate,
	"posted":           fieldDate,
	"posting_date":     fieldDate,
	"invoice_date":     fieldDate,
	"amount":           fieldAmount,
	"value":            fieldAmount,
	"total":            fieldAmount,
	"vendor":           fieldVendor,
	"vendor_id":        fieldVendor,
	"counterparty":     fieldVendor,
	"payee":            fieldVendor,
	"supplier":         fieldVendor,
	"beneficiary":      fieldVendor,
	"description":      fieldDescription,
	"memo":             fieldDescription,
	"narrative":        fieldDescription,
	"details":          fieldDescription,
}

// lookupField matches a header or JSON key case-insensitively, treating spaces
// and dashes as underscores.
func lookupField(name string) field {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	return aliases[key]
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"01/02/2006",
	"2006/01/02",
	"02 Jan 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

// parseDate accepts the supported layouts and truncates to the calendar day in UTC.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

var amountCleaner = strings.NewReplacer(",", "", " ", "", "\u00a0", "", "$", "", "€", "", "£", "", "¥", "")

// parseAmount converts a decimal string into integer minor units. Amounts with more
// than two decimal places are rejected rather than rounded.
func parseAmount(s string) (int64, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("missing amount")
	}

	clean := amountCleaner.Replace(raw)
	negative := false
	if strings.HasPrefix(clean, "(") && strings.HasSuffix(clean, ")") {
		negative = true
		clean = clean[1 : len(clean)-1]
	}

	d, err := decimal.NewFromString(clean)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	minor := d.Shift(2)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("invalid amount %q: more than two decimal places", raw)
	}
	if minor.Abs().GreaterThan(decimal.New(1, 17)) {
		return 0, fmt.Errorf("invalid amount %q: out of range", raw)
	}

	v := minor.IntPart()
	if negative {
		v = -v
	}
	return v, nil
}

// rowBuilder accumulates the fields of one record.
type rowBuilder struct {
	line   int
	record domain.TransactionRecord
	seen   map[field]bool
}

func newRow(line int) *rowBuilder {
	return &rowBuilder{line: line, record: domain.TransactionRecord{SourceLine: line}, seen: make(map[field]bool)}
}

func (b *rowBuilder) set(f field, value string) error {
	switch f {
	case fieldID:
		b.record.ID = strings.TrimSpace(value)
	case fieldDate:
		t, err := parseDate(value)
		if err != nil {
			return b.fail(err)
		}
		b.record.Date = t
	case fieldAmount:
		v, err := parseAmount(value)
		if err != nil {
			return b.fail(err)
		}
		b.record.Amount = v
	case fieldVendor:
		b.record.Vendor = strings.TrimSpace(value)
	case fieldDescription:
		b.record.Description = strings.TrimSpace(value)
	default:
		return nil
	}
	b.seen[f] = true
	return nil
}

func (b *rowBuilder) build() (domain.TransactionRecord, error) {
	if !b.seen[fieldDate] {
		return b.record, b.fail(fmt.Errorf("missing date"))
	}
	if !b.seen[fieldAmount] {
		return b.record, b.fail(fmt.Errorf("missing amount"))
	}
	return b.record, nil
}

func (b *rowBuilder) fail(err error) error {
	return domain.NewNormalizationError(fmt.Sprintf("line %d: %s", b.line, err.Error()), nil)
}
