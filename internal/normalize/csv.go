package normalize

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

func parseCSV(ctx context.Context, r io.Reader) ([]domain.TransactionRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, domain.NewNormalizationError("document is empty", nil)
	}
	if err != nil {
		return nil, domain.NewNormalizationError("line 1: malformed header", err)
	}

	// Map column indices
	columns := make([]field, len(header))
	present := make(map[field]bool)
	for i, col := range header {
		f := lookupField(strings.TrimPrefix(col, "\ufeff"))
		if f != fieldUnknown && present[f] {
			return nil, domain.NewNormalizationError(fmt.Sprintf("line 1: duplicate column %q", col), nil)
		}
		columns[i] = f
		present[f] = true
	}
	if !present[fieldDate] || !present[fieldAmount] {
		return nil, domain.NewNormalizationError("line 1: header must contain date and amount columns", nil)
	}

	var records []domain.TransactionRecord
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				return nil, domain.NewNormalizationError(fmt.Sprintf("line %d: malformed row", parseErr.Line), parseErr.Err)
			}
			return nil, domain.NewNormalizationError("malformed row", err)
		}
		line, _ := reader.FieldPos(0)
		if blank(row) {
			continue
		}
		if len(records)%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		b := newRow(line)
		for i, value := range row {
			if i >= len(columns) {
				break
			}
			if err := b.set(columns[i], value); err != nil {
				return nil, err
			}
		}
		rec, err := b.build()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
