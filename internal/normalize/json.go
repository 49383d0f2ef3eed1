package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/opensource-finance/harrier/internal/domain"
)

// jsonDocument accepts either a bare array of transactions or an object wrapping it.
type jsonDocument struct {
	Transactions []map[string]json.RawMessage `json:"transactions"`
}

func parseJSON(ctx context.Context, r io.Reader) ([]domain.TransactionRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, domain.NewNormalizationError("document could not be read", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, domain.NewNormalizationError("document is empty", nil)
	}

	var items []map[string]json.RawMessage
	if data[0] == '[' {
		err = json.Unmarshal(data, &items)
	} else {
		var doc jsonDocument
		err = json.Unmarshal(data, &doc)
		items = doc.Transactions
	}
	if err != nil {
		return nil, domain.NewNormalizationError("malformed JSON document", err)
	}

	records := make([]domain.TransactionRecord, 0, len(items))
	for i, item := range items {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		// transactions are numbered from 1 in error messages
		b := newRow(i + 1)
		for _, key := range slices.Sorted(maps.Keys(item)) {
			raw := item[key]
			f := lookupField(key)
			if f == fieldUnknown {
				continue
			}
			value, err := scalar(raw)
			if err != nil {
				return nil, b.fail(fmt.Errorf("field %q: %w", key, err))
			}
			if err := b.set(f, value); err != nil {
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

// scalar renders a JSON string, number or null as text. Numbers keep their literal form
// so decimal amounts are not routed through float64.
func scalar(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", fmt.Errorf("expected a scalar value")
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("expected a string or number")
		}
		return n.String(), nil
	}
}
