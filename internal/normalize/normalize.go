// Package normalize reads transaction documents (CSV or JSON) into normalized records.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

// FileNormalizer reads documents from a directory. Document references are paths
// relative to that directory.
type FileNormalizer struct {
	root     string
	maxBytes int64
}

// NewFileNormalizer creates a normalizer rooted at cfg.DocumentsRoot.
func NewFileNormalizer(cfg domain.CaseConfig) (*FileNormalizer, error) {
	if cfg.DocumentsRoot == "" {
		return nil, fmt.Errorf("%w: documents root is required", domain.ErrValidation)
	}
	root, err := filepath.Abs(cfg.DocumentsRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve documents root: %w", err)
	}
	return &FileNormalizer{root: root, maxBytes: cfg.MaxDocumentBytes}, nil
}

// Root returns the absolute documents directory.
func (n *FileNormalizer) Root() string { return n.root }

// resolve cleans a reference into a root-relative path, rejecting traversal.
func (n *FileNormalizer) resolve(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimSpace(ref)))
	if ref == "" || !filepath.IsLocal(clean) {
		return "", domain.NewNormalizationError("invalid document reference", nil)
	}
	return clean, nil
}

// open opens a document through os.Root, so symlinks that lead outside the
// documents root are refused as well as ".." references.
func (n *FileNormalizer) open(ref string) (*os.File, fs.FileInfo, error) {
	name, err := n.resolve(ref)
	if err != nil {
		return nil, nil, err
	}

	root, err := os.OpenRoot(n.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, domain.NewNormalizationError("document not found", nil)
	}
	if err != nil {
		return nil, nil, domain.NewNormalizationError("documents root could not be opened", err)
	}
	defer root.Close()

	f, err := root.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, domain.NewNormalizationError("document not found", nil)
	}
	if err != nil {
		return nil, nil, domain.NewNormalizationError("document could not be read", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, domain.NewNormalizationError("document could not be read", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, domain.NewNormalizationError("document reference is a directory", nil)
	}
	return f, info, nil
}

// DocumentSize returns the size of the referenced document in bytes.
func (n *FileNormalizer) DocumentSize(ctx context.Context, ref string) (int64, error) {
	f, info, err := n.open(ref)
	if err != nil {
		return 0, err
	}
	f.Close()
	return info.Size(), nil
}

// Normalize parses the referenced document. Records are returned sorted by date;
// records on the same date keep document order.
func (n *FileNormalizer) Normalize(ctx context.Context, ref string) ([]domain.TransactionRecord, error) {
	f, info, err := n.open(ref)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if n.maxBytes > 0 && info.Size() > n.maxBytes {
		return nil, domain.NewNormalizationError(
			fmt.Sprintf("document exceeds maximum size of %d bytes", n.maxBytes), nil)
	}

	var records []domain.TransactionRecord
	switch strings.ToLower(filepath.Ext(strings.TrimSpace(ref))) {
	case ".csv":
		records, err = parseCSV(ctx, f)
	case ".json":
		records, err = parseJSON(ctx, f)
	default:
		return nil, domain.NewNormalizationError(
			fmt.Sprintf("unsupported document format %q", filepath.Ext(strings.TrimSpace(ref))), nil)
	}
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, domain.NewNormalizationError("document contains no transactions", nil)
	}

	if err := assignIDs(records); err != nil {
		return nil, err
	}
	slices.SortStableFunc(records, func(a, b domain.TransactionRecord) int {
		return a.Date.Compare(b.Date)
	})
	return records, nil
}

// assignIDs fills missing ids from the source line and rejects duplicates.
func assignIDs(records []domain.TransactionRecord) error {
	seen := make(map[string]int, len(records))
	for i := range records {
		r := &records[i]
		if r.ID == "" {
			r.ID = fmt.Sprintf("line-%d", r.SourceLine)
		}
		if prev, ok := seen[r.ID]; ok {
			return domain.NewNormalizationError(
				fmt.Sprintf("line %d: duplicate transaction id %q (first seen on line %d)", r.SourceLine, r.ID, prev), nil)
		}
		seen[r.ID] = r.SourceLine
	}
	return nil
}
