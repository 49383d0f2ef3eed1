package domain

import (
	"context"
)

// Normalizer turns a document reference into date-ordered transaction records.
// Malformed documents are reported as *NormalizationError.
type Normalizer interface {
	Normalize(ctx context.Context, documentRef string) ([]TransactionRecord, error)
}

// DocumentSizer is implemented by normalizers that can report a document's size
// before parsing it.
type DocumentSizer interface {
	DocumentSize(ctx context.Context, documentRef string) (int64, error)
}

// GenerateRequest is the input of a language model call.
type GenerateRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// LanguageModel produces text for explanation narratives.
// Deadlines are carried by ctx.
type LanguageModel interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	Close() error
}
