// Package llm provides language model adapters used for explanation narratives.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"golang.org/x/time/rate"
)

// Provider names.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// New creates the configured language model, wrapped with a rate limiter.
// It returns nil when explanations are disabled.
func New(ctx context.Context, cfg domain.ExplanationConfig) (domain.LanguageModel, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s api key is required", domain.ErrValidation, cfg.Provider)
	}

	var (
		model domain.LanguageModel
		err   error
	)
	switch cfg.Provider {
	case ProviderGemini, "":
		model, err = NewGemini(ctx, cfg.APIKey, cfg.Model)
	case ProviderOpenAI:
		model, err = NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("%w: unsupported llm provider: %s", domain.ErrValidation, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("language model initialized", "provider", model.Name(), "model", cfg.Model)
	return NewRateLimited(model, cfg.RequestsPerMinute), nil
}

// RateLimited wraps a model with a token bucket.
type RateLimited struct {
	model   domain.LanguageModel
	limiter *rate.Limiter
}

// NewRateLimited limits calls to requestsPerMinute. A non-positive value disables limiting.
func NewRateLimited(model domain.LanguageModel, requestsPerMinute int) *RateLimited {
	limit := rate.Inf
	burst := 1
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
		burst = requestsPerMinute
	}
	return &RateLimited{model: model, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimited) Name() string { return r.model.Name() }

func (r *RateLimited) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait cancelled: %w", err)
	}
	return r.model.Generate(ctx, req)
}

func (r *RateLimited) Close() error {
	return r.model.Close()
}
