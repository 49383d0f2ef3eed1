package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/harrier/internal/analytics"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/lifecycle"
)

const maxBodyBytes = 1 << 20

// Deps are the collaborators of the API.
type Deps struct {
	Manager   *lifecycle.Manager
	Analytics *analytics.Service
	Store     domain.CaseStore
	Cache     domain.Cache
	RateLimit domain.RateLimitConfig
	Version   string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	manager   *lifecycle.Manager
	analytics *analytics.Service
	store     domain.CaseStore
	cache     domain.Cache
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		manager:   deps.Manager,
		analytics: deps.Analytics,
		store:     deps.Store,
		cache:     deps.Cache,
		version:   deps.Version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.manager == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// Summary returns the analytics summary of the caller's cases.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.analytics.Summarize(r.Context(), GetPrincipal(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListDetectors returns the detectors new runs will execute.
func (h *Handler) ListDetectors(w http.ResponseWriter, r *http.Request) {
	names := h.manager.Registry().Names()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"detectors": names,
		"count":     len(names),
	})
}

// CreateRuleRequest is the request body for creating a detector rule.
type CreateRuleRequest struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Description     string  `json:"description,omitempty"`
	Expression      string  `json:"expression"`
	MaxContribution float64 `json:"maxContribution"`
	Reason          string  `json:"reason,omitempty"`
	Explanation     string  `json:"explanation,omitempty"`
	Enabled         bool    `json:"enabled"`
}

// ListRules returns every stored detector rule.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.manager.Rules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if rules == nil {
		rules = []*domain.DetectorRule{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

// CreateRule validates and stores a detector rule.
// The rule takes effect after POST /detector-rules/reload.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Expression) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "expression is required",
		})
		return
	}

	rule := &domain.DetectorRule{
		ID:              req.ID,
		Name:            req.Name,
		Description:     req.Description,
		Expression:      req.Expression,
		MaxContribution: req.MaxContribution,
		Reason:          req.Reason,
		Explanation:     req.Explanation,
		Enabled:         req.Enabled,
	}
	if err := h.manager.SaveRule(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"message": "Rule saved. Call POST /detector-rules/reload to apply changes.",
	})
}

// ReloadRules rebuilds the detector registry from the stored rules.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	n, err := h.manager.ReloadRules(r.Context())
	if err != nil {
		slog.Error("failed to reload detector rules", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "detector rules reloaded successfully",
		"detectors": n,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case errors.Is(err, domain.ErrValidation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrInvalidState):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrCaseNotFound):
		status, msg = http.StatusNotFound, "case not found"
	default:
		slog.Error("request failed", "error", err)
	}

	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a bounded JSON body, replying 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func caseID(r *http.Request) string {
	return chi.URLParam(r, "id")
}
