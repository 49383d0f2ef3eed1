package api

import (
	"net/http"

	"github.com/opensource-finance/harrier/internal/domain"
)

// CreateCaseRequest is the request body for POST /cases.
type CreateCaseRequest struct {
	DocumentRef string `json:"documentRef"`
}

// CreateCase registers a document for the calling principal.
func (h *Handler) CreateCase(w http.ResponseWriter, r *http.Request) {
	var req CreateCaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	c, err := h.manager.CreateCase(r.Context(), GetPrincipal(r.Context()), req.DocumentRef)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ListCases returns the caller's cases, newest first.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := h.manager.ListCases(r.Context(), GetPrincipal(r.Context()), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if cases == nil {
		cases = []*domain.Case{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cases": cases,
		"count": len(cases),
	})
}

// GetCase returns the case state and, once analyzed, its assessment.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	view, ok := h.ownedCase(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Analyze starts an analysis run. The run executes asynchronously; poll GET /cases/{id}.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.ownedCase(w, r); !ok {
		return
	}

	c, err := h.manager.StartAnalysis(r.Context(), caseID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, c)
}

// ListAssessments returns the assessment history of a case.
func (h *Handler) ListAssessments(w http.ResponseWriter, r *http.Request) {
	view, ok := h.ownedCase(w, r)
	if !ok {
		return
	}

	assessments, err := h.manager.Assessments(r.Context(), view.Case.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if assessments == nil {
		assessments = []*domain.RiskAssessment{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assessments": assessments,
		"count":       len(assessments),
	})
}

// ListRuns returns the analysis run history of a case.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	view, ok := h.ownedCase(w, r)
	if !ok {
		return
	}

	runs, err := h.manager.Runs(r.Context(), view.Case.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*domain.AnalysisRun{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// ListTransactions returns the normalized records of the case's latest dataset.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	view, ok := h.ownedCase(w, r)
	if !ok {
		return
	}

	summary, err := h.manager.Transactions(r.Context(), view.Case)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ownedCase loads the case named in the path and checks it belongs to the caller.
// Cases of other principals are reported as not found.
func (h *Handler) ownedCase(w http.ResponseWriter, r *http.Request) (*domain.CaseView, bool) {
	view, err := h.manager.GetCase(r.Context(), caseID(r))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if view.Case.Principal != GetPrincipal(r.Context()) {
		writeError(w, domain.ErrCaseNotFound)
		return nil, false
	}
	return view, true
}
