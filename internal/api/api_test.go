package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/analytics"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/detect"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/explain"
	"github.com/opensource-finance/harrier/internal/lifecycle"
	"github.com/opensource-finance/harrier/internal/normalize"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/scoring"
	"github.com/opensource-finance/harrier/internal/worker"
)

type testServer struct {
	*Server
	manager *lifecycle.Manager
	bus     *bus.ChannelBus
	docs    string
}

// createTestServer wires the API over sqlite, the LRU cache and the channel bus.
func createTestServer(t *testing.T, rateLimit domain.RateLimitConfig) *testServer {
	t.Helper()

	docs := t.TempDir()
	store, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "harrier.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	caseCfg := domain.CaseConfig{
		DocumentsRoot:        docs,
		MaxDocumentRefLength: 256,
		MaxDocumentBytes:     1 << 20,
		LeaseTTL:             time.Minute,
		RunTimeout:           30 * time.Second,
		ViewCacheTTL:         time.Minute,
	}
	normalizer, err := normalize.NewFileNormalizer(caseCfg)
	if err != nil {
		t.Fatalf("failed to create normalizer: %v", err)
	}
	compiler, err := detect.NewRuleCompiler()
	if err != nil {
		t.Fatalf("failed to create rule compiler: %v", err)
	}
	detectors := domain.DefaultDetectorsConfig()
	registry, err := detect.Build(detectors, compiler, nil)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	c := cache.NewLRUCache(100)
	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	m, err := lifecycle.NewManager(lifecycle.Deps{
		Store:      store,
		Cache:      c,
		Bus:        b,
		Normalizer: normalizer,
		Registry:   registry,
		Aggregator: scoring.NewAggregator(domain.DefaultConfig().Scoring),
		Explainer:  explain.NewGenerator(nil, domain.ExplanationConfig{}),
		Compiler:   compiler,
		Detectors:  detectors,
		Config:     caseCfg,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30, AdminPrincipals: []string{"admin"}}
	server := NewServer(cfg, Deps{
		Manager:   m,
		Analytics: analytics.NewService(store),
		Store:     store,
		Cache:     c,
		RateLimit: rateLimit,
		Version:   "test-v1",
	})
	return &testServer{Server: server, manager: m, bus: b, docs: docs}
}

func (s *testServer) writeDoc(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(s.docs, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func (s *testServer) do(method, path, principal string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func (s *testServer) createCase(t *testing.T, principal, ref string) domain.Case {
	t.Helper()
	rr := s.do(http.MethodPost, "/cases", principal, CreateCaseRequest{DocumentRef: ref})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var c domain.Case
	json.Unmarshal(rr.Body.Bytes(), &c)
	return c
}

const dupesCSV = "date,amount,vendor\n" +
	"2024-03-04,1500.00,Acme Ltd\n" +
	"2024-03-04,1500.00,Acme Ltd\n" +
	"2024-03-05,1500.00,acme  ltd\n"

func TestCaseEndpoints(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})
	server.writeDoc(t, "ledger.csv", dupesCSV)

	c := server.createCase(t, "alice", "ledger.csv")
	if c.State != domain.CaseUploaded || c.Principal != "alice" {
		t.Fatalf("unexpected case %+v", c)
	}

	t.Run("MissingPrincipal", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/cases", "", CreateCaseRequest{DocumentRef: "ledger.csv"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidBody", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/cases", bytes.NewBufferString("{not json"))
		req.Header.Set(PrincipalHeader, "alice")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingDocument", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/cases", "alice", CreateCaseRequest{DocumentRef: "missing.csv"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("GetCase", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/cases/"+c.ID, "alice", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var view domain.CaseView
		json.Unmarshal(rr.Body.Bytes(), &view)
		if view.Case == nil || view.Case.ID != c.ID || view.Assessment != nil {
			t.Errorf("unexpected view %+v", view)
		}
	})

	t.Run("OtherPrincipalGetsNotFound", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/cases/"+c.ID, "mallory", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
		rr = server.do(http.MethodPost, "/cases/"+c.ID+"/analyze", "mallory", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 on analyze, got %d", rr.Code)
		}
	})

	t.Run("UnknownCase", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/cases/nope", "alice", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ListCases", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/cases", "alice", nil)
		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 case for alice, got %d", resp.Count)
		}

		rr = server.do(http.MethodGet, "/cases", "bob", nil)
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 0 {
			t.Errorf("expected 0 cases for bob, got %d", resp.Count)
		}
	})

	t.Run("AnalyzeTwiceConflicts", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/cases/"+c.ID+"/analyze", "alice", nil)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
		var started domain.Case
		json.Unmarshal(rr.Body.Bytes(), &started)
		if started.State != domain.CaseProcessing || started.RunNumber != 1 {
			t.Errorf("expected processing run 1, got %s run %d", started.State, started.RunNumber)
		}

		rr = server.do(http.MethodPost, "/cases/"+c.ID+"/analyze", "alice", nil)
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})
}

func TestAnalysisEndToEnd(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})
	server.writeDoc(t, "ledger.csv", dupesCSV)

	w := worker.NewWorker(server.bus, server.manager)
	if err := w.Start(worker.Config{WorkerCount: 2}); err != nil {
		t.Fatalf("worker start failed: %v", err)
	}
	defer w.Stop()

	c := server.createCase(t, "alice", "ledger.csv")
	rr := server.do(http.MethodPost, "/cases/"+c.ID+"/analyze", "alice", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}

	var view domain.CaseView
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rr = server.do(http.MethodGet, "/cases/"+c.ID, "alice", nil)
		view = domain.CaseView{}
		json.Unmarshal(rr.Body.Bytes(), &view)
		if view.Case != nil && view.Case.State.Terminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if view.Case == nil || view.Case.State != domain.CaseAnalyzed {
		t.Fatalf("expected analyzed case, got %+v", view.Case)
	}
	if view.Assessment == nil || view.Assessment.Score <= 0 || view.Assessment.Narrative == "" {
		t.Fatalf("expected scored assessment with narrative, got %+v", view.Assessment)
	}

	t.Run("Assessments", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/cases/"+c.ID+"/assessments", "alice", nil)
		var resp struct {
			Assessments []domain.RiskAssessment `json:"assessments"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if len(resp.Assessments) != 1 || resp.Assessments[0].ID != view.Assessment.ID {
			t.Errorf("expected current assessment in history, got %d entries", len(resp.Assessments))
		}
	})

	t.Run("Runs", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/cases/"+c.ID+"/runs", "alice", nil)
		var resp struct {
			Runs []domain.AnalysisRun `json:"runs"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if len(resp.Runs) != 1 || resp.Runs[0].Status != domain.RunCompleted {
			t.Errorf("expected one completed run, got %+v", resp.Runs)
		}
	})

	t.Run("Transactions", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/cases/"+c.ID+"/transactions", "alice", nil)
		var summary domain.TransactionSummary
		json.Unmarshal(rr.Body.Bytes(), &summary)
		if summary.Count != 3 || len(summary.Records) != 3 {
			t.Errorf("expected 3 records, got %d", summary.Count)
		}
	})

	t.Run("AnalyticsSummary", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/analytics/summary", "alice", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var summary analytics.Summary
		json.Unmarshal(rr.Body.Bytes(), &summary)
		if summary.TotalCases != 1 || summary.AssessedCases != 1 {
			t.Errorf("expected one assessed case, got %+v", summary)
		}
		if summary.States[domain.CaseAnalyzed] != 1 {
			t.Errorf("expected 1 analyzed case, got %v", summary.States)
		}
		var found bool
		for _, d := range summary.Detectors {
			if d.Detector == "duplicate" && d.Triggered == 1 {
				found = true
			}
		}
		if !found {
			t.Errorf("expected duplicate detector stats, got %+v", summary.Detectors)
		}
	})
}

func TestDetectorRuleEndpoints(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})

	rr := server.do(http.MethodGet, "/detectors", "admin", nil)
	var before struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rr.Body.Bytes(), &before)
	if before.Count == 0 {
		t.Fatal("expected built-in detectors")
	}

	t.Run("InvalidExpression", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/detector-rules", "admin", CreateRuleRequest{
			ID: "bad", Expression: "count >", MaxContribution: 5, Enabled: true,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NonAdminRejected", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/detector-rules", "alice", CreateRuleRequest{
			ID: "sneaky", Expression: "count > 0", MaxContribution: 40, Enabled: true,
		})
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d", rr.Code)
		}
		rr = server.do(http.MethodPost, "/detector-rules/reload", "alice", nil)
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403 on reload, got %d", rr.Code)
		}
		rr = server.do(http.MethodGet, "/detector-rules", "alice", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected rules to stay readable, got %d", rr.Code)
		}
	})

	t.Run("MissingExpression", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/detector-rules", "admin", CreateRuleRequest{ID: "empty"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CreateAndReload", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/detector-rules", "admin", CreateRuleRequest{
			ID: "many-negative", Expression: "negative_count > 3", MaxContribution: 15, Enabled: true,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = server.do(http.MethodGet, "/detector-rules", "admin", nil)
		var list struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &list)
		if list.Count != 1 {
			t.Errorf("expected 1 stored rule, got %d", list.Count)
		}

		rr = server.do(http.MethodPost, "/detector-rules/reload", "admin", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var reload struct {
			Detectors int `json:"detectors"`
		}
		json.Unmarshal(rr.Body.Bytes(), &reload)
		if reload.Detectors != before.Count+1 {
			t.Errorf("expected %d detectors after reload, got %d", before.Count+1, reload.Detectors)
		}
	})
}

func TestRateLimit(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{Enabled: true, Requests: 3, Window: time.Minute})

	for i := 0; i < 3; i++ {
		rr := server.do(http.MethodGet, "/cases", "alice", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i+1, rr.Code)
		}
	}

	rr := server.do(http.MethodGet, "/cases", "alice", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Errorf("expected Retry-After 60, got %q", rr.Header().Get("Retry-After"))
	}

	rr = server.do(http.MethodGet, "/cases", "bob", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected other principal to be unaffected, got %d", rr.Code)
	}

	rr = server.do(http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected health outside the limit, got %d", rr.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})

	t.Run("HealthCheck", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/health", "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/ready", "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/metrics", "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		if !bytes.Contains(rr.Body.Bytes(), []byte("harrier_cases_created_total")) {
			t.Error("expected harrier metrics in exposition")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("PrincipalMiddlewareExtractsID", func(t *testing.T) {
		var captured string

		handler := PrincipalMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = GetPrincipal(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(PrincipalHeader, "analyst-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if captured != "analyst-123" {
			t.Errorf("expected principal 'analyst-123', got '%s'", captured)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID response header")
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("WriteErrorMapping", func(t *testing.T) {
		tests := []struct {
			err  error
			want int
		}{
			{fmt.Errorf("%w: bad ref", domain.ErrValidation), http.StatusBadRequest},
			{fmt.Errorf("%w: busy", domain.ErrInvalidState), http.StatusConflict},
			{domain.ErrCaseNotFound, http.StatusNotFound},
			{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
		}
		for _, tt := range tests {
			rr := httptest.NewRecorder()
			writeError(rr, tt.err)
			if rr.Code != tt.want {
				t.Errorf("%v: expected status %d, got %d", tt.err, tt.want, rr.Code)
			}
		}
	})
}
