package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/detect"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/explain"
	"github.com/opensource-finance/harrier/internal/normalize"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/scoring"
)

type testEnv struct {
	manager *Manager
	store   *repository.SQLRepository
	cache   *cache.LRUCache
	bus     *bus.ChannelBus
	docs    string
}

type failingModel struct{}

func (failingModel) Name() string { return "failing" }
func (failingModel) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	return "", errors.New("upstream unavailable")
}
func (failingModel) Close() error { return nil }

func newTestEnv(t *testing.T, model domain.LanguageModel) *testEnv {
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
		MaxDocumentRefLength: 64,
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

	explainCfg := domain.ExplanationConfig{Enabled: model != nil, Timeout: time.Second}

	c := cache.NewLRUCache(100)
	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	m, err := NewManager(Deps{
		Store:      store,
		Cache:      c,
		Bus:        b,
		Normalizer: normalizer,
		Registry:   registry,
		Aggregator: scoring.NewAggregator(domain.DefaultConfig().Scoring),
		Explainer:  explain.NewGenerator(model, explainCfg),
		Compiler:   compiler,
		Detectors:  detectors,
		Config:     caseCfg,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	return &testEnv{manager: m, store: store, cache: c, bus: b, docs: docs}
}

func (e *testEnv) writeDoc(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(e.docs, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// naturalCSV renders log-uniform amounts over twelve vendors on consecutive business days.
func naturalCSV(n int) string {
	const phi = 0.6180339887498949
	vendors := []string{"Acme Ltd", "Borealis", "Cobalt Works", "Delta Supply", "Ember Co", "Fjord AS",
		"Granite Inc", "Harbor LLC", "Ionic Labs", "Juniper", "Kestrel Freight", "Lumen Print"}

	var b strings.Builder
	b.WriteString("id,date,amount,vendor\n")
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) // Monday
	for i := 0; i < n; i++ {
		frac := math.Mod(float64(i+1)*phi, 1)
		minor := int64(math.Round(math.Pow(10, 3+3*frac)))
		fmt.Fprintf(&b, "tx-%03d,%s,%d.%02d,%s\n", i+1, day.Format("2006-01-02"), minor/100, minor%100, vendors[i%len(vendors)])
		day = day.AddDate(0, 0, 1)
		for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			day = day.AddDate(0, 0, 1)
		}
	}
	return b.String()
}

func (e *testEnv) start(t *testing.T, caseID string) domain.AnalysisJob {
	t.Helper()
	c, err := e.manager.StartAnalysis(context.Background(), caseID)
	if err != nil {
		t.Fatalf("StartAnalysis failed: %v", err)
	}
	return domain.AnalysisJob{CaseID: c.ID, RunNumber: c.RunNumber, DocumentRef: c.DocumentRef, Principal: c.Principal}
}

func TestCreateCase(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeDoc(t, "ledger.csv", naturalCSV(10))
	ctx := context.Background()

	c, err := env.manager.CreateCase(ctx, "alice", "ledger.csv")
	if err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}
	if c.State != domain.CaseUploaded || c.RunNumber != 0 || c.ID == "" {
		t.Errorf("unexpected new case %+v", c)
	}

	tests := []struct {
		name      string
		principal string
		ref       string
	}{
		{"EmptyPrincipal", " ", "ledger.csv"},
		{"EmptyReference", "alice", ""},
		{"LongReference", "alice", strings.Repeat("a", 65)},
		{"MissingDocument", "alice", "missing.csv"},
		{"Traversal", "alice", "../ledger.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.manager.CreateCase(ctx, tt.principal, tt.ref)
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestStartAnalysis(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeDoc(t, "ledger.csv", naturalCSV(10))
	ctx := context.Background()

	t.Run("UnknownCase", func(t *testing.T) {
		_, err := env.manager.StartAnalysis(ctx, "nope")
		if !errors.Is(err, domain.ErrCaseNotFound) {
			t.Errorf("expected ErrCaseNotFound, got %v", err)
		}
	})

	t.Run("ConcurrentStartsOneWins", func(t *testing.T) {
		c, _ := env.manager.CreateCase(ctx, "alice", "ledger.csv")

		const callers = 10
		var wg sync.WaitGroup
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = env.manager.StartAnalysis(ctx, c.ID)
			}(i)
		}
		wg.Wait()

		var ok, rejected int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrInvalidState):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		if ok != 1 || rejected != callers-1 {
			t.Errorf("expected 1 success and %d rejections, got %d and %d", callers-1, ok, rejected)
		}

		stored, _ := env.store.Get(ctx, c.ID)
		if stored.State != domain.CaseProcessing || stored.RunNumber != 1 {
			t.Errorf("expected processing run 1, got %s run %d", stored.State, stored.RunNumber)
		}
		if env.manager.locks.size() != 0 {
			t.Errorf("expected per-case locks to be released, got %d", env.manager.locks.size())
		}
	})

	t.Run("PublishesJob", func(t *testing.T) {
		c, _ := env.manager.CreateCase(ctx, "alice", "ledger.csv")

		jobs := make(chan domain.AnalysisJob, 1)
		sub, err := env.bus.Subscribe(ctx, domain.TopicAnalysisRequested, func(ctx context.Context, msg *domain.Message) error {
			var job domain.AnalysisJob
			if err := json.Unmarshal(msg.Payload, &job); err != nil {
				return err
			}
			if job.CaseID == c.ID {
				jobs <- job
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		env.start(t, c.ID)

		select {
		case job := <-jobs:
			if job.RunNumber != 1 || job.DocumentRef != "ledger.csv" || job.Principal != "alice" {
				t.Errorf("unexpected job %+v", job)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for analysis job")
		}

		runs, _ := env.store.ListRuns(ctx, c.ID)
		if len(runs) != 1 || runs[0].Status != domain.RunQueued {
			t.Errorf("expected one queued run, got %+v", runs)
		}
	})
}

func TestRunNaturalDataset(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeDoc(t, "natural.csv", naturalCSV(120))
	ctx := context.Background()

	c, _ := env.manager.CreateCase(ctx, "alice", "natural.csv")
	job := env.start(t, c.ID)

	if err := env.manager.Run(ctx, job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	view, err := env.manager.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCase failed: %v", err)
	}
	if view.Case.State != domain.CaseAnalyzed {
		t.Fatalf("expected analyzed, got %s (%s)", view.Case.State, view.Case.FailureReason)
	}
	a := view.Assessment
	if a == nil {
		t.Fatal("expected assessment on analyzed case")
	}
	if a.Score >= 25 || a.Level != domain.RiskLow {
		t.Errorf("expected low risk for natural data, got %.2f (%s)", a.Score, a.Level)
	}
	if a.NarrativeSource != domain.NarrativeTemplate || a.Narrative == "" {
		t.Errorf("expected template narrative, got %q from %s", a.Narrative, a.NarrativeSource)
	}
	if len(a.Outcomes) != env.manager.Registry().Len() {
		t.Errorf("expected one outcome per detector, got %d", len(a.Outcomes))
	}
	if a.CaseID != c.ID || a.RunNumber != 1 {
		t.Errorf("assessment not bound to run: %s run %d", a.CaseID, a.RunNumber)
	}

	summary, err := env.manager.Transactions(ctx, view.Case)
	if err != nil {
		t.Fatalf("Transactions failed: %v", err)
	}
	if summary.Count != 120 || summary.RunNumber != 1 {
		t.Errorf("expected 120 records from run 1, got %d from run %d", summary.Count, summary.RunNumber)
	}

	runs, _ := env.manager.Runs(ctx, c.ID)
	if len(runs) != 1 || runs[0].Status != domain.RunCompleted || runs[0].StartedAt == nil {
		t.Errorf("expected completed run with start time, got %+v", runs)
	}

	if _, err := env.manager.StartAnalysis(ctx, c.ID); err != nil {
		t.Errorf("expected re-analyze of analyzed case to be allowed, got %v", err)
	}
}

func TestRunDuplicates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeDoc(t, "dupes.csv", "date,amount,vendor\n"+
		"2024-03-04,1500.00,Acme Ltd\n"+
		"2024-03-04,1500.00,Acme Ltd\n"+
		"2024-03-05,1500.00,acme  ltd\n")
	ctx := context.Background()

	events := make(chan domain.CaseEvent, 1)
	env.bus.Subscribe(ctx, domain.TopicCaseAnalyzed, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.CaseEvent
		json.Unmarshal(msg.Payload, &ev)
		events <- ev
		return nil
	})

	c, _ := env.manager.CreateCase(ctx, "alice", "dupes.csv")
	job := env.start(t, c.ID)
	if err := env.manager.Run(ctx, job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	view, _ := env.manager.GetCase(ctx, c.ID)
	if view.Assessment == nil {
		t.Fatalf("expected assessment, case is %s (%s)", view.Case.State, view.Case.FailureReason)
	}

	var found bool
	for _, s := range view.Assessment.TriggeredSignals() {
		if s.Detector == "duplicate" {
			found = true
			if len(s.TransactionIDs) != 3 {
				t.Errorf("expected 3 implicated transactions, got %v", s.TransactionIDs)
			}
		}
	}
	if !found {
		t.Error("expected a triggered duplicate signal")
	}
	if view.Assessment.Score <= 0 {
		t.Errorf("expected positive score, got %v", view.Assessment.Score)
	}

	select {
	case ev := <-events:
		if ev.CaseID != c.ID || ev.State != domain.CaseAnalyzed {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for case analyzed event")
	}
}

func TestRunNormalizationFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeDoc(t, "broken.csv", "date,amount\n2024-01-01,abc\n")
	env.writeDoc(t, "fixed.csv", naturalCSV(10))
	ctx := context.Background()

	c, _ := env.manager.CreateCase(ctx, "alice", "broken.csv")
	job := env.start(t, c.ID)
	if err := env.manager.Run(ctx, job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	view, _ := env.manager.GetCase(ctx, c.ID)
	if view.Case.State != domain.CaseFailed {
		t.Fatalf("expected failed, got %s", view.Case.State)
	}
	if !strings.Contains(view.Case.FailureReason, "invalid amount") {
		t.Errorf("expected normalization reason, got %q", view.Case.FailureReason)
	}
	if view.Case.DatasetRun != 0 || view.Assessment != nil {
		t.Errorf("detector stage should not have run: dataset run %d", view.Case.DatasetRun)
	}

	t.Run("ReanalyzeAfterFailure", func(t *testing.T) {
		if _, err := env.manager.StartAnalysis(ctx, c.ID); err != nil {
			t.Fatalf("expected failed case to be re-analyzable, got %v", err)
		}
		stored, _ := env.store.Get(ctx, c.ID)
		if stored.RunNumber != 2 || stored.FailureReason != "" {
			t.Errorf("expected fresh run 2, got run %d reason %q", stored.RunNumber, stored.FailureReason)
		}
	})
}

func TestStaleRunDiscarded(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeDoc(t, "ledger.csv", naturalCSV(30))
	ctx := context.Background()

	c, _ := env.manager.CreateCase(ctx, "alice", "ledger.csv")
	job1 := env.start(t, c.ID)

	if _, err := env.manager.StartAnalysis(ctx, c.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState while run 1 holds the lease, got %v", err)
	}

	// run 1 crashed: its lease is gone
	env.cache.ReleaseLease(ctx, c.ID, leaseToken(c.ID, 1))
	job2 := env.start(t, c.ID)
	if job2.RunNumber != 2 {
		t.Fatalf("expected run 2, got %d", job2.RunNumber)
	}

	if err := env.manager.Run(ctx, job2); err != nil {
		t.Fatalf("Run 2 failed: %v", err)
	}
	view, _ := env.manager.GetCase(ctx, c.ID)
	if view.Assessment == nil || view.Assessment.RunNumber != 2 {
		t.Fatalf("expected run 2 assessment, got %+v", view.Assessment)
	}
	current := view.Assessment.ID

	if err := env.manager.Run(ctx, job1); err != nil {
		t.Fatalf("stale Run should be discarded without error, got %v", err)
	}
	late := &domain.RiskAssessment{ID: "late", Score: 99, Level: domain.RiskCritical, Signals: []domain.Signal{}}
	if err := env.manager.CompleteAnalysis(ctx, c.ID, 1, late); err != nil {
		t.Fatalf("stale completion should be swallowed, got %v", err)
	}
	if err := env.manager.FailAnalysis(ctx, c.ID, 1, "late failure"); err != nil {
		t.Fatalf("stale failure should be swallowed, got %v", err)
	}

	view, _ = env.manager.GetCase(ctx, c.ID)
	if view.Case.State != domain.CaseAnalyzed || view.Assessment.ID != current {
		t.Errorf("run 2 result must stay in place, got %s with %s", view.Case.State, view.Assessment.ID)
	}

	runs, _ := env.manager.Runs(ctx, c.ID)
	if len(runs) != 2 || runs[0].Status != domain.RunCompleted || runs[1].Status != domain.RunDiscarded {
		t.Errorf("expected run 2 completed and run 1 discarded, got %+v", runs)
	}
}

func TestExplanationFallback(t *testing.T) {
	env := newTestEnv(t, failingModel{})
	env.writeDoc(t, "ledger.csv", naturalCSV(30))
	ctx := context.Background()

	c, _ := env.manager.CreateCase(ctx, "alice", "ledger.csv")
	job := env.start(t, c.ID)
	if err := env.manager.Run(ctx, job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	view, _ := env.manager.GetCase(ctx, c.ID)
	if view.Case.State != domain.CaseAnalyzed {
		t.Fatalf("language model errors must not fail the case, got %s", view.Case.State)
	}
	if view.Assessment.NarrativeSource != domain.NarrativeTemplate || view.Assessment.Narrative == "" {
		t.Errorf("expected template fallback, got %q from %s", view.Assessment.Narrative, view.Assessment.NarrativeSource)
	}
}

func TestGetCaseUsesViewCache(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeDoc(t, "ledger.csv", naturalCSV(10))
	ctx := context.Background()

	c, _ := env.manager.CreateCase(ctx, "alice", "ledger.csv")
	if _, err := env.manager.GetCase(ctx, c.ID); err != nil {
		t.Fatalf("GetCase failed: %v", err)
	}
	if cached, _ := env.cache.Get(ctx, viewKey(c.ID)); cached != nil {
		t.Error("expected uploaded view not to be cached")
	}

	job := env.start(t, c.ID)
	view, _ := env.manager.GetCase(ctx, c.ID)
	if view.Case.State != domain.CaseProcessing {
		t.Errorf("expected processing after start, got %s", view.Case.State)
	}
	if cached, _ := env.cache.Get(ctx, viewKey(c.ID)); cached != nil {
		t.Error("expected processing view not to be cached")
	}

	if err := env.manager.Run(ctx, job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := env.manager.GetCase(ctx, c.ID); err != nil {
		t.Fatalf("GetCase failed: %v", err)
	}
	if cached, _ := env.cache.Get(ctx, viewKey(c.ID)); cached == nil {
		t.Fatal("expected analyzed view to be cached")
	}

	env.start(t, c.ID)
	if cached, _ := env.cache.Get(ctx, viewKey(c.ID)); cached != nil {
		t.Error("expected transition to invalidate the cached view")
	}

	if _, err := env.manager.GetCase(ctx, "nope"); !errors.Is(err, domain.ErrCaseNotFound) {
		t.Errorf("expected ErrCaseNotFound, got %v", err)
	}
}

// pausingStore holds the first Get after it is armed until released.
type pausingStore struct {
	domain.CaseStore
	armed   atomic.Bool
	loaded  chan struct{}
	release chan struct{}
}

func (s *pausingStore) Get(ctx context.Context, id string) (*domain.Case, error) {
	c, err := s.CaseStore.Get(ctx, id)
	if s.armed.CompareAndSwap(true, false) {
		close(s.loaded)
		<-s.release
	}
	return c, err
}

func TestGetCaseConcurrentTransition(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeDoc(t, "ledger.csv", naturalCSV(10))
	ctx := context.Background()

	c, _ := env.manager.CreateCase(ctx, "alice", "ledger.csv")
	if err := env.manager.Run(ctx, env.start(t, c.ID)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	store := &pausingStore{CaseStore: env.store, loaded: make(chan struct{}), release: make(chan struct{})}
	env.manager.store = store
	store.armed.Store(true)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := env.manager.GetCase(ctx, c.ID); err != nil {
			t.Errorf("GetCase failed: %v", err)
		}
	}()

	<-store.loaded
	go func() {
		defer wg.Done()
		if _, err := env.manager.StartAnalysis(ctx, c.ID); err != nil {
			t.Errorf("StartAnalysis failed: %v", err)
		}
	}()
	time.Sleep(50 * time.Millisecond)
	close(store.release)
	wg.Wait()

	current, err := env.store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	view, err := env.manager.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCase failed: %v", err)
	}
	if view.Case.State != current.State || view.Case.RunNumber != current.RunNumber {
		t.Errorf("expected %s run %d, got %s run %d", current.State, current.RunNumber, view.Case.State, view.Case.RunNumber)
	}
	if view.Case.State != domain.CaseProcessing || view.Case.RunNumber != 2 {
		t.Errorf("expected processing run 2, got %s run %d", view.Case.State, view.Case.RunNumber)
	}
}

func TestRules(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	before := env.manager.Registry().Len()

	rule := &domain.DetectorRule{
		ID:              "many-records",
		Expression:      "count > 5",
		MaxContribution: 10,
		Enabled:         true,
	}
	if err := env.manager.SaveRule(ctx, rule); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}
	if rule.Reason != "custom_rule" || rule.Name != "many-records" {
		t.Errorf("expected defaults to be filled, got %+v", rule)
	}

	if env.manager.Registry().Len() != before {
		t.Error("saving a rule must not change the running registry")
	}

	n, err := env.manager.ReloadRules(ctx)
	if err != nil {
		t.Fatalf("ReloadRules failed: %v", err)
	}
	if n != before+1 {
		t.Errorf("expected %d detectors after reload, got %d", before+1, n)
	}
	names := env.manager.Registry().Names()
	if names[len(names)-1] != domain.RuleDetectorPrefix+"many-records" {
		t.Errorf("expected rule detector last, got %v", names)
	}

	t.Run("InvalidExpression", func(t *testing.T) {
		err := env.manager.SaveRule(ctx, &domain.DetectorRule{Expression: "count >", MaxContribution: 5})
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("NonPositiveContribution", func(t *testing.T) {
		err := env.manager.SaveRule(ctx, &domain.DetectorRule{Expression: "count > 1"})
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("case")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("expected 50 increments, got %d", counter)
	}
	if k.size() != 0 {
		t.Errorf("expected no retained keys, got %d", k.size())
	}
}
