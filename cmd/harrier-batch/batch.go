package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type batchOptions struct {
	Dir          string
	Server       string
	Principal    string
	Prefix       string
	Extensions   []string
	Workers      int
	PollInterval time.Duration
	Timeout      time.Duration
	Verbose      bool
}

// caseResponse mirrors the fields of the case view the client reads.
type caseResponse struct {
	Case struct {
		ID            string `json:"id"`
		State         string `json:"state"`
		RunNumber     int64  `json:"runNumber"`
		FailureReason string `json:"failureReason"`
	} `json:"case"`
	Assessment *struct {
		Score float64 `json:"score"`
		Level string  `json:"level"`
	} `json:"assessment"`
}

// result is the outcome of one document.
type result struct {
	DocumentRef string
	CaseID      string
	State       string
	Level       string
	Score       float64
	Reason      string
	Err         error
}

// report aggregates a batch.
type report struct {
	Documents int
	Analyzed  int
	Failed    int
	Errors    int
	Levels    map[string]int
	Results   []result
	Duration  time.Duration
}

// collectDocuments lists document references under dir, sorted, filtered by extension.
func collectDocuments(dir, prefix string, exts []string) ([]string, error) {
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		allowed[strings.ToLower(e)] = true
	}

	var refs []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !allowed[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		refs = append(refs, path.Join(prefix, filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(refs)
	return refs, nil
}

// runBatch submits, analyzes and polls every document with a bounded number of workers.
func runBatch(ctx context.Context, opts batchOptions, out io.Writer) (*report, error) {
	refs, err := collectDocuments(opts.Dir, opts.Prefix, opts.Extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", opts.Dir, err)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("no documents found under %s", opts.Dir)
	}

	c := &client{
		baseURL:   strings.TrimRight(opts.Server, "/"),
		principal: opts.Principal,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
	if err := c.health(ctx); err != nil {
		return nil, fmt.Errorf("harrier not reachable at %s: %w", opts.Server, err)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	start := time.Now()
	results := make([]result, len(refs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, ref := range refs {
		g.Go(func() error {
			res := c.process(gctx, ref, opts.PollInterval, opts.Timeout)
			results[i] = res
			if opts.Verbose {
				mu.Lock()
				printResult(out, res)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	rep := &report{
		Documents: len(refs),
		Levels:    make(map[string]int),
		Results:   results,
		Duration:  time.Since(start),
	}
	for _, r := range results {
		switch {
		case r.Err != nil:
			rep.Errors++
		case r.State == "analyzed":
			rep.Analyzed++
			rep.Levels[r.Level]++
		case r.State == "failed":
			rep.Failed++
		}
	}
	return rep, nil
}

type client struct {
	baseURL   string
	principal string
	http      *http.Client
}

func (c *client) process(ctx context.Context, ref string, interval, timeout time.Duration) result {
	res := result{DocumentRef: ref}

	var created struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/cases", map[string]string{"documentRef": ref}, http.StatusCreated, &created); err != nil {
		res.Err = fmt.Errorf("create case: %w", err)
		return res
	}
	res.CaseID = created.ID

	if err := c.do(ctx, http.MethodPost, "/cases/"+created.ID+"/analyze", nil, http.StatusAccepted, nil); err != nil {
		res.Err = fmt.Errorf("start analysis: %w", err)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var view caseResponse
		if err := c.do(ctx, http.MethodGet, "/cases/"+created.ID, nil, http.StatusOK, &view); err != nil {
			res.Err = fmt.Errorf("poll case: %w", err)
			return res
		}

		res.State = view.Case.State
		switch view.Case.State {
		case "analyzed":
			if view.Assessment != nil {
				res.Level = view.Assessment.Level
				res.Score = view.Assessment.Score
			}
			return res
		case "failed":
			res.Reason = view.Case.FailureReason
			return res
		}

		select {
		case <-ctx.Done():
			res.Err = fmt.Errorf("case %s still %s: %w", created.ID, view.Case.State, ctx.Err())
			return res
		case <-ticker.C:
		}
	}
}

func (c *client) health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, http.StatusOK, nil)
}

func (c *client) do(ctx context.Context, method, p string, body any, want int, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+p, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Principal-ID", c.principal)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printResult(w io.Writer, r result) {
	switch {
	case r.Err != nil:
		fmt.Fprintf(w, "✗ %-40s | error: %v\n", r.DocumentRef, r.Err)
	case r.State == "failed":
		fmt.Fprintf(w, "✗ %-40s | failed: %s\n", r.DocumentRef, r.Reason)
	default:
		fmt.Fprintf(w, "✓ %-40s | %-8s (%.2f)\n", r.DocumentRef, r.Level, r.Score)
	}
}

func printReport(w io.Writer, rep *report) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                        BATCH RESULTS                          ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════════╝")
	fmt.Fprintf(w, "\n   Documents:  %d\n", rep.Documents)
	fmt.Fprintf(w, "   Analyzed:   %d\n", rep.Analyzed)
	fmt.Fprintf(w, "   Failed:     %d\n", rep.Failed)
	fmt.Fprintf(w, "   Errors:     %d\n", rep.Errors)
	fmt.Fprintf(w, "   Duration:   %s\n", rep.Duration.Round(time.Millisecond))

	fmt.Fprintf(w, "\n   RISK LEVELS\n")
	for _, lvl := range []string{"low", "medium", "high", "critical"} {
		n := rep.Levels[lvl]
		pct := 0.0
		if rep.Analyzed > 0 {
			pct = 100 * float64(n) / float64(rep.Analyzed)
		}
		fmt.Fprintf(w, "   %-9s %5d  (%5.1f%%)\n", lvl, n, pct)
	}
	fmt.Fprintln(w)
}
