// Package worker consumes analysis jobs from the EventBus with a bounded pool.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Runner executes one analysis job. *lifecycle.Manager implements it.
type Runner interface {
	Run(ctx context.Context, job domain.AnalysisJob) error
	FailAnalysis(ctx context.Context, caseID string, runNumber int64, reason string) error
}

// internalErrorReason is recorded on a case whose run crashed or could not be saved.
const internalErrorReason = "internal error"

// Worker processes analysis jobs asynchronously from the EventBus.
type Worker struct {
	bus    domain.EventBus
	runner Runner

	slots         chan struct{}
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// WorkerCount bounds the number of jobs running at once
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, runner Runner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the analysis topic.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	w.slots = make(chan struct{}, cfg.WorkerCount)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicAnalysisRequested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicAnalysisRequested, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("workers started",
		"topic", domain.TopicAnalysisRequested,
		"worker_count", cfg.WorkerCount,
	)
	return nil
}

// handleMessage decodes a job and hands it to the pool, blocking while every slot is busy.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var job domain.AnalysisJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		slog.Error("failed to parse analysis job",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if job.CaseID == "" || job.RunNumber <= 0 {
		return fmt.Errorf("invalid analysis job in message %s", msg.ID)
	}

	select {
	case w.slots <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.slots }()
		w.process(job)
	}()
	return nil
}

func (w *Worker) process(job domain.AnalysisJob) {
	defer func() {
		if p := recover(); p != nil {
			w.failed.Add(1)
			slog.Error("analysis job panicked",
				"case_id", job.CaseID,
				"run_number", job.RunNumber,
				"panic", p,
			)
			w.release(job)
		}
	}()

	if err := w.runner.Run(w.ctx, job); err != nil {
		w.failed.Add(1)
		slog.Error("analysis job failed",
			"case_id", job.CaseID,
			"run_number", job.RunNumber,
			"trace_id", job.TraceID,
			"error", err,
		)
		w.release(job)
		return
	}
	w.processed.Add(1)
}

// release fails the run so the case does not sit in processing until its lease expires.
// The run-number guard turns this into a no-op when the run already settled.
func (w *Worker) release(job domain.AnalysisJob) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), 10*time.Second)
	defer cancel()

	if err := w.runner.FailAnalysis(ctx, job.CaseID, job.RunNumber, internalErrorReason); err != nil {
		slog.Error("failed to release crashed analysis run",
			"case_id", job.CaseID,
			"run_number", job.RunNumber,
			"error", err,
		)
	}
}

// Stop unsubscribes and waits for running jobs to finish.
func (w *Worker) Stop() error {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()
	w.cancel()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
	Busy              int      `json:"busy"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
		Busy:              len(w.slots),
	}
}
