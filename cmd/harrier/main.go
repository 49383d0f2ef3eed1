// Harrier - Risk scoring for financial documents.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/harrier/internal/analytics"
	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/detect"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/explain"
	"github.com/opensource-finance/harrier/internal/lifecycle"
	"github.com/opensource-finance/harrier/internal/llm"
	"github.com/opensource-finance/harrier/internal/normalize"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/scoring"
	"github.com/opensource-finance/harrier/internal/telemetry"
	"github.com/opensource-finance/harrier/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load(os.Getenv("HARRIER_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"explanations", cfg.Explanation.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := telemetry.Setup(cfg.Tracing, os.Stderr)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Initialize Case Store
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	normalizer, err := normalize.NewFileNormalizer(cfg.Cases)
	if err != nil {
		slog.Error("failed to initialize normalizer", "error", err)
		os.Exit(1)
	}

	compiler, err := detect.NewRuleCompiler()
	if err != nil {
		slog.Error("failed to initialize rule compiler", "error", err)
		os.Exit(1)
	}
	registry, err := detect.Build(cfg.Detectors, compiler, nil)
	if err != nil {
		slog.Error("failed to build detector registry", "error", err)
		os.Exit(1)
	}

	// Explanation collaborator; nil model means template narratives only
	model, err := llm.New(ctx, cfg.Explanation)
	if err != nil {
		slog.Error("failed to initialize language model", "error", err)
		os.Exit(1)
	}
	if model != nil {
		defer model.Close()
	}

	manager, err := lifecycle.NewManager(lifecycle.Deps{
		Store:      repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Normalizer: normalizer,
		Registry:   registry,
		Aggregator: scoring.NewAggregator(cfg.Scoring),
		Explainer:  explain.NewGenerator(model, cfg.Explanation),
		Compiler:   compiler,
		Detectors:  cfg.Detectors,
		Config:     cfg.Cases,
	})
	if err != nil {
		slog.Error("failed to initialize case manager", "error", err)
		os.Exit(1)
	}

	// Stored CEL rules join the built-in detectors
	if n, err := manager.ReloadRules(ctx); err != nil {
		slog.Warn("failed to load detector rules, running built-in detectors only", "error", err)
	} else {
		slog.Info("detector registry initialized", "detectors", n)
	}

	analysisWorker := worker.NewWorker(busImpl, manager)
	if err := analysisWorker.Start(worker.Config{WorkerCount: cfg.Worker.Count}); err != nil {
		slog.Error("failed to start analysis workers", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Manager:   manager,
		Analytics: analytics.NewService(repo),
		Store:     repo,
		Cache:     cacheImpl,
		RateLimit: cfg.RateLimit,
		Version:   Version,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version, manager.Registry().Names())

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop intake first, then let running analyses finish
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := analysisWorker.Stop(); err != nil {
		slog.Error("failed to stop analysis workers", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("harrier shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string, detectors []string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               HARRIER                     ║")
	fmt.Println("  ║     Document Risk Scoring Engine          ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:    %s\n", version)
	fmt.Printf("  Tier:       %s\n", cfg.Tier)
	fmt.Printf("  Server:     http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Workers:    %d\n", cfg.Worker.Count)
	fmt.Printf("  Detectors:  %s\n", strings.Join(detectors, ", "))
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /cases                    - Register a document")
	fmt.Println("    GET  /cases                    - List your cases")
	fmt.Println("    GET  /cases/{id}               - Poll case state and assessment")
	fmt.Println("    POST /cases/{id}/analyze       - Start (or re-run) analysis")
	fmt.Println("    GET  /cases/{id}/assessments   - Assessment history")
	fmt.Println("    GET  /cases/{id}/runs          - Analysis run history")
	fmt.Println("    GET  /cases/{id}/transactions  - Normalized records")
	fmt.Println("    GET  /analytics/summary        - Portfolio summary")
	fmt.Println("    GET  /detectors                - Active detectors")
	fmt.Println("    POST /detector-rules           - Create a CEL detector rule")
	fmt.Println("    POST /detector-rules/reload    - Hot-reload detector rules")
	fmt.Println("    GET  /health                   - Health check")
	fmt.Println("    GET  /metrics                  - Prometheus metrics")
	fmt.Println()
}
