// Kestrel - Real-time transaction fraud scoring.
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
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/tadp"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration (.env, then environment)
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"history", cfg.History.Type,
		"repository", cfg.Repository.Driver,
		"eventbus", cfg.EventBus.Type,
		"alert_policy", cfg.Detection.AlertPolicy,
		"alert_threshold", cfg.Detection.AlertThreshold,
		"timezone", cfg.Detection.Timezone,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize History Store
	store, err := history.New(cfg.History)
	if err != nil {
		slog.Error("failed to initialize history store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("history store initialized",
		"type", cfg.History.Type,
		"max_entries", cfg.History.MaxEntries,
		"ttl", cfg.History.TTL,
	)

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine
	loc, err := time.LoadLocation(cfg.Detection.Timezone)
	if err != nil {
		slog.Error("failed to load timezone", "timezone", cfg.Detection.Timezone, "error", err)
		os.Exit(1)
	}
	engine, err := rules.NewEngine(rules.Options{
		Location:   loc,
		MaxWorkers: cfg.Detection.MaxConcurrentRules,
	})
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if cfg.Detection.CustomRules {
		loadCustomRules(ctx, repo, engine)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Initialize Decision Processor (TADP) and Detector
	processor := tadp.NewProcessor(cfg.Detection)
	slog.Info("TADP processor initialized",
		"policy", processor.Policy,
		"threshold", processor.AlertThreshold,
	)
	det := detector.New(store, engine, processor)

	// Initialize stream Worker
	streamWorker := worker.NewWorker(busImpl, repo, det)
	if err := streamWorker.Start(worker.Config{Lanes: cfg.Detection.Workers}); err != nil {
		slog.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Dependencies{
		Detector: det,
		Engine:   engine,
		Store:    store,
		Repo:     repo,
		Bus:      busImpl,
		Version:  Version,
	})

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop accepting requests, then drain the stream lanes
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := streamWorker.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}

	stats := streamWorker.GetStats()
	slog.Info("kestrel shutdown complete",
		"processed", stats.Processed,
		"alerted", stats.Alerted,
		"rejected", stats.Rejected,
		"failed", stats.Failed,
	)
}

// loadCustomRules loads stored CEL rules into the engine. A failure leaves
// the built-in rules running; rules can be fixed and reloaded via the API.
func loadCustomRules(ctx context.Context, repo domain.Repository, engine *rules.Engine) {
	stored, err := repo.ListCustomRules(ctx)
	if err != nil {
		slog.Warn("failed to list custom rules", "error", err)
		return
	}
	if len(stored) == 0 {
		slog.Info("no custom rules stored - add via POST /rules")
		return
	}
	if err := engine.ReloadRules(stored); err != nil {
		slog.Warn("failed to load custom rules, running built-ins only", "error", err)
		return
	}
	slog.Info("custom rules loaded", "count", len(engine.LoadedRules()))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - real-time transaction fraud scoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  History:  %s\n", cfg.History.Type)
	fmt.Printf("  Stream:   %s\n", cfg.EventBus.Type)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /transactions/evaluate     - Record and score a transaction")
	fmt.Println("    POST   /transactions/score        - Score without recording")
	fmt.Println("    POST   /transactions              - Publish to the transaction stream")
	fmt.Println("    GET    /accounts/{id}/history     - Recent account transactions")
	fmt.Println("    GET    /accounts/{id}/velocity    - Hourly and daily activity")
	fmt.Println("    GET    /alerts                    - List fraud alerts")
	fmt.Println("    PATCH  /alerts/{id}               - Update alert status")
	fmt.Println("    GET    /rules                     - List rules")
	fmt.Println("    POST   /rules                     - Create a custom rule")
	fmt.Println("    DELETE /rules/{id}                - Delete a custom rule")
	fmt.Println("    POST   /rules/reload              - Hot-reload custom rules")
	fmt.Println("    GET    /health, /ready, /metrics  - Probes and metrics")
	fmt.Println()
}
