package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tvasilis/pipeliner/internal/config"
	"github.com/tvasilis/pipeliner/internal/natsbus"
	"github.com/tvasilis/pipeliner/internal/negotiation"
	"github.com/tvasilis/pipeliner/internal/orchestrator"
	"github.com/tvasilis/pipeliner/internal/reasoner"
	"github.com/tvasilis/pipeliner/internal/roster"
	"github.com/tvasilis/pipeliner/internal/store"
	"github.com/tvasilis/pipeliner/internal/telegram"
	"github.com/tvasilis/pipeliner/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("pipeliner %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: pipeliner <command>\n\nCommands:\n  gateway    Start the pipeliner gateway service\n  backup     Archive the data directories to a tar.zst file\n  restore    Restore data directories from a tar.zst file\n  version    Print version\n")
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting pipeliner gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats client: %w", err)
	}
	defer client.Close()

	// Agent roster
	ros := roster.New(db, cfg.Roster)
	if err := ros.Sync(); err != nil {
		return fmt.Errorf("sync roster: %w", err)
	}
	slog.Info("roster synced", "agents", len(cfg.Roster))

	// Reasoning backend over the bus
	rsn := reasoner.NewNATS(client, cfg.Reasoner.Timeout)

	// Stage machine and scheduler
	machine := orchestrator.NewStageMachine(db, client, cfg.Workflow.RecoveryRole)
	sched := orchestrator.New(db, rsn, machine, client, cfg.Scheduler, orchestrator.RealClock())
	sched.Start(ctx)
	defer sched.Stop()
	slog.Info("scheduler started")

	// Negotiation coordinator
	coord := negotiation.NewCoordinator(db, client)

	// Governor with optional telegram escalations
	var notifier orchestrator.Notifier
	if cfg.Telegram.Token != "" {
		tn, err := telegram.NewNotifier(cfg.Telegram)
		if err != nil {
			return fmt.Errorf("init telegram notifier: %w", err)
		}
		notifier = tn
		slog.Info("telegram notifier enabled")
	} else {
		slog.Warn("telegram token not set, escalation notifications disabled")
	}

	gov, err := orchestrator.NewGovernor(db, client, notifier, cfg.Governor, cfg.Workflow.RecoveryRole, orchestrator.RealClock())
	if err != nil {
		return fmt.Errorf("init governor: %w", err)
	}
	gov.Start(ctx)
	defer gov.Stop()
	slog.Info("governor started", "schedule", cfg.Governor.Schedule)

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(cfg.Web, db, client, sched, machine, coord)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("start web server: %w", err)
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	return nil
}
