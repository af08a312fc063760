package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaygrid/taskgraph/internal/config"
	"github.com/relaygrid/taskgraph/internal/httpapi"
	"github.com/relaygrid/taskgraph/internal/logging"
	"github.com/relaygrid/taskgraph/internal/procguard"
	"github.com/relaygrid/taskgraph/internal/scheduler"
	"github.com/relaygrid/taskgraph/internal/storage/sqlite"
	"github.com/relaygrid/taskgraph/internal/submit"
	"github.com/relaygrid/taskgraph/internal/worker"
)

var logFilePath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the store, start the scheduler, and serve the HTTP surface",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&logFilePath, "log-file", "", "path to a rotated log file; empty logs to stderr")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	logger, logCloser := logging.New(logFilePath, logging.ParseLevel(cfg.LogLevel))
	defer func() { _ = logCloser.Close() }()

	guard, err := procguard.Acquire(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("acquiring single-scheduler lock: %w", err)
	}
	defer func() { _ = guard.Release() }()

	ctx := context.Background()
	store, err := sqlite.Open(ctx, cfg.DBPath, config.BusyTimeout)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = store.Close() }()

	repo := sqlite.NewTaskRepo(store)
	svc := submit.New(store.DB(), cfg.MaxAttempts)

	pool := worker.NewPool(repo, cfg.MaxConcurrentTasks, logger)
	sched := scheduler.New(repo, pool, scheduler.Config{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		SchedTickMS:        cfg.SchedTickMS,
		LeaseMS:            cfg.LeaseMS,
		RecoveryIntervalMS: cfg.RecoveryIntervalMS,
	}, logger)
	sched.Start(ctx)

	mux := httpapi.NewMux(svc, repo, logger)
	server := httpapi.NewServer(cfg.Host, cfg.Port, mux, logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server error", "error", err)
		}
	case <-quit:
		signal.Stop(quit)
		logger.Info("shutting down")
	}

	if err := server.Shutdown(); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	sched.Stop(5 * time.Second)

	return nil
}
