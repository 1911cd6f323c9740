package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/approval"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/config"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/engine"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/flags"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/priority"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/registry"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/routing"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/server"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/telemetry"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine, its workers and the HTTP surface",
	Long: `Run the workflow engine with its task workers and HTTP surface.

Storage is selected by storage.driver (memory, sqlite, redis, postgres,
mongo). Workflow definitions are loaded from workflows_dir. When a
config file is given, feature flag changes in it are applied without a
restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	set := flags.New(nil)
	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.Watch(configPath, logger, func(next *config.Config) {
			next.ApplyFlags(set, logger)
		})
	} else {
		cfg, err = config.Load("")
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyFlags(set, logger)

	st, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("storage close failed", slog.String("error", err.Error()))
		}
	}()

	notifier := logNotifier(logger)
	reg := registry.New(registry.WithRecordSink(st.Records), registry.WithLogger(logger))
	approvals := approval.NewManager(approval.Config{
		Store:      st.Approvals,
		Notifier:   notifier,
		DefaultTTL: cfg.Engine.ApprovalTTL,
		Logger:     logger,
	})
	if _, err := buildFleet(cfg, fleetDeps{
		Registry:  reg,
		Approvals: approvals,
		Notifier:  notifier,
		Flags:     set,
		Logger:    logger,
	}); err != nil {
		return fmt.Errorf("build fleet: %w", err)
	}

	metrics, err := telemetry.NewObserver(nil)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	eng, err := engine.New(engine.Config{
		Registry:       reg,
		Instances:      st.Instances,
		Events:         st.Events,
		Approvals:      approvals,
		Queue:          st.Queue,
		Observer:       api.NewCompositeObserver(api.NewLoggingObserver(logger), metrics),
		Notifier:       notifier,
		Flags:          set,
		Logger:         logger,
		BaseRetryDelay: cfg.Engine.BaseRetryDelay,
	})
	if err != nil {
		return err
	}
	if err := registerWorkflows(eng, cfg.WorkflowsDir, logger); err != nil {
		return err
	}
	// Before the worker starts, so nothing is driving yet.
	if n, err := eng.RecoverInstances(ctx); err != nil {
		logger.Warn("instance recovery incomplete", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("instances recovered", slog.Int("count", n))
	}

	router, err := routing.New(cfg.Routing, routing.WithFlags(set))
	if err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	srv, err := server.New(server.Deps{
		Engine: eng,
		Router: router,
		Scorer: priority.NewScorer(cfg.Priority),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	w := worker.NewWithConfig(eng, st.Queue, worker.Config{
		Concurrency:  cfg.Engine.Workers,
		TickInterval: cfg.Engine.TickInterval,
		MaxAttempts:  cfg.Engine.TaskAttempts,
		Logger:       logger,
	})
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = w.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			stop()
			<-workerDone
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	stop()
	<-workerDone
	return nil
}

func registerWorkflows(eng *engine.Engine, dir string, logger *slog.Logger) error {
	if dir == "" {
		return nil
	}
	defs, err := engine.LoadDefinitions(dir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := eng.RegisterDefinition(def); err != nil {
			return fmt.Errorf("register workflow %s: %w", def.ID, err)
		}
		logger.Info("workflow registered", slog.String("workflow", def.ID), slog.String("version", def.Version))
	}
	return nil
}
