// Autoboardd is the autonomous task orchestrator daemon.
//
// It serves the board HTTP API, runs the auto-dispatch loop, and drives
// the AI execution provider for queued features.
//
// Configuration is loaded from ~/.config/autoboard/config.yaml and
// AUTOBOARD_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	autoboardd
//
//	# Configure via environment
//	AUTOBOARD_SERVER_PORT=9280 AUTOBOARD_AGENT_MODEL=opus autoboardd
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/halvardlabs/autoboard/internal/agent"
	"github.com/halvardlabs/autoboard/internal/approval"
	"github.com/halvardlabs/autoboard/internal/config"
	"github.com/halvardlabs/autoboard/internal/events"
	"github.com/halvardlabs/autoboard/internal/feature"
	httpapi "github.com/halvardlabs/autoboard/internal/http"
	"github.com/halvardlabs/autoboard/internal/logging"
	"github.com/halvardlabs/autoboard/internal/monitor"
	"github.com/halvardlabs/autoboard/internal/orchestrator"
	"github.com/halvardlabs/autoboard/internal/pipeline"
	"github.com/halvardlabs/autoboard/internal/telemetry"
	"github.com/halvardlabs/autoboard/internal/worktree"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "autoboardd",
	Short:   "Autonomous task orchestrator daemon",
	Version: fmt.Sprintf("%s (%s)", version, gitCommit),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		return run(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config file (default ~/.config/autoboard/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "autoboardd: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is canceled.
func run(ctx context.Context) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting autoboardd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("agent_binary", cfg.Agent.Binary),
	)

	tel, err := telemetry.New(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	bus := events.NewBus(cfg.Events.BufferSize, logger)
	defer bus.Close()

	var sink events.Sink = bus
	if cfg.Events.NATSURL != "" {
		natsSink, err := events.NewNATSSink(cfg.Events.NATSURL, cfg.Events.NATSSubject, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Events.NATSURL, err)
		}
		defer natsSink.Close()
		sink = events.Tee{bus, natsSink}
		logger.Info("publishing events to NATS",
			zap.String("url", cfg.Events.NATSURL),
			zap.String("subject", cfg.Events.NATSSubject),
		)
	}

	store := feature.NewStore(logger)
	runner := agent.NewCLIRunner(cfg.Agent.Binary, cfg.Agent.ExtraArgs, logger)
	gate := approval.NewGate(logger)

	pipelines, err := pipeline.NewFileProvider(logger)
	if err != nil {
		return fmt.Errorf("failed to create pipeline provider: %w", err)
	}
	defer pipelines.Close() //nolint:errcheck

	stepRunner, err := pipeline.NewStepRunner(store, runner, sink, logger)
	if err != nil {
		return fmt.Errorf("failed to create step runner: %w", err)
	}

	mon := monitor.New(monitor.Config{
		Window:    cfg.Monitor.Window,
		Threshold: cfg.Monitor.Threshold,
	}, logger)

	orch, err := orchestrator.New(orchestrator.Config{
		DefaultModel: cfg.Agent.Model,
		PollInterval: cfg.Loop.PollInterval,
		IdleInterval: cfg.Loop.IdleInterval,
	}, store, worktree.NewLocator(nil, logger), runner, gate, pipelines, stepRunner, mon, sink, logger)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	srv, err := httpapi.NewServer(store, orch, bus, logger, &httpapi.Config{
		Port:           cfg.Server.Port,
		MaxConcurrency: cfg.Loop.MaxConcurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	if remaining, err := orch.StopLoop(); err == nil {
		logger.Info("auto loop stopped", zap.Int("executions_still_running", remaining))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}
