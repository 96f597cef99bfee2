// maestro-server runs the orchestration control plane: REST and websocket on
// the HTTP port, gRPC health/reflection on the RPC port.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"maestro/internal/config"
	"maestro/internal/models"
	"maestro/internal/observability"
	"maestro/internal/orchestrator"
	"maestro/internal/seeds"
	"maestro/internal/server/http"
	"maestro/internal/server/rpc"
)

var version = "dev"

func main() {
	var (
		configPath string
		httpPort   int
		logLevel   string
	)

	root := &cobra.Command{
		Use:          "maestro-server",
		Short:        "Multi-agent task orchestration server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http-port") {
				cfg.HTTPPort = httpPort
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to maestro.yaml")
	root.Flags().IntVar(&httpPort, "http-port", 0, "override the HTTP listen port")
	root.Flags().StringVar(&logLevel, "log-level", "", "log level (debug|info|warn|error)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "maestro-server: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	tracer, err := observability.NewTracerProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	orch := orchestrator.New(orchestrator.Dependencies{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
		Tracer:   tracer,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch.Start(ctx)

	if cfg.SeedFile != "" {
		if seedFile, err := seeds.Load(cfg.SeedFile); err != nil {
			logger.Warn("seed file not loaded", "path", cfg.SeedFile, "error", err)
		} else {
			seeds.Apply(seedFile, seedTarget{orch}, logger)
		}
	}

	engine := http.NewRouter(http.RouterDeps{
		Orchestrator: orch,
		Gatherer:     registry,
		Logger:       logger,
		Version:      version,
	})
	httpServer := http.NewServer(fmt.Sprintf(":%d", cfg.HTTPPort), engine)
	rpcServer := rpc.New(fmt.Sprintf(":%d", cfg.RPCPort), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return rpcServer.Serve()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		rpcServer.Shutdown(shutdownCtx)
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("orchestrator shutdown", "error", err)
		}
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server exited")
	return err
}

// seedTarget adapts the orchestrator's components to the seeds surface.
type seedTarget struct {
	orch *orchestrator.Orchestrator
}

func (t seedTarget) SubmitWorkflow(wf *models.Workflow) error {
	return t.orch.Coordinator().SubmitWorkflow(wf)
}

func (t seedTarget) ExecuteWorkflow(workflowID string) error {
	return t.orch.Coordinator().ExecuteWorkflow(workflowID)
}

func (t seedTarget) CreateSchedule(schedule *models.Schedule) error {
	return t.orch.Scheduler().Create(schedule)
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(value) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
