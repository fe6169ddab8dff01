package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/specflowhq/specflow/config"
	"github.com/specflowhq/specflow/events"
	"github.com/specflowhq/specflow/executor"
	"github.com/specflowhq/specflow/orchestrator"
	"github.com/specflowhq/specflow/questions"
	"github.com/specflowhq/specflow/registry"
	"github.com/specflowhq/specflow/state"
	"github.com/specflowhq/specflow/storage"
)

func newServeCommand(configPath, logLevel *string) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine",
		Long: `Serve starts the orchestration engine: NATS (embedded by default),
the workflow executor, and the orchestrator. Projects with a live
execution in their state file are reattached.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger := setupLogging(*logLevel)
			return runServe(cfg, metricsAddr, logger)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (empty = disabled)")
	return cmd
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

type app struct {
	cfg *config.Config

	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	exec *executor.Executor
	orch *orchestrator.Orchestrator
}

func (a *app) startNATS(logger *slog.Logger) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		logger.Info("connecting to NATS", slog.String("url", a.cfg.NATS.URL))
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		storeDir := filepath.Join(home, ".specflow", "nats")
		logger.Info("starting embedded NATS server", slog.String("store_dir", storeDir))
		ns, conn, err := events.StartEmbedded(storeDir)
		if err != nil {
			return err
		}
		a.embeddedServer = ns
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

func (a *app) shutdown() {
	if a.orch != nil {
		a.orch.Shutdown()
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
	}
}

func runServe(cfg *config.Config, metricsAddr string, logger *slog.Logger) error {
	a := &app{cfg: cfg}
	defer a.shutdown()

	if err := a.startNATS(logger); err != nil {
		return err
	}

	ctx := context.Background()
	archive, err := storage.NewArchive(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize archive: %w", err)
	}

	reg, err := registry.NewDefault()
	if err != nil {
		return err
	}
	transcriptRoot, err := cfg.TranscriptRoot()
	if err != nil {
		return err
	}

	a.exec = executor.New(cfg.Agent, transcriptRoot, logger)
	a.orch = orchestrator.New(orchestrator.Options{
		Registry:       reg,
		Store:          state.NewStore(),
		Workflows:      a.exec,
		Queue:          questions.NewQueue(),
		Bus:            events.NewBus(a.natsConn, logger),
		Archive:        archive,
		Metrics:        orchestrator.NewMetrics(prometheus.DefaultRegisterer),
		TranscriptRoot: transcriptRoot,
		TranscriptPoll: cfg.Transcript.PollInterval,
		Defaults:       cfg.Orchestration,
		Logger:         logger,
	})

	reattachProjects(a.orch, reg, logger)

	stop := make(chan struct{})
	go staleSweeper(a.exec, cfg.Transcript.StaleAfter, stop)

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger)
	}

	logger.Info("specflow ready", slog.String("version", Version))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	close(stop)
	logger.Info("shutting down", slog.String("signal", sig.String()))
	return nil
}

// reattachProjects resumes supervision of every registered project whose
// state file carries a live execution.
func reattachProjects(orch *orchestrator.Orchestrator, reg *registry.Registry, logger *slog.Logger) {
	projects, err := reg.List()
	if err != nil {
		logger.Warn("read project registry", slog.String("error", err.Error()))
		return
	}
	for _, p := range projects {
		err := orch.Attach(p.ID)
		switch {
		case err == nil:
			logger.Info("reattached project", slog.String("project_id", p.ID))
		case errors.Is(err, orchestrator.ErrNotRunning), errors.Is(err, state.ErrNotFound):
		default:
			logger.Warn("reattach project", slog.String("project_id", p.ID), slog.String("error", err.Error()))
		}
	}
}

func staleSweeper(exec *executor.Executor, staleAfter time.Duration, stop <-chan struct{}) {
	if staleAfter <= 0 {
		return
	}
	ticker := time.NewTicker(staleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, id := range exec.SweepStale(staleAfter) {
				slog.Warn("workflow marked stale", slog.String("workflow_id", id))
			}
		case <-stop:
			return
		}
	}
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listening", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", slog.String("error", err.Error()))
	}
}
