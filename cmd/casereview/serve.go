package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	// Register LLM providers via init()
	_ "github.com/c360studio/casereview/llm/providers"

	"github.com/c360studio/casereview/agent"
	"github.com/c360studio/casereview/bus"
	"github.com/c360studio/casereview/config"
	"github.com/c360studio/casereview/discovery"
	"github.com/c360studio/casereview/llm"
	"github.com/c360studio/casereview/model"
	"github.com/c360studio/casereview/processor/evaluator"
	"github.com/c360studio/casereview/processor/extractor"
	"github.com/c360studio/casereview/processor/orchestrator"
	"github.com/c360studio/casereview/processor/screener"
	"github.com/c360studio/casereview/prompts"
	"github.com/c360studio/casereview/rules"
	"github.com/c360studio/casereview/state"
	"github.com/c360studio/casereview/storage"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		agentsFlag string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the review pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel, agentsFlag)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&agentsFlag, "agents", "", "Comma-separated agent ids to run (default: all)")
	return cmd
}

func runServe(configPath, logLevel, agentsFlag string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bus: JetStream when NATS is configured, in-process otherwise.
	var (
		messageBus bus.Bus
		nc         *nats.Conn
	)
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name(appName))
		if err != nil {
			return fmt.Errorf("connect to NATS %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()

		messageBus, err = bus.NewJetStreamBus(nc, cfg.Bus, logger)
		if err != nil {
			return fmt.Errorf("create JetStream bus: %w", err)
		}
		logger.Info("Using JetStream bus", "url", cfg.NATS.URL, "stream", cfg.Bus.StreamName)
	} else {
		messageBus = bus.NewMemoryBus(logger)
		logger.Warn("No NATS URL configured, using in-process bus")
	}

	store, err := openStore(ctx, cfg, nc, logger)
	if err != nil {
		return err
	}

	disc, err := discovery.Load(cfg.Discovery.Path, logger)
	if err != nil {
		return fmt.Errorf("load discovery: %w", err)
	}

	pm, err := prompts.NewManager(logger)
	if err != nil {
		return fmt.Errorf("load prompt templates: %w", err)
	}
	if cfg.Prompts.Path != "" {
		if err := pm.LoadFile(cfg.Prompts.Path); err != nil {
			return fmt.Errorf("load prompts: %w", err)
		}
	}

	engine := rules.NewEngine(rules.DefaultConfig(), logger)
	if err := engine.LoadFile(cfg.Rules.Path); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if cfg.Rules.Watch {
		watcher, err := rules.NewWatcher(engine, cfg.Rules.Path, logger)
		if err != nil {
			return fmt.Errorf("create rules watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start rules watcher: %w", err)
		}
		defer watcher.Stop()
	}

	var client *llm.Client
	if cfg.ModelRegistry != nil {
		registry := model.NewDefaultRegistry()
		registry.MergeFromConfig(cfg.ModelRegistry)
		client = llm.NewClient(registry, llm.WithLogger(logger))
		logger.Info("Model registry configured", "capabilities", registry.ListCapabilities())
	} else {
		logger.Warn("No model registry configured, workers run with deterministic fallbacks")
	}

	states := state.NewManager(store, cfg.Agents.Orchestrator, logger)

	executors := map[string]agent.Executor{
		cfg.Agents.Orchestrator: orchestrator.New(cfg.Agents.Orchestrator, logger),
		cfg.Agents.Extractor:    extractor.New(cfg.Agents.Extractor, cfg.Agents.Evaluator, messageBus, store, states, logger),
		cfg.Agents.Evaluator:    evaluator.New(cfg.Agents.Evaluator, cfg.Agents.Screener, messageBus, store, states, logger),
		cfg.Agents.Screener:     screener.New(cfg.Agents.Screener, engine, store, states, client, pm, logger),
	}

	enabled, err := enabledAgents(agentsFlag, executors)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for id := range enabled {
		cycle := agent.NewCycle(id, disc, store, client, pm, executors[id], logger)
		worker := agent.NewWorker(id, messageBus, store, cycle, disc, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Worker exited", "agent", worker.ID(), "error", err)
			}
		}()
	}

	logger.Info("Pipeline ready",
		"version", Version,
		"agents", len(enabled),
		"backend", cfg.Storage.Backend)

	// The HTTP surface belongs to the orchestrator.
	var httpServer *http.Server
	if _, ok := enabled[cfg.Agents.Orchestrator]; ok {
		srv := orchestrator.NewServer(cfg.Agents.Orchestrator, cfg.Agents.Extractor, messageBus, store, states, logger)
		mux := http.NewServeMux()
		srv.RegisterHTTPHandlers("api/reviews", mux)

		httpServer = &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown failed", "error", err)
		}
	}

	wg.Wait()
	logger.Info("Pipeline stopped")
	return nil
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads an explicit config file, or falls back to the layered
// user/project lookup.
func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}

// openStore creates the configured storage backend. The natskv backend
// requires the NATS connection established for the bus.
func openStore(ctx context.Context, cfg *config.Config, nc *nats.Conn, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.Storage.Path, err)
		}
		store, err := storage.NewSQLiteStore(db)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		logger.Info("Using SQLite storage", "path", cfg.Storage.Path)
		return store, nil

	case config.BackendNATSKV:
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		store, err := storage.NewKVStore(ctx, js)
		if err != nil {
			return nil, fmt.Errorf("init KV store: %w", err)
		}
		logger.Info("Using NATS KV storage")
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// enabledAgents resolves the --agents flag against the configured agent set.
func enabledAgents(agentsFlag string, executors map[string]agent.Executor) (map[string]struct{}, error) {
	enabled := make(map[string]struct{}, len(executors))
	if agentsFlag == "" {
		for id := range executors {
			enabled[id] = struct{}{}
		}
		return enabled, nil
	}

	for _, id := range strings.Split(agentsFlag, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := executors[id]; !ok {
			return nil, fmt.Errorf("unknown agent id %q", id)
		}
		enabled[id] = struct{}{}
	}
	if len(enabled) == 0 {
		return nil, fmt.Errorf("no agents selected")
	}
	return enabled, nil
}
