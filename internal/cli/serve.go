package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/bus"
	"loom/internal/compaction"
	"loom/internal/config"
	"loom/internal/gateway"
	"loom/internal/maintenance"
	"loom/internal/overflow"
	"loom/internal/provider"
	"loom/internal/provider/anthropic"
	"loom/internal/provider/openai"
	"loom/internal/session"
	"loom/internal/storage"
	"loom/internal/token"
	"loom/pkg/logger"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the loom daemon",
		Long: `Start the loom daemon.

The daemon owns the session store and the context pipeline and exposes:
- a REST API for chat, sessions, compaction, and pins
- an SSE chat stream
- a WebSocket event feed

Clients (including this CLI) talk to the daemon over HTTP; it listens on
the configured host and port (default: 127.0.0.1:7357).`,
		Example: `  # Start with the default configuration
  loom serve

  # Start on a custom port
  loom serve --port 8080

  # Start with verbose logging
  loom serve --verbose`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("host", "", "host to bind to (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}
	log := logger.Get()

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Gateway.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Gateway.Host = host
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 7357
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}

	log.Info().Msg("Starting loom daemon...")

	storagePath := cfg.Storage.Path
	if storagePath == "" {
		var err error
		storagePath, err = config.DefaultDataPath()
		if err != nil {
			return err
		}
	}

	db, err := storage.Open(storagePath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	schema, _ := db.SchemaVersion()
	log.Info().Str("path", db.Path()).Int("schema", schema).Msg("Storage ready")

	registry := buildRegistry(cfg)
	if len(registry.Names()) == 0 {
		log.Warn().Msg("no providers configured; chat requests will fail until one is set up (see: loom config)")
	}

	est := token.New(cfg.Estimator)
	engine := compaction.NewEngine(cfg.Compression, est)
	recovery := overflow.NewRecovery(cfg.Overflow, engine, est)
	events := bus.New()

	orch := session.New(cfg, session.Deps{
		DB:        db,
		Registry:  registry,
		Estimator: est,
		Engine:    engine,
		Recovery:  recovery,
		Bus:       events,
	})

	var sched *maintenance.Scheduler
	if cfg.Maintenance.Enabled {
		sched = maintenance.NewScheduler(cfg.Maintenance, db, orch, est)
		if err := sched.Start(); err != nil {
			db.Close()
			return fmt.Errorf("failed to start maintenance: %w", err)
		}
	}

	srv := gateway.NewServer(cfg, gateway.Deps{
		DB:           db,
		Orchestrator: orch,
		Registry:     registry,
		Estimator:    est,
		Bus:          events,
		Version:      buildInfo().Version,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Info().
		Str("address", fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)).
		Msg("Daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		log.Info().Msg("Shutting down...")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("Daemon error")
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
		if runErr == nil {
			runErr = err
		}
	}

	if sched != nil {
		sched.Stop()
	}

	// Flush resident tier stores so pins, compressed history, and facts
	// survive the restart, then abort whatever is still queued.
	for _, id := range orch.ActiveSessions() {
		if err := orch.SaveStore(id); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("failed to flush session store")
		}
	}
	orch.Shutdown()

	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close storage")
	}

	log.Info().Msg("Daemon stopped")
	return runErr
}

// buildRegistry registers every enabled provider from the configuration.
func buildRegistry(cfg *config.Config) *provider.Registry {
	log := logger.Get()
	registry := provider.NewRegistry()

	for _, name := range cfg.Provider.Enabled {
		switch name {
		case "anthropic":
			registry.Register(anthropic.New(anthropic.Config{
				APIKey:    cfg.Provider.Anthropic.APIKey,
				BaseURL:   cfg.Provider.Anthropic.BaseURL,
				Model:     cfg.Provider.Anthropic.Model,
				MaxTokens: cfg.Provider.Anthropic.MaxTokens,
			}))
		case "openai":
			registry.Register(openai.New(openai.Config{
				Endpoint:  cfg.Provider.OpenAI.Endpoint,
				APIKey:    cfg.Provider.OpenAI.APIKey,
				Model:     cfg.Provider.OpenAI.Model,
				MaxTokens: cfg.Provider.OpenAI.MaxTokens,
			}))
		default:
			log.Warn().Str("provider", name).Msg("unknown provider in config, skipping")
		}
	}

	if cfg.Provider.Default != "" {
		if err := registry.SetDefault(cfg.Provider.Default); err != nil {
			log.Warn().Err(err).Str("provider", cfg.Provider.Default).Msg("default provider not available")
		}
	}

	return registry
}
