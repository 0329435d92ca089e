// Package main is the CLI entry point for the shopagent service: an
// LLM-driven shopping assistant backend that talks to a remote commerce
// tool server over JSON-RPC.
//
// # Basic Usage
//
// Start the server:
//
//	shopagent serve --config shopagent.yaml
//
// # Environment Variables
//
//   - SHOPAGENT_CONFIG: Path to configuration file (default: shopagent.yaml)
//   - OPENAI_API_KEY: OpenAI API key
//   - ANTHROPIC_API_KEY: Anthropic API key
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/shopagent/internal/agent"
	"github.com/haasonsaas/shopagent/internal/auth"
	"github.com/haasonsaas/shopagent/internal/config"
	"github.com/haasonsaas/shopagent/internal/observability"
	"github.com/haasonsaas/shopagent/internal/protocol"
	"github.com/haasonsaas/shopagent/internal/ratelimit"
	"github.com/haasonsaas/shopagent/internal/server"
	"github.com/haasonsaas/shopagent/internal/session"
)

var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "shopagent",
		Short: "Conversational commerce agent backend",
		Long: "shopagent serves an LLM-driven shopping assistant that browses and " +
			"mutates a remote commerce catalog through a JSON-RPC tool protocol, " +
			"with confirmation-gated cart mutations and TTL-bounded sessions.",
	}
	rootCmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shopagent %s\n", version)
		},
	}
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("SHOPAGENT_CONFIG")
			}
			if configPath == "" {
				configPath = "shopagent.yaml"
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func runServe(cfg *config.Config) error {
	logger := observability.NewLogger(cfg.Logging)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	store, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	tokens := auth.NewTokenCache(cfg.Auth, logger)
	var tokenSource protocol.TokenSource
	if cfg.Auth.TokenURL != "" {
		tokenSource = tokens.ForApplication(cfg.Auth.ApplicationID)
	}
	client := protocol.NewSessionClient(cfg.Protocol, tokenSource, logger)

	registry := agent.NewRegistry(client, logger)
	guard := session.NewGuard(store, logger)

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	loop, err := agent.NewLoop(cfg.Agent, provider, registry, guard, logger, metrics)
	if err != nil {
		return err
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(cfg.RateLimit)
		limiter.StartPruning()
		defer limiter.Stop()
	}

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, loop, store, limiter, logger, metrics)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		if err := srv.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func buildStore(cfg *config.Config, logger *slog.Logger) (session.Store, error) {
	switch cfg.Session.Backend {
	case "postgres":
		return session.NewPostgresStore(cfg.Session, logger)
	default:
		return session.NewMemoryStore(cfg.Session), nil
	}
}

func buildProvider(cfg *config.Config) (agent.Provider, error) {
	apiKey := cfg.Provider.APIKey
	switch cfg.Provider.Name {
	case "anthropic":
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return agent.NewAnthropicProvider(apiKey, cfg.Provider.Model), nil
	case "openai":
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return agent.NewOpenAIProvider(apiKey, cfg.Provider.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}
