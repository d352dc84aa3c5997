// Package main is the entry point for the polis-coap binary.
// It provides a CLI for running and validating the HTTP to CoAP gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-coap/pkg/config"
	"github.com/polisai/polis-coap/pkg/logging"
	"github.com/polisai/polis-coap/pkg/telemetry"
)

// version is set at build time.
var version = "dev"

// CLIConfig holds the parsed CLI configuration
type CLIConfig struct {
	Port     string
	Config   string
	LogLevel string
}

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-coap
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-coap",
		Short: "HTTP to CoAP gateway",
		Long: `A gateway that accepts HTTP requests and forwards them to CoAP servers.

Requests under /proxy/<coap-uri> are forwarded to the embedded CoAP URI.
Requests under /local/<path> are served by the configured local resources.

Example:
  polis-coap serve --config gateway.yaml
  curl http://localhost:8080/proxy/coap://sensor.local/temp`,
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	rootCmd.PersistentFlags().StringP("port", "p", "", "Port to listen on (overrides listen_addr)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the gateway",
			Args:  cobra.NoArgs,
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate a configuration file",
			Args:  cobra.NoArgs,
			RunE:  runValidate,
		},
	)

	return rootCmd
}

// parseCLIConfig parses command line flags and returns a CLIConfig
func parseCLIConfig(cmd *cobra.Command) (*CLIConfig, error) {
	port, err := cmd.Flags().GetString("port")
	if err != nil {
		return nil, fmt.Errorf("failed to get port flag: %w", err)
	}

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}

	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}

	return &CLIConfig{
		Port:     port,
		Config:   configPath,
		LogLevel: logLevel,
	}, nil
}

// buildConfig loads the configuration file and applies CLI overrides
func buildConfig(cli *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}

	// CLI flags override config file values
	if cli.Port != "" {
		cfg.ListenAddr = ":" + cli.Port
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// runServe is the main entry point for the serve command
func runServe(cmd *cobra.Command, _ []string) error {
	cli, err := parseCLIConfig(cmd)
	if err != nil {
		return err
	}

	cfg, err := buildConfig(cli)
	if err != nil {
		return err
	}

	logger := logging.SetupLogger(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingCfg := telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		Insecure:    cfg.Tracing.Insecure,
	}
	if cfg.Tracing.Enabled {
		tracingCfg.Endpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := telemetry.SetupProvider(ctx, tracingCfg)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// A bind failure is fatal.
	if err := app.server.Listen(); err != nil {
		logger.Error("Failed to bind listener", "addr", cfg.ListenAddr, "error", err)
		return err
	}

	logger.Info("Starting polis-coap",
		"version", version,
		"listen_addr", app.server.Addr().String(),
		"gateway_timeout", cfg.GatewayTimeout(),
		"local_resources", len(cfg.Local.Resources),
		"policy_enabled", app.guard.Enabled(),
		"rate_limit_enabled", cfg.RateLimit.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.server.Start(gctx)
	})

	if cli.Config != "" {
		if err := watchConfig(gctx, g, cli.Config, app.reloader, logger); err != nil {
			logger.Warn("Config watcher unavailable, hot reload limited to SIGHUP", "error", err)
		}
		g.Go(func() error {
			return reloadOnHangup(gctx, cli.Config, app.reloader, logger)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Gateway error", "error", err)
		return err
	}

	logger.Info("Gateway stopped")
	return nil
}

func watchConfig(ctx context.Context, g *errgroup.Group, path string, reloader *config.Reloader, logger *slog.Logger) error {
	watcher, err := config.NewWatcher(path, config.DefaultDebounce, reloader.Reload, logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		_ = watcher.Stop()
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		return watcher.Stop()
	})
	return nil
}

func reloadOnHangup(ctx context.Context, path string, reloader *config.Reloader, logger *slog.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			logger.Info("Received SIGHUP, reloading configuration")
			if err := reloader.Reload(path); err != nil {
				logger.Error("Config reload failed", "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// runValidate loads the configuration, compiles its policy and reports the result
func runValidate(cmd *cobra.Command, _ []string) error {
	cli, err := parseCLIConfig(cmd)
	if err != nil {
		return err
	}

	cfg, err := buildConfig(cli)
	if err != nil {
		return err
	}

	if cfg.Policy.Enabled {
		if _, err := buildPolicyEngine(cmd.Context(), cfg.Policy, slog.Default()); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration OK\n")
	fmt.Fprintf(out, "  listen_addr:      %s\n", cfg.ListenAddr)
	fmt.Fprintf(out, "  gateway_timeout:  %s\n", cfg.GatewayTimeout())
	fmt.Fprintf(out, "  local_resources:  %d\n", len(cfg.Local.Resources))
	fmt.Fprintf(out, "  policy:           %t\n", cfg.Policy.Enabled)
	fmt.Fprintf(out, "  rate_limit:       %t\n", cfg.RateLimit.Enabled)
	return nil
}
