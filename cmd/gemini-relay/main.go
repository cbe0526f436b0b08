// Package main is the entry point for the gemini-relay binary.
// It loads configuration, starts the public and admin listeners, and shuts
// them down gracefully on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/gemini-relay/pkg/config"
	"github.com/polisai/gemini-relay/pkg/logging"
	"github.com/polisai/gemini-relay/pkg/server"
	"github.com/polisai/gemini-relay/pkg/telemetry"
	"github.com/polisai/gemini-relay/pkg/upstream"
)

const (
	readHeaderTimeout        = 10 * time.Second
	writeTimeoutSlack        = 5 * time.Second
	idleTimeout              = 120 * time.Second
	gracefulShutdownTimeout  = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// CLIConfig holds the parsed command line flags. Zero values mean "not set".
type CLIConfig struct {
	Config   string
	Host     string
	Port     int
	LogLevel string
	Pretty   bool
	Watch    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for gemini-relay
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gemini-relay",
		Short: "Relay generation requests to the Gemini API",
		Long: `A small HTTP relay that keeps the Gemini API key on the server.

Browser clients on an allowed origin POST {"contents": [...]} to /api/generate;
the relay forwards it to generateContent with the server-held key and returns
the upstream response unchanged.

The key is read from GEMINI_API_KEY (or the variable named by
upstream.api_key_env). A .env file in the working directory is loaded first.

Example:
  gemini-relay --port 8000 --config relay.yaml`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRelay,
	}

	rootCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.Flags().String("host", "", "Interface to listen on (overrides HOST)")
	rootCmd.Flags().IntP("port", "p", 0, "Port to listen on (overrides PORT, default 8000)")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("pretty", false, "Human readable console logs")
	rootCmd.Flags().Bool("watch", true, "Reload the configuration file when it changes")

	return rootCmd
}

// parseCLIConfig reads the flags of cmd into a CLIConfig
func parseCLIConfig(cmd *cobra.Command) (*CLIConfig, error) {
	flags := cmd.Flags()

	configPath, err := flags.GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	host, err := flags.GetString("host")
	if err != nil {
		return nil, fmt.Errorf("failed to get host flag: %w", err)
	}
	port, err := flags.GetInt("port")
	if err != nil {
		return nil, fmt.Errorf("failed to get port flag: %w", err)
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	pretty, err := flags.GetBool("pretty")
	if err != nil {
		return nil, fmt.Errorf("failed to get pretty flag: %w", err)
	}
	watch, err := flags.GetBool("watch")
	if err != nil {
		return nil, fmt.Errorf("failed to get watch flag: %w", err)
	}

	return &CLIConfig{
		Config:   configPath,
		Host:     host,
		Port:     port,
		LogLevel: logLevel,
		Pretty:   pretty,
		Watch:    watch,
	}, nil
}

// buildConfig loads the file and environment, then applies flag overrides.
func buildConfig(cli *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}

	if cli.Host != "" {
		cfg.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		cfg.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.Pretty {
		cfg.Logging.Pretty = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// runRelay is the main entry point for the relay command
func runRelay(cmd *cobra.Command, _ []string) error {
	// Real environment variables win over .env entries.
	_ = godotenv.Load()

	cli, err := parseCLIConfig(cmd)
	if err != nil {
		return err
	}

	cfg, err := buildConfig(cli)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		File:   cfg.Logging.File,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:    telemetry.DefaultServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Environment:    cfg.Telemetry.Environment,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        cfg.Telemetry.Headers,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer flushTelemetry(logger, shutdownTelemetry)

	if cfg.Upstream.APIKey == "" {
		logger.Warn("no API key configured, generate requests will fail",
			"env", cfg.Upstream.APIKeyEnv)
	}

	store := config.NewStore(cfg)
	if cli.Config != "" && cli.Watch {
		watcher, err := startWatcher(ctx, cli.Config, store, logger)
		if err != nil {
			return err
		}
		defer func() { _ = watcher.Close() }()
	}

	metrics := telemetry.NewHTTPMetrics()
	relay := server.New(server.Config{
		Store:     store,
		Forwarder: upstream.NewClient(nil, logger, upstream.WithObserver(metrics)),
		Logger:    logger,
		Metrics:   metrics,
	})

	errCh := make(chan error, 2)

	publicSrv := newPublicServer(cfg, relay.Handler())
	if err := serve(publicSrv, "relay", logger, errCh); err != nil {
		return err
	}

	var adminSrv *http.Server
	if cfg.Server.AdminAddress != "" {
		adminSrv = &http.Server{
			Addr:              cfg.Server.AdminAddress,
			Handler:           server.AdminHandler(metrics.Handler()),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		if err := serve(adminSrv, "admin", logger, errCh); err != nil {
			shutdownServer(logger, "relay", publicSrv)
			return err
		}
	}

	logger.Info("Starting gemini-relay",
		"address", publicSrv.Addr,
		"admin_address", cfg.Server.AdminAddress,
		"model", cfg.Upstream.Model,
		"allowed_origins", cfg.CORS.AllowedOrigins,
		"version", version,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, draining connections")
	case runErr = <-errCh:
		logger.Error("Server error", "error", runErr)
	}

	shutdownServer(logger, "relay", publicSrv)
	if adminSrv != nil {
		shutdownServer(logger, "admin", adminSrv)
	}

	logger.Info("gemini-relay stopped")
	return runErr
}

func newPublicServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.ListenAddress(),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      cfg.Upstream.Timeout + writeTimeoutSlack,
		IdleTimeout:       idleTimeout,
	}
}

func startWatcher(ctx context.Context, path string, store *config.Store, logger *slog.Logger) (*config.Watcher, error) {
	watcher, err := config.NewWatcher(path, store, logger, config.WithReloadHook(func(next *config.Config) {
		logger.Info("Configuration reloaded",
			"model", next.Upstream.Model,
			"allowed_origins", next.CORS.AllowedOrigins,
			"api_key_configured", next.Upstream.APIKey != "",
		)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to start config watcher: %w", err)
	}
	return watcher, nil
}

// serve binds srv.Addr synchronously so bind failures surface at startup, then
// serves in the background. Serve errors are sent to errCh.
func serve(srv *http.Server, name string, logger *slog.Logger, errCh chan<- error) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("%s server listen on %s: %w", name, srv.Addr, err)
	}
	logger.Info("Server listening", "server", name, "address", ln.Addr().String())

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
	return nil
}

func shutdownServer(logger *slog.Logger, name string, srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", "server", name, "error", err)
	}
}

func flushTelemetry(logger *slog.Logger, shutdown telemetry.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("Telemetry shutdown error", "error", err)
	}
}
