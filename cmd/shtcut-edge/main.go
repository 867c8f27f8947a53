// Package main is the entry point for the shtcut-edge binary.
// It runs the tenant-aware edge gateway and offers offline routing inspection.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/shtcut/edge/pkg/config"
	"github.com/shtcut/edge/pkg/edge"
	"github.com/shtcut/edge/pkg/logging"
	"github.com/shtcut/edge/pkg/redirect"
	"github.com/shtcut/edge/pkg/server"
	"github.com/shtcut/edge/pkg/storage"
	"github.com/shtcut/edge/pkg/telemetry"
	"github.com/shtcut/edge/pkg/tenant"
)

const (
	defaultLogLevel          = "info"
	telemetryShutdownTimeout = 5 * time.Second
)

// CLIConfig holds the persistent flags shared by every command.
type CLIConfig struct {
	ConfigPath string
	LogLevel   string
	Pretty     bool
}

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for shtcut-edge
func newRootCmd() *cobra.Command {
	cli := &CLIConfig{}

	rootCmd := &cobra.Command{
		Use:   "shtcut-edge",
		Short: "Tenant-aware edge gateway for shtcut",
		Long: `shtcut-edge resolves every request to a tenant route context and applies
redirects, tenant checks, rate limits, routing policy and app rewrites before
the web app.

Example:
  shtcut-edge serve --config edge.yaml
  shtcut-edge resolve https://acme.shtcut.link/github`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cli.ConfigPath, "config", "c", os.Getenv("EDGE_CONFIG"), "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&cli.LogLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&cli.Pretty, "pretty", false, "Enable text console logging")

	rootCmd.AddCommand(
		newServeCmd(cli),
		newResolveCmd(cli),
		newRedirectsCmd(cli),
	)
	return rootCmd
}

func loadConfig(cli *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return nil, err
	}
	cli.apply(cfg)
	return cfg, nil
}

func (cli *CLIConfig) apply(cfg *config.Config) {
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.Pretty {
		cfg.Logging.Pretty = true
	}
}

func newServeCmd(cli *CLIConfig) *cobra.Command {
	var dataAddr, adminAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the data plane and admin servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cli, dataAddr, adminAddr)
		},
	}
	cmd.Flags().StringVar(&dataAddr, "data-listen", "", "HTTP listen address for the data plane")
	cmd.Flags().StringVar(&adminAddr, "admin-listen", "", "HTTP listen address for the admin endpoints")
	return cmd
}

// runServe orchestrates the gateway lifecycle.
func runServe(ctx context.Context, cli *CLIConfig, dataAddr, adminAddr string) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}
	if dataAddr != "" {
		cfg.Server.DataAddress = dataAddr
	}
	if adminAddr != "" {
		cfg.Server.AdminAddress = adminAddr
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)
	logger.Info("Starting shtcut-edge", "config", cli.ConfigPath)

	telemetryShutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		Endpoint:     cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		Environment:  cfg.Telemetry.Environment,
		Headers:      cfg.Telemetry.Headers,
		SampleRatio:  cfg.Telemetry.SampleRatio,
		ResourceTags: map[string]string{"log.level": cfg.Logging.Level},
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer shutdownTelemetry(telemetryShutdown, logger)

	metrics := telemetry.NewMetrics()
	lookups := storage.NewMemoryLookupStats(cfg.Edge.LookupStatsLimit)
	tenants := storage.NewMemoryTenantStore()

	mw, err := edge.New(edge.Options{
		Tenancy:          cfg.Tenancy,
		Tenants:          tenants,
		Stats:            lookups,
		Metrics:          metrics,
		Logger:           logger,
		SignInPath:       cfg.Edge.SignInPath,
		WaitUntilTimeout: cfg.Edge.WaitUntilTimeout,
		RateLimit:        cfg.RateLimit,
	})
	if err != nil {
		return fmt.Errorf("edge middleware: %w", err)
	}

	if cli.ConfigPath != "" {
		provider, err := config.NewFileConfigProvider(cli.ConfigPath,
			config.WithLogger(logger),
			config.WithReloadHook(func(err error) {
				status := "success"
				if err != nil {
					status = "failure"
				}
				metrics.RecordConfigReload(status)
			}),
		)
		if err != nil {
			return fmt.Errorf("config provider: %w", err)
		}
		defer func() {
			if err := provider.Close(); err != nil {
				logger.Error("Failed to close config provider", "error", err)
			}
		}()

		if err := mw.Apply(ctx, provider.CurrentSnapshot()); err != nil {
			return fmt.Errorf("apply configuration: %w", err)
		}
		go mw.Watch(ctx, provider)
	} else if err := mw.Apply(ctx, cfg.Snapshot(1)); err != nil {
		return fmt.Errorf("apply configuration: %w", err)
	}

	srv, err := server.New(cfg.Server, server.Options{
		Edge:    mw,
		Metrics: metrics,
		Lookups: lookups,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case serveErr = <-srv.Errors():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	logger.Info("Shutdown complete")
	return serveErr
}

// shutdownTelemetry gracefully shuts down the telemetry provider.
func shutdownTelemetry(shutdown func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("telemetry shutdown error", "error", err)
	}
}

func newResolveCmd(cli *CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <url>",
		Short: "Print the route context a URL resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cli)
			if err != nil {
				return err
			}
			resolver, err := tenant.NewResolver(tenant.ConfigFromDomain(cfg.Tenancy))
			if err != nil {
				return err
			}
			req, err := server.IncomingFromURL(args[0])
			if err != nil {
				return err
			}
			rc, err := resolver.Resolve(req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rc)
		},
	}
}

// redirectReport is the output of the redirects command for a single URL.
type redirectReport struct {
	URL        string `json:"url"`
	Matched    bool   `json:"matched"`
	Location   string `json:"location,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Source     string `json:"source,omitempty"`
}

func newRedirectsCmd(cli *CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "redirects [url]",
		Short: "List the redirect rules, or show which rule a URL hits",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cli)
			if err != nil {
				return err
			}
			table, err := redirect.New(cfg.RedirectRules())
			if err != nil {
				return err
			}
			if len(args) == 0 {
				return printJSON(cmd.OutOrStdout(), table.Rules())
			}

			resolver, err := tenant.NewResolver(tenant.ConfigFromDomain(cfg.Tenancy))
			if err != nil {
				return err
			}
			req, err := server.IncomingFromURL(args[0])
			if err != nil {
				return err
			}
			rc, err := resolver.Resolve(req)
			if err != nil {
				return err
			}

			report := redirectReport{URL: args[0]}
			if rd, ok := table.Match(rc.Domain, rc.Path, req.RawQuery); ok {
				report.Matched = true
				report.Location = rd.Location
				report.StatusCode = rd.StatusCode
				report.Source = rd.Source
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
