package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/restuhaqza/nettestbed/pkg/config"
	"github.com/restuhaqza/nettestbed/pkg/ports"
)

var (
	// Version is set by build flags
	Version = "v0.1.0"
	// GitCommit is set by build flags
	GitCommit = "unknown"
)

// Global flags
var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nettestbed",
		Short: "nettestbed - ephemeral virtual network test environments",
		Long: `nettestbed provisions ephemeral virtual network test topologies and
supervises the external controller processes that drive them.

The ports-server subcommand runs the coordination rendezvous that hands
out globally unique ports and served counts to concurrent test workers.`,
		Version: Version,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newPortsServerCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newPortsServerCommand runs the coordination server until interrupted.
func newPortsServerCommand() *cobra.Command {
	var (
		listenAddr  string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "ports-server",
		Short: "Run the port/identifier coordination server",
		Long: `Run the coordination server that concurrent test workers use to
obtain globally unique TCP ports and served counts.

Example:
  nettestbed ports-server --listen 127.0.0.1:9498
  nettestbed ports-server --listen /var/run/nettestbed/ports.sock`,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(logLevel)

			if cfgFile != "" {
				cfg, err := config.LoadConfig(cfgFile)
				if err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("invalid config %s: %w", cfgFile, err)
				}
				if listenAddr == "" {
					listenAddr = cfg.PortsServer
				}
				if metricsAddr == "" && cfg.Metrics.Enabled {
					metricsAddr = cfg.Metrics.Address
				}
			}

			srv, err := ports.NewServer(listenAddr)
			if err != nil {
				return err
			}

			if metricsAddr != "" {
				reg := prometheus.NewRegistry()
				if err := srv.Register(reg); err != nil {
					return err
				}
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				go func() {
					log.Info().Str("addr", metricsAddr).Msg("Metrics listening")
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						log.Warn().Err(err).Msg("Metrics endpoint failed")
					}
				}()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := srv.Serve(ctx); err != nil {
				return err
			}
			log.Info().Int("served", srv.Served()).Msg("Ports server shut down")
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (TCP host:port or unix socket path)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-listen", "", "Prometheus metrics listen address")

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nettestbed %s (%s)\n", Version, GitCommit)
		},
	}
}

func setupLogging(level string) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
}
