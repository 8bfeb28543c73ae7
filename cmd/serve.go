package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/jamfx/internal/metrics"
	"github.com/audiolibrelab/jamfx/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control server",
	Long: `Start the JamFX control server to record, upload and apply effects over HTTP.
This allows you to drive a session from another device on the same network.

Prometheus metrics are exposed on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host, _ = cmd.Flags().GetString("host")
		}

		svc, err := newService(metrics.New(prometheus.DefaultRegisterer))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("JamFX control server starting", "addr", cfg.Addr(), "config", cfgFile, "profile", cfg.Profile)

		// Start server (this blocks)
		if err := server.New(svc, prometheus.DefaultGatherer).Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().Int("port", 8090, "port for the control server (overrides config)")
	serveCmd.Flags().String("host", "localhost", "address to bind (overrides config)")
}
