package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"synnergy-comms/pkg/comms"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run a comms substrate node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			kp, err := loadOrCreateIdentity(filepath.Join(cfg.Node.DataDir, "identity.key"))
			if err != nil {
				return err
			}

			node, err := comms.New(cfg, kp, comms.Options{Logger: log, MetricsRegisterer: prometheus.DefaultRegisterer})
			if err != nil {
				return fmt.Errorf("start node: %w", err)
			}

			for _, addr := range node.ListenAddrs() {
				fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", addr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "node %s ready\n", kp.NodeID.String())

			if cfg.Node.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{Addr: cfg.Node.MetricsAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.WithError(err).Warn("metrics server stopped")
					}
				}()
				defer srv.Close()
				fmt.Fprintf(cmd.OutOrStdout(), "metrics on %s/metrics\n", cfg.Node.MetricsAddr)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return node.Run(ctx)
		},
	}
}
