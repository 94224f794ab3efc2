package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/OpenAgentsInc/commander/internal/config"
	"github.com/OpenAgentsInc/commander/internal/utils/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath  string
	verbose     bool
	metricsAddr string

	cfg      *config.Config
	registry = prometheus.NewRegistry()
)

var rootCmd = &cobra.Command{
	Use:   "commander",
	Short: "Nostr client for data vending machine jobs and public chat",
	Long: `Commander submits NIP-90 job requests to data vending machines, waits
for their results, and takes part in NIP-28 public chat channels.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			return err
		}

		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		if err := log.Init(level, cfg.Log.Development); err != nil {
			return err
		}

		if metricsAddr != "" {
			cfg.Metrics.Addr = metricsAddr
		}
		if cfg.Metrics.Addr != "" {
			go func() {
				if err := serveMetrics(cmd.Context(), cfg.Metrics.Addr, registry); err != nil {
					log.Error("metrics server stopped", zap.Error(err))
				}
			}()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = log.Sync()
	},
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
}
