package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ghalamif/aegisbridge"
)

const defaultConfigPath = "./data/config.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "aegis-bridge",
		Short:        "Mirror an OPC UA server into TimescaleDB, InfluxDB or NATS",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newValidateCmd(), newStatsCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Start the bridge runtime using the provided config",
		Example: "  aegis-bridge run --config ./data/config.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			flow, err := aegisbridge.Conf(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := flow.StreamOUT()
			if err != nil {
				return err
			}
			go rebrowseOnHangup(ctx, rt)
			return rt.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "Path to bridge configuration file")
	return cmd
}

// rebrowseOnHangup maps SIGHUP to a full rebrowse.
func rebrowseOnHangup(ctx context.Context, rt *aegisbridge.Runtime) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			rt.Rebrowse()
		}
	}
}

func newValidateCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config file without starting the runtime",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := aegisbridge.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config %s looks good (endpoint %s, %d sink(s))\n",
				cfgPath, cfg.Source.Endpoint, cfg.Sinks.Count())
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "Path to configuration file to validate")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var (
		url      string
		interval time.Duration
		once     bool
	)
	cmd := &cobra.Command{
		Use:     "stats",
		Short:   "Poll the Prometheus metrics endpoint and print live counters",
		Example: "  aegis-bridge stats --url http://localhost:9100/metrics --interval 1s",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if once {
				return printMetricsSnapshot(cmd.Context(), out, url)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			fmt.Fprintf(out, "Streaming metrics from %s (Ctrl+C to stop)\n", url)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := printMetricsSnapshot(ctx, out, url); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "stats error: %v\n", err)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Refresh interval")
	cmd.Flags().BoolVar(&once, "once", false, "Print a single snapshot and exit")
	return cmd
}
