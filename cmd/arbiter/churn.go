package main

import (
	"fmt"
	"time"

	"github.com/aretw0/arbiter/internal/churn"
	"github.com/aretw0/arbiter/internal/config"
	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/spf13/cobra"
)

var churnCmd = &cobra.Command{
	Use:   "churn",
	Short: "Run concurrent open/write/close load and probe responsiveness",
	Long: `Runs workers that repeatedly open a session on a channel, write, change their
authority and close, while a probe measures how long the controller registry
takes to answer. The command fails if a probe exceeds --max-latency or the
workers do not stop in time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		workers, _ := cmd.Flags().GetInt("workers")
		rate, _ := cmd.Flags().GetFloat64("rate")
		duration, _ := cmd.Flags().GetDuration("duration")
		maxLatency, _ := cmd.Flags().GetDuration("max-latency")
		n, _ := cmd.Flags().GetInt("channels")

		// Churn owns its channels; the configured ones are left untouched.
		keys := make([]domain.ChannelKey, n)
		for i := range keys {
			keys[i] = domain.ChannelKey(fmt.Sprintf("churn-%d", i))
			cfg.Channels = append(cfg.Channels, config.ChannelConfig{Name: string(keys[i]), Kind: "virtual"})
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()
		defer a.manager.Shutdown(cmd.Context())

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "churn: %d workers at %.0f/s for %s on %d channels\n", workers, rate, duration, n)

		report, err := churn.Run(cmd.Context(), a.manager, churn.Config{
			Workers:         workers,
			Rate:            rate,
			Duration:        duration,
			Channels:        keys,
			MaxProbeLatency: maxLatency,
			Logger:          logger,
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "cycles:      %d (accepted %d, dropped %d, errors %d)\n",
			report.Cycles, report.Accepted, report.Dropped, report.Errors)
		fmt.Fprintf(out, "probes:      %d, max latency %s\n", report.Probes, report.MaxProbeLatency)
		fmt.Fprintf(out, "controllers: %d left open\n", a.manager.ControllerCount())
		if !report.OK(maxLatency) {
			return fmt.Errorf("churn failed: stalled=%t errors=%d max latency %s (bound %s)",
				report.Stalled, report.Errors, report.MaxProbeLatency, maxLatency)
		}
		fmt.Fprintln(out, "ok")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(churnCmd)
	churnCmd.Flags().Int("workers", 20, "Concurrent workers")
	churnCmd.Flags().Float64("rate", 100, "Cycles per second per worker")
	churnCmd.Flags().Duration("duration", 10*time.Second, "How long to run")
	churnCmd.Flags().Duration("max-latency", 2*time.Second, "Responsiveness bound for each probe")
	churnCmd.Flags().Int("channels", 4, "Number of channels the workers compete for")
}
