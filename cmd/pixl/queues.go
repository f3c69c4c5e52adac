package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/cohort"
	"github.com/UCLH-Foundry/PIXL/internal/config"
	"github.com/UCLH-Foundry/PIXL/internal/queue"
)

// drainIdleSeconds is how long stop waits for a silent queue before
// declaring it drained.
const drainIdleSeconds = 5

func queueSet(cfg *config.Config, flag []string) []string {
	if len(flag) > 0 {
		return flag
	}
	return cfg.Queues
}

func newStartCommand(cfg *config.Config, api *apiClient, logger *zap.Logger) *cobra.Command {
	return newRateCommand(cfg, api, logger, "start", "Start consuming from the work queues")
}

func newUpdateCommand(cfg *config.Config, api *apiClient, logger *zap.Logger) *cobra.Command {
	return newRateCommand(cfg, api, logger, "update", "Change the queue consumption rate")
}

func newRateCommand(cfg *config.Config, api *apiClient, logger *zap.Logger, use, short string) *cobra.Command {
	var (
		queues []string
		rate   float64
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rate <= 0 {
				return fmt.Errorf("%s requires --rate greater than zero", use)
			}
			if use == "start" {
				// Do not open the taps while a worker is down.
				for _, base := range []string{api.imagingURL, api.exportURL} {
					if err := api.Heartbeat(cmd.Context(), base); err != nil {
						return err
					}
				}
			}
			for _, q := range queueSet(cfg, queues) {
				if err := api.SetRate(cmd.Context(), q, rate); err != nil {
					return err
				}
				logger.Info("rate updated", zap.String("queue", q), zap.Float64("rate", rate))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&queues, "queues", nil, "queues to adjust (default: configured set)")
	cmd.Flags().Float64Var(&rate, "rate", 0, "messages per second")
	return cmd
}

func newStopCommand(cfg *config.Config, api *apiClient, logger *zap.Logger) *cobra.Command {
	var queues []string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Pause consumption and checkpoint queues to disk",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			qc, err := queue.NewClient(cfg.NATSURL, logger)
			if err != nil {
				return err
			}
			defer qc.Close()

			for _, q := range queueSet(cfg, queues) {
				if err := api.SetRate(ctx, q, 0); err != nil {
					return err
				}
				path := cohort.StatePath(cfg.StateDir, q)
				n, err := qc.DrainToFile(ctx, q, path, drainIdleSeconds)
				if err != nil {
					return err
				}
				logger.Info("queue checkpointed",
					zap.String("queue", q),
					zap.String("path", path),
					zap.Int("messages", n),
				)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&queues, "queues", nil, "queues to stop (default: configured set)")
	return cmd
}

func newStatusCommand(cfg *config.Config, api *apiClient, logger *zap.Logger) *cobra.Command {
	var queues []string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report worker liveness and queue depths",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			for name, base := range map[string]string{
				"imaging-api": api.imagingURL,
				"export-api":  api.exportURL,
			} {
				if err := api.Heartbeat(ctx, base); err != nil {
					fmt.Printf("%s\tdown\t%v\n", name, err)
				} else {
					fmt.Printf("%s\tup\n", name)
				}
			}

			qc, err := queue.NewClient(cfg.NATSURL, logger)
			if err != nil {
				return err
			}
			defer qc.Close()
			for _, q := range queueSet(cfg, queues) {
				depth, err := qc.QueueLength(q)
				if err != nil {
					return err
				}
				fmt.Printf("queue %s\t%d pending\n", q, depth)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&queues, "queues", nil, "queues to report (default: configured set)")
	return cmd
}
