package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/cohort"
	"github.com/UCLH-Foundry/PIXL/internal/config"
	"github.com/UCLH-Foundry/PIXL/internal/message"
	"github.com/UCLH-Foundry/PIXL/internal/queue"
	"github.com/UCLH-Foundry/PIXL/internal/registry"
)

func newPopulateCommand(cfg *config.Config, api *apiClient, logger *zap.Logger) *cobra.Command {
	var (
		queues    []string
		restart   bool
		noRestart bool
		rate      float64
	)
	cmd := &cobra.Command{
		Use:   "populate <cohort-dir>",
		Short: "Load a cohort into the work queues",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := args[0]
			if len(queues) == 0 {
				queues = cfg.Queues
			}

			qc, err := queue.NewClient(cfg.NATSURL, logger)
			if err != nil {
				return err
			}
			defer qc.Close()
			if err := qc.ProvisionStream(); err != nil {
				return err
			}
			producer := queue.NewProducer(qc)

			for _, q := range queues {
				msgs, state, err := loadQueueMessages(cfg, dir, q, restart && !noRestart, logger)
				if err != nil {
					return err
				}
				// Oldest studies first so long-running extracts progress
				// chronologically.
				sort.SliceStable(msgs, func(i, j int) bool {
					return msgs[i].StudyDate.Before(msgs[j].StudyDate.Time)
				})

				if q == "imaging" {
					msgs, err = dropExported(ctx, cfg, msgs, logger)
					if err != nil {
						return err
					}
				}
				if len(msgs) > 0 {
					if err := producer.Publish(ctx, q, msgs); err != nil {
						return err
					}
					logger.Info("cohort published",
						zap.String("queue", q),
						zap.Int("messages", len(msgs)),
					)
				} else {
					logger.Info("nothing to publish", zap.String("queue", q))
				}
				// The checkpoint is the only copy of a drained queue; it may
				// go only once the broker has the batch.
				if state != "" {
					if err := os.Remove(state); err != nil {
						return fmt.Errorf("remove %s: %w", state, err)
					}
				}
			}

			if rate > 0 {
				for _, q := range queues {
					if err := api.SetRate(ctx, q, rate); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&queues, "queues", nil, "queues to populate (default: configured set)")
	cmd.Flags().BoolVar(&restart, "restart", true, "resume from a queue state file when one exists")
	cmd.Flags().BoolVar(&noRestart, "no-restart", false, "ignore queue state files and reread the cohort")
	cmd.Flags().Float64Var(&rate, "rate", 0, "also set the consumption rate (messages per second)")
	return cmd
}

// loadQueueMessages resolves the message source for one queue: a state file
// checkpoint when resuming, otherwise the cohort directory itself. When a
// checkpoint was read, its path is returned so the caller can remove it
// after the messages are safely republished; the file is left on disk here.
func loadQueueMessages(cfg *config.Config, dir, q string, restart bool, logger *zap.Logger) ([]message.Message, string, error) {
	state := cohort.StatePath(cfg.StateDir, q)
	if restart {
		if _, err := os.Stat(state); err == nil {
			msgs, err := cohort.MessagesFromStateFile(state)
			if err != nil {
				return nil, "", err
			}
			logger.Info("resuming from state file",
				zap.String("path", state),
				zap.Int("messages", len(msgs)),
			)
			return msgs, state, nil
		}
	}
	msgs, err := loadCohort(dir)
	return msgs, "", err
}

// loadCohort reads a cohort directory: a single CSV file, or an OMOP extract
// (extract_summary.json plus public/private parquet).
func loadCohort(dir string) ([]message.Message, error) {
	csvs, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	switch len(csvs) {
	case 0:
		summary, err := cohort.ReadSummary(dir)
		if err != nil {
			return nil, err
		}
		return cohort.MessagesFromParquet(dir, summary.ProjectName, summary.ExtractDatetime)
	case 1:
		return cohort.MessagesFromCSV(csvs[0])
	default:
		return nil, fmt.Errorf("%s contains %d csv files, expected one", dir, len(csvs))
	}
}

// unexportedFilter is the registry surface dropExported needs.
type unexportedFilter interface {
	FilterUnexported(ctx context.Context, slug string, msgs []message.Message) ([]message.Message, error)
}

// dropExported removes messages whose study was already exported for their
// project, recording the rest in the registry.
func dropExported(ctx context.Context, cfg *config.Config, msgs []message.Message, logger *zap.Logger) ([]message.Message, error) {
	if len(msgs) == 0 || cfg.PostgresURL == "" {
		return msgs, nil
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}
	defer pool.Close()

	kept, err := filterBySlug(ctx, registry.New(pool, logger), msgs)
	if err != nil {
		return nil, err
	}
	if dropped := len(msgs) - len(kept); dropped > 0 {
		logger.Info("skipping already-exported studies", zap.Int("count", dropped))
	}
	return kept, nil
}

// filterBySlug runs the registry filter once per project in the batch. A
// cohort file may carry more than one project_name; each group must be
// matched against its own extract.
func filterBySlug(ctx context.Context, reg unexportedFilter, msgs []message.Message) ([]message.Message, error) {
	groups := make(map[string][]message.Message)
	var order []string
	for _, m := range msgs {
		s := m.ProjectSlug()
		if _, seen := groups[s]; !seen {
			order = append(order, s)
		}
		groups[s] = append(groups[s], m)
	}

	out := make([]message.Message, 0, len(msgs))
	for _, s := range order {
		kept, err := reg.FilterUnexported(ctx, s, groups[s])
		if err != nil {
			return nil, err
		}
		out = append(out, kept...)
	}
	return out, nil
}
