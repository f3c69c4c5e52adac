package export

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweep periodically re-drives the export of studies whose stable-study
// notification was lost, so the anonymising store never accumulates
// unexported studies.
type Sweep struct {
	exporter *Exporter
	cron     *cron.Cron
	logger   *zap.Logger
}

func NewSweep(exporter *Exporter, logger *zap.Logger) *Sweep {
	return &Sweep{exporter: exporter, cron: cron.New(), logger: logger}
}

// Start registers the sweep on the given cron schedule and begins running.
func (s *Sweep) Start(ctx context.Context, schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() { s.run(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Sweep) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweep) run(ctx context.Context) {
	ids, err := s.exporter.pendingStudies(ctx)
	if err != nil {
		s.logger.Error("export sweep failed to list studies", zap.Error(err))
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := s.exporter.ExportStudy(ctx, id); err != nil {
			s.logger.Warn("export sweep could not export study",
				zap.String("study_id", id), zap.Error(err))
		}
	}
	if len(ids) > 0 {
		s.logger.Info("export sweep finished", zap.Int("studies", len(ids)))
	}
}
