package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/raaihank/salesdash/internal/etl"
)

type scheduler struct {
	cron   gocron.Scheduler
	job    gocron.Job
	cancel context.CancelFunc
}

// StartSchedule registers the configured cron job. It does nothing when no
// schedule is configured.
func (s *Service) StartSchedule() error {
	if s.config.Schedule == "" {
		return nil
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create cron scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job, err := cron.NewJob(
		gocron.CronJob(s.config.Schedule, false),
		gocron.NewTask(func() { s.scheduledRun(ctx) }),
		gocron.WithName("ingest"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		_ = cron.Shutdown()
		return fmt.Errorf("create scheduled ingestion: %w", err)
	}

	cron.Start()
	s.scheduler = &scheduler{cron: cron, job: job, cancel: cancel}

	next, _ := job.NextRun()
	s.logger.Info("Scheduled ingestion enabled",
		zap.String("cron", s.config.Schedule),
		zap.Time("next_run", next))
	return nil
}

// NextScheduledRun returns when the scheduled ingestion runs next
func (s *Service) NextScheduledRun() (time.Time, bool) {
	if s.scheduler == nil {
		return time.Time{}, false
	}
	next, err := s.scheduler.job.NextRun()
	if err != nil {
		return time.Time{}, false
	}
	return next, true
}

func (s *Service) scheduledRun(ctx context.Context) {
	_, err := s.Run(ctx, TriggerSchedule, etl.NewLogReporter(s.logger))
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Info("Skipping scheduled ingestion, a run is in progress")
	case err != nil:
		s.logger.Warn("Scheduled ingestion failed", zap.Error(err))
	}
}

// Shutdown stops the schedule, cancels a scheduled run in flight and waits
// for background runs.
func (s *Service) Shutdown() error {
	var err error
	if s.scheduler != nil {
		s.scheduler.cancel()
		err = s.scheduler.cron.Shutdown()
	}
	s.wg.Wait()
	return err
}
