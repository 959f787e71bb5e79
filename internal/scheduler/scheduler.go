package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// Schedules cron-выражения задач
type Schedules struct {
	SuspendOverdue string
	ExpireElapsed  string
	// JobTimeout ограничение на один запуск задачи
	JobTimeout time.Duration
}

// DefaultSchedules значения по умолчанию
func DefaultSchedules() Schedules {
	return Schedules{
		SuspendOverdue: "*/10 * * * *",
		ExpireElapsed:  "*/10 * * * *",
		JobTimeout:     5 * time.Minute,
	}
}

// Scheduler запускает задачи Sweeper по расписанию
type Scheduler struct {
	cron      *cron.Cron
	sweeper   *Sweeper
	schedules Schedules
	log       *logger.Logger
}

// NewScheduler создает планировщик; паника в задаче перехватывается и логируется
func NewScheduler(sweeper *Sweeper, schedules Schedules, log *logger.Logger) *Scheduler {
	if schedules.JobTimeout <= 0 {
		schedules.JobTimeout = DefaultSchedules().JobTimeout
	}
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(log)),
		cron.SkipIfStillRunning(cron.PrintfLogger(log)),
	))
	return &Scheduler{cron: c, sweeper: sweeper, schedules: schedules, log: log}
}

// Start регистрирует задачи и запускает cron
func (s *Scheduler) Start() error {
	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context) (int, error)
	}{
		{JobSuspendOverdue, s.schedules.SuspendOverdue, s.sweeper.SuspendOverdue},
		{JobExpireElapsed, s.schedules.ExpireElapsed, s.sweeper.ExpireElapsed},
	}

	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(job.schedule, func() { s.runJob(job.name, job.run) }); err != nil {
			return fmt.Errorf("failed to schedule %s job: %w", job.name, err)
		}
		s.log.Info("Scheduled %s job: %s", job.name, job.schedule)
	}

	s.cron.Start()
	return nil
}

// Stop останавливает cron; возвращенный контекст закрывается, когда задачи завершатся
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runJob(name string, run func(context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), s.schedules.JobTimeout)
	defer cancel()

	if _, err := run(ctx); err != nil {
		s.log.Errorw("Scheduled job failed", "job", name, "error", err)
	}
}
