package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Job is one periodic background task.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one run; zero means the interval.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler runs the periodic jobs of the backend on gocron. Runs of the same
// job never overlap.
type Scheduler struct {
	scheduler gocron.Scheduler
	ctx       context.Context
	logger    *slog.Logger
}

func NewScheduler(ctx context.Context, logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, ctx: ctx, logger: logger.With("component", "scheduler")}, nil
}

func (s *Scheduler) Register(job Job) error {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = job.Interval
	}
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(job.Interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(s.ctx, timeout)
			defer cancel()

			start := time.Now()
			if err := job.Run(ctx); err != nil {
				s.logger.Warn("job failed", "job", job.Name, "error", err, "duration", time.Since(start))
				return
			}
			s.logger.Debug("job finished", "job", job.Name, "duration", time.Since(start))
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName(job.Name),
	)
	if err != nil {
		return fmt.Errorf("register %s: %w", job.Name, err)
	}
	s.logger.Info("registered job", "job", job.Name, "interval", job.Interval)
	return nil
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Shutdown stops scheduling and waits for running jobs.
func (s *Scheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}
