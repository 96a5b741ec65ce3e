package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduled job names.
const (
	JobSweep        = "mirror_sweep"
	JobBalanceSync  = "balance_sync"
	JobGasMonitor   = "gas_monitor"
	JobCloseExpired = "close_expired"
	JobArchive      = "archive"
)

// ErrUnknownJob is returned by Trigger for a job that is not scheduled.
var ErrUnknownJob = errors.New("reconcile: job not scheduled")

// Intervals sets how often each scheduled job runs. A zero interval
// disables the job.
type Intervals struct {
	Sweep        time.Duration
	BalanceSync  time.Duration
	GasCheck     time.Duration
	CloseExpired time.Duration
	Archive      time.Duration
}

// Scheduler runs the reconciliation jobs on fixed intervals.
type Scheduler struct {
	sched  gocron.Scheduler
	jobs   map[string]gocron.Job
	logger *slog.Logger
}

// NewScheduler registers every enabled job. Runs of the same job never
// overlap; a run that is still going when the next one is due pushes the
// next one back.
func NewScheduler(ctx context.Context, r *Reconciler, iv Intervals, logger *slog.Logger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("reconcile: new scheduler: %w", err)
	}
	s := &Scheduler{
		sched:  sched,
		jobs:   map[string]gocron.Job{},
		logger: logger.With(slog.String("component", "scheduler")),
	}

	jobs := []struct {
		name  string
		every time.Duration
		run   func(context.Context) error
	}{
		{JobSweep, iv.Sweep, func(ctx context.Context) error { _, err := r.Sweep(ctx); return err }},
		{JobBalanceSync, iv.BalanceSync, func(ctx context.Context) error { _, err := r.SyncBalances(ctx); return err }},
		{JobGasMonitor, iv.GasCheck, func(ctx context.Context) error { _, err := r.CheckGas(ctx); return err }},
		{JobCloseExpired, iv.CloseExpired, func(ctx context.Context) error { _, err := r.CloseExpired(ctx); return err }},
		{JobArchive, iv.Archive, r.Archive},
	}
	for _, j := range jobs {
		if j.every <= 0 {
			continue
		}
		job, err := sched.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(s.task(ctx, j.name, j.run)),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("reconcile: schedule %s: %w", j.name, err)
		}
		s.jobs[j.name] = job
		s.logger.InfoContext(ctx, "job scheduled", slog.String("job", j.name), slog.Duration("every", j.every))
	}
	return s, nil
}

func (s *Scheduler) task(ctx context.Context, name string, run func(context.Context) error) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := run(ctx); err != nil {
			s.logger.ErrorContext(ctx, "scheduled job failed",
				slog.String("job", name),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.DebugContext(ctx, "scheduled job done",
			slog.String("job", name),
			slog.Duration("took", time.Since(start)),
		)
	}
}

// Trigger runs a scheduled job now, outside its interval. The run still
// respects singleton mode, so it never overlaps a run already in progress.
func (s *Scheduler) Trigger(name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if err := job.RunNow(); err != nil {
		return fmt.Errorf("reconcile: trigger %s: %w", name, err)
	}
	s.logger.Info("job triggered", slog.String("job", name))
	return nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.sched.Start()
}

// Shutdown stops the scheduler and waits for running jobs.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
