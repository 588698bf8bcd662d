package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the sweep at the top of every hour.
const DefaultSchedule = "@hourly"

// Sweeper runs cleanups on a cron schedule of its own, independent of the
// poll interval. A run that is still in progress causes the next one to be
// skipped.
type Sweeper struct {
	cleaner  Cleaner
	days     int
	schedule cron.Schedule
	spec     string
	logger   *slog.Logger
}

// NewSweeper validates schedule (standard cron or @descriptor) and days.
func NewSweeper(cleaner Cleaner, days int, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", days)
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing retention schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cleaner:  cleaner,
		days:     days,
		schedule: sched,
		spec:     schedule,
		logger:   logger,
	}, nil
}

// Next returns the next scheduled sweep after t.
func (s *Sweeper) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// SweepOnce runs one cleanup and logs the outcome.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	res, err := s.cleaner.Cleanup(ctx, s.days)
	if err != nil {
		s.logger.Error("retention sweep failed", "days", s.days, "error", err)
		return res, err
	}
	s.logger.Info("retention sweep complete",
		"days", s.days,
		"agent_logs", res.Logs,
		"agent_sessions", res.Sessions,
		"system_metric_samples", res.MetricSamples,
	)
	return res, nil
}

// Run schedules sweeps until ctx is cancelled, then waits for a running
// sweep to finish.
func (s *Sweeper) Run(ctx context.Context) error {
	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		_, _ = s.SweepOnce(ctx)
	}))

	s.logger.Info("retention sweeper started", "schedule", s.spec, "days", s.days)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
