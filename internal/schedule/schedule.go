// Package schedule triggers independent jobs from cron expressions.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is a named unit of work fired on Spec, a five-field cron expression
// or a descriptor such as "@daily".
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context)
}

// Validate reports whether spec parses.
func Validate(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return nil
}

// Next returns the first activation of spec strictly after now, in loc.
func Next(spec string, now time.Time, loc *time.Location) (time.Time, error) {
	s, err := parser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return s.Next(now.In(loc)), nil
}

type Scheduler struct {
	loc    *time.Location
	logger *zap.Logger
}

func New(loc *time.Location, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{loc: loc, logger: logger.Named("scheduler")}
}

// Run registers jobs and fires them until ctx is cancelled. A panicking job
// is recovered and a job still running when its next activation comes is
// skipped, so one bad day never blocks the following ones. Run waits for
// running jobs to finish before returning.
func (s *Scheduler) Run(ctx context.Context, jobs ...Job) error {
	cl := cronLogger{s.logger.Sugar()}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
	)

	for _, job := range jobs {
		if _, err := c.AddFunc(job.Spec, func() {
			start := time.Now()
			s.logger.Info("job starting", zap.String("job", job.Name))
			job.Run(ctx)
			s.logger.Info("job finished", zap.String("job", job.Name), zap.Duration("elapsed", time.Since(start)))
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
		next, _ := Next(job.Spec, time.Now(), s.loc)
		s.logger.Info("job scheduled",
			zap.String("job", job.Name),
			zap.String("spec", job.Spec),
			zap.Time("next", next),
		)
	}

	c.Start()
	<-ctx.Done()
	s.logger.Info("shutting down")
	<-c.Stop().Done()
	return nil
}

// cronLogger routes cron's own logging to zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
