// Package scheduler runs the orchestrator's calendar jobs: the trading-day rollover
// and the daily audit report.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// Scheduler manages background jobs
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
}

// New creates a scheduler whose cron expressions (with seconds) are read in loc.
func New(loc *time.Location, log *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		log:  log.With(zap.String("component", "scheduler")),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("Scheduler stopped")
}

// AddJob registers a job. Schedules take six fields, e.g. "1 0 0 * * *" runs at
// 00:00:01 every day; descriptors like "@every 30s" work too.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug("Running job", zap.String("job", job.Name()))
		if err := job.Run(); err != nil {
			s.log.Error("Job failed", zap.String("job", job.Name()), zap.Error(err))
			return
		}
		s.log.Debug("Job completed", zap.String("job", job.Name()))
	})
	if err != nil {
		return err
	}
	s.log.Info("Job registered", zap.String("schedule", schedule), zap.String("job", job.Name()))
	return nil
}

// Entries is the number of registered jobs.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

// RunNow executes a job immediately (outside schedule)
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info("Running job immediately", zap.String("job", job.Name()))
	return job.Run()
}
