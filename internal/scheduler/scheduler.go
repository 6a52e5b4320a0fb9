// Package scheduler triggers connector and loader runs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is a named unit of scheduled work.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

type Scheduler struct {
	ctx     context.Context
	logger  *logrus.Entry
	timeout time.Duration
	cron    *cron.Cron

	mu   sync.Mutex
	jobs map[string]Job
}

// NewScheduler creates a scheduler. Every run gets a context derived from
// ctx, bounded by timeout when positive. A run still in progress when its
// next tick fires makes that tick a no-op.
func NewScheduler(ctx context.Context, logger *logrus.Entry, timeout time.Duration) *Scheduler {
	cl := cron.PrintfLogger(logger)
	return &Scheduler{
		ctx:     ctx,
		logger:  logger,
		timeout: timeout,
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		jobs:    make(map[string]Job),
	}
}

// Add registers job on its schedule.
func (s *Scheduler) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %q is already scheduled", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Schedule, func() { s.execute(job) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %q: %w", job.Schedule, job.Name, err)
	}
	s.jobs[job.Name] = job
	return nil
}

// Trigger runs the named job immediately in the calling goroutine.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.execute(job)
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	return names
}

func (s *Scheduler) execute(job Job) error {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	log := s.logger.WithField("job", job.Name)
	log.Info("Starting scheduled run")
	start := time.Now()
	err := job.Run(ctx)
	if err != nil {
		log.WithError(err).WithField("elapsed", time.Since(start)).Error("Scheduled run failed")
		return err
	}
	log.WithField("elapsed", time.Since(start)).Info("Finished scheduled run")
	return nil
}

// Start the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop the scheduler and wait for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
