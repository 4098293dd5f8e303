// SPDX-License-Identifier: AGPL-3.0-only
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cleecy/mcp-retreaver/internal/errors"
	"github.com/cleecy/mcp-retreaver/internal/logging"
	"github.com/cleecy/mcp-retreaver/internal/model"
)

// JobFunc is the body of a background job.
type JobFunc func(ctx context.Context) error

type entry struct {
	job *model.Job
	fn  JobFunc
	id  cron.EntryID
}

// Scheduler runs named background jobs on cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]*entry
	mu      sync.RWMutex
	logger  *logging.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// NewScheduler creates a new scheduler instance
func NewScheduler(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	cronOpts := cron.New(
		cron.WithParser(cron.NewParser(
			cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(
			cron.Recover(cron.PrintfLogger(cronLogger{logger})),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cronOpts,
		jobs:   make(map[string]*entry),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// cronLogger adapts logging.Logger to cron's Printf logger.
type cronLogger struct{ l *logging.Logger }

func (c cronLogger) Printf(format string, args ...interface{}) {
	c.l.Errorf(format, args...)
}

// Start begins the scheduler
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()

	// Listen for context cancellation to stop the scheduler
	go func() {
		select {
		case <-ctx.Done():
			if err := s.Stop(); err != nil {
				s.logger.Errorf("Error stopping scheduler: %v", err)
			}
		case <-s.ctx.Done():
		}
	}()
}

// Stop halts the scheduler and waits for running jobs to return.
func (s *Scheduler) Stop() error {
	s.cancel()
	<-s.cron.Stop().Done()
	s.running.Wait()
	return nil
}

// AddJob registers an enabled job. An empty schedule registers the job
// disabled so it can still be run on demand.
func (s *Scheduler) AddJob(name, schedule string, fn JobFunc) error {
	if name == "" || fn == nil {
		return errors.InvalidInput("job name and function are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return errors.AlreadyExists("job", name)
	}

	e := &entry{
		job: &model.Job{
			Name:     name,
			Schedule: schedule,
			Status:   model.JobPending,
		},
		fn: fn,
	}
	if schedule == "" {
		e.job.Status = model.JobDisabled
		s.jobs[name] = e
		return nil
	}
	if err := s.scheduleJob(e); err != nil {
		return err
	}
	s.jobs[name] = e
	return nil
}

// ListJobs returns snapshots of all jobs sorted by name
func (s *Scheduler) ListJobs() []*model.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*model.Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		job := *e.job
		jobs = append(jobs, &job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	e, exists := s.jobs[name]
	s.mu.RUnlock()
	if !exists {
		return errors.NotFound("job", name)
	}
	return s.run(e)
}

// scheduleJob adds a job to cron (internal method, caller holds mu)
func (s *Scheduler) scheduleJob(e *entry) error {
	name := e.job.Name
	entryID, err := s.cron.AddFunc(e.job.Schedule, func() {
		// The job may have been removed between dispatch and execution
		s.mu.RLock()
		_, exists := s.jobs[name]
		s.mu.RUnlock()
		if !exists {
			return
		}
		if err := s.run(e); err != nil {
			s.logger.Warnf("Job %s failed: %v", name, err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	e.id = entryID
	e.job.Enabled = true
	if e.job.Status == model.JobDisabled {
		e.job.Status = model.JobPending
	}
	e.job.NextRun = s.cron.Entry(entryID).Next
	return nil
}

func (s *Scheduler) run(e *entry) error {
	s.running.Add(1)
	defer s.running.Done()

	s.mu.Lock()
	e.job.LastRun = time.Now()
	e.job.Status = model.JobRunning
	s.mu.Unlock()

	err := e.fn(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.job.Runs++
	if err != nil {
		e.job.Status = model.JobFailed
		e.job.LastError = err.Error()
	} else {
		e.job.Status = model.JobCompleted
		e.job.LastError = ""
	}
	if e.job.Enabled {
		e.job.NextRun = s.cron.Entry(e.id).Next
	}
	return err
}
