// Package scheduler runs periodic jobs: discovery liveness checks, master heartbeat polling,
// metadata refreshes. A run that is still going when the next one is due is skipped, and a
// panicking run is logged and forgotten.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/nuclio/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one run of a periodic task. ctx ends when the scheduler stops.
type Job func(ctx context.Context)

type Scheduler struct {
	logger *zap.Logger
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewScheduler(parentLogger *zap.Logger) *Scheduler {
	logger := parentLogger.Named("scheduler")
	cronLogger := &cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// Every runs job every period under name, replacing a job of the same name. Periods are
// rounded down to whole seconds, with one second at least.
func (s *Scheduler) Every(name string, period time.Duration, job Job) error {
	if period <= 0 {
		return errors.Errorf("Invalid period %s for job %s", period, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if previous, exists := s.entries[name]; exists {
		s.cron.Remove(previous)
	}

	s.entries[name] = s.cron.Schedule(cron.Every(period), cron.FuncJob(func() {
		job(s.ctx)
	}))

	s.logger.Debug("Scheduled job", zap.String("name", name), zap.Duration("period", period))
	return nil
}

// Remove unschedules a job. Removing an unknown name is a no-op.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.entries[name]; exists {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Jobs returns the names of scheduled jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels the context of running jobs and waits for them, at most
// until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	s.cancel()

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "Failed waiting for running jobs")
	}
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
