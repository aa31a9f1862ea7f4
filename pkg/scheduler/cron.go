// Package scheduler provides the cron-driven task trigger used by the task
// runner. Jobs are keyed by task id and survive until explicitly
// unregistered.
package scheduler

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/openidsync/openidsync/pkg/engine"
)

// CronScheduler schedules task triggers from standard 5-field cron
// expressions. It implements engine.Scheduler.
type CronScheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu        sync.Mutex
	entries   map[string]cron.EntryID
	callbacks map[string]func()
}

// NewCronScheduler creates a scheduler. Call Start before registering
// time-driven jobs is not required; registered jobs fire once Start runs.
func NewCronScheduler(logger zerolog.Logger) *CronScheduler {
	return &CronScheduler{
		cron:      cron.New(),
		log:       logger.With().Str("component", "scheduler").Logger(),
		entries:   make(map[string]cron.EntryID),
		callbacks: make(map[string]func()),
	}
}

// Start begins firing scheduled jobs.
func (s *CronScheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops firing jobs and waits for running callbacks to return.
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// RegisterJob schedules the callback under the task id. Registering an
// already scheduled task replaces its schedule.
func (s *CronScheduler) RegisterJob(taskID, cronExpr string, callback func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[taskID]; ok {
		s.cron.Remove(old)
		delete(s.entries, taskID)
		delete(s.callbacks, taskID)
	}

	entryID, err := s.cron.AddFunc(cronExpr, callback)
	if err != nil {
		return engine.NewPermanentError(
			fmt.Sprintf("invalid cron expression %q", cronExpr), err).
			WithCode(engine.ErrCodeScheduling)
	}

	s.entries[taskID] = entryID
	s.callbacks[taskID] = callback
	s.log.Debug().Str("task", taskID).Str("cron", cronExpr).Msg("Job registered")
	return nil
}

// UnregisterJob removes the task's schedule. Unknown tasks are a no-op so
// on-demand tasks can be deleted through the same path.
func (s *CronScheduler) UnregisterJob(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[taskID]
	if !ok {
		return nil
	}
	s.cron.Remove(entryID)
	delete(s.entries, taskID)
	delete(s.callbacks, taskID)
	s.log.Debug().Str("task", taskID).Msg("Job unregistered")
	return nil
}

// TriggerNow runs the task's registered callback immediately, outside its
// schedule.
func (s *CronScheduler) TriggerNow(taskID string) error {
	s.mu.Lock()
	callback, ok := s.callbacks[taskID]
	s.mu.Unlock()

	if !ok {
		return engine.NewPermanentError(
			fmt.Sprintf("no scheduled job for task %s", taskID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	callback()
	return nil
}

// Jobs returns the ids of all scheduled tasks.
func (s *CronScheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}
