// Package scheduler provides cron-based background jobs for CallFlow.
//
// Its main use is the periodic definitions reload: the registry snapshot is
// immutable between reloads, so a schedule keeps long-running instances in
// step with definition changes written to the durable store.
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddReloadJob schedules a definitions reload. Reload failures keep the
// previous snapshot live, so they are logged and retried on the next tick.
func (s *Scheduler) AddReloadJob(expr string, reload func() error) error {
	return s.AddJob(expr, func() {
		if err := reload(); err != nil {
			slog.Warn("Scheduler: scheduled definitions reload failed", "error", err)
			return
		}
		slog.Debug("Scheduler: definitions reloaded on schedule")
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
