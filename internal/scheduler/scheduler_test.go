package scheduler

import (
	"errors"
	"testing"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("expected no error adding job, got %v", err)
	}
}

func TestSchedulerRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("expected an error for an invalid cron expression")
	}
}

func TestAddReloadJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddReloadJob("*/5 * * * *", func() error { return nil }); err != nil {
		t.Errorf("expected no error adding reload job, got %v", err)
	}
	if err := s.AddReloadJob("*/5 * * * *", func() error { return errors.New("store down") }); err != nil {
		t.Errorf("a failing reload func must not fail scheduling, got %v", err)
	}
}
