package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddRejectsInvalidSpec(t *testing.T) {
	s := NewSweeper(nil, 0)
	if err := s.Add("bad", "not a cron", func(context.Context, time.Time) {}); err == nil {
		t.Fatalf("expected invalid spec error")
	}
}

func TestRunNowInvokesJob(t *testing.T) {
	s := NewSweeper(nil, time.Second)
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	var calls int32
	var seen time.Time
	err := s.Add("metric-retention", "@every 1h", func(ctx context.Context, now time.Time) {
		if _, ok := ctx.Deadline(); !ok {
			t.Errorf("expected job deadline")
		}
		seen = now
		atomic.AddInt32(&calls, 1)
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if !s.RunNow("metric-retention") {
		t.Fatalf("expected job to run")
	}
	if atomic.LoadInt32(&calls) != 1 || !seen.Equal(fixed) {
		t.Fatalf("unexpected job invocation calls=%d now=%v", calls, seen)
	}
	if s.RunNow("missing") {
		t.Fatalf("unknown job must not run")
	}
}

func TestReplaceAndRemove(t *testing.T) {
	s := NewSweeper(nil, 0)
	noop := func(context.Context, time.Time) {}
	if err := s.Add("prune", "@every 1m", noop); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add("prune", "@every 5m", noop); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(s.Jobs()) != 1 {
		t.Fatalf("expected replacement, got %+v", s.Jobs())
	}
	s.Remove("prune")
	if len(s.Jobs()) != 0 {
		t.Fatalf("expected job removed")
	}
}

func TestScheduledJobRuns(t *testing.T) {
	s := NewSweeper(nil, time.Second)
	fired := make(chan struct{}, 1)
	if err := s.Add("tick", "* * * * * *", func(context.Context, time.Time) {
		select {
		case fired <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start()
	defer s.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected job to fire within 3s")
	}
}
