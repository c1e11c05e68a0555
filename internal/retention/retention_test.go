package retention

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"mailq/internal/storage"
	logx "mailq/pkg/logx"
)

type countingCleaner struct {
	calls  atomic.Int32
	maxAge atomic.Int64
}

func (c *countingCleaner) CleanOldJobs(maxAge time.Duration) int {
	c.calls.Add(1)
	c.maxAge.Store(int64(maxAge))
	return 2
}

type pruneFunc func(ctx context.Context, before time.Time) (int, error)

func (f pruneFunc) PruneSends(ctx context.Context, before time.Time) (int, error) {
	return f(ctx, before)
}

func TestRunOnceSweepsJobsAndHistory(t *testing.T) {
	jobs := &countingCleaner{}
	var cutoff time.Time
	history := pruneFunc(func(_ context.Context, before time.Time) (int, error) {
		cutoff = before
		return 5, nil
	})
	s := New(Config{MaxAge: time.Hour, HistoryMaxAge: 48 * time.Hour}, jobs, history, logx.Nop())

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if jobs.calls.Load() != 1 || time.Duration(jobs.maxAge.Load()) != time.Hour {
		t.Fatalf("cleaner not called with max age")
	}
	if d := time.Since(cutoff); d < 48*time.Hour || d > 49*time.Hour {
		t.Fatalf("unexpected cutoff %s ago", d)
	}
	rep := s.Last()
	if rep.JobsRemoved != 2 || rep.HistoryPruned != 5 || rep.Err != "" {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestRunOnceToleratesMissingStore(t *testing.T) {
	s := New(Config{MaxAge: time.Minute, HistoryMaxAge: time.Hour}, &countingCleaner{}, nil, logx.Nop())
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	disabled := pruneFunc(func(context.Context, time.Time) (int, error) { return 0, storage.ErrDisabled })
	s = New(Config{MaxAge: time.Minute, HistoryMaxAge: time.Hour}, &countingCleaner{}, disabled, logx.Nop())
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("disabled store should not fail the sweep: %v", err)
	}
}

func TestRunOnceReportsPruneFailure(t *testing.T) {
	boom := errors.New("disk gone")
	broken := pruneFunc(func(context.Context, time.Time) (int, error) { return 0, boom })
	jobs := &countingCleaner{}
	s := New(Config{MaxAge: time.Minute, HistoryMaxAge: time.Hour}, jobs, broken, logx.Nop())
	if err := s.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected prune error, got %v", err)
	}
	if jobs.calls.Load() != 1 {
		t.Fatalf("job sweep should still run")
	}
	if s.Last().Err != "disk gone" {
		t.Fatalf("report missing error: %+v", s.Last())
	}
}

func TestScheduleTriggersAndApplyRestarts(t *testing.T) {
	jobs := &countingCleaner{}
	s := New(Config{Enabled: true, Schedule: "@every 1s", MaxAge: time.Minute}, jobs, nil, logx.Nop())
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for jobs.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sweep never triggered")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := s.Apply(ctx, Config{Enabled: true, Schedule: "not a schedule"}); err == nil {
		t.Fatalf("expected schedule error")
	}
	if err := s.Apply(ctx, Config{Enabled: false}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	n := jobs.calls.Load()
	time.Sleep(1500 * time.Millisecond)
	if jobs.calls.Load() != n {
		t.Fatalf("disabled sweeper kept running")
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	s := New(Config{Enabled: false, Schedule: "garbage"}, &countingCleaner{}, nil, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("disabled start should not parse schedule: %v", err)
	}
	s.Stop(context.Background())
}
