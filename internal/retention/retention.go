// Package retention periodically sweeps finished jobs from the in-memory
// queues and prunes old send-history records.
package retention

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mailq/internal/storage"
	logx "mailq/pkg/logx"
)

// Cleaner removes terminal jobs older than maxAge and returns how many rows went.
type Cleaner interface {
	CleanOldJobs(maxAge time.Duration) int
}

// Pruner drops history records older than a cutoff.
type Pruner interface {
	PruneSends(ctx context.Context, before time.Time) (int, error)
}

type Config struct {
	Enabled       bool
	Schedule      string
	Location      *time.Location
	MaxAge        time.Duration
	HistoryMaxAge time.Duration
}

// Report is the outcome of one sweep.
type Report struct {
	At            time.Time     `json:"at"`
	JobsRemoved   int           `json:"jobs_removed"`
	HistoryPruned int           `json:"history_pruned"`
	Took          time.Duration `json:"took"`
	Err           string        `json:"err,omitempty"`
}

type Sweeper struct {
	jobs    Cleaner
	history Pruner
	log     logx.Logger

	mu   sync.Mutex
	cfg  Config
	c    *cron.Cron
	last Report

	runMu sync.Mutex
}

// New builds a sweeper. history may be nil when no store is configured.
func New(cfg Config, jobs Cleaner, history Pruner, log logx.Logger) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{jobs: jobs, history: history, log: log, cfg: cfg}
}

// Start registers the sweep with cron. It is a no-op when disabled or
// already started.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Sweeper) startLocked(ctx context.Context) error {
	loc := s.cfg.Location
	if loc == nil {
		loc = time.Local
	}
	spec := strings.TrimSpace(s.cfg.Schedule)
	c := cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { _ = s.RunOnce(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("retention sweeper started",
		logx.String("schedule", spec),
		logx.String("tz", loc.String()),
		logx.Duration("max_age", s.cfg.MaxAge),
		logx.Duration("history_max_age", s.cfg.HistoryMaxAge),
	)
	return nil
}

// Stop halts triggering and waits for a running sweep, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Debug("retention sweeper stopped")
}

// Apply swaps the config. A running sweeper is restarted when the schedule,
// timezone or enabled flag changed.
func (s *Sweeper) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.c == nil {
		if cfg.Enabled && old.Enabled != cfg.Enabled {
			return s.startLocked(ctx)
		}
		return nil
	}
	if old.Enabled == cfg.Enabled && old.Schedule == cfg.Schedule && sameLocation(old.Location, cfg.Location) {
		return nil
	}
	s.c.Stop()
	s.c = nil
	if !cfg.Enabled {
		s.log.Info("retention sweeper disabled")
		return nil
	}
	return s.startLocked(ctx)
}

func sameLocation(a, b *time.Location) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

// RunOnce performs one sweep now. Concurrent calls are serialized.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := time.Now()
	rep := Report{At: start}
	if s.jobs != nil && cfg.MaxAge > 0 {
		rep.JobsRemoved = s.jobs.CleanOldJobs(cfg.MaxAge)
	}

	var err error
	if s.history != nil && cfg.HistoryMaxAge > 0 {
		n, perr := s.history.PruneSends(ctx, start.Add(-cfg.HistoryMaxAge))
		switch {
		case errors.Is(perr, storage.ErrDisabled):
		case perr != nil:
			err = perr
			rep.Err = perr.Error()
		default:
			rep.HistoryPruned = n
		}
	}
	rep.Took = time.Since(start)

	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()

	fields := []logx.Field{
		logx.Int("jobs_removed", rep.JobsRemoved),
		logx.Int("history_pruned", rep.HistoryPruned),
		logx.Duration("took", rep.Took),
	}
	if err != nil {
		s.log.Warn("retention sweep failed", append(fields, logx.Err(err))...)
	} else if rep.JobsRemoved > 0 || rep.HistoryPruned > 0 {
		s.log.Info("retention sweep", fields...)
	} else {
		s.log.Debug("retention sweep", fields...)
	}
	return err
}

// Last returns the most recent sweep report.
func (s *Sweeper) Last() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
