package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"mailq/internal/eventbus"
	logx "mailq/pkg/logx"
)

const defaultDrainTimeout = 10 * time.Second

// Queue owns an ordered job table for one workload kind and runs a
// registered processor over it with bounded concurrency.
//
// All table mutation happens under mu. Waiters (workers, Shutdown, fan-in
// callers) block on the changed channel, which is closed and replaced on
// every table change.
type Queue struct {
	name string
	log  logx.Logger
	bus  eventbus.Bus

	// ctx is handed to processors. It is canceled only when Shutdown gives up
	// on draining, so abandoned jobs can release their resources.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cfg      Config
	proc     Processor
	entries  map[string]*entry
	order    []*entry
	active   int
	workers  int
	shutdown bool
	seq      uint64
	changed  chan struct{}

	wg sync.WaitGroup
}

type entry struct {
	job  Job
	opt  AddOptions
	stop chan struct{} // cancellation token; closed once when job.Canceled is raised
}

func New(name string, cfg Config, log logx.Logger, bus eventbus.Bus) *Queue {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "default"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if strings.TrimSpace(cfg.IDPrefix) == "" {
		cfg.IDPrefix = name
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:    name,
		log:     log,
		bus:     bus,
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		entries: make(map[string]*entry),
		changed: make(chan struct{}),
	}
}

func (q *Queue) Name() string { return q.name }

// IDPrefix returns the type marker used in this queue's job ids.
func (q *Queue) IDPrefix() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg.IDPrefix
}

// Owns reports whether id carries this queue's type marker.
func (q *Queue) Owns(id string) bool {
	return strings.HasPrefix(id, q.IDPrefix()+"-")
}

// RegisterProcessor sets the unit-of-work function and its concurrency
// ceiling. Calling it again swaps the function and resizes the worker pool.
func (q *Queue) RegisterProcessor(concurrency int, fn Processor) {
	if fn == nil {
		panic("queue: nil processor")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.proc = fn
	prev := q.cfg.Concurrency
	q.cfg.Concurrency = concurrency
	if q.shutdown {
		return
	}
	for q.workers < concurrency {
		q.workers++
		q.wg.Add(1)
		go q.worker(q.workers)
	}
	// Excess workers notice the lower ceiling on their next claim and exit.
	q.notifyLocked()
	if prev != concurrency {
		q.log.Info("queue concurrency set", logx.String("queue", q.name), logx.Int("concurrency", concurrency), logx.Int("prev", prev))
	}
}

// SetDrainTimeout changes the Shutdown drain ceiling.
func (q *Queue) SetDrainTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	q.mu.Lock()
	q.cfg.DrainTimeout = d
	q.mu.Unlock()
}

// Add appends a waiting job and wakes the worker pool. It never blocks on
// processing.
func (q *Queue) Add(payload any, opt AddOptions) (Job, error) {
	opt = opt.withDefaults()
	now := time.Now()

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return Job{}, ErrShuttingDown
	}
	q.seq++
	e := &entry{
		job: Job{
			ID:        fmt.Sprintf("%s-%d", q.cfg.IDPrefix, q.seq),
			Queue:     q.name,
			Name:      strings.TrimSpace(opt.Name),
			Payload:   payload,
			State:     StateWaiting,
			CreatedAt: now,
		},
		opt:  opt,
		stop: make(chan struct{}),
	}
	q.entries[e.job.ID] = e
	q.order = append(q.order, e)
	q.publishLocked(eventbus.JobAdded, e)
	q.notifyLocked()
	j := e.job
	q.mu.Unlock()

	q.log.Debug("job added", logx.String("queue", q.name), logx.String("job", j.ID), logx.String("name", j.Name))
	return j, nil
}

// Get returns a snapshot of the job. ok is false when no such row exists.
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// List returns snapshots of every row in arrival order.
func (q *Queue) List() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.order))
	for _, e := range q.order {
		out = append(out, e.job)
	}
	return out
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{
		Queue:        q.name,
		Concurrency:  q.cfg.Concurrency,
		Workers:      q.workers,
		Active:       q.active,
		ShuttingDown: q.shutdown,
		Counts:       make(map[State]int, 5),
		Total:        len(q.order),
	}
	for _, e := range q.order {
		st.Counts[e.job.State]++
	}
	return st
}

// Changed returns a channel that is closed on the next table change.
func (q *Queue) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

// Cancel cancels a job.
//
//   - waiting: the row is removed; nothing had started. Returns true.
//   - active: the cancellation flag is raised; the processor decides at its
//     next checkpoint. Returns true.
//   - terminal: the row is removed without any semantic cancellation and a
//     *TerminalError is returned.
func (q *Queue) Cancel(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return false, ErrJobNotFound
	}
	switch e.job.State {
	case StateWaiting:
		now := time.Now()
		q.raiseLocked(e)
		e.job.State = StateCanceled
		e.job.FinishedAt = &now
		q.removeLocked(id)
		q.publishLocked(eventbus.JobCanceled, e)
		q.notifyLocked()
		q.log.Debug("waiting job canceled", logx.String("queue", q.name), logx.String("job", id))
		return true, nil
	case StateActive:
		if q.raiseLocked(e) {
			q.publishLocked(eventbus.JobCancelRequested, e)
			q.notifyLocked()
			q.log.Info("cancellation requested for active job", logx.String("queue", q.name), logx.String("job", id))
		}
		return true, nil
	default:
		state := e.job.State
		q.removeLocked(id)
		q.publishLocked(eventbus.JobRemoved, e)
		q.notifyLocked()
		return false, &TerminalError{ID: id, State: state}
	}
}

// Remove deletes a row regardless of state. An active job keeps running but
// its outcome is discarded.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return false
	}
	q.removeLocked(id)
	q.publishLocked(eventbus.JobRemoved, e)
	q.notifyLocked()
	return true
}

// Clean removes rows in the given states (every state when none are given)
// whose FinishedAt, or CreatedAt if never finished, is older than now-maxAge.
func (q *Queue) Clean(maxAge time.Duration, states ...State) int {
	if maxAge < 0 {
		maxAge = 0
	}
	match := make(map[State]bool, len(states))
	for _, s := range states {
		match[s] = true
	}
	cutoff := time.Now().Add(-maxAge)

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.order[:0]
	removed := 0
	for _, e := range q.order {
		ref := e.job.CreatedAt
		if e.job.FinishedAt != nil {
			ref = *e.job.FinishedAt
		}
		if (len(match) == 0 || match[e.job.State]) && ref.Before(cutoff) {
			delete(q.entries, e.job.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.order); i++ {
		q.order[i] = nil
	}
	q.order = kept

	if removed > 0 {
		q.notifyLocked()
		if q.bus != nil {
			q.bus.Publish(eventbus.Event{Type: eventbus.QueueCleaned, Data: eventbus.QueueEvent{Queue: q.name, Active: q.active, Removed: removed}})
		}
		q.log.Debug("queue cleaned", logx.String("queue", q.name), logx.Int("removed", removed), logx.Duration("max_age", maxAge))
	}
	return removed
}

// Shutdown stops accepting jobs, cancels waiting jobs, raises the
// cancellation flag on active jobs, and waits until the active set drains or
// the drain timeout elapses. The wait is best-effort: a timeout is logged and
// Shutdown returns nil. Only ctx ending early yields an error.
func (q *Queue) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	q.mu.Lock()
	already := q.shutdown
	q.shutdown = true
	timeout := q.cfg.DrainTimeout
	if !already {
		waiting, active := 0, 0
		for _, e := range q.order {
			switch e.job.State {
			case StateWaiting:
				q.raiseLocked(e)
				e.job.State = StateCanceled
				e.job.FinishedAt = &start
				q.publishLocked(eventbus.JobCanceled, e)
				waiting++
			case StateActive:
				if q.raiseLocked(e) {
					q.publishLocked(eventbus.JobCancelRequested, e)
				}
				active++
			}
		}
		q.notifyLocked()
		q.log.Info("queue shutting down", logx.String("queue", q.name), logx.Int("waiting_canceled", waiting), logx.Int("active", active), logx.Duration("drain_timeout", timeout))
	}
	q.mu.Unlock()

	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	for {
		q.mu.Lock()
		n := q.active
		ch := q.changed
		q.mu.Unlock()

		if n == 0 {
			q.publishDrained(0, time.Since(start), false)
			q.log.Info("queue drained", logx.String("queue", q.name), logx.Duration("took", time.Since(start)))
			return nil
		}
		select {
		case <-ch:
		case <-tmr.C:
			q.cancel()
			q.publishDrained(n, time.Since(start), true)
			q.log.Warn("queue drain timed out; abandoning active jobs", logx.String("queue", q.name), logx.Int("active", n), logx.Duration("timeout", timeout))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Wait blocks until every worker goroutine has exited (after Shutdown) or ctx ends.
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) publishDrained(active int, took time.Duration, timedOut bool) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: eventbus.QueueDrained, Data: eventbus.QueueEvent{Queue: q.name, Active: active, Duration: took, TimedOut: timedOut}})
}

// raiseLocked sets the cancellation flag and closes the token once.
// It reports whether the flag was newly raised.
func (q *Queue) raiseLocked(e *entry) bool {
	if e.job.Canceled {
		return false
	}
	e.job.Canceled = true
	close(e.stop)
	return true
}

func (q *Queue) removeLocked(id string) {
	delete(q.entries, id)
	for i, e := range q.order {
		if e.job.ID == id {
			copy(q.order[i:], q.order[i+1:])
			q.order[len(q.order)-1] = nil
			q.order = q.order[:len(q.order)-1]
			return
		}
	}
}

func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) publishLocked(typ string, e *entry) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Data: q.eventFor(e)})
}

func (q *Queue) eventFor(e *entry) eventbus.JobEvent {
	ev := eventbus.JobEvent{
		Queue:    q.name,
		ID:       e.job.ID,
		Name:     e.job.Name,
		State:    string(e.job.State),
		Progress: e.job.Progress,
		Attempts: e.job.Attempts,
		Error:    e.job.Error,
	}
	if e.job.State.Terminal() {
		ev.Result = e.job.Result
		if e.job.StartedAt != nil && e.job.FinishedAt != nil {
			ev.Duration = e.job.FinishedAt.Sub(*e.job.StartedAt)
		}
	}
	return ev
}
