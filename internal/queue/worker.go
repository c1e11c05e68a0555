package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"mailq/internal/eventbus"
	logx "mailq/pkg/logx"
)

func (q *Queue) worker(idx int) {
	defer q.wg.Done()
	// Per-worker RNG: avoids global lock contention when many jobs retry concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		e, proc, ok := q.claim()
		if !ok {
			return
		}
		q.exec(e, proc, rng)
	}
}

// claim blocks until a waiting job can be made active. It returns ok=false
// when the worker should exit (shutdown, or the pool shrank).
func (q *Queue) claim() (*entry, Processor, bool) {
	for {
		q.mu.Lock()
		if q.shutdown || q.workers > q.cfg.Concurrency {
			q.workers--
			q.mu.Unlock()
			return nil, nil, false
		}
		if q.proc != nil && q.active < q.cfg.Concurrency {
			// Full rescan in arrival order: approximately FIFO.
			for _, e := range q.order {
				if e.job.State != StateWaiting || e.job.Canceled {
					continue
				}
				now := time.Now()
				e.job.State = StateActive
				e.job.StartedAt = &now
				q.active++
				q.publishLocked(eventbus.JobProcessing, e)
				q.notifyLocked()
				proc := q.proc
				q.mu.Unlock()
				return e, proc, true
			}
		}
		ch := q.changed
		q.mu.Unlock()
		<-ch
	}
}

func (q *Queue) exec(e *entry, proc Processor, rng *rand.Rand) {
	h := &Handle{q: q, e: e}
	id := h.ID()
	start := time.Now()

	q.mu.Lock()
	timeout := q.cfg.JobTimeout
	q.mu.Unlock()

	q.log.Debug("job processing", logx.String("queue", q.name), logx.String("job", id))

	var (
		result any
		err    error
	)
	maxAttempts := e.opt.Attempts
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		q.mu.Lock()
		e.job.Attempts = attempt
		q.mu.Unlock()

		result, err = q.invoke(h, proc, timeout)
		if err == nil || errors.Is(err, ErrCanceled) || IsNoRetry(err) || attempt >= maxAttempts {
			break
		}
		// The retry boundary is a checkpoint the queue observes itself.
		if h.Canceled() {
			err = fmt.Errorf("%w: %v", ErrCanceled, err)
			break
		}

		delay := backoffDelay(e.opt, attempt, rng)
		q.log.Debug("job retry scheduled", logx.String("queue", q.name), logx.String("job", id), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if q.bus != nil {
			q.mu.Lock()
			ev := q.eventFor(e)
			q.mu.Unlock()
			ev.Error = err.Error()
			q.bus.Publish(eventbus.Event{Type: eventbus.JobRetrying, Data: ev})
		}
		tmr := time.NewTimer(delay)
		select {
		case <-h.CancelRequested():
			tmr.Stop()
			err = fmt.Errorf("%w: %v", ErrCanceled, err)
			break attemptLoop
		case <-q.ctx.Done():
			tmr.Stop()
			err = q.ctx.Err()
			break attemptLoop
		case <-tmr.C:
		}
	}

	q.finish(e, result, err, time.Since(start))
}

// invoke runs one processor attempt, converting panics into errors so one bad
// job can't kill a worker.
func (q *Queue) invoke(h *Handle, proc Processor, timeout time.Duration) (result any, err error) {
	ctx := q.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("panic: %v", r)
			q.log.Error("job panic", logx.String("queue", q.name), logx.String("job", h.ID()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return proc(ctx, h)
}

func (q *Queue) finish(e *entry, result any, err error, dur time.Duration) {
	now := time.Now()

	q.mu.Lock()
	q.active--
	_, present := q.entries[e.job.ID]
	switch {
	case err == nil:
		e.job.State = StateCompleted
		e.job.Result = result
		e.job.Progress = 100
	case errors.Is(err, ErrCanceled):
		e.job.State = StateCanceled
		if result != nil {
			e.job.Result = result
		}
		e.job.Error = err.Error()
	default:
		e.job.State = StateFailed
		e.job.Error = err.Error()
	}
	e.job.FinishedAt = &now
	state := e.job.State
	attempts := e.job.Attempts
	if present {
		switch state {
		case StateCompleted:
			q.publishLocked(eventbus.JobCompleted, e)
		case StateCanceled:
			q.publishLocked(eventbus.JobCanceled, e)
		default:
			q.publishLocked(eventbus.JobFailed, e)
		}
	}
	q.notifyLocked()
	q.mu.Unlock()

	fields := []logx.Field{
		logx.String("queue", q.name),
		logx.String("job", e.job.ID),
		logx.String("state", string(state)),
		logx.Duration("dur", dur),
		logx.Int("attempts", attempts),
	}
	if !present {
		fields = append(fields, logx.Bool("removed", true))
	}
	switch state {
	case StateFailed:
		q.log.Warn("job failed", append(fields, logx.Err(err))...)
	case StateCanceled:
		q.log.Info("job canceled", fields...)
	default:
		if dur >= 750*time.Millisecond {
			q.log.Info("job completed", fields...)
		} else {
			q.log.Debug("job completed", fields...)
		}
	}
}

func backoffDelay(opt AddOptions, retry int, rng *rand.Rand) time.Duration {
	base := opt.Backoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.MaxBackoff
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	const jitter = 0.2

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if rng != nil {
		r := (rng.Float64()*2 - 1) * jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
