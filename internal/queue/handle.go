package queue

import (
	"mailq/internal/eventbus"
)

// Handle is a processor's view of the job it is running.
type Handle struct {
	q *Queue
	e *entry
}

// Job returns a snapshot of the running job.
func (h *Handle) Job() Job {
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	return h.e.job
}

func (h *Handle) ID() string { return h.e.job.ID }

func (h *Handle) Payload() any { return h.e.job.Payload }

// UpdateProgress records progress (clamped to 0..100). Progress never goes
// backwards.
func (h *Handle) UpdateProgress(p int) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	if h.e.job.State != StateActive || p <= h.e.job.Progress {
		return
	}
	h.e.job.Progress = p
	h.q.publishLocked(eventbus.JobProgress, h.e)
	h.q.notifyLocked()
}

// SetResult publishes an interim result while the job is active. The value
// returned by the processor replaces it on completion.
func (h *Handle) SetResult(v any) {
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	if h.e.job.State != StateActive {
		return
	}
	h.e.job.Result = v
}

// Canceled reports whether cancellation was requested.
func (h *Handle) Canceled() bool {
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	return h.e.job.Canceled
}

// CancelRequested is closed when cancellation is requested. Processors select
// on it at their checkpoints.
func (h *Handle) CancelRequested() <-chan struct{} { return h.e.stop }
