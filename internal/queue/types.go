package queue

import (
	"context"
	"time"
)

// State is a job's lifecycle state.
//
// waiting -> active -> completed | failed | canceled
// waiting -> canceled (cancel before dispatch, or shutdown)
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Config controls one queue.
type Config struct {
	// Concurrency bounds the number of simultaneously active jobs.
	// RegisterProcessor overrides it.
	Concurrency int

	// DrainTimeout bounds how long Shutdown waits for active jobs.
	DrainTimeout time.Duration

	// JobTimeout, when > 0, is applied to the context of each processor attempt.
	// Processors that ignore ctx are not preempted.
	JobTimeout time.Duration

	// IDPrefix is the type marker in job ids ("<prefix>-<seq>"). Defaults to the queue name.
	IDPrefix string
}

// AddOptions are chosen by the caller of Add.
type AddOptions struct {
	Name string

	// Attempts is the total number of processor runs before the job fails.
	// 0 or 1 means no retry.
	Attempts int

	// Backoff is the base retry delay; it doubles per retry (with jitter) up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func (o AddOptions) withDefaults() AddOptions {
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 15 * time.Second
	}
	return o
}

// Job is a snapshot of one row in a queue's job table.
type Job struct {
	ID       string `json:"id"`
	Queue    string `json:"queue"`
	Name     string `json:"name,omitempty"`
	Payload  any    `json:"payload"`
	State    State  `json:"state"`
	Progress int    `json:"progress"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	Canceled bool   `json:"canceled"`
	Attempts int    `json:"attempts"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Processor performs one job. It may report progress and interim results
// through h and must consult h.Canceled (or h.CancelRequested) at its own
// checkpoints; the queue never interrupts a running processor.
//
// Returning an error that wraps ErrCanceled ends the job canceled; result,
// if non-nil, is kept as the job's partial result.
type Processor func(ctx context.Context, h *Handle) (result any, err error)

// Stats is a point-in-time view for diagnostics.
type Stats struct {
	Queue        string        `json:"queue"`
	Concurrency  int           `json:"concurrency"`
	Workers      int           `json:"workers"`
	Active       int           `json:"active"`
	ShuttingDown bool          `json:"shutting_down"`
	Counts       map[State]int `json:"counts"`
	Total        int           `json:"total"`
}
