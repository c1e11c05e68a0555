package eventbus

import "time"

// Job lifecycle event types published by queue.Queue.
const (
	JobAdded           = "job.added"
	JobProcessing      = "job.processing"
	JobProgress        = "job.progress"
	JobCompleted       = "job.completed"
	JobFailed          = "job.failed"
	JobCanceled        = "job.canceled"
	JobCancelRequested = "job.cancel_requested"
	JobRemoved         = "job.removed"
	JobRetrying        = "job.retrying"

	QueueDrained = "queue.drained"
	QueueCleaned = "queue.cleaned"
)

// JobEvent is the Data payload of every job.* event.
type JobEvent struct {
	Queue    string        `json:"queue"`
	ID       string        `json:"id"`
	Name     string        `json:"name,omitempty"`
	State    string        `json:"state"`
	Progress int           `json:"progress"`
	Attempts int           `json:"attempts,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	Result   any           `json:"result,omitempty"`
}

// QueueEvent is the Data payload of queue.* events.
type QueueEvent struct {
	Queue    string        `json:"queue"`
	Active   int           `json:"active"`
	Removed  int           `json:"removed,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	TimedOut bool          `json:"timed_out,omitempty"`
}
