package queue

import (
	"errors"
	"fmt"
)

var (
	ErrShuttingDown = errors.New("queue is shutting down")
	ErrJobNotFound  = errors.New("job not found")
	ErrCanceled     = errors.New("job canceled")
)

// TerminalError is returned by Cancel for a job that already finished.
type TerminalError struct {
	ID    string
	State State
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("cannot cancel: already in %s", e.State)
}

// NoRetry marks an error as non-retryable.
//
// Processors wrap permanent failures (bad input, rejected recipient) so a job
// added with Attempts > 1 fails immediately.
//
//	return nil, queue.NoRetry(fmt.Errorf("bad recipient: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }
