package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Stage names, also used as the prefix of failure messages.
const (
	StageAttributes   = "attributes"
	StageSynthesis    = "synthesis"
	StageUpload       = "upload"
	StageMetadata     = "metadata"
	StageRegistration = "registration"
)

// StageError attributes a failure to one stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ErrInterrupted marks a run cut short by its own invocation (shutdown,
// cancelled request). The task record is left as it was and the queue entry
// is picked up again by the next run.
var ErrInterrupted = errors.New("run interrupted")

// IsInterrupted reports whether err came from a cancelled invocation.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}

// TransientError marks a failure that may succeed on a later invocation
// (provider rate limits, network hiccups). The task is left running and the
// queue entry is retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. Transient(nil) is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried rather than failing the task.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "too many requests", "temporarily unavailable"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// StoreError is a Task Store failure during a run. It is never attributed to
// a stage and never marks the task failed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("task store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
