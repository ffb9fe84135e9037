package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrCoordinatorRunning is returned by RunOnce while Start is active.
	ErrCoordinatorRunning = errors.New("pipeline: coordinator is running")

	// ErrSourceClosed is returned by a streaming coordinator whose source
	// closed its channel.
	ErrSourceClosed = errors.New("pipeline: source closed")
)

// ApplyError reports a change that failed to apply.
type ApplyError struct {
	Change Change
	Err    error
}

func (e *ApplyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pipeline: change %s (%s %s) failed", e.Change.ID, e.Change.Operation, e.Change.Entity)
	}
	return fmt.Sprintf("pipeline: change %s (%s %s) failed: %v", e.Change.ID, e.Change.Operation, e.Change.Entity, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// FetchError wraps a source fetch failure.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("pipeline: fetch changes: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// MarkError wraps a failure to mark changes as synced.
type MarkError struct {
	Count int
	Err   error
}

func (e *MarkError) Error() string {
	return fmt.Sprintf("pipeline: mark %d changes as synced: %v", e.Count, e.Err)
}

func (e *MarkError) Unwrap() error { return e.Err }

// PartialFailureError reports changes left failed by a batch.
type PartialFailureError struct {
	Synced int
	Failed []Change
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("pipeline: %d of %d changes failed", len(e.Failed), len(e.Failed)+e.Synced)
}
