package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotInQueue is returned when a change is not in a dead letter queue.
var ErrNotInQueue = errors.New("pipeline: change not in dead letter queue")

// FailedChange is a dead-lettered change with its failure history.
type FailedChange struct {
	Change       Change    `json:"change"`
	Error        string    `json:"error,omitempty"`
	Attempts     int       `json:"attempts"`
	FirstFailure time.Time `json:"first_failure"`
	LastFailure  time.Time `json:"last_failure"`
}

// DeadLetterQueue stores changes that could not be applied.
type DeadLetterQueue interface {
	// Send adds or updates a failed change, keyed by change ID.
	Send(ctx context.Context, failed FailedChange) error
	// Receive returns up to limit entries in arrival order without
	// removing them. A limit of 0 returns all.
	Receive(ctx context.Context, limit int) ([]FailedChange, error)
	// Remove deletes the entry for change ID.
	Remove(ctx context.Context, id string) error
	// Count returns the number of entries.
	Count(ctx context.Context) (int, error)
}

// InMemoryDLQ is a process-local DeadLetterQueue.
type InMemoryDLQ struct {
	mu      sync.Mutex
	entries []FailedChange
	maxSize int
}

// NewInMemoryDLQ creates a queue holding at most maxSize entries, dropping
// the oldest when full. A maxSize of 0 is unbounded.
func NewInMemoryDLQ(maxSize int) *InMemoryDLQ {
	return &InMemoryDLQ{maxSize: maxSize}
}

// Send implements DeadLetterQueue. Sending a change already queued
// updates its attempts and last failure.
func (q *InMemoryDLQ) Send(_ context.Context, failed FailedChange) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.entries {
		if q.entries[i].Change.ID == failed.Change.ID {
			e := &q.entries[i]
			e.Attempts += failed.Attempts
			e.Error = failed.Error
			e.LastFailure = failed.LastFailure
			e.Change = failed.Change
			return nil
		}
	}
	if q.maxSize > 0 && len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, failed)
	return nil
}

// Receive implements DeadLetterQueue.
func (q *InMemoryDLQ) Receive(_ context.Context, limit int) ([]FailedChange, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.entries) {
		limit = len(q.entries)
	}
	return append([]FailedChange(nil), q.entries[:limit]...), nil
}

// Remove implements DeadLetterQueue.
func (q *InMemoryDLQ) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.Change.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return ErrNotInQueue
}

// Count implements DeadLetterQueue.
func (q *InMemoryDLQ) Count(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// DLQApplier sends failed changes to a DeadLetterQueue and reports them
// as synced so the source stops delivering them. Changes the queue
// rejects stay failed.
type DLQApplier struct {
	next Applier
	dlq  DeadLetterQueue
	now  func() time.Time
}

// NewDLQApplier wraps next. Panics if next or dlq is nil.
func NewDLQApplier(next Applier, dlq DeadLetterQueue) *DLQApplier {
	if next == nil {
		panic("pipeline: applier cannot be nil")
	}
	if dlq == nil {
		panic("pipeline: dlq cannot be nil")
	}
	return &DLQApplier{next: next, dlq: dlq, now: time.Now}
}

// Apply implements Applier.
func (d *DLQApplier) Apply(ctx context.Context, changes []Change) ([]Change, []Change, error) {
	synced, failed, err := d.next.Apply(ctx, changes)
	if len(failed) == 0 {
		return synced, nil, err
	}

	now := d.now()
	var rejected []Change
	for _, c := range failed {
		entry := FailedChange{
			Change:       c,
			Attempts:     c.Attempts + 1,
			FirstFailure: now,
			LastFailure:  now,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		if sendErr := d.dlq.Send(ctx, entry); sendErr != nil {
			rejected = append(rejected, c)
			continue
		}
		synced = append(synced, c)
	}
	return synced, rejected, err
}

// DLQ returns the underlying queue.
func (d *DLQApplier) DLQ() DeadLetterQueue { return d.dlq }

// Replay reapplies up to limit dead-lettered changes and removes those
// that succeed. It returns how many were applied.
func Replay(ctx context.Context, dlq DeadLetterQueue, applier Applier, limit int) (int, error) {
	entries, err := dlq.Receive(ctx, limit)
	if err != nil || len(entries) == 0 {
		return 0, err
	}
	changes := make([]Change, len(entries))
	for i, e := range entries {
		changes[i] = e.Change
		changes[i].Attempts = e.Attempts
	}

	synced, _, err := applier.Apply(ctx, changes)
	for _, c := range synced {
		if rmErr := dlq.Remove(ctx, c.ID); rmErr != nil && !errors.Is(rmErr, ErrNotInQueue) {
			return 0, rmErr
		}
	}
	return len(synced), err
}
