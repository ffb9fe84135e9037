package pipeline

import (
	"context"
	"sync"
)

// BatchSource is a polled source of changes, such as an outbox table.
type BatchSource interface {
	// FetchChanges returns the next batch of pending changes, or an empty
	// slice when none are pending.
	FetchChanges(ctx context.Context) ([]Change, error)

	// MarkAsSynced records that changes were applied so they are not
	// fetched again.
	MarkAsSynced(ctx context.Context, changes []Change) error
}

// LimitedSource is a BatchSource that can fetch at most limit changes.
type LimitedSource interface {
	BatchSource
	FetchLimit(ctx context.Context, limit int) ([]Change, error)
}

// StreamSource is a pushed source of changes, such as a message stream.
type StreamSource interface {
	// Changes emits changes as they arrive. It is closed when the source
	// stops.
	Changes() <-chan Change

	// Ack acknowledges an applied change.
	Ack(ctx context.Context, change Change) error

	// Nack reports a change that could not be applied. The source decides
	// whether it is redelivered.
	Nack(ctx context.Context, change Change, err error) error

	// Close stops the source and closes the Changes channel.
	Close() error
}

// BatchSourceFunc adapts a pair of functions to BatchSource.
type BatchSourceFunc struct {
	FetchFunc func(ctx context.Context) ([]Change, error)
	MarkFunc  func(ctx context.Context, changes []Change) error
}

// FetchChanges implements BatchSource.
func (f BatchSourceFunc) FetchChanges(ctx context.Context) ([]Change, error) {
	return f.FetchFunc(ctx)
}

// MarkAsSynced implements BatchSource.
func (f BatchSourceFunc) MarkAsSynced(ctx context.Context, changes []Change) error {
	if f.MarkFunc == nil {
		return nil
	}
	return f.MarkFunc(ctx, changes)
}

// MemorySource is an in-process queue usable as either kind of source.
// Nacked changes are requeued.
type MemorySource struct {
	mu      sync.Mutex
	pending []Change
	synced  []Change
	batch   int

	ch     chan Change
	stop   chan struct{}
	sendMu sync.Mutex
	once   sync.Once
	closed bool
}

// NewMemorySource creates a queue fetching up to batch changes per poll.
// A batch of 0 fetches everything pending.
func NewMemorySource(batch int) *MemorySource {
	return &MemorySource{batch: batch}
}

// NewMemoryStream creates a queue that also emits pushed changes on
// Changes through a channel of the given buffer size.
func NewMemoryStream(buffer int) *MemorySource {
	return &MemorySource{ch: make(chan Change, buffer), stop: make(chan struct{})}
}

// Push enqueues changes. A stream emits them on Changes as well,
// blocking while the channel is full or until the stream is closed.
func (m *MemorySource) Push(changes ...Change) {
	if m.ch == nil {
		m.mu.Lock()
		m.pending = append(m.pending, changes...)
		m.mu.Unlock()
		return
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	m.mu.Lock()
	m.pending = append(m.pending, changes...)
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	for _, c := range changes {
		select {
		case m.ch <- c:
		case <-m.stop:
			return
		}
	}
}

// FetchChanges implements BatchSource.
func (m *MemorySource) FetchChanges(ctx context.Context) ([]Change, error) {
	return m.FetchLimit(ctx, m.batch)
}

// FetchLimit implements LimitedSource. A limit of 0 fetches everything.
func (m *MemorySource) FetchLimit(_ context.Context, limit int) ([]Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.pending)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]Change, n)
	copy(out, m.pending[:n])
	return out, nil
}

// MarkAsSynced implements BatchSource.
func (m *MemorySource) MarkAsSynced(_ context.Context, changes []Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(changes)
	m.synced = append(m.synced, changes...)
	return nil
}

// Changes implements StreamSource.
func (m *MemorySource) Changes() <-chan Change { return m.ch }

// Ack implements StreamSource.
func (m *MemorySource) Ack(ctx context.Context, change Change) error {
	return m.MarkAsSynced(ctx, []Change{change})
}

// Nack implements StreamSource. The change stays pending with its
// attempt count raised.
func (m *MemorySource) Nack(_ context.Context, change Change, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pending {
		if m.pending[i].ID == change.ID {
			m.pending[i].Attempts++
		}
	}
	return nil
}

// Close implements StreamSource.
func (m *MemorySource) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		if m.ch == nil {
			return
		}
		close(m.stop)
		m.sendMu.Lock()
		close(m.ch)
		m.sendMu.Unlock()
	})
	return nil
}

// Pending returns the changes not yet synced.
func (m *MemorySource) Pending() []Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Change(nil), m.pending...)
}

// Synced returns the changes marked as synced, in order.
func (m *MemorySource) Synced() []Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Change(nil), m.synced...)
}

func (m *MemorySource) remove(changes []Change) {
	done := make(map[string]bool, len(changes))
	for _, c := range changes {
		done[c.ID] = true
	}
	kept := m.pending[:0]
	for _, c := range m.pending {
		if !done[c.ID] {
			kept = append(kept, c)
		}
	}
	m.pending = kept
}
