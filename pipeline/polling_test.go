package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erfanmomeniii/entsync/pipeline"
)

type mockBatchSource struct {
	mu         sync.Mutex
	changes    []pipeline.Change
	fetchCalls int
	markCalls  int
	fetchErr   error
	markErr    error
	markedIDs  []string
}

func (m *mockBatchSource) FetchChanges(ctx context.Context) ([]pipeline.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetchCalls++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return append([]pipeline.Change(nil), m.changes...), nil
}

func (m *mockBatchSource) MarkAsSynced(ctx context.Context, changes []pipeline.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.markCalls++
	if m.markErr != nil {
		return m.markErr
	}
	m.markedIDs = append(m.markedIDs, ids(changes)...)
	return nil
}

func (m *mockBatchSource) fetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

func TestPollingCoordinator_RunOnce(t *testing.T) {
	source := &mockBatchSource{changes: changes(2)}
	applier := &mockApplier{}

	coord := pipeline.NewPollingCoordinator(source, applier)
	if err := coord.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if source.fetchCalls != 1 {
		t.Errorf("expected 1 fetch call, got %d", source.fetchCalls)
	}
	if applier.calls != 1 {
		t.Errorf("expected 1 apply call, got %d", applier.calls)
	}
	if len(source.markedIDs) != 2 {
		t.Errorf("expected 2 marked IDs, got %d", len(source.markedIDs))
	}
}

func TestPollingCoordinator_NoChanges(t *testing.T) {
	source := &mockBatchSource{}
	applier := &mockApplier{}

	coord := pipeline.NewPollingCoordinator(source, applier)
	if err := coord.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if applier.calls != 0 {
		t.Errorf("expected no apply call, got %d", applier.calls)
	}
	if source.markCalls != 0 {
		t.Errorf("expected no mark call, got %d", source.markCalls)
	}
}

func TestPollingCoordinator_PartialFailure(t *testing.T) {
	source := &mockBatchSource{changes: changes(3)}
	applier := &mockApplier{failIDs: map[string]bool{"2": true}}

	coord := pipeline.NewPollingCoordinator(source, applier)
	if err := coord.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if len(source.markedIDs) != 2 {
		t.Fatalf("expected 2 marked, got %v", source.markedIDs)
	}
	for _, id := range source.markedIDs {
		if id == "2" {
			t.Error("failed change must not be marked")
		}
	}
}

func TestPollingCoordinator_Errors(t *testing.T) {
	fetchErr := errors.New("db down")
	markErr := errors.New("mark failed")
	applyErr := errors.New("fatal")

	tests := []struct {
		name      string
		source    *mockBatchSource
		applier   *mockApplier
		wantErr   error
		wantKind  string
		wantMarks int
	}{
		{"fetch", &mockBatchSource{fetchErr: fetchErr}, &mockApplier{}, fetchErr, "fetch", 0},
		{"apply", &mockBatchSource{changes: changes(1)}, &mockApplier{applyErr: applyErr}, applyErr, "apply_fatal", 0},
		{"mark", &mockBatchSource{changes: changes(1), markErr: markErr}, &mockApplier{}, markErr, "mark", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var handled []error
			var kinds []string
			coord := pipeline.NewPollingCoordinator(tt.source, tt.applier,
				pipeline.WithErrorHandler(func(err error) { handled = append(handled, err) }),
				pipeline.WithMetrics(pipeline.MetricsFunc{
					OnErrorOccurred: func(kind string) { kinds = append(kinds, kind) },
				}),
			)

			err := coord.RunOnce(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if len(handled) != 1 || !errors.Is(handled[0], tt.wantErr) {
				t.Errorf("expected error handler to see %v, got %v", tt.wantErr, handled)
			}
			if len(kinds) != 1 || kinds[0] != tt.wantKind {
				t.Errorf("expected metric kind %q, got %v", tt.wantKind, kinds)
			}
			if tt.source.markCalls != tt.wantMarks {
				t.Errorf("expected %d mark calls, got %d", tt.wantMarks, tt.source.markCalls)
			}
		})
	}
}

func TestPollingCoordinator_LimitedSource(t *testing.T) {
	source := pipeline.NewMemorySource(0)
	source.Push(changes(5)...)
	applier := &mockApplier{}

	coord := pipeline.NewPollingCoordinator(source, applier, pipeline.WithBatchSize(2))
	if err := coord.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if got := len(source.Synced()); got != 2 {
		t.Errorf("expected 2 synced, got %d", got)
	}
	if got := len(source.Pending()); got != 3 {
		t.Errorf("expected 3 pending, got %d", got)
	}
}

func TestPollingCoordinator_StartStop(t *testing.T) {
	source := &mockBatchSource{}
	coord := pipeline.NewPollingCoordinator(source, &mockApplier{},
		pipeline.WithInterval(10*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- coord.Start(context.Background()) }()

	time.Sleep(55 * time.Millisecond)
	if !coord.Running() {
		t.Error("expected coordinator to be running")
	}
	if err := coord.RunOnce(context.Background()); !errors.Is(err, pipeline.ErrCoordinatorRunning) {
		t.Errorf("expected ErrCoordinatorRunning, got %v", err)
	}

	coord.Stop()
	if err := <-done; err != nil {
		t.Errorf("expected nil after Stop, got %v", err)
	}
	if coord.Running() {
		t.Error("expected coordinator to be stopped")
	}
	if n := source.fetchCount(); n < 3 {
		t.Errorf("expected several polls, got %d", n)
	}
}

func TestPollingCoordinator_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	coord := pipeline.NewPollingCoordinator(&mockBatchSource{}, &mockApplier{},
		pipeline.WithInterval(time.Hour))

	done := make(chan error, 1)
	go func() { done <- coord.Start(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("coordinator did not stop")
	}
}

func TestPollingCoordinator_NilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil source")
		}
	}()
	pipeline.NewPollingCoordinator(nil, &mockApplier{})
}

func TestPollingOptions_InvalidPanics(t *testing.T) {
	tests := map[string]func(){
		"interval":   func() { pipeline.WithInterval(0) },
		"batch size": func() { pipeline.WithBatchSize(-1) },
		"workers":    func() { pipeline.WithWorkers(0) },
		"buffer":     func() { pipeline.WithBufferSize(0) },
		"flush":      func() { pipeline.WithFlushInterval(0) },
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("expected panic")
				}
			}()
			fn()
		})
	}
}
