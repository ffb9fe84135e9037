package pipeline_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erfanmomeniii/entsync"
	"github.com/erfanmomeniii/entsync/pipeline"
)

func TestIntegration_PollingWithRetryAndDLQ(t *testing.T) {
	store := newUserStore("store")
	store.failNames = map[string]bool{"user-2": true, "user-4": true}
	registry := entsync.NewRegistry()
	registry.MustRegister(store)

	source := pipeline.NewMemorySource(0)
	source.Push(changes(5)...)

	dlq := pipeline.NewInMemoryDLQ(100)
	applier := pipeline.NewDLQApplier(
		pipeline.NewRetryApplier(pipeline.NewDispatchApplier(registry), fastPolicy(2)),
		dlq,
	)

	coord := pipeline.NewPollingCoordinator(source, applier, pipeline.WithBatchSize(10))
	if err := coord.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := len(source.Synced()); got != 5 {
		t.Errorf("synced = %d, want 5 including dead-lettered", got)
	}
	if got := len(source.Pending()); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
	if n, _ := dlq.Count(context.Background()); n != 2 {
		t.Errorf("DLQ count = %d, want 2", n)
	}
	entries, _ := dlq.Receive(context.Background(), 0)
	for _, e := range entries {
		if e.Attempts != 2 {
			t.Errorf("expected 2 attempts recorded for %s, got %d", e.Change.ID, e.Attempts)
		}
	}

	store.failNames = nil
	n, err := pipeline.Replay(context.Background(), dlq, pipeline.NewDispatchApplier(registry), 0)
	if err != nil || n != 2 {
		t.Errorf("expected 2 replayed, got %d, %v", n, err)
	}
	if store.count() != 5 {
		t.Errorf("expected 5 users after replay, got %d", store.count())
	}
}

func TestIntegration_CircuitBreakerWithRetry(t *testing.T) {
	var calls atomic.Int32
	failing := pipeline.ApplierFunc(func(ctx context.Context, cs []pipeline.Change) ([]pipeline.Change, []pipeline.Change, error) {
		calls.Add(1)
		return nil, cs, nil
	})

	applier := pipeline.NewCircuitBreakerApplier(
		pipeline.NewRetryApplier(failing, fastPolicy(2)),
		pipeline.CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour},
	)

	for i := 0; i < 4; i++ {
		_, _, _ = applier.Apply(context.Background(), changes(1))
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("expected 2 batches of 2 attempts before opening, got %d calls", got)
	}
	if applier.CircuitBreaker().State() != pipeline.CircuitOpen {
		t.Errorf("expected open circuit")
	}
}

func TestIntegration_StreamingThroughRegistry(t *testing.T) {
	store := newUserStore("store")
	registry := entsync.NewRegistry()
	registry.MustRegister(store)

	source := pipeline.NewMemoryStream(20)
	var applied atomic.Int32
	applier := pipeline.Chain(
		pipeline.RecoveryMiddleware(nil),
		pipeline.TimingMiddleware(func(time.Duration) {}),
		pipeline.ValidateMiddleware(false, pipeline.WellFormed(), pipeline.Supported(registry)),
	)(pipeline.NewDispatchApplier(registry, pipeline.WithGrouping(true)))

	coord := pipeline.NewStreamingCoordinator(source, applier,
		pipeline.WithWorkers(2),
		pipeline.WithBufferSize(4),
		pipeline.WithStreamMetrics(pipeline.MetricsFunc{
			OnChangesApplied: func(synced, _ int) { applied.Add(int32(synced)) },
		}),
	)

	source.Push(changes(10)...)
	_ = source.Close()
	if err := coord.Start(context.Background()); err != pipeline.ErrSourceClosed {
		t.Fatalf("expected ErrSourceClosed, got %v", err)
	}
	if applied.Load() != 10 || store.count() != 10 {
		t.Errorf("expected 10 applied, got %d metrics / %d stored", applied.Load(), store.count())
	}
}

func TestIntegration_GracefulShutdown(t *testing.T) {
	source := pipeline.NewMemorySource(0)
	coord := pipeline.NewPollingCoordinator(source, &mockApplier{}, pipeline.WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Start(ctx) }()

	source.Push(changes(3)...)
	waitFor(t, func() bool { return len(source.Synced()) == 3 })

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("coordinator did not shut down")
	}
	if coord.Running() {
		t.Error("expected stopped")
	}
}
