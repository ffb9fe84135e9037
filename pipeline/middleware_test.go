package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/erfanmomeniii/entsync/pipeline"
)

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) pipeline.Middleware {
		return func(next pipeline.Applier) pipeline.Applier {
			return pipeline.ApplierFunc(func(ctx context.Context, cs []pipeline.Change) ([]pipeline.Change, []pipeline.Change, error) {
				order = append(order, name)
				return next.Apply(ctx, cs)
			})
		}
	}

	applier := pipeline.Chain(mw("outer"), mw("inner"))(&mockApplier{})
	if _, _, err := applier.Apply(context.Background(), changes(1)); err != nil {
		t.Fatal(err)
	}
	if strings.Join(order, ",") != "outer,inner" {
		t.Errorf("unexpected order %v", order)
	}
}

func TestHooks(t *testing.T) {
	source := pipeline.NewMemorySource(0)
	source.Push(changes(2)...)

	var events []string
	hooks := pipeline.Hooks{
		BeforeFetch: func(context.Context) { events = append(events, "before-fetch") },
		AfterFetch:  func(_ context.Context, cs []pipeline.Change, _ error) { events = append(events, "after-fetch") },
		BeforeApply: func(context.Context, []pipeline.Change) { events = append(events, "before-apply") },
		AfterApply:  func(context.Context, []pipeline.Change, []pipeline.Change, error) { events = append(events, "after-apply") },
		BeforeMark:  func(context.Context, []pipeline.Change) { events = append(events, "before-mark") },
		AfterMark:   func(context.Context, []pipeline.Change, error) { events = append(events, "after-mark") },
	}

	coord := pipeline.NewPollingCoordinator(
		pipeline.NewHookedSource(source, hooks),
		pipeline.HookMiddleware(hooks)(&mockApplier{}),
	)
	if err := coord.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := "before-fetch,after-fetch,before-apply,after-apply,before-mark,after-mark"
	if got := strings.Join(events, ","); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	applier := pipeline.LoggingMiddleware(logger)(&mockApplier{failIDs: map[string]bool{"1": true}})
	_, _, _ = applier.Apply(context.Background(), changes(2))

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "failed=1") {
		t.Errorf("expected warn with failed count, got %q", out)
	}
}

func TestTimingMiddleware(t *testing.T) {
	var got time.Duration
	inner := pipeline.ApplierFunc(func(ctx context.Context, cs []pipeline.Change) ([]pipeline.Change, []pipeline.Change, error) {
		time.Sleep(5 * time.Millisecond)
		return cs, nil, nil
	})
	_, _, _ = pipeline.TimingMiddleware(func(d time.Duration) { got = d })(inner).Apply(context.Background(), changes(1))
	if got < 5*time.Millisecond {
		t.Errorf("expected duration recorded, got %v", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	var recovered any
	inner := pipeline.ApplierFunc(func(context.Context, []pipeline.Change) ([]pipeline.Change, []pipeline.Change, error) {
		panic("boom")
	})

	_, failed, err := pipeline.RecoveryMiddleware(func(r any) { recovered = r })(inner).
		Apply(context.Background(), changes(2))

	var perr *pipeline.PanicError
	if !errors.As(err, &perr) || perr.Value != "boom" {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if len(failed) != 2 || recovered != "boom" {
		t.Errorf("expected batch failed and callback run, got %d failed, %v", len(failed), recovered)
	}
}

func TestFilterMiddleware(t *testing.T) {
	inner := &mockApplier{}
	applier := pipeline.FilterMiddleware(func(c pipeline.Change) bool { return c.ID != "2" })(inner)

	synced, _, err := applier.Apply(context.Background(), changes(3))
	if err != nil {
		t.Fatal(err)
	}
	if len(synced) != 3 || inner.appliedCount() != 2 {
		t.Errorf("expected filtered change skipped as synced, got %d synced %d applied", len(synced), inner.appliedCount())
	}
}

func TestTransformMiddleware(t *testing.T) {
	inner := &mockApplier{}
	applier := pipeline.TransformMiddleware(func(c pipeline.Change) pipeline.Change {
		c.Provider = "archive"
		return c
	})(inner)

	_, _, _ = applier.Apply(context.Background(), changes(2))
	for _, c := range inner.applied {
		if c.Provider != "archive" {
			t.Errorf("expected transformed change, got %+v", c)
		}
	}
}
