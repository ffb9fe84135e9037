package pipeline_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erfanmomeniii/entsync"
	"github.com/erfanmomeniii/entsync/pipeline"
)

func TestBatchSplitter(t *testing.T) {
	inner := &mockApplier{}
	applier := pipeline.NewBatchSplitter(inner, 2)

	synced, _, err := applier.Apply(context.Background(), changes(5))
	if err != nil {
		t.Fatal(err)
	}
	if len(synced) != 5 {
		t.Errorf("expected 5 synced, got %d", len(synced))
	}
	if inner.calls != 3 {
		t.Errorf("expected 3 chunks, got %d", inner.calls)
	}
}

func TestBatchSplitter_FatalFailsRemainder(t *testing.T) {
	var calls int
	inner := pipeline.ApplierFunc(func(ctx context.Context, cs []pipeline.Change) ([]pipeline.Change, []pipeline.Change, error) {
		calls++
		if calls == 2 {
			return nil, nil, errors.New("fatal")
		}
		return cs, nil, nil
	})

	synced, failed, err := pipeline.NewBatchSplitter(inner, 2).Apply(context.Background(), changes(5))
	if err == nil {
		t.Fatal("expected fatal error")
	}
	if len(synced) != 2 || len(failed) != 3 {
		t.Errorf("expected 2 synced 3 failed, got %d / %d", len(synced), len(failed))
	}
}

func TestParallelApplier(t *testing.T) {
	var inflight, peak atomic.Int32
	applier := pipeline.NewParallelApplier(func(ctx context.Context, c pipeline.Change) error {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		if c.ID == "3" {
			return errors.New("bad")
		}
		return nil
	}, 2)

	synced, failed, err := applier.Apply(context.Background(), changes(6))
	if err != nil {
		t.Fatal(err)
	}
	if len(synced) != 5 || len(failed) != 1 || failed[0].ID != "3" {
		t.Errorf("unexpected result %v / %v", ids(synced), ids(failed))
	}
	if synced[0].ID != "1" || synced[4].ID != "6" {
		t.Errorf("expected input order kept, got %v", ids(synced))
	}
	if peak.Load() > 2 {
		t.Errorf("expected at most 2 workers, saw %d", peak.Load())
	}
}

func TestFanOutApplier(t *testing.T) {
	a := &mockApplier{}
	b := &mockApplier{failIDs: map[string]bool{"2": true}}

	synced, failed, err := pipeline.NewFanOutApplier(a, b).Apply(context.Background(), changes(3))
	if err != nil {
		t.Fatal(err)
	}
	if len(synced) != 2 || len(failed) != 1 || failed[0].ID != "2" {
		t.Errorf("expected change 2 failed, got %v / %v", ids(synced), ids(failed))
	}
}

func TestEntityRouter(t *testing.T) {
	users, fallback := &mockApplier{}, &mockApplier{}
	order := pipeline.Change{ID: "o", Entity: "order_item", Operation: entsync.OpDelete, EntityID: "1"}

	router := pipeline.EntityRouter(map[string]pipeline.Applier{"User": users}, fallback)
	synced, _, err := router.Apply(context.Background(), append(changes(2), order))
	if err != nil {
		t.Fatal(err)
	}
	if len(synced) != 3 {
		t.Errorf("expected 3 synced, got %d", len(synced))
	}
	if users.appliedCount() != 2 || fallback.appliedCount() != 1 {
		t.Errorf("unexpected routing: users=%d fallback=%d", users.appliedCount(), fallback.appliedCount())
	}
}

func TestRouterApplier_GroupErrorFailsGroup(t *testing.T) {
	broken := &mockApplier{applyErr: errors.New("down")}
	router := pipeline.NewRouterApplier(func(c pipeline.Change) string { return c.Entity },
		map[string]pipeline.Applier{"user": broken}, nil)

	other := pipeline.Change{ID: "x", Entity: "order"}
	synced, failed, err := router.Apply(context.Background(), append(changes(2), other))
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 2 || len(synced) != 1 || synced[0].ID != "x" {
		t.Errorf("expected user group failed and unrouted change synced, got %v / %v", ids(synced), ids(failed))
	}
}
