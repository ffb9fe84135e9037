package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/erfanmomeniii/entsync/pipeline"
)

func TestDeduplicator_Expiry(t *testing.T) {
	d := pipeline.NewDeduplicator(20*time.Millisecond, 0)
	d.Mark("a")
	if !d.Seen("a") {
		t.Fatal("expected a to be seen")
	}
	time.Sleep(30 * time.Millisecond)
	if d.Seen("a") {
		t.Error("expected a to expire")
	}
	if d.Len() != 0 {
		t.Errorf("expected expired key dropped, got %d", d.Len())
	}
}

func TestDeduplicator_MaxSizeEvictsOldest(t *testing.T) {
	d := pipeline.NewDeduplicator(0, 2)
	d.Mark("a")
	time.Sleep(time.Millisecond)
	d.Mark("b")
	time.Sleep(time.Millisecond)
	d.Mark("c")

	if d.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", d.Len())
	}
	if d.Seen("a") {
		t.Error("expected oldest key evicted")
	}
	if !d.Seen("b") || !d.Seen("c") {
		t.Error("expected newer keys kept")
	}
	d.Forget("b")
	if d.Seen("b") {
		t.Error("expected b forgotten")
	}
}

func TestDedupApplier(t *testing.T) {
	inner := &mockApplier{failIDs: map[string]bool{"2": true}}
	applier := pipeline.NewDedupApplier(inner, pipeline.NewDeduplicator(time.Minute, 0))
	ctx := context.Background()

	_, failed, _ := applier.Apply(ctx, changes(2))
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed, got %d", len(failed))
	}

	synced, failed, err := applier.Apply(ctx, changes(2))
	if err != nil {
		t.Fatal(err)
	}
	if len(synced) != 1 || len(failed) != 1 {
		t.Errorf("expected duplicate synced and retry failed, got %v / %v", ids(synced), ids(failed))
	}
	if inner.appliedCount() != 3 {
		t.Errorf("expected change 1 applied once, got %d applications", inner.appliedCount())
	}
}

func TestDedupApplier_CustomKey(t *testing.T) {
	inner := &mockApplier{}
	applier := pipeline.NewDedupApplier(inner, pipeline.NewDeduplicator(0, 0)).
		WithKey(pipeline.Change.Key)

	a, b := change("1"), change("2")
	a.EntityID, b.EntityID = "same", "same"

	synced, _, _ := applier.Apply(context.Background(), []pipeline.Change{a})
	synced2, _, _ := applier.Apply(context.Background(), []pipeline.Change{b})
	if len(synced) != 1 || len(synced2) != 1 {
		t.Fatal("expected both reported synced")
	}
	if inner.appliedCount() != 1 {
		t.Errorf("expected second change deduplicated by entity key, got %d", inner.appliedCount())
	}
}
