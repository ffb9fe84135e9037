//go:build integration

package pgoutbox_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/erfanmomeniii/entsync"
	"github.com/erfanmomeniii/entsync/internal/testutil"
	"github.com/erfanmomeniii/entsync/pipeline"
	"github.com/erfanmomeniii/entsync/pipeline/pgoutbox"
)

func TestOutbox_RoundTrip(t *testing.T) {
	db, err := sql.Open("postgres", testutil.Postgres(t))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	outbox := pgoutbox.New(db, pgoutbox.WithTable("outbox_test"), pgoutbox.WithBatchSize(2), pgoutbox.WithMaxAttempts(2))
	if err := outbox.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	first := pipeline.NewChange("user", entsync.OpCreate, "", entsync.Record{"name": "ada"})
	second := pipeline.NewChange("user", entsync.OpDelete, "1", nil)
	third := pipeline.NewChange("user", entsync.OpDelete, "2", nil)
	if err := outbox.Enqueue(ctx, tx, first, second, third, first); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if n, _ := outbox.Pending(ctx); n != 3 {
		t.Fatalf("expected 3 pending, got %d", n)
	}

	applier := pipeline.Chain(pipeline.HookMiddleware(outbox.Hooks()))(pipeline.ProcessFunc(
		func(_ context.Context, c pipeline.Change) error {
			if c.ID == third.ID {
				return entsync.ErrNotFound
			}
			return nil
		}))
	coord := pipeline.NewPollingCoordinator(outbox, applier, pipeline.WithBatchSize(10))
	if err := coord.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	pending, err := outbox.FetchChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != third.ID || pending[0].Attempts != 1 {
		t.Fatalf("expected only the failed change pending with one attempt, got %+v", pending)
	}
	if pending[0].Operation != entsync.OpDelete || pending[0].EntityID != "2" {
		t.Errorf("unexpected payload %+v", pending[0])
	}

	removed, err := outbox.Purge(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("expected 2 purged rows, got %d", removed)
	}

	if err := coord.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if pending, _ := outbox.FetchChanges(ctx); len(pending) != 0 {
		t.Errorf("expected the dead row to be skipped, got %+v", pending)
	}
	if n, _ := outbox.Pending(ctx); n != 0 {
		t.Errorf("expected nothing pending, got %d", n)
	}
	if n, _ := outbox.Dead(ctx); n != 1 {
		t.Errorf("expected 1 dead row, got %d", n)
	}
}
