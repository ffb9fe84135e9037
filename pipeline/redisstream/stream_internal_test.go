package redisstream

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/erfanmomeniii/entsync"
	"github.com/erfanmomeniii/entsync/pipeline"
)

func TestEncodeDecode(t *testing.T) {
	c := pipeline.NewChange("user", entsync.OpCreate, "", entsync.Record{"name": "ada"})
	c.Attempts = 2

	values, err := encode(c)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decode(redis.XMessage{ID: "1700000000000-0", Values: values})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != c.ID || got.Attempts != 2 || got.Record["name"] != "ada" {
		t.Errorf("unexpected change %+v", got)
	}
	if got.Cursor != "1700000000000-0" {
		t.Errorf("expected message ID as cursor, got %q", got.Cursor)
	}
}

func TestDecode_Malformed(t *testing.T) {
	if _, err := decode(redis.XMessage{ID: "1-0", Values: map[string]any{"other": "x"}}); err == nil {
		t.Error("expected error for missing field")
	}
	if _, err := decode(redis.XMessage{ID: "1-0", Values: map[string]any{field: "{"}}); err == nil {
		t.Error("expected error for bad json")
	}
}

func TestCloseBeforeStart(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	s := New(client, "changes", "workers")
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-s.Changes(); ok {
		t.Error("expected closed channel")
	}
	if err := s.Start(context.Background()); err != pipeline.ErrSourceClosed {
		t.Errorf("expected ErrSourceClosed, got %v", err)
	}
}
