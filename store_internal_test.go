package entsync

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type writer struct {
	ID   int    `sync:"id"`
	Name string `sync:"name"`
}

type post struct {
	ID     int                `sync:"id"`
	Writer *Deferred[writer] `sync:"writer"`
}

func (post) Relationships() Relationships {
	return Relationships{"writer": HasOne[writer]()}
}

// blog serves n posts, each written by its own writer.
type blog struct{ n int }

func (b blog) Name() string { return "blog" }

func (b blog) GetWriter(_ context.Context, id string) (Record, error) {
	return Record{"id": id, "name": "w" + id}, nil
}

func (b blog) ListPosts(_ context.Context, _ Filter) ([]Record, error) {
	recs := make([]Record, b.n)
	for i := range recs {
		recs[i] = Record{"id": i + 1, "writer_id": i + 1}
	}
	return recs, nil
}

func TestLazyStoreDoesNotRetainReferences(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	registry.MustRegister(blog{n: 1000})
	store := NewStore(registry)
	posts, err := NewRepository[post](store)
	require.NoError(t, err)

	all, err := posts.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1000)
	for _, p := range all {
		w, err := p.Writer.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, p.ID, w.ID)
	}

	assert.Zero(t, store.Pending())
	assert.Empty(t, store.pendingOne)
	assert.Empty(t, store.pendingMany)
}

func TestBatchStorePrunesResolvedReferences(t *testing.T) {
	store := NewStore(NewRegistry(), WithDeferral(DeferBatch))

	for i := range 1000 {
		ref := Defer[writer]("writer", strconv.Itoa(i), nil)
		ref.cell.set(&writer{ID: i})
		store.queueOne(ref)
	}
	assert.Len(t, store.pendingOne["writer"], 1)

	open := Defer[writer]("writer", "x", func(context.Context) (*writer, error) {
		return &writer{}, nil
	})
	store.queueOne(open)
	assert.Equal(t, 1, store.Pending())
}
