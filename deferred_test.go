package entsync_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfanmomeniii/entsync"
)

func TestDeferredResolvesOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	ref := entsync.Defer("author", "7", func(context.Context) (*Author, error) {
		calls.Add(1)
		<-release
		return &Author{ID: 7, Name: "Ann"}, nil
	})

	const n = 20
	results := make([]*Author, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := ref.Get(context.Background())
			assert.NoError(t, err)
			results[i] = a
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, a := range results {
		assert.Same(t, results[0], a)
	}
	assert.True(t, ref.IsResolved())
}

func TestDeferredErrorsAreNotMemoized(t *testing.T) {
	var calls atomic.Int32
	ref := entsync.Defer("author", "7", func(context.Context) (*Author, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("unavailable")
		}
		return &Author{ID: 7}, nil
	})

	_, err := ref.Get(context.Background())
	require.Error(t, err)
	assert.False(t, ref.IsResolved())

	a, err := ref.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, a.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDeferredRetriesAfterPanic(t *testing.T) {
	var calls atomic.Int32
	ref := entsync.Defer("author", "7", func(context.Context) (*Author, error) {
		if calls.Add(1) == 1 {
			panic("resolver exploded")
		}
		return &Author{ID: 7, Name: "Ann"}, nil
	})

	assert.PanicsWithValue(t, "resolver exploded", func() {
		_, _ = ref.Get(context.Background())
	})
	assert.False(t, ref.IsResolved())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	a, err := ref.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ann", a.Name)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDeferredZeroValue(t *testing.T) {
	var ref entsync.Deferred[Author]
	_, err := ref.Get(context.Background())
	assert.ErrorIs(t, err, entsync.ErrNotResolvable)
	assert.Equal(t, "author", ref.Entity())

	_, ok := ref.Peek()
	assert.False(t, ok)
}

func TestDeferredWaitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	ref := entsync.Defer("author", "7", func(context.Context) (*Author, error) {
		close(started)
		<-release
		return &Author{}, nil
	})

	go func() { _, _ = ref.Get(context.Background()) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := ref.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeferredJSON(t *testing.T) {
	ref := entsync.Defer("author", "7", func(context.Context) (*Author, error) {
		return &Author{ID: 7, Name: "Ann"}, nil
	})
	data, err := json.Marshal(ref)
	require.NoError(t, err)
	assert.JSONEq(t, `"7"`, string(data))

	_, err = ref.Get(context.Background())
	require.NoError(t, err)
	data, err = json.Marshal(ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ID":7,"Name":"Ann","Books":null}`, string(data))

	var zero entsync.Deferred[Author]
	data, err = json.Marshal(&zero)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestResolved(t *testing.T) {
	a := &Author{ID: 8, Name: "Bob"}
	ref := entsync.Resolved(a)
	assert.True(t, ref.IsResolved())
	got, err := ref.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, got)
	assert.Equal(t, "author", ref.Entity())
}

func TestDeferredList(t *testing.T) {
	var calls atomic.Int32
	ref := entsync.DeferList("book", []string{"1", "2"}, func(context.Context) ([]*Book, error) {
		calls.Add(1)
		return []*Book{{ID: 1}, {ID: 2}}, nil
	})
	assert.Equal(t, []string{"1", "2"}, ref.IDs())

	data, err := json.Marshal(ref)
	require.NoError(t, err)
	assert.JSONEq(t, `["1","2"]`, string(data))

	for range 2 {
		books, err := ref.Get(context.Background())
		require.NoError(t, err)
		assert.Len(t, books, 2)
	}
	assert.Equal(t, int32(1), calls.Load())

	list := entsync.ResolvedList(&Book{ID: 3})
	books, ok := list.Peek()
	assert.True(t, ok)
	assert.Len(t, books, 1)
	assert.Equal(t, "book", list.Entity())
}
