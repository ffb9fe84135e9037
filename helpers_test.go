package entsync_test

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/erfanmomeniii/entsync"
)

type Author struct {
	ID    int                         `sync:"id"`
	Name  string                      `sync:"name"`
	Books *entsync.DeferredList[Book] `sync:"books"`
}

func (Author) Relationships() entsync.Relationships {
	return entsync.Relationships{"books": entsync.HasMany[Book]().Via("author")}
}

type Book struct {
	ID     int                       `sync:"id"`
	Title  string                    `sync:"title"`
	Author *entsync.Deferred[Author] `sync:"author"`
}

func (Book) Relationships() entsync.Relationships {
	return entsync.Relationships{"author": entsync.HasOne[Author]()}
}

// library serves authors and books through convention methods.
type library struct {
	mu      sync.Mutex
	authors map[string]entsync.Record
	books   map[string]entsync.Record
	nextID  int

	authorGets  atomic.Int32
	authorLists atomic.Int32
	bookLists   atomic.Int32
}

func newLibrary() *library {
	return &library{
		authors: map[string]entsync.Record{
			"7": {"id": 7, "name": "Ann"},
			"8": {"id": 8, "name": "Bob"},
		},
		books: map[string]entsync.Record{
			"1": {"id": 1, "title": "Go", "author_id": 7},
			"2": {"id": 2, "title": "Rust", "author_id": 7},
			"3": {"id": 3, "title": "Zig", "author_id": 8},
		},
		nextID: 100,
	}
}

func (l *library) Name() string { return "library" }

func (l *library) GetAuthor(_ context.Context, id string) (entsync.Record, error) {
	l.authorGets.Add(1)
	return l.get(l.authors, id)
}

func (l *library) GetAuthors(_ context.Context, f entsync.Filter) ([]entsync.Record, error) {
	l.authorLists.Add(1)
	return l.list(l.authors, f), nil
}

func (l *library) CreateAuthor(_ context.Context, rec entsync.Record) (entsync.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	out := rec.Clone()
	out["id"] = l.nextID
	l.authors[strconv.Itoa(l.nextID)] = out
	return out.Clone(), nil
}

func (l *library) UpdateAuthor(_ context.Context, id string, rec entsync.Record) (entsync.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.authors[id]
	if !ok {
		return nil, entsync.ErrNotFound
	}
	maps.Copy(cur, rec)
	return cur.Clone(), nil
}

func (l *library) DeleteAuthor(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.authors[id]; !ok {
		return entsync.ErrNotFound
	}
	delete(l.authors, id)
	return nil
}

func (l *library) GetBook(_ context.Context, id string) (entsync.Record, error) {
	return l.get(l.books, id)
}

func (l *library) ListBooks(_ context.Context, f entsync.Filter) ([]entsync.Record, error) {
	l.bookLists.Add(1)
	return l.list(l.books, f), nil
}

func (l *library) get(table map[string]entsync.Record, id string) (entsync.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := table[id]
	if !ok {
		return nil, entsync.ErrNotFound
	}
	return rec.Clone(), nil
}

func (l *library) list(table map[string]entsync.Record, f entsync.Filter) []entsync.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := slices.Sorted(maps.Keys(table))
	recs := make([]entsync.Record, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, table[id].Clone())
	}
	return f.Apply(recs, "id", nil)
}

func newLibraryRegistry() (*entsync.Registry, *library) {
	lib := newLibrary()
	registry := entsync.NewRegistry()
	registry.MustRegister(lib)
	return registry, lib
}
