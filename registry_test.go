package entsync_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfanmomeniii/entsync"
)

// monitored is a provider with a configurable health check and Close.
type monitored struct {
	name      string
	healthErr error
	closeErr  error
	closed    bool
}

func (p *monitored) Name() string { return p.name }

func (p *monitored) HealthCheck(context.Context) error { return p.healthErr }

func (p *monitored) Close() error {
	p.closed = true
	return p.closeErr
}

func (p *monitored) GetNote(_ context.Context, id string) (entsync.Record, error) {
	return entsync.Record{"id": id, "source": p.name}, nil
}

func TestRegistryDefaultsToFirstProvider(t *testing.T) {
	registry, _ := newLibraryRegistry()
	registry.MustRegister(&monitored{name: "notes"})

	assert.Equal(t, "library", registry.Default())
	assert.Equal(t, []string{"library", "notes"}, registry.Providers())

	d, err := registry.For("author")
	require.NoError(t, err)
	assert.Equal(t, "library", d.Name())
}

func TestRegistryBind(t *testing.T) {
	registry, _ := newLibraryRegistry()
	registry.MustRegister(&monitored{name: "notes"})

	require.NoError(t, registry.Bind("Note", "notes"))
	assert.Equal(t, map[string]string{"note": "notes"}, registry.Bindings())

	res, err := registry.Dispatch(context.Background(), &entsync.Request{Entity: "note", Operation: entsync.OpGet, ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "notes", res.Record["source"])

	err = registry.Bind("note", "missing")
	assert.ErrorIs(t, err, entsync.ErrProviderNotFound)

	require.NoError(t, registry.SetDefault("notes"))
	d, err := registry.For("author")
	require.NoError(t, err)
	assert.Equal(t, "notes", d.Name())
	assert.ErrorIs(t, registry.SetDefault("missing"), entsync.ErrProviderNotFound)
}

func TestRegistryDuplicate(t *testing.T) {
	registry, _ := newLibraryRegistry()
	_, err := registry.Register(newLibrary())
	assert.ErrorIs(t, err, entsync.ErrProviderExists)
	assert.Panics(t, func() { registry.MustRegister(newLibrary()) })

	_, err = registry.Register(nil)
	assert.Error(t, err)
}

func TestRegistryEmpty(t *testing.T) {
	registry := entsync.NewRegistry()
	_, err := registry.For("author")
	assert.ErrorIs(t, err, entsync.ErrEntityNotBound)

	_, err = registry.Provider("library")
	assert.ErrorIs(t, err, entsync.ErrProviderNotFound)
}

func TestRegistryHealthCheck(t *testing.T) {
	down := errors.New("connection refused")
	registry, _ := newLibraryRegistry()
	registry.MustRegister(&monitored{name: "up"})
	registry.MustRegister(&monitored{name: "down", healthErr: down})

	results := registry.HealthCheck(context.Background())
	require.Len(t, results, 3)
	assert.NoError(t, results["library"])
	assert.NoError(t, results["up"])
	assert.ErrorIs(t, results["down"], down)
}

func TestRegistryClose(t *testing.T) {
	boom := errors.New("boom")
	a := &monitored{name: "a"}
	b := &monitored{name: "b", closeErr: boom}
	registry := entsync.NewRegistry()
	registry.MustRegister(a)
	registry.MustRegister(b)

	err := registry.Close()
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "close b")
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestRegistryDefaultNameResolver(t *testing.T) {
	camel := entsync.NewCaseResolver(entsync.CamelCase)
	registry := entsync.NewRegistry(entsync.WithDefaultNameResolver(camel))
	d := registry.MustRegister(newLibrary())
	assert.Same(t, camel, d.NameResolver())
}

func TestRegistryDispatcherOptions(t *testing.T) {
	registry := entsync.NewRegistry(entsync.WithDispatcherOptions(entsync.WithListFallback(false)))
	d := registry.MustRegister(newLibrary())
	assert.False(t, d.Supports("author", entsync.OpCreateList))
	assert.True(t, d.Supports("author", entsync.OpCreate))
}
