package entsync

import (
	"context"
	"strings"

	"github.com/iancoleman/strcase"
)

// Provider is a backend that entities are synchronized with.
//
// A provider exposes operations either by declaring them in Define or by
// carrying methods named after the operation and entity, such as
// CreateUser, GetUser, UpdateUser, DeleteUser and GetUsers.
type Provider interface {
	// Name identifies the provider in a Registry and in errors.
	Name() string
}

// Definer is implemented by providers that declare handlers explicitly.
// Declared handlers take precedence over convention methods.
type Definer interface {
	Define(def *Definition)
}

// HealthChecker is implemented by providers that can report backend health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type handlerKey struct {
	entity string
	op     Operation
}

// Definition collects the handlers and plural forms a provider declares.
type Definition struct {
	handlers map[handlerKey]Handler
	plurals  map[string]string
}

func newDefinition() *Definition {
	return &Definition{
		handlers: make(map[handlerKey]Handler),
		plurals:  make(map[string]string),
	}
}

// Handle registers h for op on entity. Panics if h is nil or op is invalid.
func (d *Definition) Handle(entity string, op Operation, h Handler) *Definition {
	if h == nil {
		panic("entsync: handler cannot be nil")
	}
	if !op.Valid() {
		panic("entsync: invalid operation " + op.String())
	}
	d.handlers[handlerKey{entity: EntityKey(entity), op: op}] = h
	return d
}

// Plural overrides the plural form used to find list methods for entity.
func (d *Definition) Plural(entity, plural string) *Definition {
	d.plurals[EntityKey(entity)] = plural
	return d
}

// Entities returns the entity names with at least one declared handler.
func (d *Definition) Entities() []string {
	seen := make(map[string]bool)
	var out []string
	for k := range d.handlers {
		if !seen[k.entity] {
			seen[k.entity] = true
			out = append(out, k.entity)
		}
	}
	return out
}

// EntityKey returns the canonical form of an entity name.
func EntityKey(name string) string {
	return strings.ToLower(strcase.ToSnake(strings.TrimSpace(name)))
}

// CreateFunc adapts a create function to a Handler.
func CreateFunc(fn func(ctx context.Context, rec Record) (Record, error)) Handler {
	return func(ctx context.Context, req *Request) (*Result, error) {
		rec, err := fn(ctx, req.Record)
		if err != nil {
			return nil, err
		}
		return &Result{Record: rec}, nil
	}
}

// GetFunc adapts a get function to a Handler.
func GetFunc(fn func(ctx context.Context, id string) (Record, error)) Handler {
	return func(ctx context.Context, req *Request) (*Result, error) {
		if req.ID == "" {
			return nil, ErrNoID
		}
		rec, err := fn(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return &Result{Record: rec}, nil
	}
}

// UpdateFunc adapts an update function to a Handler.
func UpdateFunc(fn func(ctx context.Context, id string, rec Record) (Record, error)) Handler {
	return func(ctx context.Context, req *Request) (*Result, error) {
		if req.ID == "" {
			return nil, ErrNoID
		}
		rec, err := fn(ctx, req.ID, req.Record)
		if err != nil {
			return nil, err
		}
		return &Result{Record: rec}, nil
	}
}

// DeleteFunc adapts a delete function to a Handler.
func DeleteFunc(fn func(ctx context.Context, id string) error) Handler {
	return func(ctx context.Context, req *Request) (*Result, error) {
		if req.ID == "" {
			return nil, ErrNoID
		}
		return &Result{}, fn(ctx, req.ID)
	}
}

// ListFunc adapts a get-list function to a Handler.
func ListFunc(fn func(ctx context.Context, f Filter) ([]Record, error)) Handler {
	return func(ctx context.Context, req *Request) (*Result, error) {
		recs, err := fn(ctx, req.Filter)
		if err != nil {
			return nil, err
		}
		return &Result{Records: recs}, nil
	}
}

// CreateListFunc adapts a batch create function to a Handler.
func CreateListFunc(fn func(ctx context.Context, recs []Record) ([]Record, error)) Handler {
	return func(ctx context.Context, req *Request) (*Result, error) {
		recs, err := fn(ctx, req.Records)
		if err != nil {
			return nil, err
		}
		return &Result{Records: recs}, nil
	}
}

// UpdateListFunc adapts a batch update function to a Handler. Records
// must carry their own identifiers.
func UpdateListFunc(fn func(ctx context.Context, recs []Record) ([]Record, error)) Handler {
	return CreateListFunc(fn)
}

// DeleteListFunc adapts a batch delete function to a Handler.
func DeleteListFunc(fn func(ctx context.Context, ids []string) error) Handler {
	return func(ctx context.Context, req *Request) (*Result, error) {
		return &Result{}, fn(ctx, req.IDs)
	}
}
