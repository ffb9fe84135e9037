package entsync

import (
	"errors"
	"fmt"
)

var (
	// ErrNotImplemented matches any OperationNotImplementedError.
	ErrNotImplemented = errors.New("entsync: operation not implemented")

	// ErrNotFound is returned by providers when an entity does not exist.
	ErrNotFound = errors.New("entsync: entity not found")

	// ErrProviderNotFound is returned when no provider is registered under a name.
	ErrProviderNotFound = errors.New("entsync: provider not found")

	// ErrProviderExists is returned when a provider name is registered twice.
	ErrProviderExists = errors.New("entsync: provider already registered")

	// ErrEntityNotBound is returned when an entity has no provider and no
	// default provider is set.
	ErrEntityNotBound = errors.New("entsync: entity not bound to a provider")

	// ErrNotEntity is returned when a value cannot be used as an entity.
	ErrNotEntity = errors.New("entsync: not an entity")

	// ErrNoID is returned when an operation needs an identifier and none is set.
	ErrNoID = errors.New("entsync: entity has no identifier")

	// ErrNotResolvable is returned by a Deferred that has neither a value
	// nor a resolver.
	ErrNotResolvable = errors.New("entsync: deferred reference cannot be resolved")
)

// OperationNotImplementedError reports that a provider has no handler
// for an entity/operation pair.
type OperationNotImplementedError struct {
	Provider  string
	Entity    string
	Operation Operation
}

func (e *OperationNotImplementedError) Error() string {
	return fmt.Sprintf("entsync: provider %q does not implement %s for entity %q",
		e.Provider, e.Operation, e.Entity)
}

// Is reports a match against ErrNotImplemented.
func (e *OperationNotImplementedError) Is(target error) bool {
	return target == ErrNotImplemented
}

// HandlerSignatureError reports a provider method whose name matches an
// operation but whose signature does not.
type HandlerSignatureError struct {
	Provider  string
	Method    string
	Operation Operation
	Got       string
}

func (e *HandlerSignatureError) Error() string {
	return fmt.Sprintf("entsync: %s.%s has signature %s which cannot serve %s",
		e.Provider, e.Method, e.Got, e.Operation)
}

// ProviderError wraps an error returned by a provider handler.
type ProviderError struct {
	Provider  string
	Entity    string
	Operation Operation
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("entsync: %s %s on %s: %v", e.Provider, e.Operation, e.Entity, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// HydrationError wraps a failure to map a record onto an entity.
type HydrationError struct {
	Entity string
	Field  string
	Err    error
}

func (e *HydrationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("entsync: hydrate %s.%s: %v", e.Entity, e.Field, e.Err)
	}
	return fmt.Sprintf("entsync: hydrate %s: %v", e.Entity, e.Err)
}

func (e *HydrationError) Unwrap() error {
	return e.Err
}
