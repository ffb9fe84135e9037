// Package entsync maps Go entities onto the backends that store them and
// dispatches create, get, update and delete operations to those backends.
//
// The library lets one application read and write the same entity types
// through heterogeneous providers (a REST API, PostgreSQL, Redis, S3)
// without each caller knowing which backend serves which type, what it
// names its fields or which operations it actually implements.
//
// # Core Concepts
//
// Providers expose operations on entities:
//   - Explicitly, by implementing Definer and declaring handlers.
//   - By convention, with methods named after the verb and the entity,
//     such as GetUser, CreateUser or GetUsers for lists.
//
// A Dispatcher resolves the handler for an entity/operation pair once and
// caches the result. List operations a provider lacks are emulated by
// looping the single-entity handler. Operations that cannot be served
// fail with an *OperationNotImplementedError.
//
// A Registry binds entity types to providers. A Store hydrates provider
// records into Go structs, keeps one instance per identifier and wires
// relationships as Deferred references loaded on first access.
//
// # Basic Usage
//
//	type Book struct {
//	    ID     int                       `sync:"id"`
//	    Title  string                    `sync:"title"`
//	    Author *entsync.Deferred[Author] `sync:"author"`
//	}
//
//	func (Book) Relationships() entsync.Relationships {
//	    return entsync.Relationships{"author": entsync.HasOne[Author]()}
//	}
//
//	registry := entsync.NewRegistry()
//	registry.MustRegister(api)
//
//	books, err := entsync.NewRepository[Book](entsync.NewStore(registry))
//	book, err := books.Get(ctx, "42")
//	author, err := book.Author.Get(ctx)
package entsync
