package entsync

import (
	"fmt"
	"reflect"
)

// Cardinality is the multiplicity of a relationship.
type Cardinality int

const (
	OneToOne Cardinality = iota + 1
	OneToMany
)

func (c Cardinality) String() string {
	switch c {
	case OneToOne:
		return "one-to-one"
	case OneToMany:
		return "one-to-many"
	default:
		return fmt.Sprintf("cardinality(%d)", int(c))
	}
}

// Relationship links a property to another entity type.
type Relationship struct {
	Cardinality Cardinality
	// Entity is the related entity name.
	Entity string
	// Inverse names the property on the related entity that points back.
	// A one-to-many relationship with an inverse can be loaded by filter
	// when the record carries no identifiers.
	Inverse string
}

// Via returns r with Inverse set.
func (r Relationship) Via(inverse string) Relationship {
	r.Inverse = inverse
	return r
}

// Relationships maps property names to their relationship. It is the
// cardinality map an entity declares.
type Relationships map[string]Relationship

// Relater is implemented by entities with relationships. It is called on
// a zero value and must not depend on its receiver's state.
type Relater interface {
	Relationships() Relationships
}

// Namer is implemented by entities whose name differs from the
// snake_case form of their type name.
type Namer interface {
	EntityType() string
}

// HasOne declares a one-to-one relationship with T.
func HasOne[T any]() Relationship {
	return Relationship{Cardinality: OneToOne, Entity: EntityName[T]()}
}

// HasMany declares a one-to-many relationship with T.
func HasMany[T any]() Relationship {
	return Relationship{Cardinality: OneToMany, Entity: EntityName[T]()}
}

// EntityName returns the entity name of T.
func EntityName[T any]() string {
	return entityNameOf(reflect.TypeFor[T]())
}

func entityNameOf(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if n, ok := reflect.New(t).Interface().(Namer); ok {
		return EntityKey(n.EntityType())
	}
	return EntityKey(t.Name())
}
