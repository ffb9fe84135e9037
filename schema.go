package entsync

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Field describes a mapped struct field of an entity.
type Field struct {
	// Name is the local property name: the sync tag name or the Go field name.
	Name   string
	GoName string
	Index  []int
	Key    bool
	// Relation is set for relationship properties.
	Relation *Relationship
	// Target is the related struct type for relationship properties.
	Target reflect.Type
}

// Schema describes how a struct type maps onto an entity.
type Schema struct {
	Entity        string
	Type          reflect.Type
	Fields        []Field
	Relationships Relationships

	key int
}

// Key returns the identifier field, if any.
func (s *Schema) Key() (Field, bool) {
	if s.key < 0 {
		return Field{}, false
	}
	return s.Fields[s.key], true
}

// Field returns the field named name, compared canonically.
func (s *Schema) Field(name string) (Field, bool) {
	c := canonicalName(name)
	for _, f := range s.Fields {
		if canonicalName(f.Name) == c {
			return f, true
		}
	}
	return Field{}, false
}

// IDOf returns the identifier of v, which must be a pointer to s.Type.
// A zero identifier is reported as empty.
func (s *Schema) IDOf(v reflect.Value) string {
	f, ok := s.Key()
	if !ok {
		return ""
	}
	fv := reflect.Indirect(v).FieldByIndex(f.Index)
	if fv.IsZero() {
		return ""
	}
	return FormatID(fv.Interface())
}

var schemas sync.Map // reflect.Type -> *Schema

// SchemaFor returns the schema of T.
func SchemaFor[T any]() (*Schema, error) {
	return schemaOf(reflect.TypeFor[T]())
}

// SchemaOf returns the schema of the entity v points to.
func SchemaOf(v any) (*Schema, error) {
	if v == nil {
		return nil, ErrNotEntity
	}
	return schemaOf(reflect.TypeOf(v))
}

func canonicalName(name string) string {
	return defaultResolver.Canonical(name)
}

var defaultResolver = NewCaseResolver(SnakeCase)

func schemaOf(t reflect.Type) (*Schema, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s is not a struct", ErrNotEntity, t)
	}
	if s, ok := schemas.Load(t); ok {
		return s.(*Schema), nil
	}

	s, err := buildSchema(t)
	if err != nil {
		return nil, err
	}
	actual, _ := schemas.LoadOrStore(t, s)
	return actual.(*Schema), nil
}

func buildSchema(t reflect.Type) (*Schema, error) {
	s := &Schema{
		Entity: entityNameOf(t),
		Type:   t,
		key:    -1,
	}
	if r, ok := reflect.New(t).Interface().(Relater); ok {
		s.Relationships = r.Relationships()
	}

	explicitKey := false
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() || sf.Anonymous {
			continue
		}
		name, opts := sf.Name, ""
		if tag, ok := sf.Tag.Lookup("sync"); ok {
			if tag == "-" {
				continue
			}
			name, opts, _ = strings.Cut(tag, ",")
			if name == "" {
				name = sf.Name
			}
		}
		f := Field{Name: name, GoName: sf.Name, Index: sf.Index}
		for _, o := range strings.Split(opts, ",") {
			if o == "key" {
				f.Key = true
			}
		}
		if f.Key {
			if explicitKey {
				return nil, fmt.Errorf("%w: %s declares more than one key", ErrNotEntity, t)
			}
			explicitKey = true
			s.key = len(s.Fields)
		} else if !explicitKey && s.key < 0 && canonicalName(name) == "id" {
			s.key = len(s.Fields)
		}
		s.Fields = append(s.Fields, f)
	}
	if s.key >= 0 {
		s.Fields[s.key].Key = true
	}

	for prop, rel := range s.Relationships {
		idx := -1
		for i, f := range s.Fields {
			if canonicalName(f.Name) == canonicalName(prop) || canonicalName(f.GoName) == canonicalName(prop) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s has no field for relationship %q", ErrNotEntity, t, prop)
		}
		target, err := relationTarget(t.FieldByIndex(s.Fields[idx].Index).Type, rel)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrNotEntity, t, prop, err)
		}
		s.Fields[idx].Relation = &rel
		s.Fields[idx].Target = target
	}
	return s, nil
}

func relationTarget(ft reflect.Type, rel Relationship) (reflect.Type, error) {
	if ft.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("relationship field must be a pointer, got %s", ft)
	}
	var target reflect.Type
	switch ref := reflect.New(ft.Elem()).Interface().(type) {
	case oneRef:
		if rel.Cardinality != OneToOne {
			return nil, fmt.Errorf("%s field declared %s", ft, rel.Cardinality)
		}
		target = ref.targetType()
	case manyRef:
		if rel.Cardinality != OneToMany {
			return nil, fmt.Errorf("%s field declared %s", ft, rel.Cardinality)
		}
		target = ref.targetType()
	default:
		return nil, fmt.Errorf("%s is not a Deferred or DeferredList", ft)
	}
	if got := entityNameOf(target); EntityKey(rel.Entity) != got {
		return nil, fmt.Errorf("relationship targets %q but field holds %q", rel.Entity, got)
	}
	return target, nil
}
