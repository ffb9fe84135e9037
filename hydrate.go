package entsync

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

type relValue struct {
	direct    any
	hasDirect bool
	ref       any
	hasRef    bool
}

func (v relValue) present() bool { return v.hasDirect || v.hasRef }

// value prefers a nested record under the property name over a bare
// identifier under <prop>_id or <prop>_ids.
func (v relValue) value() any {
	if v.hasDirect && v.direct != nil {
		return v.direct
	}
	if v.hasRef {
		return v.ref
	}
	return v.direct
}

// materialize maps rec onto target, or onto the instance already held for
// the record's identifier, or onto a new instance.
func (s *Store) materialize(ctx context.Context, schema *Schema, resolver NameResolver, rec Record, target reflect.Value) (reflect.Value, error) {
	scoped := WithPrefixes(resolver, schema.Entity)
	id := recordID(schema, scoped, rec)

	if !target.IsValid() && id != "" {
		if v, ok := s.lookup(schema.Entity, id); ok {
			target = v
		}
	}
	if !target.IsValid() {
		target = reflect.New(schema.Type)
	}
	// Remembered before relations are bound so back-references nested in
	// rec land on this instance.
	if id != "" {
		s.remember(schema.Entity, id, target)
	}

	plain, rels := splitRecord(schema, scoped, rec)
	if err := decodeRecord(schema, scoped, plain, target); err != nil {
		return reflect.Value{}, err
	}
	if id == "" {
		if id = schema.IDOf(target); id != "" {
			s.remember(schema.Entity, id, target)
		}
	}

	for _, f := range schema.Fields {
		if f.Relation == nil {
			continue
		}
		if err := s.bindRelation(ctx, f, rels[f.Name], target, id); err != nil {
			return reflect.Value{}, &HydrationError{Entity: schema.Entity, Field: f.Name, Err: err}
		}
	}
	return target, nil
}

func recordID(schema *Schema, scoped NameResolver, rec Record) string {
	key, ok := schema.Key()
	if !ok {
		return ""
	}
	want := scoped.Canonical(key.Name)
	for k, v := range rec {
		if v != nil && scoped.Canonical(k) == want {
			return FormatID(v)
		}
	}
	return ""
}

// splitRecord separates relationship keys from plain fields. Identifier
// keys such as author_id stay in plain as well, so a struct may map them
// to an ordinary field too.
func splitRecord(schema *Schema, scoped NameResolver, rec Record) (map[string]any, map[string]relValue) {
	plain := make(map[string]any, len(rec))
	rels := make(map[string]relValue)

	props := make(map[string]string)
	for _, f := range schema.Fields {
		if f.Relation != nil {
			props[scoped.Canonical(f.Name)] = f.Name
		}
	}

	for k, v := range rec {
		c := scoped.Canonical(k)
		if name, ok := props[c]; ok {
			rv := rels[name]
			rv.direct, rv.hasDirect = v, true
			rels[name] = rv
			continue
		}
		plain[k] = v
		for _, suffix := range []string{"_id", "_ids"} {
			if base, ok := strings.CutSuffix(c, suffix); ok && base != "" {
				if name, ok := props[base]; ok {
					rv := rels[name]
					rv.ref, rv.hasRef = v, true
					rels[name] = rv
				}
			}
		}
	}
	return plain, rels
}

func decodeRecord(schema *Schema, scoped NameResolver, plain map[string]any, target reflect.Value) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target.Interface(),
		TagName:          "sync",
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return scoped.Canonical(mapKey) == scoped.Canonical(fieldName)
		},
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return &HydrationError{Entity: schema.Entity, Err: err}
	}
	if err := dec.Decode(plain); err != nil {
		return &HydrationError{Entity: schema.Entity, Err: err}
	}
	return nil
}

func (s *Store) bindRelation(ctx context.Context, f Field, rv relValue, owner reflect.Value, ownerID string) error {
	field := owner.Elem().FieldByIndex(f.Index)
	target, err := schemaOf(f.Target)
	if err != nil {
		return err
	}

	if !rv.present() {
		if f.Relation.Cardinality == OneToMany && f.Relation.Inverse != "" && ownerID != "" {
			ref := reflect.New(field.Type().Elem())
			m := ref.Interface().(manyRef)
			where := map[string]any{f.Relation.Inverse + "_id": ownerID}
			m.bind(target.Entity, nil, s.filterResolver(target, Filter{Where: where}))
			s.queueMany(m)
			field.Set(ref)
		}
		return nil
	}

	val := rv.value()
	if val == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}

	ref := reflect.New(field.Type().Elem())
	switch f.Relation.Cardinality {
	case OneToOne:
		one := ref.Interface().(oneRef)
		if nested, ok := asRecord(val); ok {
			child, err := s.materialize(ctx, target, s.resolver(target.Entity), nested, reflect.Value{})
			if err != nil {
				return err
			}
			one.bind(target.Entity, target.IDOf(child), s.oneResolver(target, target.IDOf(child)))
			one.deliver(child.Interface())
			break
		}
		id := FormatID(val)
		one.bind(target.Entity, id, s.oneResolver(target, id))
		if cached, ok := s.lookup(target.Entity, id); ok {
			one.deliver(cached.Interface())
		} else {
			s.queueOne(one)
		}

	case OneToMany:
		many := ref.Interface().(manyRef)
		items, ok := asSlice(val)
		if !ok {
			items = []any{val}
		}
		if len(items) > 0 {
			if _, nested := asRecord(items[0]); nested {
				children := make([]any, 0, len(items))
				ids := make([]string, 0, len(items))
				for _, item := range items {
					rec, _ := asRecord(item)
					child, err := s.materialize(ctx, target, s.resolver(target.Entity), rec, reflect.Value{})
					if err != nil {
						return err
					}
					children = append(children, child.Interface())
					ids = append(ids, target.IDOf(child))
				}
				many.bind(target.Entity, ids, s.manyResolver(target, ids))
				many.deliver(children)
				break
			}
		}
		ids := make([]string, 0, len(items))
		for _, item := range items {
			if item != nil {
				ids = append(ids, FormatID(item))
			}
		}
		many.bind(target.Entity, ids, s.manyResolver(target, ids))
		s.queueMany(many)
	}
	field.Set(ref)
	return nil
}

func asRecord(v any) (Record, bool) {
	switch m := v.(type) {
	case Record:
		return m, true
	case map[string]any:
		return Record(m), true
	}
	return nil, false
}

func asSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// dehydrate renders v as a record keyed by backend names. Relationships
// become <prop>_id and <prop>_ids when their identifiers are known.
func dehydrate(schema *Schema, resolver NameResolver, v reflect.Value) Record {
	rec := make(Record, len(schema.Fields))
	elem := v.Elem()
	for _, f := range schema.Fields {
		fv := elem.FieldByIndex(f.Index)
		if f.Relation == nil {
			if f.Key && fv.IsZero() {
				continue
			}
			rec[resolver.Backend(f.Name)] = fv.Interface()
			continue
		}
		if fv.IsNil() {
			continue
		}
		switch ref := fv.Interface().(type) {
		case oneRef:
			id := ref.refID()
			if id == "" {
				if val, ok := ref.value(); ok {
					if ts, err := schemaOf(ref.targetType()); err == nil {
						id = ts.IDOf(reflect.ValueOf(val))
					}
				}
			}
			if id != "" {
				rec[resolver.Backend(f.Name+"_id")] = id
			}
		case manyRef:
			ids := ref.refIDs()
			if vals, ok := ref.values(); ok {
				if ts, err := schemaOf(ref.targetType()); err == nil {
					ids = ids[:0:0]
					for _, val := range vals {
						if id := ts.IDOf(reflect.ValueOf(val)); id != "" {
							ids = append(ids, id)
						}
					}
				}
			}
			if ids != nil {
				rec[resolver.Backend(f.Name+"_ids")] = ids
			}
		}
	}
	return rec
}

// Dehydrate renders the entity v points to as a record in the naming
// convention of the provider bound to its entity type.
func (s *Store) Dehydrate(v any) (Record, error) {
	schema, err := SchemaOf(v)
	if err != nil {
		return nil, err
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil, ErrNotEntity
	}
	return dehydrate(schema, s.resolver(schema.Entity), rv), nil
}

// Hydrate maps rec onto the entity v points to and records it in the
// identity map.
func (s *Store) Hydrate(ctx context.Context, v any, rec Record) error {
	schema, err := SchemaOf(v)
	if err != nil {
		return err
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return ErrNotEntity
	}
	_, err = s.materialize(ctx, schema, s.resolver(schema.Entity), rec, rv)
	return err
}
