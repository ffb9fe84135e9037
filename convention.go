package entsync

import (
	"context"
	"reflect"
	"strings"

	"github.com/gertd/go-pluralize"
	"github.com/iancoleman/strcase"
)

// Method-name prefixes recognized for each operation. List operations are
// looked up with the plural entity name.
var verbPrefixes = map[Operation][]string{
	OpCreate:     {"Create", "Add", "Insert"},
	OpGet:        {"Get", "Fetch", "Read"},
	OpUpdate:     {"Update", "Set"},
	OpDelete:     {"Delete", "Remove"},
	OpCreateList: {"Create", "Add", "Insert"},
	OpGetList:    {"Get", "Fetch", "Read", "List"},
	OpUpdateList: {"Update", "Set"},
	OpDeleteList: {"Delete", "Remove"},
}

var plurals = pluralize.NewClient()

// Plural returns the English plural of an entity name. Only the last
// word of a compound name is inflected.
func Plural(entity string) string {
	key := EntityKey(entity)
	i := strings.LastIndexByte(key, '_')
	return key[:i+1] + plurals.Plural(key[i+1:])
}

// MethodNames returns the provider method names that may implement op on
// an entity whose plural form is plural.
func MethodNames(entity, plural string, op Operation) []string {
	noun := strcase.ToCamel(EntityKey(entity))
	if op.IsList() {
		noun = strcase.ToCamel(EntityKey(plural))
	}
	prefixes := verbPrefixes[op]
	names := make([]string, len(prefixes))
	for i, p := range prefixes {
		names[i] = p + noun
	}
	return names
}

// conventionHandler finds a method on provider implementing op for
// entity. It returns a nil handler and nil error when no method matches.
func conventionHandler(provider reflect.Value, name, entity, plural string, op Operation) (Handler, error) {
	if !provider.IsValid() {
		return nil, nil
	}
	ambiguous := EntityKey(entity) == EntityKey(plural)
	for _, method := range MethodNames(entity, plural, op) {
		m := provider.MethodByName(method)
		if !m.IsValid() {
			continue
		}
		if h := adaptMethod(op, m.Interface()); h != nil {
			return h, nil
		}
		if ambiguous {
			// Same name serves the single and list form; the other one
			// may accept this signature.
			continue
		}
		return nil, &HandlerSignatureError{
			Provider:  name,
			Method:    method,
			Operation: op,
			Got:       m.Type().String(),
		}
	}
	return nil, nil
}

func adaptMethod(op Operation, fn any) Handler {
	switch f := fn.(type) {
	case func(context.Context, *Request) (*Result, error):
		return f
	case func(context.Context, Record) (Record, error):
		if op == OpCreate || op == OpUpdate {
			return CreateFunc(f)
		}
	case func(context.Context, string, Record) (Record, error):
		if op == OpUpdate {
			return UpdateFunc(f)
		}
	case func(context.Context, string) (Record, error):
		if op == OpGet {
			return GetFunc(f)
		}
	case func(context.Context, string) error:
		if op == OpDelete {
			return DeleteFunc(f)
		}
	case func(context.Context, Filter) ([]Record, error):
		if op == OpGetList {
			return ListFunc(f)
		}
	case func(context.Context, []Record) ([]Record, error):
		if op == OpCreateList || op == OpUpdateList {
			return CreateListFunc(f)
		}
	case func(context.Context, []string) error:
		if op == OpDeleteList {
			return DeleteListFunc(f)
		}
	}
	return nil
}
