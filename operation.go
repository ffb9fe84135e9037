package entsync

import (
	"fmt"
	"strings"
)

// Operation is a verb a provider can implement for an entity type.
type Operation int

const (
	OpCreate Operation = iota + 1
	OpGet
	OpUpdate
	OpDelete
	OpCreateList
	OpGetList
	OpUpdateList
	OpDeleteList
)

// Operations lists every known operation in declaration order.
var Operations = []Operation{
	OpCreate, OpGet, OpUpdate, OpDelete,
	OpCreateList, OpGetList, OpUpdateList, OpDeleteList,
}

var operationNames = map[Operation]string{
	OpCreate:     "create",
	OpGet:        "get",
	OpUpdate:     "update",
	OpDelete:     "delete",
	OpCreateList: "create-list",
	OpGetList:    "get-list",
	OpUpdateList: "update-list",
	OpDeleteList: "delete-list",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("operation(%d)", int(o))
}

// Valid reports whether o is one of the declared operations.
func (o Operation) Valid() bool {
	_, ok := operationNames[o]
	return ok
}

// IsList reports whether o acts on a list of entities.
func (o Operation) IsList() bool {
	return o >= OpCreateList && o <= OpDeleteList
}

// Single returns the single-entity counterpart of a list operation.
func (o Operation) Single() Operation {
	if o.IsList() {
		return o - (OpCreateList - OpCreate)
	}
	return o
}

// List returns the list counterpart of a single-entity operation.
func (o Operation) List() Operation {
	if o.IsList() || !o.Valid() {
		return o
	}
	return o + (OpCreateList - OpCreate)
}

// MarshalText implements encoding.TextMarshaler.
func (o Operation) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("entsync: invalid operation %d", int(o))
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Operation) UnmarshalText(text []byte) error {
	op, err := ParseOperation(string(text))
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// ParseOperation parses names like "get", "get-list", "GET_LIST" or "getList".
func ParseOperation(s string) (Operation, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "_", "-")
	if strings.HasSuffix(norm, "list") && !strings.HasSuffix(norm, "-list") {
		norm = strings.TrimSuffix(norm, "list") + "-list"
	}
	for op, name := range operationNames {
		if name == norm {
			return op, nil
		}
	}
	return 0, fmt.Errorf("entsync: unknown operation %q", s)
}
