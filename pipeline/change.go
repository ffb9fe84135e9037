package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/erfanmomeniii/entsync"
)

// Change is a pending operation on an entity.
type Change struct {
	// ID uniquely identifies the change. Sources deduplicate and
	// acknowledge by it.
	ID string `json:"id"`

	Entity    string            `json:"entity"`
	Operation entsync.Operation `json:"operation"`

	// EntityID identifies the target entity of get, update and delete.
	EntityID string `json:"entity_id,omitempty"`

	// Record is the payload of create and update.
	Record entsync.Record `json:"record,omitempty"`

	// IDs and Records are the payload of list operations.
	IDs     []string         `json:"ids,omitempty"`
	Records []entsync.Record `json:"records,omitempty"`

	// Provider overrides the provider bound to Entity.
	Provider string `json:"provider,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Attempts counts earlier failed deliveries, as far as the source knows.
	Attempts int `json:"attempts,omitempty"`

	// Cursor is the source position used to acknowledge the change, such
	// as a stream message ID. It is not serialized.
	Cursor string `json:"-"`
}

// NewChange returns a change with a fresh ID and creation time.
func NewChange(entity string, op entsync.Operation, entityID string, rec entsync.Record) Change {
	return Change{
		ID:        uuid.NewString(),
		Entity:    entsync.EntityKey(entity),
		Operation: op,
		EntityID:  entityID,
		Record:    rec,
		CreatedAt: time.Now().UTC(),
	}
}

// Key identifies the entity a change targets.
func (c Change) Key() string {
	return c.Entity + ":" + c.EntityID
}

// Request converts c to a dispatchable request.
func (c Change) Request() *entsync.Request {
	req := &entsync.Request{
		Entity:    c.Entity,
		Operation: c.Operation,
		ID:        c.EntityID,
		IDs:       c.IDs,
		Record:    c.Record,
		Records:   c.Records,
	}
	if c.Operation == entsync.OpGetList {
		req.Filter = entsync.Filter{IDs: c.IDs}
	}
	return req
}

var (
	errNoEntity   = errors.New("entity is required")
	errNoEntityID = errors.New("entity id is required")
	errNoRecord   = errors.New("record is required")
)

// Validate checks that c carries what its operation needs.
func (c Change) Validate() error {
	if c.Entity == "" {
		return errNoEntity
	}
	if !c.Operation.Valid() {
		return fmt.Errorf("invalid operation %d", int(c.Operation))
	}
	switch c.Operation {
	case entsync.OpGet, entsync.OpDelete:
		if c.EntityID == "" {
			return errNoEntityID
		}
	case entsync.OpUpdate:
		if c.EntityID == "" {
			return errNoEntityID
		}
		if c.Record == nil {
			return errNoRecord
		}
	case entsync.OpCreate:
		if c.Record == nil {
			return errNoRecord
		}
	}
	return nil
}
