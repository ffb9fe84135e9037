package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/erfanmomeniii/entsync"
)

// ErrValidation matches every ValidationError.
var ErrValidation = errors.New("pipeline: validation failed")

// ValidationError reports why a change was rejected.
type ValidationError struct {
	ChangeID string
	Message  string
	Err      error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline: change %s invalid: %s: %v", e.ChangeID, e.Message, e.Err)
	}
	return fmt.Sprintf("pipeline: change %s invalid: %s", e.ChangeID, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Is reports a match against ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validator checks a change before it is applied.
type Validator func(Change) error

// WellFormed rejects changes missing what their operation needs.
func WellFormed() Validator {
	return func(c Change) error {
		if err := c.Validate(); err != nil {
			return &ValidationError{ChangeID: c.ID, Message: "malformed", Err: err}
		}
		return nil
	}
}

// Supported rejects changes the bound provider cannot dispatch.
func Supported(registry *entsync.Registry) Validator {
	return func(c Change) error {
		d, err := registry.For(c.Entity)
		if c.Provider != "" {
			d, err = registry.Provider(c.Provider)
		}
		if err != nil {
			return &ValidationError{ChangeID: c.ID, Message: "no provider", Err: err}
		}
		if _, err := d.Handler(c.Entity, c.Operation); err != nil {
			return &ValidationError{ChangeID: c.ID, Message: "unsupported", Err: err}
		}
		return nil
	}
}

// EntityIn rejects changes for entities not listed.
func EntityIn(entities ...string) Validator {
	allowed := make(map[string]bool, len(entities))
	for _, e := range entities {
		allowed[entsync.EntityKey(e)] = true
	}
	return func(c Change) error {
		if !allowed[entsync.EntityKey(c.Entity)] {
			return &ValidationError{ChangeID: c.ID, Message: fmt.Sprintf("entity %q not allowed", c.Entity)}
		}
		return nil
	}
}

// RequireFields rejects create and update changes whose record lacks
// any of fields.
func RequireFields(fields ...string) Validator {
	return func(c Change) error {
		if c.Operation != entsync.OpCreate && c.Operation != entsync.OpUpdate {
			return nil
		}
		for _, f := range fields {
			if _, ok := c.Record[f]; !ok {
				return &ValidationError{ChangeID: c.ID, Message: f + " is required"}
			}
		}
		return nil
	}
}

// Check builds a validator from a predicate.
func Check(ok func(Change) bool, message string) Validator {
	return func(c Change) error {
		if !ok(c) {
			return &ValidationError{ChangeID: c.ID, Message: message}
		}
		return nil
	}
}

// ValidatingApplier runs validators before applying. Invalid changes are
// failed, or reported as synced when skipInvalid is set.
type ValidatingApplier struct {
	next        Applier
	validators  []Validator
	skipInvalid bool
	onInvalid   func(Change, error)
}

// NewValidatingApplier wraps next. Panics if next is nil or no validators
// are given.
func NewValidatingApplier(next Applier, skipInvalid bool, validators ...Validator) *ValidatingApplier {
	if next == nil {
		panic("pipeline: applier cannot be nil")
	}
	if len(validators) == 0 {
		panic("pipeline: at least one validator is required")
	}
	return &ValidatingApplier{next: next, validators: validators, skipInvalid: skipInvalid}
}

// OnInvalid sets a callback for rejected changes.
func (v *ValidatingApplier) OnInvalid(fn func(Change, error)) *ValidatingApplier {
	v.onInvalid = fn
	return v
}

// Apply implements Applier.
func (v *ValidatingApplier) Apply(ctx context.Context, changes []Change) ([]Change, []Change, error) {
	var valid, invalid []Change
	for _, c := range changes {
		if err := v.validate(c); err != nil {
			if v.onInvalid != nil {
				v.onInvalid(c, err)
			}
			invalid = append(invalid, c)
			continue
		}
		valid = append(valid, c)
	}

	var synced, failed []Change
	var err error
	if len(valid) > 0 {
		synced, failed, err = v.next.Apply(ctx, valid)
	}
	if v.skipInvalid {
		return append(synced, invalid...), failed, err
	}
	return synced, append(failed, invalid...), err
}

func (v *ValidatingApplier) validate(c Change) error {
	for _, fn := range v.validators {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

// ValidateMiddleware wraps appliers with NewValidatingApplier.
func ValidateMiddleware(skipInvalid bool, validators ...Validator) Middleware {
	if len(validators) == 0 {
		panic("pipeline: at least one validator is required")
	}
	return func(next Applier) Applier {
		return NewValidatingApplier(next, skipInvalid, validators...)
	}
}
