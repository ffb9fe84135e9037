package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/erfanmomeniii/entsync"
	"github.com/erfanmomeniii/entsync/pipeline"
)

func TestValidatingApplier(t *testing.T) {
	bad := change("bad")
	bad.Record = nil
	input := append(changes(2), bad)

	tests := []struct {
		name        string
		skipInvalid bool
		wantSynced  int
		wantFailed  int
	}{
		{"fail invalid", false, 2, 1},
		{"skip invalid", true, 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &mockApplier{}
			var rejected []error
			applier := pipeline.NewValidatingApplier(inner, tt.skipInvalid, pipeline.WellFormed()).
				OnInvalid(func(_ pipeline.Change, err error) { rejected = append(rejected, err) })

			synced, failed, err := applier.Apply(context.Background(), input)
			if err != nil {
				t.Fatal(err)
			}
			if len(synced) != tt.wantSynced || len(failed) != tt.wantFailed {
				t.Errorf("got %d synced %d failed", len(synced), len(failed))
			}
			if inner.appliedCount() != 2 {
				t.Errorf("invalid change must not reach the applier")
			}
			if len(rejected) != 1 || !errors.Is(rejected[0], pipeline.ErrValidation) {
				t.Errorf("expected one validation error, got %v", rejected)
			}
		})
	}
}

func TestValidators(t *testing.T) {
	c := change("1")

	if err := pipeline.EntityIn("User", "order")(c); err != nil {
		t.Errorf("expected user allowed: %v", err)
	}
	if err := pipeline.EntityIn("order")(c); err == nil {
		t.Error("expected user rejected")
	}
	if err := pipeline.RequireFields("name")(c); err != nil {
		t.Errorf("expected name present: %v", err)
	}
	if err := pipeline.RequireFields("email")(c); err == nil {
		t.Error("expected missing email rejected")
	}

	del := pipeline.Change{ID: "d", Entity: "user", Operation: entsync.OpDelete, EntityID: "1"}
	if err := pipeline.RequireFields("email")(del); err != nil {
		t.Errorf("delete carries no record: %v", err)
	}

	notAdmin := pipeline.Check(func(c pipeline.Change) bool { return c.Record["role"] != "admin" }, "admin changes are manual")
	admin := change("2")
	admin.Record["role"] = "admin"
	var verr *pipeline.ValidationError
	if err := notAdmin(admin); !errors.As(err, &verr) || verr.ChangeID != "2" {
		t.Errorf("expected ValidationError for change 2, got %v", err)
	}
}

func TestSupportedValidator(t *testing.T) {
	registry := entsync.NewRegistry()
	registry.MustRegister(newUserStore("store"))

	valid := pipeline.Supported(registry)
	if err := valid(change("1")); err != nil {
		t.Errorf("expected create supported: %v", err)
	}

	get := pipeline.Change{ID: "2", Entity: "user", Operation: entsync.OpUpdate, EntityID: "1", Record: entsync.Record{}}
	if err := valid(get); !errors.Is(err, entsync.ErrNotImplemented) {
		t.Errorf("expected not implemented, got %v", err)
	}

	other := change("3")
	other.Provider = "missing"
	if err := valid(other); !errors.Is(err, entsync.ErrProviderNotFound) {
		t.Errorf("expected provider not found, got %v", err)
	}
}

func TestNewValidatingApplier_NoValidatorsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	pipeline.NewValidatingApplier(&mockApplier{}, false)
}
