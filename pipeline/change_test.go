package pipeline_test

import (
	"encoding/json"
	"testing"

	"github.com/erfanmomeniii/entsync"
	"github.com/erfanmomeniii/entsync/pipeline"
)

func TestNewChange(t *testing.T) {
	c := pipeline.NewChange("BlogPost", entsync.OpUpdate, "7", entsync.Record{"title": "x"})

	if c.ID == "" {
		t.Error("expected generated ID")
	}
	if c.Entity != "blog_post" {
		t.Errorf("expected canonical entity blog_post, got %q", c.Entity)
	}
	if c.CreatedAt.IsZero() {
		t.Error("expected creation time")
	}
	if c.Key() != "blog_post:7" {
		t.Errorf("unexpected key %q", c.Key())
	}
	if other := pipeline.NewChange("blog_post", entsync.OpUpdate, "7", nil); other.ID == c.ID {
		t.Error("expected distinct IDs")
	}
}

func TestChange_Validate(t *testing.T) {
	tests := []struct {
		name    string
		change  pipeline.Change
		wantErr bool
	}{
		{"create", pipeline.Change{Entity: "user", Operation: entsync.OpCreate, Record: entsync.Record{}}, false},
		{"create without record", pipeline.Change{Entity: "user", Operation: entsync.OpCreate}, true},
		{"update without id", pipeline.Change{Entity: "user", Operation: entsync.OpUpdate, Record: entsync.Record{}}, true},
		{"delete", pipeline.Change{Entity: "user", Operation: entsync.OpDelete, EntityID: "1"}, false},
		{"delete without id", pipeline.Change{Entity: "user", Operation: entsync.OpDelete}, true},
		{"no entity", pipeline.Change{Operation: entsync.OpDelete, EntityID: "1"}, true},
		{"no operation", pipeline.Change{Entity: "user"}, true},
		{"delete list", pipeline.Change{Entity: "user", Operation: entsync.OpDeleteList, IDs: []string{"1"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.change.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChange_Request(t *testing.T) {
	c := pipeline.Change{Entity: "user", Operation: entsync.OpGetList, IDs: []string{"1", "2"}}
	req := c.Request()
	if req.Operation != entsync.OpGetList {
		t.Errorf("unexpected operation %v", req.Operation)
	}
	if len(req.Filter.IDs) != 2 {
		t.Errorf("expected filter ids, got %v", req.Filter.IDs)
	}
}

func TestChange_JSONOperationName(t *testing.T) {
	c := pipeline.Change{ID: "1", Entity: "user", Operation: entsync.OpDeleteList, Cursor: "0-1"}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["operation"] != "delete-list" {
		t.Errorf("expected operation name, got %v", raw["operation"])
	}
	if _, ok := raw["Cursor"]; ok {
		t.Error("cursor must not be serialized")
	}

	var back pipeline.Change
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Operation != entsync.OpDeleteList {
		t.Errorf("expected delete-list, got %v", back.Operation)
	}
}
