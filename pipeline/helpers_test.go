package pipeline_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/erfanmomeniii/entsync"
	"github.com/erfanmomeniii/entsync/pipeline"
)

func change(id string) pipeline.Change {
	return pipeline.Change{
		ID:        id,
		Entity:    "user",
		Operation: entsync.OpCreate,
		Record:    entsync.Record{"name": "user-" + id},
	}
}

func changes(n int) []pipeline.Change {
	out := make([]pipeline.Change, n)
	for i := range out {
		out[i] = change(fmt.Sprint(i + 1))
	}
	return out
}

func ids(cs []pipeline.Change) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

type mockApplier struct {
	mu       sync.Mutex
	calls    int
	applyErr error
	failIDs  map[string]bool
	applied  []pipeline.Change
}

func (m *mockApplier) Apply(ctx context.Context, changes []pipeline.Change) ([]pipeline.Change, []pipeline.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.applyErr != nil {
		return nil, nil, m.applyErr
	}
	var synced, failed []pipeline.Change
	for _, c := range changes {
		m.applied = append(m.applied, c)
		if m.failIDs[c.ID] {
			failed = append(failed, c)
		} else {
			synced = append(synced, c)
		}
	}
	return synced, failed, nil
}

func (m *mockApplier) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockApplier) appliedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}
