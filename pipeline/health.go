package pipeline

import (
	"context"
	"sync"
	"time"
)

// HealthStatus summarizes recent apply outcomes.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthDetails is a snapshot of a HealthCheck.
type HealthDetails struct {
	Status          HealthStatus `json:"status"`
	LastSuccess     time.Time    `json:"last_success"`
	LastFailure     time.Time    `json:"last_failure"`
	LastError       string       `json:"last_error,omitempty"`
	ConsecutiveErrs int          `json:"consecutive_errors"`
	TotalSynced     int64        `json:"total_synced"`
	TotalFailed     int64        `json:"total_failed"`
}

// HealthCheck derives a status from consecutive failures.
type HealthCheck struct {
	degradedAfter  int
	unhealthyAfter int

	mu sync.RWMutex
	d  HealthDetails
}

// NewHealthCheck reports degraded after degradedAfter consecutive
// failures and unhealthy after unhealthyAfter. Non-positive values
// default to 3 and 10.
func NewHealthCheck(degradedAfter, unhealthyAfter int) *HealthCheck {
	if degradedAfter <= 0 {
		degradedAfter = 3
	}
	if unhealthyAfter <= 0 {
		unhealthyAfter = 10
	}
	return &HealthCheck{
		degradedAfter:  degradedAfter,
		unhealthyAfter: unhealthyAfter,
		d:              HealthDetails{Status: HealthStatusHealthy},
	}
}

// RecordSuccess records a batch that mostly succeeded.
func (h *HealthCheck) RecordSuccess(synced int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.d.LastSuccess = time.Now()
	h.d.ConsecutiveErrs = 0
	h.d.TotalSynced += int64(synced)
	h.update()
}

// RecordFailure records a failed batch.
func (h *HealthCheck) RecordFailure(failed int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.d.LastFailure = time.Now()
	if err != nil {
		h.d.LastError = err.Error()
	}
	h.d.ConsecutiveErrs++
	h.d.TotalFailed += int64(failed)
	h.update()
}

func (h *HealthCheck) update() {
	switch {
	case h.d.ConsecutiveErrs >= h.unhealthyAfter:
		h.d.Status = HealthStatusUnhealthy
	case h.d.ConsecutiveErrs >= h.degradedAfter:
		h.d.Status = HealthStatusDegraded
	default:
		h.d.Status = HealthStatusHealthy
	}
}

// Status returns the current status.
func (h *HealthCheck) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.d.Status
}

// Details returns a snapshot.
func (h *HealthCheck) Details() HealthDetails {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.d
}

// HealthApplier feeds apply outcomes into a HealthCheck.
type HealthApplier struct {
	next   Applier
	health *HealthCheck
}

// NewHealthApplier wraps next. A nil health uses NewHealthCheck(3, 10).
// Panics if next is nil.
func NewHealthApplier(next Applier, health *HealthCheck) *HealthApplier {
	if next == nil {
		panic("pipeline: applier cannot be nil")
	}
	if health == nil {
		health = NewHealthCheck(0, 0)
	}
	return &HealthApplier{next: next, health: health}
}

// Apply implements Applier.
func (h *HealthApplier) Apply(ctx context.Context, changes []Change) ([]Change, []Change, error) {
	synced, failed, err := h.next.Apply(ctx, changes)
	switch {
	case err != nil:
		h.health.RecordFailure(len(changes), err)
	case len(failed) > len(synced):
		h.health.RecordFailure(len(failed), nil)
	default:
		h.health.RecordSuccess(len(synced))
	}
	return synced, failed, err
}

// Health returns the tracked HealthCheck.
func (h *HealthApplier) Health() *HealthCheck { return h.health }
