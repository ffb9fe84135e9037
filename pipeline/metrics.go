package pipeline

import "time"

// MetricsHandler receives coordinator measurements.
type MetricsHandler interface {
	ChangesFetched(count int)
	ChangesApplied(synced, failed int)
	ChangesMarked(count int)
	PollDuration(d time.Duration)
	ApplyDuration(d time.Duration)
	// ErrorOccurred is called with "fetch", "apply_fatal", "mark", "ack" or "nack".
	ErrorOccurred(kind string)
}

type noopMetrics struct{}

func (noopMetrics) ChangesFetched(int)          {}
func (noopMetrics) ChangesApplied(int, int)     {}
func (noopMetrics) ChangesMarked(int)           {}
func (noopMetrics) PollDuration(time.Duration)  {}
func (noopMetrics) ApplyDuration(time.Duration) {}
func (noopMetrics) ErrorOccurred(string)        {}

// MetricsFunc implements MetricsHandler with optional callbacks.
type MetricsFunc struct {
	OnChangesFetched func(count int)
	OnChangesApplied func(synced, failed int)
	OnChangesMarked  func(count int)
	OnPollDuration   func(d time.Duration)
	OnApplyDuration  func(d time.Duration)
	OnErrorOccurred  func(kind string)
}

func (m MetricsFunc) ChangesFetched(count int) {
	if m.OnChangesFetched != nil {
		m.OnChangesFetched(count)
	}
}

func (m MetricsFunc) ChangesApplied(synced, failed int) {
	if m.OnChangesApplied != nil {
		m.OnChangesApplied(synced, failed)
	}
}

func (m MetricsFunc) ChangesMarked(count int) {
	if m.OnChangesMarked != nil {
		m.OnChangesMarked(count)
	}
}

func (m MetricsFunc) PollDuration(d time.Duration) {
	if m.OnPollDuration != nil {
		m.OnPollDuration(d)
	}
}

func (m MetricsFunc) ApplyDuration(d time.Duration) {
	if m.OnApplyDuration != nil {
		m.OnApplyDuration(d)
	}
}

func (m MetricsFunc) ErrorOccurred(kind string) {
	if m.OnErrorOccurred != nil {
		m.OnErrorOccurred(kind)
	}
}
