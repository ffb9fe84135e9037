package pipeline

import (
	"context"
	"sync"
	"time"
)

// PollingCoordinator periodically fetches changes from a BatchSource,
// applies them and marks the applied ones as synced.
type PollingCoordinator struct {
	source  BatchSource
	applier Applier
	config  *pollingConfig

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPollingCoordinator creates a polling coordinator.
// Panics if source or applier is nil.
func NewPollingCoordinator(source BatchSource, applier Applier, opts ...PollingOption) *PollingCoordinator {
	if source == nil {
		panic("pipeline: source cannot be nil")
	}
	if applier == nil {
		panic("pipeline: applier cannot be nil")
	}
	config := defaultPollingConfig()
	for _, opt := range opts {
		opt(config)
	}
	return &PollingCoordinator{source: source, applier: applier, config: config}
}

// Start polls immediately and then on every interval until ctx is done
// or Stop is called. It returns nil after Stop and ctx.Err() otherwise.
// Calling Start on a running coordinator returns nil at once.
func (c *PollingCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		close(c.doneCh)
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(c.config.interval)
	defer ticker.Stop()

	_ = c.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			c.config.logger.Info("polling coordinator stopped by context")
			return ctx.Err()
		case <-stopCh:
			c.config.logger.Info("polling coordinator stopped")
			return nil
		case <-ticker.C:
			_ = c.poll(ctx)
		}
	}
}

// Stop ends a running Start and waits for it to return.
func (c *PollingCoordinator) Stop() {
	c.mu.RLock()
	if !c.running {
		c.mu.RUnlock()
		return
	}
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.RUnlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-doneCh
}

// Running reports whether Start is active.
func (c *PollingCoordinator) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// RunOnce runs a single poll. It returns ErrCoordinatorRunning while
// Start is active.
func (c *PollingCoordinator) RunOnce(ctx context.Context) error {
	if c.Running() {
		return ErrCoordinatorRunning
	}
	return c.poll(ctx)
}

func (c *PollingCoordinator) fetch(ctx context.Context) ([]Change, error) {
	if ls, ok := c.source.(LimitedSource); ok {
		return ls.FetchLimit(ctx, c.config.batchSize)
	}
	return c.source.FetchChanges(ctx)
}

func (c *PollingCoordinator) poll(ctx context.Context) error {
	log, metrics := c.config.logger, c.config.metrics
	start := time.Now()
	defer func() { metrics.PollDuration(time.Since(start)) }()

	changes, err := c.fetch(ctx)
	if err != nil {
		log.Error("failed to fetch changes", "error", err)
		c.config.errorHandler(&FetchError{Err: err})
		metrics.ErrorOccurred("fetch")
		return err
	}
	metrics.ChangesFetched(len(changes))
	if len(changes) == 0 {
		log.Debug("no pending changes")
		return nil
	}
	log.Debug("fetched changes", "count", len(changes))

	applyStart := time.Now()
	synced, failed, err := c.applier.Apply(ctx, changes)
	metrics.ApplyDuration(time.Since(applyStart))
	if err != nil {
		log.Error("fatal error applying changes", "error", err)
		c.config.errorHandler(err)
		metrics.ErrorOccurred("apply_fatal")
		return err
	}
	metrics.ChangesApplied(len(synced), len(failed))
	if len(failed) > 0 {
		log.Warn("some changes failed to apply", "synced", len(synced), "failed", len(failed))
	}

	if len(synced) == 0 {
		return nil
	}
	if err := c.source.MarkAsSynced(ctx, synced); err != nil {
		log.Error("failed to mark changes as synced", "count", len(synced), "error", err)
		c.config.errorHandler(&MarkError{Count: len(synced), Err: err})
		metrics.ErrorOccurred("mark")
		return err
	}
	metrics.ChangesMarked(len(synced))
	log.Debug("marked changes as synced", "count", len(synced))
	return nil
}
