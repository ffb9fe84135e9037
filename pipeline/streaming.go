package pipeline

import (
	"context"
	"sync"
	"time"
)

// StreamingCoordinator applies changes from a StreamSource as they arrive,
// grouping them into batches of up to the buffer size, and acknowledges
// each change after it is applied.
type StreamingCoordinator struct {
	source  StreamSource
	applier Applier
	config  *streamingConfig

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
}

// NewStreamingCoordinator creates a streaming coordinator.
// Panics if source or applier is nil.
func NewStreamingCoordinator(source StreamSource, applier Applier, opts ...StreamingOption) *StreamingCoordinator {
	if source == nil {
		panic("pipeline: source cannot be nil")
	}
	if applier == nil {
		panic("pipeline: applier cannot be nil")
	}
	config := defaultStreamingConfig()
	for _, opt := range opts {
		opt(config)
	}
	return &StreamingCoordinator{source: source, applier: applier, config: config}
}

// Start consumes the source until ctx is done, Stop is called or the
// source closes, in which case it returns ErrSourceClosed. Batches in
// flight are finished before Start returns.
func (c *StreamingCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.cancel()
		c.mu.Unlock()
	}()

	batches := make(chan []Change, c.config.workers)
	var wg sync.WaitGroup
	for i := 0; i < c.config.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batches {
				// Collected batches are applied even after cancellation.
				c.processBatch(context.WithoutCancel(ctx), batch)
			}
		}()
	}

	closed := c.collect(ctx, batches)
	close(batches)
	wg.Wait()

	c.config.logger.Info("streaming coordinator stopped")
	if closed {
		return ErrSourceClosed
	}
	return ctx.Err()
}

// Stop cancels a running Start.
func (c *StreamingCoordinator) Stop() {
	c.mu.RLock()
	cancel := c.cancel
	running := c.running
	c.mu.RUnlock()
	if running && cancel != nil {
		cancel()
	}
}

// Running reports whether Start is active.
func (c *StreamingCoordinator) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// collect groups incoming changes into batches. It reports whether the
// source closed its channel.
func (c *StreamingCoordinator) collect(ctx context.Context, out chan<- []Change) bool {
	in := c.source.Changes()
	batch := make([]Change, 0, c.config.bufferSize)
	flush := time.NewTicker(c.config.flushInterval)
	defer flush.Stop()

	emit := func() {
		if len(batch) > 0 {
			out <- batch
			batch = make([]Change, 0, c.config.bufferSize)
		}
	}

	for {
		select {
		case <-ctx.Done():
			emit()
			return false
		case <-flush.C:
			emit()
		case change, ok := <-in:
			if !ok {
				emit()
				return true
			}
			batch = append(batch, change)
			if len(batch) >= c.config.bufferSize {
				emit()
			}
		}
	}
}

func (c *StreamingCoordinator) processBatch(ctx context.Context, changes []Change) {
	log, metrics := c.config.logger, c.config.metrics
	log.Debug("applying batch", "count", len(changes))

	start := time.Now()
	synced, failed, err := c.applier.Apply(ctx, changes)
	metrics.ApplyDuration(time.Since(start))

	if err != nil {
		log.Error("fatal error applying changes", "error", err)
		c.config.errorHandler(err)
		metrics.ErrorOccurred("apply_fatal")
		for _, change := range changes {
			c.nack(ctx, change, err)
		}
		return
	}
	metrics.ChangesApplied(len(synced), len(failed))

	for _, change := range synced {
		if err := c.source.Ack(ctx, change); err != nil {
			log.Error("failed to ack change", "id", change.ID, "error", err)
			c.config.errorHandler(err)
			metrics.ErrorOccurred("ack")
		}
	}
	for _, change := range failed {
		c.nack(ctx, change, &ApplyError{Change: change})
	}
	if len(failed) > 0 {
		log.Warn("some changes failed to apply", "synced", len(synced), "failed", len(failed))
	}
}

func (c *StreamingCoordinator) nack(ctx context.Context, change Change, cause error) {
	if err := c.source.Nack(ctx, change, cause); err != nil {
		c.config.logger.Error("failed to nack change", "id", change.ID, "error", err)
		c.config.errorHandler(err)
		c.config.metrics.ErrorOccurred("nack")
	}
}

// ProcessSingle applies one change outside the batching loop and acks or
// nacks it.
func (c *StreamingCoordinator) ProcessSingle(ctx context.Context, change Change) error {
	synced, failed, err := c.applier.Apply(ctx, []Change{change})
	if err != nil {
		c.nack(ctx, change, err)
		return err
	}
	if len(failed) > 0 {
		applyErr := &ApplyError{Change: change}
		c.nack(ctx, change, applyErr)
		return applyErr
	}
	if len(synced) > 0 {
		return c.source.Ack(ctx, change)
	}
	return nil
}
