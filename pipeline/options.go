package pipeline

import (
	"log/slog"
	"time"
)

// PollingOption configures a PollingCoordinator.
type PollingOption func(*pollingConfig)

type pollingConfig struct {
	interval     time.Duration
	batchSize    int
	logger       *slog.Logger
	errorHandler func(error)
	metrics      MetricsHandler
}

func defaultPollingConfig() *pollingConfig {
	return &pollingConfig{
		interval:     5 * time.Second,
		batchSize:    100,
		logger:       slog.Default(),
		errorHandler: func(error) {},
		metrics:      noopMetrics{},
	}
}

// WithInterval sets the time between polls. Default: 5s.
// Panics if d <= 0.
func WithInterval(d time.Duration) PollingOption {
	if d <= 0 {
		panic("pipeline: interval must be positive")
	}
	return func(c *pollingConfig) {
		c.interval = d
	}
}

// WithBatchSize limits how many changes a poll fetches from a source
// implementing LimitedSource. Default: 100. Panics if size <= 0.
func WithBatchSize(size int) PollingOption {
	if size <= 0 {
		panic("pipeline: batch size must be positive")
	}
	return func(c *pollingConfig) {
		c.batchSize = size
	}
}

// WithLogger sets the coordinator logger.
// If nil is passed, uses slog.Default().
func WithLogger(logger *slog.Logger) PollingOption {
	return func(c *pollingConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithErrorHandler sets a callback receiving every fetch, apply and mark
// error. If nil is passed, errors are only logged.
func WithErrorHandler(handler func(error)) PollingOption {
	return func(c *pollingConfig) {
		if handler != nil {
			c.errorHandler = handler
		}
	}
}

// WithMetrics sets the metrics handler.
func WithMetrics(handler MetricsHandler) PollingOption {
	return func(c *pollingConfig) {
		if handler != nil {
			c.metrics = handler
		}
	}
}

// StreamingOption configures a StreamingCoordinator.
type StreamingOption func(*streamingConfig)

type streamingConfig struct {
	workers       int
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger
	errorHandler  func(error)
	metrics       MetricsHandler
}

func defaultStreamingConfig() *streamingConfig {
	return &streamingConfig{
		workers:       1,
		bufferSize:    100,
		flushInterval: 100 * time.Millisecond,
		logger:        slog.Default(),
		errorHandler:  func(error) {},
		metrics:       noopMetrics{},
	}
}

// WithWorkers sets how many batches are applied concurrently. Default: 1.
// Panics if n <= 0.
func WithWorkers(n int) StreamingOption {
	if n <= 0 {
		panic("pipeline: workers must be positive")
	}
	return func(c *streamingConfig) {
		c.workers = n
	}
}

// WithBufferSize sets the largest batch handed to the applier.
// Default: 100. Panics if size <= 0.
func WithBufferSize(size int) StreamingOption {
	if size <= 0 {
		panic("pipeline: buffer size must be positive")
	}
	return func(c *streamingConfig) {
		c.bufferSize = size
	}
}

// WithFlushInterval sets how long a partial batch may wait before it is
// applied. Default: 100ms. Panics if d <= 0.
func WithFlushInterval(d time.Duration) StreamingOption {
	if d <= 0 {
		panic("pipeline: flush interval must be positive")
	}
	return func(c *streamingConfig) {
		c.flushInterval = d
	}
}

// WithStreamLogger sets the coordinator logger.
// If nil is passed, uses slog.Default().
func WithStreamLogger(logger *slog.Logger) StreamingOption {
	return func(c *streamingConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStreamErrorHandler sets a callback receiving apply, ack and nack errors.
func WithStreamErrorHandler(handler func(error)) StreamingOption {
	return func(c *streamingConfig) {
		if handler != nil {
			c.errorHandler = handler
		}
	}
}

// WithStreamMetrics sets the metrics handler.
func WithStreamMetrics(handler MetricsHandler) StreamingOption {
	return func(c *streamingConfig) {
		if handler != nil {
			c.metrics = handler
		}
	}
}
