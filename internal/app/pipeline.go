package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/erfanmomeniii/entsync/internal/config"
	"github.com/erfanmomeniii/entsync/pipeline"
	"github.com/erfanmomeniii/entsync/pipeline/kafkastream"
	"github.com/erfanmomeniii/entsync/pipeline/pgoutbox"
	"github.com/erfanmomeniii/entsync/pipeline/redisstream"
	"github.com/erfanmomeniii/entsync/retry"
)

// ErrNoSource is returned by Pipeline when no pipeline source is
// configured.
var ErrNoSource = errors.New("no pipeline source configured")

// Pipeline is a change pipeline feeding the registry.
type Pipeline struct {
	// Health tracks consecutive apply failures.
	Health *pipeline.HealthCheck

	dead    func(ctx context.Context) (int, error)
	start   func(ctx context.Context) error
	stop    func()
	closers []io.Closer
}

// Run applies changes until ctx is done. A stopped pipeline returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	err := p.start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// DeadLettered returns how many changes the source has dead-lettered.
func (p *Pipeline) DeadLettered(ctx context.Context) (int, error) {
	return p.dead(ctx)
}

// Stop asks a running pipeline to return.
func (p *Pipeline) Stop() { p.stop() }

// Close releases the source connections.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i].Close())
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Applier builds the applier every pipeline uses: changes are validated,
// dispatched through the registry and retried up to the configured
// attempts. Each provider has its own circuit breaker. Changes still
// failing go to dlq and are reported as synced; with a nil dlq they are
// reported as failed so the source redelivers or dead-letters them.
// extra middlewares run outermost.
func (a *App) Applier(dlq pipeline.DeadLetterQueue, extra ...pipeline.Middleware) (pipeline.Applier, *pipeline.HealthCheck) {
	pc := a.Config.Pipeline
	logger := a.Logger.With("component", "pipeline")

	policy := retry.DefaultPolicy()
	if pc.MaxAttempts > 0 {
		policy.MaxAttempts = pc.MaxAttempts
	}
	health := pipeline.NewHealthCheck(3, 10)

	dispatch := pipeline.NewDispatchApplier(a.Registry,
		pipeline.WithGrouping(true),
		pipeline.WithDispatchLogger(logger),
	)
	var core pipeline.Applier = pipeline.NewValidatingApplier(
		pipeline.NewProviderBreakerApplier(
			pipeline.NewRetryApplier(dispatch, policy).OnRetry(func(c pipeline.Change, attempt int) {
				logger.Debug("retrying change", "id", c.ID, "entity", c.Entity, "attempt", attempt)
			}),
			a.Registry,
			pipeline.DefaultCircuitBreakerConfig(),
		).OnStateChange(func(provider string, from, to pipeline.CircuitState) {
			logger.Warn("provider circuit changed", "provider", provider, "from", from.String(), "to", to.String())
		}),
		false,
		pipeline.WellFormed(),
		pipeline.Supported(a.Registry),
	).OnInvalid(func(c pipeline.Change, err error) {
		logger.Warn("rejected change", "id", c.ID, "error", err)
	})
	if dlq != nil {
		core = pipeline.NewDLQApplier(core, dlq)
	}

	middlewares := slices.Concat(extra, []pipeline.Middleware{
		pipeline.RecoveryMiddleware(func(r any) {
			logger.Error("applier panicked", "panic", r)
		}),
		pipeline.LoggingMiddleware(logger),
	})
	applier := pipeline.Chain(middlewares...)(
		pipeline.NewHealthApplier(
			pipeline.NewCircuitBreakerApplier(core, pipeline.DefaultCircuitBreakerConfig()),
			health,
		),
	)
	return applier, health
}

// Pipeline connects the configured source and builds a coordinator
// applying its changes.
func (a *App) Pipeline(ctx context.Context) (*Pipeline, error) {
	pc := a.Config.Pipeline
	logger := a.Logger.With("component", "pipeline", "source", pc.Source)

	switch pc.Source {
	case config.SourceNone:
		return nil, ErrNoSource

	case config.SourceOutbox:
		db, err := sql.Open("postgres", pc.DSN)
		if err != nil {
			return nil, fmt.Errorf("open outbox database: %w", err)
		}
		outbox := pgoutbox.New(db,
			pgoutbox.WithTable(pc.Table),
			pgoutbox.WithBatchSize(pc.BatchSize),
			pgoutbox.WithMaxAttempts(pc.MaxAttempts),
			pgoutbox.WithLogger(logger),
		)
		if err := outbox.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		applier, health := a.Applier(nil, pipeline.HookMiddleware(outbox.Hooks()))
		coord := pipeline.NewPollingCoordinator(outbox, applier,
			pipeline.WithInterval(pc.Interval),
			pipeline.WithBatchSize(pc.BatchSize),
			pipeline.WithLogger(logger),
		)
		return &Pipeline{
			Health:  health,
			dead:    outbox.Dead,
			start:   coord.Start,
			stop:    coord.Stop,
			closers: []io.Closer{db},
		}, nil

	case config.SourceRedis:
		client := goredis.NewClient(&goredis.Options{Addr: pc.Addr})
		opts := []redisstream.Option{
			redisstream.WithCount(int64(pc.BatchSize)),
			redisstream.WithMaxDeliveries(pc.MaxAttempts),
			redisstream.WithLogger(logger),
		}
		if pc.Consumer != "" {
			opts = append(opts, redisstream.WithConsumer(pc.Consumer))
		}
		source := redisstream.New(client, pc.Stream, pc.Group, opts...)
		return a.streaming(source, source.Start, source.Dead, logger, client)

	case config.SourceKafka:
		retryWriter := &kafka.Writer{Addr: kafka.TCP(pc.Brokers...), Topic: pc.Topic, Balancer: &kafka.Hash{}}
		deadWriter := &kafka.Writer{Addr: kafka.TCP(pc.Brokers...), Topic: pc.Topic + ".dead", Balancer: &kafka.Hash{}}
		source := kafkastream.New(pc.Brokers, pc.Topic, pc.Group,
			kafkastream.WithRetry(retryWriter, deadWriter, pc.MaxAttempts),
			kafkastream.WithBuffer(pc.BatchSize),
			kafkastream.WithLogger(logger),
		)
		return a.streaming(source, source.Start, source.Dead, logger, retryWriter, deadWriter)
	}
	return nil, fmt.Errorf("unknown pipeline source %q", pc.Source)
}

func (a *App) streaming(source pipeline.StreamSource, open func(context.Context) error, dead func(context.Context) (int, error), logger *slog.Logger, closers ...io.Closer) (*Pipeline, error) {
	pc := a.Config.Pipeline
	applier, health := a.Applier(nil)
	coord := pipeline.NewStreamingCoordinator(source, applier,
		pipeline.WithWorkers(pc.Workers),
		pipeline.WithBufferSize(pc.BatchSize),
		pipeline.WithStreamLogger(logger),
	)
	return &Pipeline{
		Health: health,
		dead:   dead,
		start: func(ctx context.Context) error {
			if err := open(ctx); err != nil {
				return err
			}
			logger.Info("pipeline started")
			return coord.Start(ctx)
		},
		stop:    coord.Stop,
		closers: append([]io.Closer{source}, closers...),
	}, nil
}
