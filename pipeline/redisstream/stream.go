// Package redisstream carries pipeline changes over Redis streams. A
// Publisher appends changes to a stream and a Source consumes them through
// a consumer group.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/erfanmomeniii/entsync/pipeline"
)

const field = "change"

// DeadSuffix is appended to the stream name to form the stream receiving
// changes that exhausted their deliveries.
const DeadSuffix = ":dead"

func encode(c pipeline.Change) (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode change %s: %w", c.ID, err)
	}
	return map[string]any{field: string(data)}, nil
}

func decode(msg redis.XMessage) (pipeline.Change, error) {
	var c pipeline.Change
	raw, ok := msg.Values[field].(string)
	if !ok {
		return c, fmt.Errorf("message %s has no %q field", msg.ID, field)
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return c, fmt.Errorf("decode message %s: %w", msg.ID, err)
	}
	c.Cursor = msg.ID
	return c, nil
}

// Publisher appends changes to a stream.
type Publisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewPublisher creates a publisher. A positive maxLen caps the stream
// length approximately. Panics if client is nil or stream is empty.
func NewPublisher(client redis.UniversalClient, stream string, maxLen int64) *Publisher {
	if client == nil {
		panic("redisstream: client cannot be nil")
	}
	if stream == "" {
		panic("redisstream: stream cannot be empty")
	}
	return &Publisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish appends changes in order.
func (p *Publisher) Publish(ctx context.Context, changes ...pipeline.Change) error {
	for _, c := range changes {
		values, err := encode(c)
		if err != nil {
			return err
		}
		args := &redis.XAddArgs{Stream: p.stream, Values: values}
		if p.maxLen > 0 {
			args.MaxLen, args.Approx = p.maxLen, true
		}
		if err := p.client.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("xadd %s: %w", p.stream, err)
		}
	}
	return nil
}

// Apply implements pipeline.Applier by publishing each change. Changes
// that could not be published are failed.
func (p *Publisher) Apply(ctx context.Context, changes []pipeline.Change) ([]pipeline.Change, []pipeline.Change, error) {
	var synced, failed []pipeline.Change
	for _, c := range changes {
		if err := p.Publish(ctx, c); err != nil {
			if ctx.Err() != nil {
				return synced, append(failed, changes[len(synced)+len(failed):]...), ctx.Err()
			}
			failed = append(failed, c)
			continue
		}
		synced = append(synced, c)
	}
	return synced, failed, nil
}

// Option configures a Source.
type Option func(*Source)

// WithConsumer sets the consumer name within the group. Default: "entsync".
func WithConsumer(name string) Option {
	return func(s *Source) {
		if name != "" {
			s.consumer = name
		}
	}
}

// WithBlock sets how long a read waits for messages. Default: 5s.
// Panics if d <= 0.
func WithBlock(d time.Duration) Option {
	if d <= 0 {
		panic("redisstream: block must be positive")
	}
	return func(s *Source) {
		s.block = d
	}
}

// WithCount sets how many messages a read returns at most. Default: 10.
// Panics if n <= 0.
func WithCount(n int64) Option {
	if n <= 0 {
		panic("redisstream: count must be positive")
	}
	return func(s *Source) {
		s.count = n
	}
}

// WithMaxDeliveries sets how often a change is delivered before a Nack
// moves it to the dead stream. Default: 5. Panics if n <= 0.
func WithMaxDeliveries(n int) Option {
	if n <= 0 {
		panic("redisstream: max deliveries must be positive")
	}
	return func(s *Source) {
		s.maxDeliveries = n
	}
}

// WithLogger sets the logger. If nil, uses slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Source is a pipeline.StreamSource reading a stream through a consumer
// group. A nacked change is appended again with its attempt count raised
// and the original message acknowledged.
type Source struct {
	client        redis.UniversalClient
	stream        string
	group         string
	consumer      string
	block         time.Duration
	count         int64
	maxDeliveries int
	logger        *slog.Logger

	changes chan pipeline.Change
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

var _ pipeline.StreamSource = (*Source)(nil)

// New creates a source. Panics if client is nil or stream or group is
// empty.
func New(client redis.UniversalClient, stream, group string, opts ...Option) *Source {
	if client == nil {
		panic("redisstream: client cannot be nil")
	}
	if stream == "" || group == "" {
		panic("redisstream: stream and group are required")
	}
	s := &Source{
		client:        client,
		stream:        stream,
		group:         group,
		consumer:      "entsync",
		block:         5 * time.Second,
		count:         10,
		maxDeliveries: 5,
		logger:        slog.Default(),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.changes = make(chan pipeline.Change, s.count)
	return s
}

// Start creates the consumer group if needed and begins reading. The
// Changes channel is closed when ctx is done or Close is called.
func (s *Source) Start(ctx context.Context) error {
	select {
	case <-s.done:
		return pipeline.ErrSourceClosed
	default:
	}
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	go s.readLoop(ctx)
	return nil
}

func (s *Source) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.changes)

	for ctx.Err() == nil {
		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, ">"},
			Count:    s.count,
			Block:    s.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			s.logger.Error("failed to read from stream", "stream", s.stream, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c, err := decode(msg)
				if err != nil {
					s.logger.Warn("dropping malformed message", "id", msg.ID, "error", err)
					_ = s.client.XAck(ctx, s.stream, s.group, msg.ID).Err()
					continue
				}
				select {
				case s.changes <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Changes implements pipeline.StreamSource.
func (s *Source) Changes() <-chan pipeline.Change { return s.changes }

// Ack implements pipeline.StreamSource.
func (s *Source) Ack(ctx context.Context, c pipeline.Change) error {
	return s.client.XAck(ctx, s.stream, s.group, c.Cursor).Err()
}

// Nack implements pipeline.StreamSource.
func (s *Source) Nack(ctx context.Context, c pipeline.Change, cause error) error {
	c.Attempts++
	target := s.stream
	if c.Attempts >= s.maxDeliveries {
		target = s.stream + DeadSuffix
		s.logger.Warn("moving change to dead stream", "id", c.ID, "attempts", c.Attempts, "error", cause)
	}

	values, err := encode(c)
	if err != nil {
		return err
	}
	cursor := c.Cursor
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: target, Values: values})
		pipe.XAck(ctx, s.stream, s.group, cursor)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue change %s: %w", c.ID, err)
	}
	return nil
}

// Dead returns the length of the dead stream.
func (s *Source) Dead(ctx context.Context) (int, error) {
	n, err := s.client.XLen(ctx, s.stream+DeadSuffix).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close stops reading and waits for the read loop to exit, which may take
// up to the block duration.
func (s *Source) Close() error {
	s.once.Do(func() {
		if s.cancel == nil {
			close(s.changes)
			close(s.done)
			return
		}
		s.cancel()
	})
	<-s.done
	return nil
}
