// Package kafkastream carries pipeline changes over Kafka topics.
package kafkastream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/erfanmomeniii/entsync/pipeline"
)

// Header keys set on produced messages.
const (
	HeaderChangeID  = "entsync-change-id"
	HeaderEntity    = "entsync-entity"
	HeaderOperation = "entsync-operation"
)

// MessageReader is the subset of *kafka.Reader used by Source.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter is the subset of *kafka.Writer used by Writer and Source.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message encodes c. The message key is c.Key() so that changes to one
// record stay ordered within a partition.
func Message(c pipeline.Change) (kafka.Message, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode change %s: %w", c.ID, err)
	}
	return kafka.Message{
		Key:   []byte(c.Key()),
		Value: data,
		Headers: []kafka.Header{
			{Key: HeaderChangeID, Value: []byte(c.ID)},
			{Key: HeaderEntity, Value: []byte(c.Entity)},
			{Key: HeaderOperation, Value: []byte(c.Operation.String())},
		},
	}, nil
}

// Decode decodes a message produced by Message. The cursor records the
// message position as topic/partition/offset.
func Decode(msg kafka.Message) (pipeline.Change, error) {
	var c pipeline.Change
	if err := json.Unmarshal(msg.Value, &c); err != nil {
		return c, fmt.Errorf("decode %s: %w", cursor(msg), err)
	}
	c.Cursor = cursor(msg)
	return c, nil
}

func cursor(msg kafka.Message) string {
	return msg.Topic + "/" + strconv.Itoa(msg.Partition) + "/" + strconv.FormatInt(msg.Offset, 10)
}

func position(cur string) (kafka.Message, error) {
	i := strings.LastIndexByte(cur, '/')
	j := strings.LastIndexByte(cur[:max(i, 0)], '/')
	if i < 0 || j < 0 {
		return kafka.Message{}, fmt.Errorf("kafkastream: invalid cursor %q", cur)
	}
	partition, err := strconv.Atoi(cur[j+1 : i])
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafkastream: invalid cursor %q: %w", cur, err)
	}
	offset, err := strconv.ParseInt(cur[i+1:], 10, 64)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafkastream: invalid cursor %q: %w", cur, err)
	}
	return kafka.Message{Topic: cur[:j], Partition: partition, Offset: offset}, nil
}

// Writer produces changes to a topic.
type Writer struct {
	w      MessageWriter
	logger *slog.Logger
}

// NewWriter creates a writer producing to topic on brokers.
func NewWriter(brokers []string, topic string, logger *slog.Logger) *Writer {
	return WrapWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}, logger)
}

// WrapWriter creates a writer over w. Panics if w is nil.
func WrapWriter(w MessageWriter, logger *slog.Logger) *Writer {
	if w == nil {
		panic("kafkastream: writer cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{w: w, logger: logger}
}

// Publish writes changes as one batch.
func (w *Writer) Publish(ctx context.Context, changes ...pipeline.Change) error {
	msgs := make([]kafka.Message, 0, len(changes))
	for _, c := range changes {
		m, err := Message(c)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return nil
	}
	return w.w.WriteMessages(ctx, msgs...)
}

// Apply implements pipeline.Applier. The batch is written at once; a
// write failure fails every change.
func (w *Writer) Apply(ctx context.Context, changes []pipeline.Change) ([]pipeline.Change, []pipeline.Change, error) {
	if err := w.Publish(ctx, changes...); err != nil {
		if ctx.Err() != nil {
			return nil, changes, ctx.Err()
		}
		w.logger.Error("failed to write messages", "count", len(changes), "error", err)
		return nil, changes, nil
	}
	return changes, nil, nil
}

// Close closes the underlying writer.
func (w *Writer) Close() error { return w.w.Close() }

// Option configures a Source.
type Option func(*Source)

// WithRetry makes Nack produce the change again through w with its
// attempt count raised, then commit the original. After maxDeliveries
// the change goes to dead instead, when dead is non-nil. Without this
// option a nacked change is left uncommitted.
func WithRetry(w MessageWriter, dead MessageWriter, maxDeliveries int) Option {
	if w == nil {
		panic("kafkastream: retry writer cannot be nil")
	}
	if maxDeliveries <= 0 {
		panic("kafkastream: max deliveries must be positive")
	}
	return func(s *Source) {
		s.retry, s.dead, s.maxDeliveries = w, dead, maxDeliveries
	}
}

// WithBuffer sets the Changes channel buffer. Default: 100.
func WithBuffer(n int) Option {
	if n < 0 {
		panic("kafkastream: buffer cannot be negative")
	}
	return func(s *Source) {
		s.buffer = n
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

// Source is a pipeline.StreamSource over a consumer group. Offsets are
// committed on Ack only.
type Source struct {
	reader        MessageReader
	retry         MessageWriter
	dead          MessageWriter
	maxDeliveries int
	buffer        int
	logger        *slog.Logger

	changes   chan pipeline.Change
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
	started   bool
	mu        sync.Mutex
	deadCount atomic.Int64
}

var _ pipeline.StreamSource = (*Source)(nil)

// New creates a source consuming topic as groupID.
func New(brokers []string, topic, groupID string, opts ...Option) *Source {
	return Wrap(kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	}), opts...)
}

// Wrap creates a source over r. Panics if r is nil.
func Wrap(r MessageReader, opts ...Option) *Source {
	if r == nil {
		panic("kafkastream: reader cannot be nil")
	}
	s := &Source{
		reader: r,
		buffer: 100,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.changes = make(chan pipeline.Change, s.buffer)
	return s
}

// Start begins fetching messages. The Changes channel is closed when ctx
// is done or Close is called.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	select {
	case <-s.done:
		return pipeline.ErrSourceClosed
	default:
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	go s.readLoop(ctx)
	return nil
}

func (s *Source) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.changes)

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("failed to fetch message", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		c, err := Decode(msg)
		if err != nil {
			s.logger.Warn("skipping malformed message", "cursor", cursor(msg), "error", err)
			_ = s.reader.CommitMessages(ctx, msg)
			continue
		}
		select {
		case s.changes <- c:
			s.logger.Debug("received change",
				"id", c.ID,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		case <-ctx.Done():
			return
		}
	}
}

// Changes implements pipeline.StreamSource.
func (s *Source) Changes() <-chan pipeline.Change { return s.changes }

// Ack implements pipeline.StreamSource.
func (s *Source) Ack(ctx context.Context, c pipeline.Change) error {
	pos, err := position(c.Cursor)
	if err != nil {
		return err
	}
	return s.reader.CommitMessages(ctx, pos)
}

// Nack implements pipeline.StreamSource.
func (s *Source) Nack(ctx context.Context, c pipeline.Change, cause error) error {
	s.logger.Warn("change failed", "id", c.ID, "cursor", c.Cursor, "error", cause)
	if s.retry == nil {
		return nil
	}

	c.Attempts++
	target, dead := s.retry, c.Attempts >= s.maxDeliveries
	if dead {
		if s.dead == nil {
			return s.Ack(ctx, c)
		}
		target = s.dead
	}
	msg, err := Message(c)
	if err != nil {
		return err
	}
	if err := target.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("requeue change %s: %w", c.ID, err)
	}
	if dead {
		s.deadCount.Add(1)
	}
	return s.Ack(ctx, c)
}

// Dead returns how many changes this source has written to the dead
// topic.
func (s *Source) Dead(context.Context) (int, error) {
	return int(s.deadCount.Load()), nil
}

// Close stops fetching and closes the reader.
func (s *Source) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.started {
			s.cancel()
			<-s.done
		} else {
			close(s.changes)
			close(s.done)
		}
		err = s.reader.Close()
	})
	return err
}
