package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig names the stream, subject and durable consumer used by JetStreamBroker.
type JetStreamConfig struct {
	Stream    string
	Subject   string
	Durable   string
	FetchWait time.Duration
	AckWait   time.Duration
}

// JetStreamBroker maps the queue onto a NATS JetStream work-queue stream with a
// durable pull consumer. Ack commits a message.
type JetStreamBroker struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  JetStreamConfig

	mu       sync.Mutex
	consumer jetstream.Consumer
	closed   bool
}

// NewJetStreamBroker wraps an existing NATS connection.
func NewJetStreamBroker(conn *nats.Conn, cfg JetStreamConfig) (*JetStreamBroker, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	if cfg.Subject == "" {
		cfg.Subject = strings.ReplaceAll(cfg.Stream, "_", ".")
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = DefaultFetchWait
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Minute
	}

	return &JetStreamBroker{conn: conn, js: js, cfg: cfg}, nil
}

func (b *JetStreamBroker) Publish(ctx context.Context, payload []byte) error {
	if b.isClosed() {
		return ErrBrokerClosed
	}

	if _, err := b.js.Publish(ctx, b.cfg.Subject, payload); err != nil {
		if errors.Is(err, jetstream.ErrNoStreamResponse) || errors.Is(err, nats.ErrNoResponders) {
			return ErrTopicNotFound
		}
		return fmt.Errorf("publish %s: %w", b.cfg.Subject, err)
	}

	return nil
}

func (b *JetStreamBroker) EnsureTopic(ctx context.Context) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.cfg.Stream,
		Subjects:  []string{b.cfg.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", b.cfg.Stream, err)
	}
	return nil
}

func (b *JetStreamBroker) Fetch(ctx context.Context) (Message, error) {
	if b.isClosed() {
		return Message{}, ErrBrokerClosed
	}

	consumer, err := b.durableConsumer(ctx)
	if err != nil {
		return Message{}, err
	}

	batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(b.cfg.FetchWait))
	if err != nil {
		return Message{}, fmt.Errorf("fetch from %s: %w", b.cfg.Stream, err)
	}

	for msg := range batch.Messages() {
		id := ""
		if meta, err := msg.Metadata(); err == nil {
			id = strconv.FormatUint(meta.Sequence.Stream, 10)
		}
		return Message{ID: id, Payload: msg.Data(), handle: msg}, nil
	}

	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return Message{}, fmt.Errorf("fetch from %s: %w", b.cfg.Stream, err)
	}
	return Message{}, ErrNoMessage
}

func (b *JetStreamBroker) Commit(ctx context.Context, msg Message) error {
	jsMsg, ok := msg.handle.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("message %s was not fetched from jetstream", msg.ID)
	}
	if err := jsMsg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", msg.ID, err)
	}
	return nil
}

// Close marks the broker closed. The NATS connection is owned by the caller.
func (b *JetStreamBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *JetStreamBroker) durableConsumer(ctx context.Context) (jetstream.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consumer != nil {
		return b.consumer, nil
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       b.cfg.Durable,
		FilterSubject: b.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.Stream, cfg)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		if ensureErr := b.EnsureTopic(ctx); ensureErr != nil {
			return nil, ensureErr
		}
		consumer, err = b.js.CreateOrUpdateConsumer(ctx, b.cfg.Stream, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("create durable consumer %s: %w", b.cfg.Durable, err)
	}

	b.consumer = consumer
	return consumer, nil
}

func (b *JetStreamBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
