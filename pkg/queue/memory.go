package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
)

// MemoryBroker is an in-process broker backed by a watermill GoChannel. A
// single pump subscription drains the topic into a FIFO buffer that Fetch
// reads from, so messages are handed out in publish order. Messages do not
// survive a process restart; it is meant for development and tests.
type MemoryBroker struct {
	pubSub    *gochannel.GoChannel
	topic     string
	fetchWait time.Duration

	publishMu sync.Mutex

	mu      sync.Mutex
	created bool
	closed  bool
	subErr  error
	pending []Message
	ready   chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewMemoryBroker creates an in-process broker for topic.
func NewMemoryBroker(topic string, fetchWait time.Duration, logger zerolog.Logger) *MemoryBroker {
	if fetchWait <= 0 {
		fetchWait = DefaultFetchWait
	}

	// Publish returns once the pump has acked the message, which keeps
	// concurrent subscriber goroutines from reordering deliveries.
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, NewWatermillLogger(logger))

	b := &MemoryBroker{
		pubSub:    pubSub,
		topic:     topic,
		fetchWait: fetchWait,
		ready:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	messages, err := pubSub.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		b.subErr = fmt.Errorf("subscribe %s: %w", topic, err)
		return b
	}
	b.cancel = cancel
	go b.pump(messages)
	return b
}

func (b *MemoryBroker) pump(messages <-chan *message.Message) {
	for msg := range messages {
		b.mu.Lock()
		b.pending = append(b.pending, Message{ID: msg.UUID, Payload: msg.Payload, handle: b})
		b.mu.Unlock()

		select {
		case b.ready <- struct{}{}:
		default:
		}
		msg.Ack()
	}
}

func (b *MemoryBroker) Publish(_ context.Context, payload []byte) error {
	b.mu.Lock()
	closed, created, subErr := b.closed, b.created, b.subErr
	b.mu.Unlock()

	switch {
	case closed:
		return ErrBrokerClosed
	case subErr != nil:
		return subErr
	case !created:
		return ErrTopicNotFound
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubSub.Publish(b.topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", b.topic, err)
	}
	return nil
}

func (b *MemoryBroker) EnsureTopic(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	b.created = true
	return nil
}

// Fetch returns the oldest buffered message. Fetching also creates the topic,
// as joining a consumer group does on the durable backends.
func (b *MemoryBroker) Fetch(ctx context.Context) (Message, error) {
	if msg, ok, err := b.next(); ok || err != nil {
		return msg, err
	}

	timer := time.NewTimer(b.fetchWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-b.done:
			return Message{}, ErrBrokerClosed
		case <-timer.C:
			if msg, ok, err := b.next(); ok || err != nil {
				return msg, err
			}
			return Message{}, ErrNoMessage
		case <-b.ready:
			if msg, ok, err := b.next(); ok || err != nil {
				return msg, err
			}
		}
	}
}

func (b *MemoryBroker) next() (Message, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Message{}, false, ErrBrokerClosed
	}
	if b.subErr != nil {
		return Message{}, false, b.subErr
	}
	b.created = true
	if len(b.pending) == 0 {
		return Message{}, false, nil
	}
	msg := b.pending[0]
	b.pending = b.pending[1:]
	return msg, true, nil
}

// Commit accepts messages fetched from this broker. Delivery is already
// settled with watermill when the pump buffers a message.
func (b *MemoryBroker) Commit(_ context.Context, msg Message) error {
	if owner, ok := msg.handle.(*MemoryBroker); !ok || owner != b {
		return fmt.Errorf("message %s was not fetched from the memory broker", msg.ID)
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel := b.cancel
	close(b.done)
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return b.pubSub.Close()
}

// WatermillLogger adapts zerolog to watermill's LoggerAdapter.
type WatermillLogger struct {
	logger zerolog.Logger
}

// NewWatermillLogger wraps logger for use by watermill components.
func NewWatermillLogger(logger zerolog.Logger) watermill.LoggerAdapter {
	return WatermillLogger{logger: logger.With().Str("component", "watermill").Logger()}
}

func (l WatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (l WatermillLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (l WatermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (l WatermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (l WatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return WatermillLogger{logger: l.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
