package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPayloadField = "payload"

// RedisStreamConfig names the stream, consumer group and consumer used by RedisStreamBroker.
type RedisStreamConfig struct {
	Stream    string
	Group     string
	Consumer  string
	FetchWait time.Duration
}

// RedisStreamBroker maps the queue onto a Redis stream: the stream is the
// topic, the consumer group holds the cursor and XACK commits an entry.
// Entries delivered to this consumer but never acknowledged are returned
// again by the first fetches after start. An entry whose XACK fails is handed
// out again by the next Fetch.
type RedisStreamBroker struct {
	client *redis.Client
	cfg    RedisStreamConfig

	mu             sync.Mutex
	groupReady     bool
	closed         bool
	pendingDrained bool
	pendingCursor  string
	retry          []Message
}

// NewRedisStreamBroker wraps an existing Redis client.
func NewRedisStreamBroker(client *redis.Client, cfg RedisStreamConfig) *RedisStreamBroker {
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-1"
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = DefaultFetchWait
	}

	return &RedisStreamBroker{client: client, cfg: cfg, pendingCursor: "0"}
}

func (b *RedisStreamBroker) Publish(ctx context.Context, payload []byte) error {
	if b.isClosed() {
		return ErrBrokerClosed
	}

	exists, err := b.client.Exists(ctx, b.cfg.Stream).Result()
	if err != nil {
		return fmt.Errorf("check stream %s: %w", b.cfg.Stream, err)
	}
	if exists == 0 {
		return ErrTopicNotFound
	}

	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]interface{}{redisPayloadField: string(payload)},
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", b.cfg.Stream, err)
	}

	return nil
}

func (b *RedisStreamBroker) EnsureTopic(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group %s/%s: %w", b.cfg.Stream, b.cfg.Group, err)
	}

	b.mu.Lock()
	b.groupReady = true
	b.mu.Unlock()
	return nil
}

func (b *RedisStreamBroker) Fetch(ctx context.Context) (Message, error) {
	if b.isClosed() {
		return Message{}, ErrBrokerClosed
	}

	if !b.ready() {
		if err := b.EnsureTopic(ctx); err != nil {
			return Message{}, err
		}
	}

	if msg, ok := b.nextRetry(); ok {
		return msg, nil
	}

	if msg, ok, err := b.fetchPending(ctx); err != nil || ok {
		return msg, err
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{b.cfg.Stream, ">"},
		Count:    1,
		Block:    b.cfg.FetchWait,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Message{}, ErrNoMessage
		}
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			b.mu.Lock()
			b.groupReady = false
			b.mu.Unlock()
			return Message{}, ErrNoMessage
		}
		return Message{}, fmt.Errorf("xreadgroup %s: %w", b.cfg.Stream, err)
	}

	for _, stream := range streams {
		for _, entry := range stream.Messages {
			payload, _ := entry.Values[redisPayloadField].(string)
			return Message{ID: entry.ID, Payload: []byte(payload)}, nil
		}
	}

	return Message{}, ErrNoMessage
}

func (b *RedisStreamBroker) fetchPending(ctx context.Context) (Message, bool, error) {
	b.mu.Lock()
	drained, cursor := b.pendingDrained, b.pendingCursor
	b.mu.Unlock()
	if drained {
		return Message{}, false, nil
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{b.cfg.Stream, cursor},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Message{}, false, fmt.Errorf("read pending %s: %w", b.cfg.Stream, err)
	}

	for _, stream := range streams {
		for _, entry := range stream.Messages {
			b.mu.Lock()
			b.pendingCursor = entry.ID
			b.mu.Unlock()

			payload, _ := entry.Values[redisPayloadField].(string)
			return Message{ID: entry.ID, Payload: []byte(payload)}, true, nil
		}
	}

	b.mu.Lock()
	b.pendingDrained = true
	b.mu.Unlock()
	return Message{}, false, nil
}

func (b *RedisStreamBroker) Commit(ctx context.Context, msg Message) error {
	if err := b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, msg.ID).Err(); err != nil {
		// The entry stays pending for this consumer; hand it out again.
		b.mu.Lock()
		b.retry = append(b.retry, msg)
		b.mu.Unlock()
		return fmt.Errorf("xack %s: %w", msg.ID, err)
	}
	return nil
}

func (b *RedisStreamBroker) nextRetry() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.retry) == 0 {
		return Message{}, false
	}
	msg := b.retry[0]
	b.retry = b.retry[1:]
	return msg, true
}

// Close marks the broker closed. The Redis client is owned by the caller.
func (b *RedisStreamBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *RedisStreamBroker) ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.groupReady
}

func (b *RedisStreamBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
