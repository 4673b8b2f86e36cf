// Package queue abstracts the durable, offset-committed queue used to park
// evaluation sessions that could not be admitted immediately.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTopicNotFound is returned by Publish when the target topic does not exist yet.
	ErrTopicNotFound = errors.New("queue topic not found")
	// ErrNoMessage is returned by Fetch when no message arrived within the fetch window.
	ErrNoMessage = errors.New("no message available")
	// ErrBrokerClosed is returned once Close has been called.
	ErrBrokerClosed = errors.New("broker closed")
)

// DefaultFetchWait bounds how long a single Fetch blocks before returning ErrNoMessage.
const DefaultFetchWait = 5 * time.Second

// Message is one entry read from the queue. ID is the broker position that
// Commit advances the consumer cursor past.
type Message struct {
	ID      string
	Payload []byte

	handle interface{}
}

// Broker is a single-topic durable queue with a consumer-group cursor.
type Broker interface {
	// Publish appends payload to the topic. It returns ErrTopicNotFound when
	// the topic has not been created.
	Publish(ctx context.Context, payload []byte) error
	// EnsureTopic creates the topic (and the consumer group) if absent.
	EnsureTopic(ctx context.Context) error
	// Fetch returns the next undelivered message for the consumer group.
	Fetch(ctx context.Context) (Message, error)
	// Commit advances the consumer cursor past msg.
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// Dialer opens a broker connection on demand.
type Dialer func(ctx context.Context) (Broker, error)

// Shared returns a Dialer that always hands out b. Close on the returned
// brokers is a no-op; the caller closes b itself.
func Shared(b Broker) Dialer {
	shared := sharedBroker{Broker: b}
	return func(context.Context) (Broker, error) {
		return shared, nil
	}
}

type sharedBroker struct {
	Broker
}

func (sharedBroker) Close() error { return nil }
