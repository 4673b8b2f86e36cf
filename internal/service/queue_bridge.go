package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/dissertation-eval-api/internal/dto"
	"github.com/noah-isme/dissertation-eval-api/internal/observability"
	"github.com/noah-isme/dissertation-eval-api/pkg/queue"
)

// CommitMode controls when a dequeued message's offset is committed.
type CommitMode string

const (
	// CommitBeforeProcessing commits as soon as a slot is reserved (at-most-once).
	CommitBeforeProcessing CommitMode = "before_processing"
	// CommitAfterProcessing commits once the redemption task has finished (at-least-once).
	CommitAfterProcessing CommitMode = "after_processing"
)

const commitTimeout = 5 * time.Second

// SessionRunner runs one evaluation session on a channel.
type SessionRunner interface {
	Run(channel Channel, request dto.EvaluationRequest, token *CancellationToken) (EvaluationState, EvaluationOutcome)
}

// QueueBridgeConfig tunes the overflow queue consumer.
type QueueBridgeConfig struct {
	ReconnectTimeout      time.Duration
	AdmissionPollInterval time.Duration
	CommitMode            CommitMode
}

// QueueBridge parks overflowing sessions on a durable queue and redeems them
// once admission slots free up.
type QueueBridge struct {
	dial      queue.Dialer
	admission *AdmissionController
	handshake ReconnectHandshake
	runner    SessionRunner
	cfg       QueueBridgeConfig
	logger    zerolog.Logger

	mu        sync.Mutex
	producer  queue.Broker
	baseCtx   context.Context
	cancel    context.CancelFunc
	consuming bool
	loopDone  chan struct{}
	closed    bool

	workers sync.WaitGroup
}

// NewQueueBridge wires the bridge. dial is used once for the producer and once
// per consume loop.
func NewQueueBridge(dial queue.Dialer, admission *AdmissionController, handshake ReconnectHandshake, runner SessionRunner, cfg QueueBridgeConfig, logger zerolog.Logger) *QueueBridge {
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = 30 * time.Second
	}
	if cfg.AdmissionPollInterval <= 0 {
		cfg.AdmissionPollInterval = time.Second
	}
	if cfg.CommitMode == "" {
		cfg.CommitMode = CommitBeforeProcessing
	}

	return &QueueBridge{
		dial:      dial,
		admission: admission,
		handshake: handshake,
		runner:    runner,
		cfg:       cfg,
		logger:    logger.With().Str("component", "queue_bridge").Logger(),
	}
}

// Enqueue publishes request (which must carry a session id) and makes sure a
// consumer is running. A missing topic is created and the publish retried once.
func (b *QueueBridge) Enqueue(ctx context.Context, request dto.EvaluationRequest) error {
	if request.SessionID == "" {
		return fmt.Errorf("enqueue: %w", ErrMissingSessionID)
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode queued session: %w", err)
	}

	producer, err := b.producerBroker(ctx)
	if err != nil {
		observability.QueueMessages().WithLabelValues("publish_failed").Inc()
		return err
	}

	logger := b.logger.With().Str("session_id", request.SessionID).Int("payload_bytes", len(payload)).Logger()

	err = producer.Publish(ctx, payload)
	if errors.Is(err, queue.ErrTopicNotFound) {
		logger.Info().Msg("queue topic not found, creating it")
		if ensureErr := producer.EnsureTopic(ctx); ensureErr != nil {
			observability.QueueMessages().WithLabelValues("publish_failed").Inc()
			return fmt.Errorf("create queue topic: %w", ensureErr)
		}
		observability.QueueMessages().WithLabelValues("topic_created").Inc()
		err = producer.Publish(ctx, payload)
	}
	if err != nil {
		observability.QueueMessages().WithLabelValues("publish_failed").Inc()
		logger.Error().Err(err).Msg("failed to publish session to queue")
		return fmt.Errorf("publish queued session: %w", err)
	}

	observability.QueueMessages().WithLabelValues("published").Inc()
	logger.Info().Msg("session queued")

	b.ensureConsumer(context.Background())
	return nil
}

// Start launches the consume loop under ctx unless one is already running.
func (b *QueueBridge) Start(ctx context.Context) {
	b.ensureConsumer(ctx)
}

// Consuming reports whether the consume loop is running.
func (b *QueueBridge) Consuming() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consuming
}

// Wait blocks until all in-flight redemption tasks have returned.
func (b *QueueBridge) Wait() {
	b.workers.Wait()
}

// Close stops the consume loop and closes the producer. Redemption tasks
// already running are not interrupted; use Wait for them.
func (b *QueueBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.cancel != nil {
		b.cancel()
	}
	done := b.loopDone
	producer := b.producer
	b.mu.Unlock()

	if done != nil {
		<-done
	}
	if producer != nil {
		return producer.Close()
	}
	return nil
}

func (b *QueueBridge) producerBroker(ctx context.Context) (queue.Broker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, queue.ErrBrokerClosed
	}
	if b.producer != nil {
		return b.producer, nil
	}

	producer, err := b.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect queue producer: %w", err)
	}
	b.producer = producer
	return producer, nil
}

func (b *QueueBridge) ensureConsumer(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.consuming {
		return
	}
	if b.baseCtx == nil {
		b.baseCtx, b.cancel = context.WithCancel(ctx)
	}

	b.consuming = true
	b.loopDone = make(chan struct{})
	go b.consumeLoop(b.baseCtx, b.loopDone)
	b.logger.Info().Msg("queue consumer started")
}

func (b *QueueBridge) consumeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		b.mu.Lock()
		b.consuming = false
		b.mu.Unlock()
		b.logger.Info().Msg("queue consumer stopped")
	}()

	consumer, err := b.dial(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to connect queue consumer")
		return
	}
	defer func() {
		_ = consumer.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := consumer.Fetch(ctx)
		if err != nil {
			switch {
			case errors.Is(err, queue.ErrNoMessage):
				continue
			case ctx.Err() != nil, errors.Is(err, queue.ErrBrokerClosed):
				return
			}
			b.logger.Warn().Err(err).Msg("queue fetch failed")
			if !b.sleep(ctx, b.cfg.AdmissionPollInterval) {
				return
			}
			continue
		}

		b.handleMessage(ctx, consumer, msg)
	}
}

// handleMessage reserves a slot for msg and hands it to a redemption task.
// Every path that does not start the task gives the slot back.
func (b *QueueBridge) handleMessage(ctx context.Context, consumer queue.Broker, msg queue.Message) {
	if !b.waitForSlot(ctx) {
		return
	}

	handedOff := false
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("message_id", msg.ID).Msg("queue message handling panicked")
		}
		if !handedOff {
			b.admission.Release()
		}
	}()

	request, err := decodeQueuedSession(msg.Payload)
	if err != nil {
		b.logger.Error().Err(err).Str("message_id", msg.ID).Msg("skipping malformed queue message")
		observability.QueueMessages().WithLabelValues("malformed").Inc()
		b.commit(ctx, consumer, msg)
		return
	}

	logger := b.logger.With().Str("session_id", request.SessionID).Str("message_id", msg.ID).Logger()

	if b.cfg.CommitMode == CommitBeforeProcessing {
		if !b.commit(ctx, consumer, msg) {
			return
		}
		logger.Info().Msg("committed queue offset before processing")
	}

	observability.QueueMessages().WithLabelValues("dequeued").Inc()
	observability.SessionsAdmitted().WithLabelValues("dequeued").Inc()

	b.workers.Add(1)
	handedOff = true
	go b.redeem(ctx, consumer, msg, request, logger)
}

// redeem owns the slot reserved in handleMessage and releases it when done.
func (b *QueueBridge) redeem(ctx context.Context, consumer queue.Broker, msg queue.Message, request dto.EvaluationRequest, logger zerolog.Logger) {
	defer b.workers.Done()
	defer b.admission.Release()
	if b.cfg.CommitMode == CommitAfterProcessing {
		defer b.commit(ctx, consumer, msg)
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("redemption task panicked")
			observability.QueueMessages().WithLabelValues("redeem_failed").Inc()
		}
	}()

	b.handshake.NotifyReconnect(request.SessionID)

	resumed, err := b.handshake.AwaitReconnect(ctx, request.SessionID, b.cfg.ReconnectTimeout)
	if err != nil {
		logger.Warn().Err(err).Msg("abandoning queued session")
		observability.QueueMessages().WithLabelValues("reconnect_timeout").Inc()
		return
	}
	defer resumed.Release()
	defer closeChannel(resumed)

	state, _ := b.runner.Run(resumed, request, resumed.Token())
	observability.QueueMessages().WithLabelValues("redeemed").Inc()
	logger.Info().Str("state", string(state)).Msg("queued session finished")
}

func (b *QueueBridge) waitForSlot(ctx context.Context) bool {
	for {
		if b.admission.TryAcquire() {
			return true
		}
		if !b.sleep(ctx, b.cfg.AdmissionPollInterval) {
			return false
		}
	}
}

func (b *QueueBridge) commit(ctx context.Context, consumer queue.Broker, msg queue.Message) bool {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if err := consumer.Commit(commitCtx, msg); err != nil {
		b.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to commit queue offset")
		observability.QueueMessages().WithLabelValues("commit_failed").Inc()
		return false
	}
	return true
}

func (b *QueueBridge) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func decodeQueuedSession(payload []byte) (dto.EvaluationRequest, error) {
	request, err := dto.DecodeEvaluationRequest(payload)
	if err != nil {
		return dto.EvaluationRequest{}, err
	}
	if request.SessionID == "" {
		return dto.EvaluationRequest{}, ErrMissingSessionID
	}
	return request, nil
}
