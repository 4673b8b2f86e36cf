package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/dissertation-eval-api/internal/dto"
)

// ErrReconnectTimeout is returned when a queued client does not reopen its channel in time.
var ErrReconnectTimeout = errors.New("client did not reconnect in time")

// Channel is a bidirectional JSON message channel to one client.
// SetReadDeadline must unblock a pending ReadMessage once the deadline passes.
type Channel interface {
	WriteJSON(v interface{}) error
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// ReconnectHandshake resumes a queued session: it asks the client to reconnect
// and waits for the new evaluation channel.
type ReconnectHandshake interface {
	NotifyReconnect(sessionID string) bool
	AwaitReconnect(ctx context.Context, sessionID string, timeout time.Duration) (*ResumedChannel, error)
}

// ResumedChannel is an evaluation channel reopened by a queued client. The
// worker that claims it calls Release when it no longer writes to it.
type ResumedChannel struct {
	Channel

	sessionID string
	token     *CancellationToken
	claimed   bool
	done      chan struct{}
	once      sync.Once
}

// SessionID returns the queued session the channel belongs to.
func (c *ResumedChannel) SessionID() string {
	return c.sessionID
}

// Token is cancelled when the client drops the resumed channel.
func (c *ResumedChannel) Token() *CancellationToken {
	return c.token
}

// Done is closed once the claiming worker has released the channel.
func (c *ResumedChannel) Done() <-chan struct{} {
	return c.done
}

// Release signals that the worker is finished with the channel.
func (c *ResumedChannel) Release() {
	c.once.Do(func() { close(c.done) })
}

type notifierEntry struct {
	mu      sync.Mutex
	channel Channel
}

// ReconnectRegistry tracks notification channels and resumed evaluation
// channels by session id.
type ReconnectRegistry struct {
	mu           sync.Mutex
	notifiers    map[string]*notifierEntry
	resumed      map[string]*ResumedChannel
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewReconnectRegistry creates an empty registry polling at pollInterval.
func NewReconnectRegistry(pollInterval time.Duration, logger zerolog.Logger) *ReconnectRegistry {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &ReconnectRegistry{
		notifiers:    make(map[string]*notifierEntry),
		resumed:      make(map[string]*ResumedChannel),
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "reconnect_registry").Logger(),
	}
}

// RegisterNotifier stores the notification channel for sessionID, replacing
// any previous one. The returned func removes it again.
func (r *ReconnectRegistry) RegisterNotifier(sessionID string, channel Channel) func() {
	entry := &notifierEntry{channel: channel}

	r.mu.Lock()
	r.notifiers[sessionID] = entry
	r.mu.Unlock()

	r.logger.Info().Str("session_id", sessionID).Msg("notification channel registered")

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if current, ok := r.notifiers[sessionID]; ok && current == entry {
			delete(r.notifiers, sessionID)
		}
	}
}

// NotifyReconnect pushes a reconnect event on the session's notification
// channel. A missing or broken channel is logged and reported as false.
func (r *ReconnectRegistry) NotifyReconnect(sessionID string) bool {
	r.mu.Lock()
	entry, ok := r.notifiers[sessionID]
	r.mu.Unlock()

	if !ok {
		r.logger.Warn().Str("session_id", sessionID).Msg("no active notification channel for session")
		return false
	}

	entry.mu.Lock()
	err := entry.channel.WriteJSON(dto.ReconnectEvent{Type: dto.EventReconnect, SessionID: sessionID})
	entry.mu.Unlock()
	if err != nil {
		r.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to notify client to reconnect")
		return false
	}

	r.logger.Info().Str("session_id", sessionID).Msg("notified client to reconnect")
	return true
}

// RegisterResumed stores a reopened evaluation channel. The returned func
// unregisters it and reports whether a worker had already claimed it.
func (r *ReconnectRegistry) RegisterResumed(ctx context.Context, sessionID string, channel Channel) (*ResumedChannel, func() bool) {
	resumed := &ResumedChannel{
		Channel:   channel,
		sessionID: sessionID,
		token:     NewCancellationToken(ctx),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if previous, ok := r.resumed[sessionID]; ok && !previous.claimed {
		previous.token.Cancel()
	}
	r.resumed[sessionID] = resumed
	r.mu.Unlock()

	r.logger.Info().Str("session_id", sessionID).Msg("client reconnected")

	return resumed, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		if current, ok := r.resumed[sessionID]; ok && current == resumed {
			delete(r.resumed, sessionID)
		}
		return resumed.claimed
	}
}

// AwaitReconnect polls for the resumed channel of sessionID until it appears,
// timeout elapses or ctx is done. The returned channel is claimed by the caller.
func (r *ReconnectRegistry) AwaitReconnect(ctx context.Context, sessionID string, timeout time.Duration) (*ResumedChannel, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r.logger.Info().Str("session_id", sessionID).Dur("timeout", timeout).Msg("waiting for client to reconnect")

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if resumed := r.claim(sessionID); resumed != nil {
			return resumed, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if resumed := r.claim(sessionID); resumed != nil {
				return resumed, nil
			}
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrReconnectTimeout)
		case <-ticker.C:
		}
	}
}

func (r *ReconnectRegistry) claim(sessionID string) *ResumedChannel {
	r.mu.Lock()
	defer r.mu.Unlock()

	resumed, ok := r.resumed[sessionID]
	if !ok || resumed.claimed {
		return nil
	}
	resumed.claimed = true
	delete(r.resumed, sessionID)
	return resumed
}

// NotifierCount returns the number of registered notification channels.
func (r *ReconnectRegistry) NotifierCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notifiers)
}
