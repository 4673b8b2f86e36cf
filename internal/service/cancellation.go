package service

import (
	"context"
	"sync/atomic"
)

// CancellationToken is shared by every task working for one session. Cancel
// is called when the client disconnects; MarkClosed when a send on the
// session channel fails. Either one stops the session at its next checkpoint.
type CancellationToken struct {
	cancelled atomic.Bool
	closed    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCancellationToken derives a token whose context is cancelled together with the token.
func NewCancellationToken(parent context.Context) *CancellationToken {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &CancellationToken{ctx: ctx, cancel: cancel}
}

// Cancel requests that the session stop. Safe to call repeatedly.
func (t *CancellationToken) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

// MarkClosed records that the session channel can no longer be written to.
func (t *CancellationToken) MarkClosed() {
	t.closed.Store(true)
	t.cancel()
}

// Cancelled reports whether the session should stop.
func (t *CancellationToken) Cancelled() bool {
	return t.cancelled.Load() || t.closed.Load()
}

// ChannelClosed reports whether a send has already failed.
func (t *CancellationToken) ChannelClosed() bool {
	return t.closed.Load()
}

// Context is cancelled once the token is cancelled or the channel is closed.
func (t *CancellationToken) Context() context.Context {
	return t.ctx
}
