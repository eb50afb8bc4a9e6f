package cancellation

import (
	"context"
	"sync"
	"sync/atomic"
)

// Token is a single-use cooperative stop signal. It moves from active to cancelled exactly
// once. A nil *Token is valid and never cancelled.
type Token struct {
	id        uint64
	slot      string
	cancelled atomic.Bool
	once      sync.Once
	done      chan struct{}

	// replaces is the id of the token an abort cancelled to make room for this one.
	replaces uint64
}

func newToken(slot string, id uint64) *Token {
	return &Token{id: id, slot: slot, done: make(chan struct{})}
}

// New returns a standalone token not tracked by any hub.
func New() *Token {
	return newToken("", 0)
}

func (t *Token) ID() uint64 {
	if t == nil {
		return 0
	}
	return t.id
}

func (t *Token) Slot() string {
	if t == nil {
		return ""
	}
	return t.slot
}

// Cancelled is a single atomic load, cheap enough for every chunk boundary.
func (t *Token) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// Done is closed when the token is cancelled. It is nil for a nil token.
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

// Cancel cancels a standalone token. Tokens issued by a Hub should be cancelled through
// Hub.Cancel so the slot gets a fresh token.
func (t *Token) Cancel() bool {
	return t.cancel()
}

func (t *Token) cancel() bool {
	if t == nil {
		return false
	}
	fired := false
	t.once.Do(func() {
		t.cancelled.Store(true)
		close(t.done)
		fired = true
	})
	return fired
}

// Context derives a context that is cancelled when either parent is done or the token is
// cancelled. The returned CancelFunc must be called to release the watcher.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if t == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
