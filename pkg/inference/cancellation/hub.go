// Package cancellation issues and revokes the tokens that let a caller abort an in-flight
// generation.
//
// A Hub keeps one current token per slot. A slot names a "current operation" (the REPL
// uses a single slot, the web server one slot per conversation). There is at most one
// abortable operation per slot: issuing a new token cancels the previous one, and
// cancelling a slot immediately installs a fresh token so the next turn is never blocked
// by an old cancellation.
package cancellation

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultSlot is the slot used when callers do not distinguish operations.
const DefaultSlot = "current"

type Hub struct {
	mu    sync.Mutex
	seq   uint64
	slots map[string]*Token
}

func NewHub() *Hub {
	return &Hub{slots: map[string]*Token{}}
}

func normalizeSlot(slot string) string {
	if slot == "" {
		return DefaultSlot
	}
	return slot
}

// NewToken issues a token for slot, superseding (and cancelling) the previous one.
func (h *Hub) NewToken(slot string) *Token {
	slot = normalizeSlot(slot)
	h.mu.Lock()
	prev := h.slots[slot]
	h.seq++
	tok := newToken(slot, h.seq)
	h.slots[slot] = tok
	h.mu.Unlock()

	if prev.cancel() {
		log.Debug().Str("component", "cancellation").Str("slot", slot).Uint64("token", prev.id).Msg("superseded outstanding token")
	}
	return tok
}

// current returns the slot's outstanding token, if any.
func (h *Hub) current(slot string) (*Token, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tok, ok := h.slots[normalizeSlot(slot)]
	return tok, ok
}

// Cancel cancels the slot's current token and replaces it with a fresh one. It reports
// whether a live token was cancelled. A slot with no outstanding token stays empty.
func (h *Hub) Cancel(slot string) bool {
	slot = normalizeSlot(slot)
	h.mu.Lock()
	prev, ok := h.slots[slot]
	if !ok {
		h.mu.Unlock()
		return false
	}
	h.seq++
	next := newToken(slot, h.seq)
	next.replaces = prev.id
	h.slots[slot] = next
	h.mu.Unlock()

	fired := prev.cancel()
	if fired {
		log.Info().Str("component", "cancellation").Str("slot", slot).Uint64("token", prev.id).Msg("operation cancelled")
	}
	return fired
}

// Drop cancels the slot's token and forgets the slot, for slots that will not be used
// again.
func (h *Hub) Drop(slot string) bool {
	slot = normalizeSlot(slot)
	h.mu.Lock()
	prev := h.slots[slot]
	delete(h.slots, slot)
	h.mu.Unlock()
	return prev.cancel()
}

// Release drops tok from its slot once its operation finished, unless a new operation
// superseded it. The spare token left behind by aborting tok goes with it.
func (h *Hub) Release(tok *Token) {
	if tok == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.slots[tok.slot]; ok && (cur == tok || cur.replaces == tok.id) {
		delete(h.slots, tok.slot)
	}
}

// CancelAll cancels every outstanding token and empties the hub.
func (h *Hub) CancelAll() int {
	h.mu.Lock()
	toks := make([]*Token, 0, len(h.slots))
	for _, tok := range h.slots {
		toks = append(toks, tok)
	}
	h.slots = map[string]*Token{}
	h.mu.Unlock()

	n := 0
	for _, tok := range toks {
		if tok.cancel() {
			n++
		}
	}
	return n
}
