package conversation

import (
	"sync"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
)

const DefaultMaxContext = 20

// RefreshContext bounds messages to maxContext entries. Over the bound it keeps the first
// maxContext/2 user messages followed by the last maxContext/2 messages overall, both in
// their original order. Middle history and early assistant turns are dropped first.
func RefreshContext(messages []engine.Message, maxContext int) []engine.Message {
	if maxContext <= 0 {
		maxContext = DefaultMaxContext
	}
	if len(messages) <= maxContext {
		return append([]engine.Message(nil), messages...)
	}
	half := maxContext / 2
	out := make([]engine.Message, 0, 2*half)
	for _, m := range messages {
		if len(out) == half {
			break
		}
		if m.Role == engine.RoleUser {
			out = append(out, m)
		}
	}
	return append(out, messages[len(messages)-half:]...)
}

// Window is a bounded, policy-truncated context of prior turns.
type Window struct {
	mu       sync.Mutex
	max      int
	messages []engine.Message
}

func NewWindow(maxContext int) *Window {
	if maxContext <= 0 {
		maxContext = DefaultMaxContext
	}
	return &Window{max: maxContext}
}

func (w *Window) Max() int { return w.max }

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages)
}

func (w *Window) Messages() []engine.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]engine.Message(nil), w.messages...)
}

// Append adds messages and truncates if the window would exceed its bound.
func (w *Window) Append(msgs ...engine.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msgs...)
	if len(w.messages) > w.max {
		w.messages = RefreshContext(w.messages, w.max)
	}
}

// Load replaces the window with history reloaded from storage.
func (w *Window) Load(history []engine.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = RefreshContext(history, w.max)
}

func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = nil
}
