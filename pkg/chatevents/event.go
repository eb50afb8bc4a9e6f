// Package chatevents carries streamed turn output over watermill topics, one topic per
// conversation.
package chatevents

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type EventType string

const (
	EventChunk   EventType = "chunk"
	EventDone    EventType = "done"
	EventAborted EventType = "aborted"
	EventError   EventType = "error"
)

// Event is the JSON payload of one watermill message. Seq is the chunk sequence within a
// turn; terminal events carry the full text produced so far.
type Event struct {
	Type   EventType `json:"type"`
	ConvID string    `json:"conv_id"`
	TurnID string    `json:"turn_id"`
	Seq    int       `json:"seq,omitempty"`
	Text   string    `json:"text,omitempty"`
	Error  string    `json:"error,omitempty"`
	// Cursor is the transport position, set on the consuming side only.
	Cursor uint64 `json:"cursor,omitempty"`
}

func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventAborted || e.Type == EventError
}

func TopicForConversation(convID string) string { return "chat:" + convID }

func DecodeEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, errors.Wrap(err, "decode chat event")
	}
	if ev.Type == "" {
		return Event{}, errors.New("decode chat event: missing type")
	}
	return ev, nil
}
