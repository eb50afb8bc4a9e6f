package chatevents

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/go-go-golems/nano-chat/pkg/conversation"
)

// Publisher turns coordinator output into events on the conversation's topic.
type Publisher struct {
	pub message.Publisher
}

var _ conversation.Sink = &Publisher{}
var _ conversation.TurnEndSink = &Publisher{}

func NewPublisher(pub message.Publisher) *Publisher {
	return &Publisher{pub: pub}
}

func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal chat event")
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.SetContext(ctx)
	msg.Metadata.Set("conv_id", ev.ConvID)
	msg.Metadata.Set("turn_id", ev.TurnID)
	msg.Metadata.Set("type", string(ev.Type))
	if err := p.pub.Publish(TopicForConversation(ev.ConvID), msg); err != nil {
		return errors.Wrapf(err, "publish %s event", ev.Type)
	}
	return nil
}

func (p *Publisher) PublishChunk(ctx context.Context, c conversation.Chunk) error {
	return p.Publish(ctx, Event{
		Type:   EventChunk,
		ConvID: c.ConversationID,
		TurnID: c.TurnID,
		Seq:    c.Seq,
		Text:   c.Text,
	})
}

func (p *Publisher) PublishTurnEnd(ctx context.Context, end conversation.TurnEnd) error {
	ev := Event{
		Type:   EventDone,
		ConvID: end.ConversationID,
		TurnID: end.TurnID,
		Text:   end.Text,
	}
	switch {
	case end.Err != nil:
		ev.Type = EventError
		ev.Error = end.Err.Error()
	case end.Aborted:
		ev.Type = EventAborted
	}
	// the turn may have ended because ctx was cancelled; the terminal event still goes out
	return p.Publish(context.WithoutCancel(ctx), ev)
}
