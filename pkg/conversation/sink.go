package conversation

import "context"

// Chunk is one generated fragment forwarded to a Sink.
type Chunk struct {
	ConversationID string
	TurnID         string
	Seq            int
	Text           string
}

// Sink receives chunks in arrival order while a turn streams.
type Sink interface {
	PublishChunk(ctx context.Context, chunk Chunk) error
}

type SinkFunc func(ctx context.Context, chunk Chunk) error

func (f SinkFunc) PublishChunk(ctx context.Context, chunk Chunk) error {
	return f(ctx, chunk)
}

// TurnEnd describes how a turn terminated.
type TurnEnd struct {
	ConversationID string
	TurnID         string
	Text           string
	Aborted        bool
	Err            error
}

// TurnEndSink is implemented by sinks that also want to hear when a turn ends.
type TurnEndSink interface {
	PublishTurnEnd(ctx context.Context, end TurnEnd) error
}

// Discard drops every chunk.
var Discard Sink = SinkFunc(func(context.Context, Chunk) error { return nil })
