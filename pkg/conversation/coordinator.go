// Package conversation runs chat turns against pooled inference sessions.
//
// The Coordinator acquires the conversation's session from the pool, builds a prompt from
// the system prompt, the bounded context window and the new user message, and streams
// the generated chunks to a Sink as they arrive. A turn ends in one of three ways:
// completion, cooperative cancellation (TurnResult.Aborted, not an error) or an engine
// failure (*GenerationError).
package conversation

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/nano-chat/pkg/inference/cancellation"
	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
)

// SessionPool is the part of sessionpool.Pool the coordinator needs.
type SessionPool interface {
	Acquire(ctx context.Context, convID string) (engine.Session, error)
	Shutdown()
}

type GenerationOptions struct {
	Temperature *float64
}

// TurnRequest is a single turn. Context holds the prior turns, oldest first; User is the
// new message.
type TurnRequest struct {
	ConversationID string
	SystemPrompt   string
	Context        []engine.Message
	User           engine.Message
	Options        GenerationOptions
	// Slot is the cancellation slot for this turn; empty means cancellation.DefaultSlot.
	Slot string
	// TurnID identifies the turn in published chunks; empty means a fresh uuid.
	TurnID string
}

type TurnResult struct {
	TurnID  string
	Text    string
	Aborted bool
}

type Options struct {
	MaxContext int
	Hub        *cancellation.Hub
}

type convState struct {
	mu     sync.Mutex
	window *Window
}

type Coordinator struct {
	pool       SessionPool
	hub        *cancellation.Hub
	maxContext int

	mu    sync.Mutex
	convs map[string]*convState
}

func NewCoordinator(pool SessionPool, opts Options) *Coordinator {
	hub := opts.Hub
	if hub == nil {
		hub = cancellation.NewHub()
	}
	maxContext := opts.MaxContext
	if maxContext <= 0 {
		maxContext = DefaultMaxContext
	}
	return &Coordinator{
		pool:       pool,
		hub:        hub,
		maxContext: maxContext,
		convs:      map[string]*convState{},
	}
}

func (c *Coordinator) Hub() *cancellation.Hub { return c.hub }

func (c *Coordinator) MaxContext() int { return c.maxContext }

func (c *Coordinator) state(convID string) *convState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.convs[convID]
	if !ok {
		st = &convState{window: NewWindow(c.maxContext)}
		c.convs[convID] = st
	}
	return st
}

// Window returns the conversation's context window, creating an empty one if needed.
func (c *Coordinator) Window(convID string) *Window {
	return c.state(convID).window
}

// HasWindow reports whether the conversation has an in-memory window yet.
func (c *Coordinator) HasWindow(convID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.convs[convID]
	return ok
}

// LoadHistory replaces the conversation's window with stored history, truncated. It
// waits for a running turn of the conversation.
func (c *Coordinator) LoadHistory(convID string, history []engine.Message) {
	st := c.state(convID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.window.Load(history)
}

// Forget drops the in-memory window of a conversation.
func (c *Coordinator) Forget(convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.convs, convID)
}

// RunTurn runs one turn with an explicit context and leaves the conversation window
// untouched.
func (c *Coordinator) RunTurn(ctx context.Context, req TurnRequest, sink Sink) (TurnResult, error) {
	tok := c.hub.NewToken(req.Slot)
	defer c.hub.Release(tok)

	st := c.state(req.ConversationID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return c.runTurnLocked(ctx, req, sink, tok)
}

// Chat runs a turn on top of the conversation window: the user message joins the window
// before generation and the reply (including a partial reply after cancellation) joins
// it afterwards. On failure only the user message stays in the window.
func (c *Coordinator) Chat(ctx context.Context, req TurnRequest, sink Sink) (TurnResult, error) {
	return c.ChatWith(ctx, req, TurnHooks{}, sink)
}

// TurnHooks let callers keep their own state in step with the window. Both hooks run
// while the conversation is locked, so turns of one conversation see each other's
// effects in order.
type TurnHooks struct {
	// Prepare runs before the user message joins the window. It may replace req.User.
	// When reload is true, history replaces the window.
	Prepare func(ctx context.Context, req *TurnRequest) (history []engine.Message, reload bool, err error)
	// Commit runs after generation, also for aborted turns, and not after a failure.
	Commit func(ctx context.Context, res TurnResult) error
}

// ChatWith is Chat with hooks. A turn superseded while it waited for the conversation
// returns aborted without running its hooks.
func (c *Coordinator) ChatWith(ctx context.Context, req TurnRequest, hooks TurnHooks, sink Sink) (TurnResult, error) {
	tok := c.hub.NewToken(req.Slot)
	defer c.hub.Release(tok)

	st := c.state(req.ConversationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if tok.Cancelled() {
		res := TurnResult{TurnID: req.TurnID, Aborted: true}
		if res.TurnID == "" {
			res.TurnID = uuid.NewString()
		}
		if sink == nil {
			sink = Discard
		}
		c.publishEnd(ctx, sink, req, res, nil)
		return res, nil
	}

	if hooks.Prepare != nil {
		history, reload, err := hooks.Prepare(ctx, &req)
		if err != nil {
			return TurnResult{TurnID: req.TurnID}, err
		}
		if reload {
			st.window.Load(history)
		}
	}

	req.Context = st.window.Messages()
	st.window.Append(req.User)

	res, err := c.runTurnLocked(ctx, req, sink, tok)
	if err != nil {
		return res, err
	}
	if hooks.Commit != nil {
		if err := hooks.Commit(ctx, res); err != nil {
			return res, err
		}
	}
	if res.Text != "" {
		st.window.Append(engine.NewTextMessage(engine.RoleAssistant, res.Text))
	}
	return res, nil
}

func (c *Coordinator) runTurnLocked(ctx context.Context, req TurnRequest, sink Sink, tok *cancellation.Token) (TurnResult, error) {
	if sink == nil {
		sink = Discard
	}
	res := TurnResult{TurnID: req.TurnID}
	if res.TurnID == "" {
		res.TurnID = uuid.NewString()
	}
	logger := log.With().Str("component", "conversation").Str("conv_id", req.ConversationID).Str("turn_id", res.TurnID).Logger()

	session, err := c.pool.Acquire(ctx, req.ConversationID)
	if err != nil {
		return res, errors.Wrap(err, "acquire session")
	}
	if tok.Cancelled() {
		res.Aborted = true
		c.publishEnd(ctx, sink, req, res, nil)
		return res, nil
	}

	messages := buildMessages(req)
	prompt := ""
	if engine.HasAttachments(messages) {
		items := make([]engine.Message, 0, len(messages))
		for _, m := range messages {
			if m.Role != engine.RoleSystem {
				items = append(items, m)
			}
		}
		if err := session.Append(ctx, items); err != nil {
			return res, c.fail(ctx, sink, req, res, err)
		}
	} else {
		prompt = engine.FormatPrompt(messages)
	}

	genCtx, stop := tok.Context(ctx)
	defer stop()

	stream, err := session.Generate(genCtx, prompt, engine.GenerateOptions{
		Temperature: req.Options.Temperature,
		Cancel:      tok,
	})
	if err != nil {
		return res, c.fail(ctx, sink, req, res, err)
	}

	var sb strings.Builder
	seq := 0
	for {
		select {
		case <-tok.Done():
			res.Text = sb.String()
			res.Aborted = true
			logger.Info().Int("chars", len(res.Text)).Msg("turn aborted")
			c.publishEnd(ctx, sink, req, res, nil)
			return res, nil

		case <-ctx.Done():
			res.Text = sb.String()
			res.Aborted = true
			return res, errors.Wrap(ctx.Err(), "turn interrupted")

		case chunk, ok := <-stream:
			if !ok {
				res.Text = sb.String()
				logger.Debug().Int("chunks", seq).Msg("turn completed")
				c.publishEnd(ctx, sink, req, res, nil)
				return res, nil
			}
			if chunk.Err != nil {
				res.Text = sb.String()
				return res, c.fail(ctx, sink, req, res, chunk.Err)
			}
			// a chunk that raced the cancellation is dropped
			if tok.Cancelled() {
				res.Text = sb.String()
				res.Aborted = true
				logger.Info().Int("chars", len(res.Text)).Msg("turn aborted")
				c.publishEnd(ctx, sink, req, res, nil)
				return res, nil
			}
			sb.WriteString(chunk.Text)
			seq++
			if err := sink.PublishChunk(ctx, Chunk{
				ConversationID: req.ConversationID,
				TurnID:         res.TurnID,
				Seq:            seq,
				Text:           chunk.Text,
			}); err != nil {
				res.Text = sb.String()
				return res, errors.Wrap(err, "publish chunk")
			}
		}
	}
}

func buildMessages(req TurnRequest) []engine.Message {
	msgs := make([]engine.Message, 0, len(req.Context)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, engine.NewTextMessage(engine.RoleSystem, req.SystemPrompt))
	}
	msgs = append(msgs, req.Context...)
	return append(msgs, req.User)
}

func (c *Coordinator) fail(ctx context.Context, sink Sink, req TurnRequest, res TurnResult, err error) error {
	gerr := &GenerationError{
		ConversationID: req.ConversationID,
		TurnID:         res.TurnID,
		Partial:        res.Text,
		Err:            err,
	}
	log.Error().Err(err).Str("component", "conversation").Str("conv_id", req.ConversationID).Str("turn_id", res.TurnID).Msg("generation failed")
	c.publishEnd(ctx, sink, req, res, gerr)
	return gerr
}

func (c *Coordinator) publishEnd(ctx context.Context, sink Sink, req TurnRequest, res TurnResult, err error) {
	ends, ok := sink.(TurnEndSink)
	if !ok {
		return
	}
	if perr := ends.PublishTurnEnd(ctx, TurnEnd{
		ConversationID: req.ConversationID,
		TurnID:         res.TurnID,
		Text:           res.Text,
		Aborted:        res.Aborted,
		Err:            err,
	}); perr != nil {
		log.Warn().Err(perr).Str("component", "conversation").Str("conv_id", req.ConversationID).Msg("failed to publish turn end")
	}
}

// Cancel aborts the in-flight turn of slot.
func (c *Coordinator) Cancel(slot string) bool {
	return c.hub.Cancel(slot)
}

// ShutdownAll cancels every in-flight turn and tears the pool down.
func (c *Coordinator) ShutdownAll() {
	c.hub.CancelAll()
	c.pool.Shutdown()
}
