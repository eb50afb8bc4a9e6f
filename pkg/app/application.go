// Package app wires the chat store, the session pool and the conversation coordinator
// into the operations the CLI and the web server expose: sending messages, editing and
// regenerating turns, and managing stored conversations.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/nano-chat/pkg/conversation"
	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
	"github.com/go-go-golems/nano-chat/pkg/inference/sessionpool"
	"github.com/go-go-golems/nano-chat/pkg/persistence/chatstore"
	"github.com/go-go-golems/nano-chat/pkg/tokens"
)

var (
	// ErrEmptyMessage is returned when a message has neither text nor attachments.
	ErrEmptyMessage = errors.New("app: message is empty")
	// ErrInvalidIndex is returned when an edit or regenerate names the wrong message.
	ErrInvalidIndex = errors.New("app: invalid message index")
)

type Options struct {
	Model          string
	SystemPrompt   string
	Temperature    *float64
	MaxContext     int
	ExpectedInputs []engine.Modality
	// ContextTokens is the quota reported by Usage when the session cannot report one.
	ContextTokens int
	// MaxHistory bounds List.
	MaxHistory int
}

type Application struct {
	engine  engine.Engine
	store   chatstore.Store
	pool    *sessionpool.Pool
	coord   *conversation.Coordinator
	counter *tokens.Counter
	opts    Options

	mu     sync.Mutex
	notice string

	shutdownOnce sync.Once
}

// New builds an application around an engine and a store. The application owns the
// store and closes it on Shutdown.
func New(eng engine.Engine, store chatstore.Store, pool *sessionpool.Pool, opts Options) *Application {
	if pool == nil {
		pool = sessionpool.New(sessionpool.Options{})
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 50
	}
	if opts.ContextTokens <= 0 {
		opts.ContextTokens = 4096
	}
	counter, err := tokens.NewCounter(opts.Model)
	if err != nil {
		log.Warn().Err(err).Str("component", "app").Msg("token counter unavailable, usage estimates disabled")
	}
	return &Application{
		engine:  eng,
		store:   store,
		pool:    pool,
		coord:   conversation.NewCoordinator(pool, conversation.Options{MaxContext: opts.MaxContext}),
		counter: counter,
		opts:    opts,
	}
}

func (a *Application) Coordinator() *conversation.Coordinator { return a.coord }

func (a *Application) Pool() *sessionpool.Pool { return a.pool }

func (a *Application) Store() chatstore.Store { return a.store }

// Initialize brings the session pool up. An unavailable engine is not fatal: the
// application keeps serving stored history and Notice explains why chatting is off.
func (a *Application) Initialize(ctx context.Context) error {
	inputs := a.opts.ExpectedInputs
	if len(inputs) == 0 {
		inputs = []engine.Modality{engine.ModalityText}
	}
	err := a.pool.Init(ctx, a.engine, engine.SessionOptions{
		Model:          a.opts.Model,
		ExpectedInputs: inputs,
		SystemPrompt:   a.opts.SystemPrompt,
		Temperature:    a.opts.Temperature,
	})
	if err == nil {
		a.setNotice("")
		return nil
	}
	if !errors.Is(err, sessionpool.ErrEngineUnavailable) {
		return err
	}
	a.setNotice(degradedNotice(a.pool.Availability(), a.opts.Model))
	log.Warn().Err(err).Str("component", "app").Msg("starting in degraded mode")
	return nil
}

func degradedNotice(a engine.Availability, model string) string {
	if a == engine.AvailabilityNeedsDownload {
		return fmt.Sprintf("The model %q is not downloaded yet. Pull it (for example `ollama pull %s`) and restart nano-chat.", model, model)
	}
	return "The local language model is not available. Make sure the inference engine is running, then restart nano-chat. " +
		"Stored conversations can still be browsed."
}

func (a *Application) setNotice(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notice = s
}

// Notice is the user-visible reason chatting is disabled, or "" when the engine is up.
func (a *Application) Notice() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.notice
}

func (a *Application) ready() error {
	if a.pool.Ready() {
		return nil
	}
	if n := a.Notice(); n != "" {
		return errors.Wrap(sessionpool.ErrEngineUnavailable, n)
	}
	return sessionpool.ErrPoolUnavailable
}

type SendRequest struct {
	ConvID      string
	Content     string
	Attachments []Attachment
	// Slot is the cancellation slot of the turn; see Abort.
	Slot string
	// TurnID is optional; callers that announce the turn before it runs set it.
	TurnID string
}

type SendResult struct {
	ConvID  string `json:"conv_id"`
	TurnID  string `json:"turn_id"`
	Text    string `json:"text"`
	Aborted bool   `json:"aborted"`
	// Title is set when this turn gave the conversation its title.
	Title string `json:"title,omitempty"`
	// AssistantIndex is the stored index of the reply, -1 when nothing was stored.
	AssistantIndex int `json:"assistant_index"`
}

// Send stores a user message, runs a turn and stores the reply. An empty ConvID starts a
// new conversation, which gets a derived title after its first turn. A reply cut short
// by Abort is stored as far as it got.
func (a *Application) Send(ctx context.Context, req SendRequest, sink conversation.Sink) (SendResult, error) {
	if err := a.ready(); err != nil {
		return SendResult{ConvID: req.ConvID, AssistantIndex: -1}, err
	}
	content := strings.TrimSpace(req.Content)
	user, err := BuildUserMessage(content, req.Attachments)
	if err != nil {
		return SendResult{ConvID: req.ConvID, AssistantIndex: -1}, err
	}
	if user.Text() == "" && !user.HasParts() {
		return SendResult{ConvID: req.ConvID, AssistantIndex: -1}, ErrEmptyMessage
	}

	convID := req.ConvID
	if convID == "" {
		rec, err := a.store.CreateConversation(ctx, "")
		if err != nil {
			return SendResult{AssistantIndex: -1}, errors.Wrap(err, "create conversation")
		}
		convID = rec.ID
		log.Info().Str("component", "app").Str("conv_id", convID).Msg("started conversation")
	} else if err := a.requireConversation(ctx, convID); err != nil {
		return SendResult{ConvID: convID, AssistantIndex: -1}, err
	}

	needsHistory := !a.coord.HasWindow(convID)
	userIndex := -1
	res, err := a.runTurn(ctx, convID, user, TurnRef{Slot: req.Slot, ID: req.TurnID}, sink,
		func(ctx context.Context, _ *conversation.TurnRequest) ([]engine.Message, bool, error) {
			var history []engine.Message
			if needsHistory {
				msgs, err := a.store.Messages(ctx, convID)
				if err != nil {
					return nil, false, errors.Wrap(err, "load history")
				}
				history = msgs
			}
			idx, err := a.store.AddMessage(ctx, convID, user)
			if err != nil {
				return nil, false, errors.Wrap(err, "store user message")
			}
			userIndex = idx
			return history, needsHistory, nil
		})
	if err != nil {
		return res, err
	}

	if userIndex == 0 {
		first := content
		if first == "" {
			first = user.Text()
		}
		res.Title = a.deriveTitle(ctx, convID, first)
	}
	return res, nil
}

// TurnRef names the cancellation slot of a turn and, optionally, its id.
type TurnRef struct {
	Slot string
	ID   string
}

// prepareFunc changes stored history right before a turn, under the conversation lock.
type prepareFunc func(ctx context.Context, req *conversation.TurnRequest) ([]engine.Message, bool, error)

// runTurn runs a window-backed turn and stores its reply while the conversation is still
// locked, so a later turn of the same conversation always sees it.
func (a *Application) runTurn(ctx context.Context, convID string, user engine.Message, ref TurnRef, sink conversation.Sink, prepare prepareFunc) (SendResult, error) {
	out := SendResult{ConvID: convID, AssistantIndex: -1}
	res, err := a.coord.ChatWith(ctx, conversation.TurnRequest{
		ConversationID: convID,
		SystemPrompt:   a.opts.SystemPrompt,
		User:           user,
		Options:        conversation.GenerationOptions{Temperature: a.opts.Temperature},
		Slot:           ref.Slot,
		TurnID:         ref.ID,
	}, conversation.TurnHooks{
		Prepare: prepare,
		Commit: func(ctx context.Context, res conversation.TurnResult) error {
			if res.Text == "" {
				return nil
			}
			idx, err := a.store.AddMessage(ctx, convID, engine.NewTextMessage(engine.RoleAssistant, res.Text))
			if err != nil {
				return errors.Wrap(err, "store assistant message")
			}
			out.AssistantIndex = idx
			return nil
		},
	}, sink)
	out.TurnID = res.TurnID
	out.Text = res.Text
	out.Aborted = res.Aborted
	return out, err
}

// deriveTitle failures leave the default title in place.
func (a *Application) deriveTitle(ctx context.Context, convID, first string) string {
	title, ok, err := a.coord.DeriveTitle(ctx, convID, first)
	if err != nil {
		log.Warn().Err(err).Str("component", "app").Str("conv_id", convID).Msg("title derivation failed")
		return ""
	}
	if !ok {
		return ""
	}
	if err := a.store.RenameConversation(ctx, convID, title); err != nil {
		log.Warn().Err(err).Str("component", "app").Str("conv_id", convID).Msg("failed to store title")
		return ""
	}
	return title
}

func (a *Application) requireConversation(ctx context.Context, convID string) error {
	_, ok, err := a.store.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(chatstore.ErrConversationNotFound, "conversation %s", convID)
	}
	return nil
}

// Conversation reads a stored conversation without touching its context window.
func (a *Application) Conversation(ctx context.Context, convID string) (chatstore.ConversationRecord, []engine.Message, error) {
	rec, ok, err := a.store.GetConversation(ctx, convID)
	if err != nil {
		return chatstore.ConversationRecord{}, nil, err
	}
	if !ok {
		return chatstore.ConversationRecord{}, nil, errors.Wrapf(chatstore.ErrConversationNotFound, "conversation %s", convID)
	}
	msgs, err := a.store.Messages(ctx, convID)
	if err != nil {
		return rec, nil, errors.Wrap(err, "load history")
	}
	return rec, msgs, nil
}

// Open loads a stored conversation and primes its context window. It waits for a turn
// running in the conversation.
func (a *Application) Open(ctx context.Context, convID string) (chatstore.ConversationRecord, []engine.Message, error) {
	rec, msgs, err := a.Conversation(ctx, convID)
	if err != nil {
		return rec, nil, err
	}
	a.coord.LoadHistory(convID, msgs)
	return rec, msgs, nil
}

// NewConversation stores an empty conversation with the default title.
func (a *Application) NewConversation(ctx context.Context) (chatstore.ConversationRecord, error) {
	rec, err := a.store.CreateConversation(ctx, "")
	if err != nil {
		return rec, err
	}
	a.coord.LoadHistory(rec.ID, nil)
	return rec, nil
}

func editTarget(msgs []engine.Message, index int) error {
	if index < 0 || index >= len(msgs) {
		return errors.Wrapf(ErrInvalidIndex, "message %d out of range (conversation has %d)", index, len(msgs))
	}
	if msgs[index].Role != engine.RoleUser {
		return errors.Wrapf(ErrInvalidIndex, "message %d is not a user message", index)
	}
	return nil
}

// regenerateTarget resolves index to the user message to answer again and the number of
// stored messages to keep.
func regenerateTarget(msgs []engine.Message, index int) (int, int, error) {
	if len(msgs) == 0 {
		return 0, 0, errors.Wrap(ErrInvalidIndex, "conversation has no messages")
	}
	if index < 0 {
		index = len(msgs) - 1
		if msgs[index].Role == engine.RoleUser {
			return index, len(msgs), nil
		}
	}
	if index >= len(msgs) || msgs[index].Role != engine.RoleAssistant {
		return 0, 0, errors.Wrapf(ErrInvalidIndex, "message %d is not an assistant message", index)
	}
	userIndex := index - 1
	if userIndex < 0 || msgs[userIndex].Role != engine.RoleUser {
		return 0, 0, errors.Wrapf(ErrInvalidIndex, "message %d has no preceding user message", index)
	}
	return userIndex, index, nil
}

// CheckEdit reports whether Edit could replace message index right now.
func (a *Application) CheckEdit(ctx context.Context, convID string, index int) error {
	msgs, err := a.Messages(ctx, convID)
	if err != nil {
		return err
	}
	return editTarget(msgs, index)
}

// CheckRegenerate reports whether Regenerate could answer again from index right now.
func (a *Application) CheckRegenerate(ctx context.Context, convID string, index int) error {
	msgs, err := a.Messages(ctx, convID)
	if err != nil {
		return err
	}
	_, _, err = regenerateTarget(msgs, index)
	return err
}

// Edit replaces the text of a stored user message, drops everything after it and runs
// the turn again from there. A turn still running in ref.Slot is superseded; its partial
// reply is stored first and then dropped with the rest of the tail.
func (a *Application) Edit(ctx context.Context, convID string, index int, content string, ref TurnRef, sink conversation.Sink) (SendResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return SendResult{ConvID: convID, AssistantIndex: -1}, ErrEmptyMessage
	}
	if err := a.ready(); err != nil {
		return SendResult{ConvID: convID, AssistantIndex: -1}, err
	}
	if err := a.CheckEdit(ctx, convID, index); err != nil {
		return SendResult{ConvID: convID, AssistantIndex: -1}, err
	}

	return a.runTurn(ctx, convID, engine.Message{}, ref, sink,
		func(ctx context.Context, req *conversation.TurnRequest) ([]engine.Message, bool, error) {
			msgs, err := a.store.Messages(ctx, convID)
			if err != nil {
				return nil, false, err
			}
			if err := editTarget(msgs, index); err != nil {
				return nil, false, err
			}
			if err := a.store.UpdateMessage(ctx, convID, index, content); err != nil {
				return nil, false, errors.Wrap(err, "update message")
			}
			msgs, err = a.store.Messages(ctx, convID)
			if err != nil {
				return nil, false, err
			}
			req.User = msgs[index]
			log.Debug().Str("component", "app").Str("conv_id", convID).Int("index", index).Msg("rerunning edited message")
			return msgs[:index], true, nil
		})
}

// Regenerate drops the assistant reply at index (the last one when index is negative)
// and everything after it, then answers the preceding user message again. A conversation
// ending in an unanswered user message is answered as is.
func (a *Application) Regenerate(ctx context.Context, convID string, index int, ref TurnRef, sink conversation.Sink) (SendResult, error) {
	if err := a.ready(); err != nil {
		return SendResult{ConvID: convID, AssistantIndex: -1}, err
	}
	if err := a.CheckRegenerate(ctx, convID, index); err != nil {
		return SendResult{ConvID: convID, AssistantIndex: -1}, err
	}

	return a.runTurn(ctx, convID, engine.Message{}, ref, sink,
		func(ctx context.Context, req *conversation.TurnRequest) ([]engine.Message, bool, error) {
			msgs, err := a.store.Messages(ctx, convID)
			if err != nil {
				return nil, false, err
			}
			userIndex, keep, err := regenerateTarget(msgs, index)
			if err != nil {
				return nil, false, err
			}
			if keep < len(msgs) {
				if err := a.store.TruncateMessages(ctx, convID, keep); err != nil {
					return nil, false, errors.Wrap(err, "truncate history")
				}
			}
			req.User = msgs[userIndex]
			return msgs[:userIndex], true, nil
		})
}

// Abort cancels the in-flight turn of slot.
func (a *Application) Abort(slot string) bool {
	return a.coord.Cancel(slot)
}

func (a *Application) Rename(ctx context.Context, convID, title string) error {
	return a.store.RenameConversation(ctx, convID, title)
}

// Delete removes a conversation with its pooled session and context window. A turn
// running in the conversation's own slot is cancelled first and the slot is dropped.
func (a *Application) Delete(ctx context.Context, convID string) error {
	a.coord.Hub().Drop(convID)
	if err := a.store.DeleteConversation(ctx, convID); err != nil {
		return err
	}
	a.pool.Evict(convID)
	a.coord.Forget(convID)
	log.Info().Str("component", "app").Str("conv_id", convID).Msg("deleted conversation")
	return nil
}

func (a *Application) List(ctx context.Context) ([]chatstore.ConversationRecord, error) {
	return a.store.ListConversations(ctx, a.opts.MaxHistory)
}

func (a *Application) Messages(ctx context.Context, convID string) ([]engine.Message, error) {
	if err := a.requireConversation(ctx, convID); err != nil {
		return nil, err
	}
	return a.store.Messages(ctx, convID)
}

// Usage reports the input token budget of a conversation: the pooled session's own
// numbers when it has them, otherwise an estimate over the context window.
func (a *Application) Usage(convID string) (engine.Usage, error) {
	if s, ok := a.pool.Peek(convID); ok {
		if r, ok := s.(engine.UsageReporter); ok {
			return r.Usage(), nil
		}
	}
	if a.counter == nil {
		return engine.Usage{InputQuota: a.opts.ContextTokens}, nil
	}
	msgs := a.coord.Window(convID).Messages()
	if a.opts.SystemPrompt != "" {
		msgs = append([]engine.Message{engine.NewTextMessage(engine.RoleSystem, a.opts.SystemPrompt)}, msgs...)
	}
	n, err := a.counter.CountMessages(msgs)
	if err != nil {
		return engine.Usage{}, err
	}
	return engine.Usage{InputQuota: a.opts.ContextTokens, InputUsage: n}, nil
}

func (a *Application) Models(ctx context.Context) ([]engine.ModelInfo, error) {
	return a.engine.ListModels(ctx)
}

type Status struct {
	Availability string `json:"availability"`
	Ready        bool   `json:"ready"`
	Sessions     int    `json:"sessions"`
	// IdleTimeout is how long an unused conversation keeps its session, e.g. "5m0s".
	IdleTimeout string `json:"idle_timeout"`
	Notice      string `json:"notice,omitempty"`
	Model       string `json:"model"`
}

func (a *Application) Status() Status {
	return Status{
		Availability: a.pool.Availability().String(),
		Ready:        a.pool.Ready(),
		Sessions:     a.pool.Len(),
		IdleTimeout:  a.pool.IdleTimeout().String(),
		Notice:       a.Notice(),
		Model:        a.opts.Model,
	}
}

// SessionDeadline is when the conversation's pooled session will be evicted if it stays
// unused. The bool is false when the conversation has no session.
func (a *Application) SessionDeadline(convID string) (time.Time, bool) {
	return a.pool.Deadline(convID)
}

// Shutdown cancels every turn, destroys every session and closes the store.
func (a *Application) Shutdown() error {
	var err error
	a.shutdownOnce.Do(func() {
		a.coord.ShutdownAll()
		err = a.store.Close()
		log.Info().Str("component", "app").Msg("application shut down")
	})
	return err
}
