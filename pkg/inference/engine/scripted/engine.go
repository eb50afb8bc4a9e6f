// Package scripted is a deterministic in-process engine. It replays queued responses (or
// a responder function) as chunked streams and records everything sessions were asked to
// do, which makes it the engine of choice for tests and for running nano-chat offline.
package scripted

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
)

// Response is one scripted generation: the chunks to stream and an optional error sent
// after them.
type Response struct {
	Chunks []string
	Err    error
}

// Text splits s into word-sized chunks, keeping the separators.
func Text(s string) Response {
	if s == "" {
		return Response{}
	}
	var chunks []string
	for _, w := range strings.SplitAfter(s, " ") {
		if w != "" {
			chunks = append(chunks, w)
		}
	}
	return Response{Chunks: chunks}
}

// Responder computes a response from the prompt and the session's appended history.
type Responder func(prompt string, history []engine.Message) Response

// EchoResponder answers with the last line of the prompt.
func EchoResponder(prompt string, history []engine.Message) Response {
	last := prompt
	if i := strings.LastIndex(prompt, "\n"); i >= 0 {
		last = prompt[i+1:]
	}
	if last == "" && len(history) > 0 {
		last = history[len(history)-1].Text()
	}
	return Text("echo: " + last)
}

type Option func(*Engine)

func WithAvailability(a engine.Availability) Option {
	return func(e *Engine) { e.availability = a }
}

func WithResponses(rs ...Response) Option {
	return func(e *Engine) { e.responses = append(e.responses, rs...) }
}

func WithResponder(r Responder) Option {
	return func(e *Engine) { e.responder = r }
}

func WithCreateError(err error) Option {
	return func(e *Engine) { e.createErr = err }
}

func WithCloneError(err error) Option {
	return func(e *Engine) { e.cloneErr = err }
}

func WithDestroyError(err error) Option {
	return func(e *Engine) { e.destroyErr = err }
}

// WithChunkDelay sleeps before every streamed chunk.
func WithChunkDelay(d time.Duration) Option {
	return func(e *Engine) { e.chunkDelay = d }
}

func WithModels(models ...engine.ModelInfo) Option {
	return func(e *Engine) { e.models = models }
}

type Engine struct {
	mu           sync.Mutex
	availability engine.Availability
	responses    []Response
	responder    Responder
	createErr    error
	cloneErr     error
	destroyErr   error
	chunkDelay   time.Duration
	models       []engine.ModelInfo
	sessions     []*Session
	cloneCalls   int
}

var _ engine.Engine = &Engine{}

func New(opts ...Option) *Engine {
	e := &Engine{
		availability: engine.AvailabilityAvailable,
		responder:    EchoResponder,
		models:       []engine.ModelInfo{{Name: "scripted", Family: "scripted"}},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Enqueue appends responses consumed in order by Generate and Prompt.
func (e *Engine) Enqueue(rs ...Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses = append(e.responses, rs...)
}

func (e *Engine) SetAvailability(a engine.Availability) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.availability = a
}

func (e *Engine) Availability(context.Context) (engine.Availability, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.availability, nil
}

func (e *Engine) ListModels(context.Context) ([]engine.ModelInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.ModelInfo(nil), e.models...), nil
}

func (e *Engine) CreateSession(_ context.Context, opts engine.SessionOptions) (engine.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return nil, e.createErr
	}
	if e.availability != engine.AvailabilityAvailable {
		return nil, errors.Errorf("scripted engine is %s", e.availability)
	}
	s := e.newSessionLocked(-1, nil)
	s.opts = opts
	return s, nil
}

func (e *Engine) newSessionLocked(parent int, history []engine.Message) *Session {
	s := &Session{
		engine:  e,
		id:      len(e.sessions),
		parent:  parent,
		history: append([]engine.Message(nil), history...),
	}
	e.sessions = append(e.sessions, s)
	return s
}

func (e *Engine) nextResponse(prompt string, history []engine.Message) Response {
	e.mu.Lock()
	if len(e.responses) > 0 {
		r := e.responses[0]
		e.responses = e.responses[1:]
		e.mu.Unlock()
		return r
	}
	responder := e.responder
	e.mu.Unlock()
	if responder == nil {
		return Response{}
	}
	return responder(prompt, history)
}

// Sessions returns every session the engine ever created, base session first.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Session(nil), e.sessions...)
}

func (e *Engine) CloneCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cloneCalls
}

// Live counts sessions that were not destroyed.
func (e *Engine) Live() int {
	n := 0
	for _, s := range e.Sessions() {
		if !s.Destroyed() {
			n++
		}
	}
	return n
}
