package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
)

// Session holds a system prefix and the messages appended since the last generation.
// Each Generate or Prompt sends system + pending + prompt and clears pending.
type Session struct {
	engine *Engine
	opts   engine.SessionOptions

	mu         sync.Mutex
	system     []wireMessage
	pending    []wireMessage
	lastPrompt int
	destroyed  bool
}

var _ engine.Session = &Session{}
var _ engine.UsageReporter = &Session{}

func (s *Session) Clone(context.Context) (engine.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, engine.ErrSessionDestroyed
	}
	return &Session{
		engine:  s.engine,
		opts:    s.opts,
		system:  copyMessages(s.system),
		pending: copyMessages(s.pending),
	}, nil
}

func copyMessages(in []wireMessage) []wireMessage {
	if in == nil {
		return nil
	}
	out := make([]wireMessage, len(in))
	for i, m := range in {
		out[i] = wireMessage{Role: m.Role, Content: m.Content}
		for _, img := range m.Images {
			out[i].Images = append(out[i].Images, append([]byte(nil), img...))
		}
	}
	return out
}

func toWire(m engine.Message) wireMessage {
	w := wireMessage{Role: string(m.Role)}
	if !m.HasParts() {
		w.Content = m.Content
		return w
	}
	var texts []string
	for _, p := range m.Parts {
		switch p.Type {
		case engine.PartText:
			texts = append(texts, p.Text)
		case engine.PartImage:
			w.Images = append(w.Images, p.Data)
		case engine.PartAudio:
			log.Warn().Str("component", "ollama").Str("name", p.Name).Msg("dropping audio part")
		}
	}
	w.Content = strings.Join(texts, "\n")
	return w
}

func (s *Session) Append(_ context.Context, msgs []engine.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return engine.ErrSessionDestroyed
	}
	for _, m := range msgs {
		s.pending = append(s.pending, toWire(m))
	}
	return nil
}

func (s *Session) request(prompt string, opts engine.GenerateOptions, stream bool) (chatRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return chatRequest{}, engine.ErrSessionDestroyed
	}
	msgs := append(copyMessages(s.system), s.pending...)
	s.pending = nil
	if prompt != "" {
		msgs = append(msgs, wireMessage{Role: string(engine.RoleUser), Content: prompt})
	}
	temperature := s.opts.Temperature
	if opts.Temperature != nil {
		temperature = opts.Temperature
	}
	return chatRequest{
		Model:    s.opts.Model,
		Messages: msgs,
		Stream:   stream,
		Options:  &wireOptions{Temperature: temperature, NumCtx: s.engine.numCtx},
	}, nil
}

// Generate streams the reply. The channel is closed when the server reports done, when
// the body ends, or when ctx is cancelled.
func (s *Session) Generate(ctx context.Context, prompt string, opts engine.GenerateOptions) (<-chan engine.Chunk, error) {
	req, err := s.request(prompt, opts, true)
	if err != nil {
		return nil, err
	}
	resp, err := s.engine.do(ctx, http.MethodPost, "/api/chat", req)
	if err != nil {
		return nil, err
	}

	out := make(chan engine.Chunk)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		send := func(c engine.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var chunk chatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				log.Debug().Err(err).Str("component", "ollama").Msg("skipping malformed stream line")
				continue
			}
			if chunk.Error != "" {
				send(engine.Chunk{Err: errors.Errorf("ollama: %s", chunk.Error)})
				return
			}
			if chunk.Message.Content != "" {
				if !send(engine.Chunk{Text: chunk.Message.Content}) {
					return
				}
			}
			if chunk.Done {
				s.recordUsage(chunk.PromptEvalCount + chunk.EvalCount)
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(engine.Chunk{Err: errors.Wrap(err, "read stream")})
		}
	}()
	return out, nil
}

func (s *Session) Prompt(ctx context.Context, prompt string, opts engine.GenerateOptions) (string, error) {
	req, err := s.request(prompt, opts, false)
	if err != nil {
		return "", err
	}
	resp, err := s.engine.do(ctx, http.MethodPost, "/api/chat", req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decode /api/chat")
	}
	if out.Error != "" {
		return "", errors.Errorf("ollama: %s", out.Error)
	}
	s.recordUsage(out.PromptEvalCount + out.EvalCount)
	return out.Message.Content, nil
}

func (s *Session) recordUsage(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPrompt = n
}

func (s *Session) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return engine.ErrSessionDestroyed
	}
	s.destroyed = true
	s.system = nil
	s.pending = nil
	return nil
}

// Usage reports the token count of the last exchange as measured by the server, falling
// back to a local estimate of the pending messages.
func (s *Session) Usage() engine.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := engine.Usage{InputQuota: s.engine.numCtx, InputUsage: s.lastPrompt}
	if u.InputUsage == 0 {
		msgs := make([]engine.Message, 0, len(s.system)+len(s.pending))
		for _, m := range append(copyMessages(s.system), s.pending...) {
			msgs = append(msgs, engine.NewTextMessage(engine.Role(m.Role), m.Content))
		}
		if n, err := s.engine.counter.CountMessages(msgs); err == nil {
			u.InputUsage = n
		}
	}
	return u
}
