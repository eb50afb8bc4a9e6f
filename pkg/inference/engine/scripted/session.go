package scripted

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
)

type Session struct {
	engine *Engine
	id     int
	parent int
	opts   engine.SessionOptions

	mu           sync.Mutex
	history      []engine.Message
	prompts      []string
	destroyed    bool
	destroyCalls int
}

var _ engine.Session = &Session{}
var _ engine.UsageReporter = &Session{}

func (s *Session) ID() int     { return s.id }
func (s *Session) Parent() int { return s.parent }

func (s *Session) Clone(context.Context) (engine.Session, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, engine.ErrSessionDestroyed
	}
	history := append([]engine.Message(nil), s.history...)
	s.mu.Unlock()

	e := s.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cloneCalls++
	if e.cloneErr != nil {
		return nil, e.cloneErr
	}
	c := e.newSessionLocked(s.id, history)
	c.opts = s.opts
	return c, nil
}

func (s *Session) Append(_ context.Context, msgs []engine.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return engine.ErrSessionDestroyed
	}
	s.history = append(s.history, msgs...)
	return nil
}

func (s *Session) Generate(ctx context.Context, prompt string, _ engine.GenerateOptions) (<-chan engine.Chunk, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, engine.ErrSessionDestroyed
	}
	s.prompts = append(s.prompts, prompt)
	history := append([]engine.Message(nil), s.history...)
	s.mu.Unlock()

	resp := s.engine.nextResponse(prompt, history)
	delay := s.engine.chunkDelay

	out := make(chan engine.Chunk)
	go func() {
		defer close(out)
		for _, text := range resp.Chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- engine.Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
		if resp.Err != nil {
			select {
			case out <- engine.Chunk{Err: resp.Err}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (s *Session) Prompt(_ context.Context, prompt string, _ engine.GenerateOptions) (string, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return "", engine.ErrSessionDestroyed
	}
	s.prompts = append(s.prompts, prompt)
	history := append([]engine.Message(nil), s.history...)
	s.mu.Unlock()

	resp := s.engine.nextResponse(prompt, history)
	if resp.Err != nil {
		return "", resp.Err
	}
	return strings.Join(resp.Chunks, ""), nil
}

func (s *Session) Destroy() error {
	s.mu.Lock()
	s.destroyCalls++
	already := s.destroyed
	s.destroyed = true
	s.mu.Unlock()
	if already {
		return engine.ErrSessionDestroyed
	}

	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	return s.engine.destroyErr
}

// Usage reports one token per prompt byte against a fixed quota.
func (s *Session) Usage() engine.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	used := 0
	for _, p := range s.prompts {
		used += len(p)
	}
	for _, m := range s.history {
		used += len(m.Text())
	}
	return engine.Usage{InputQuota: 4096, InputUsage: used}
}

func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *Session) DestroyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyCalls
}

func (s *Session) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

func (s *Session) History() []engine.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Message(nil), s.history...)
}
