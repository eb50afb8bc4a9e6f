package cmds

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"

	"github.com/go-go-golems/nano-chat/pkg/app"
	"github.com/go-go-golems/nano-chat/pkg/config"
	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
	"github.com/go-go-golems/nano-chat/pkg/inference/engine/ollama"
	"github.com/go-go-golems/nano-chat/pkg/inference/engine/scripted"
	"github.com/go-go-golems/nano-chat/pkg/inference/sessionpool"
	"github.com/go-go-golems/nano-chat/pkg/persistence/chatstore"
)

const memoryDSN = ":memory:"

func buildEngine(s config.Settings) (engine.Engine, error) {
	switch s.Engine {
	case config.EngineScripted:
		return scripted.New(), nil
	case config.EngineOllama:
		return ollama.New(ollama.Settings{
			URL:      s.Ollama.URL,
			Model:    s.Ollama.Model,
			NumCtx:   s.Ollama.NumCtx,
			RetryMax: s.Ollama.Retries,
			Timeout:  s.Ollama.Timeout,
		})
	default:
		return nil, errors.Errorf("unknown engine %q", s.Engine)
	}
}

// buildStore opens the chat history. A plain path, which may start with ~, becomes a
// WAL-mode sqlite file whose directory is created on demand.
func buildStore(s config.Settings) (chatstore.Store, error) {
	dsn := strings.TrimSpace(s.Store.DSN)
	if dsn == memoryDSN {
		return chatstore.NewInMemoryStore(), nil
	}
	if !strings.HasPrefix(dsn, "file:") {
		expanded, err := homedir.Expand(dsn)
		if err != nil {
			return nil, errors.Wrap(err, "expand store path")
		}
		dsn = expanded
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, errors.Wrap(err, "create chat history directory")
		}
		dsn, err = chatstore.SQLiteDSNForFile(dsn)
		if err != nil {
			return nil, err
		}
	}
	return chatstore.NewSQLiteStore(dsn)
}

func appOptions(s config.Settings) app.Options {
	temperature := s.Chat.Temperature
	model := s.Ollama.Model
	if s.Engine == config.EngineScripted {
		model = "scripted"
	}
	return app.Options{
		Model:         model,
		SystemPrompt:  s.Chat.SystemPrompt,
		Temperature:   &temperature,
		MaxContext:    s.Chat.MaxContext,
		ContextTokens: s.ContextTokens(),
		MaxHistory:    s.Store.MaxHistory,
	}
}

// buildApp wires engine, store and pool. When initialize is false the session pool is
// left down, which is enough for commands that only touch stored history.
func buildApp(ctx context.Context, s config.Settings, initialize bool) (*app.Application, error) {
	eng, err := buildEngine(s)
	if err != nil {
		return nil, err
	}
	store, err := buildStore(s)
	if err != nil {
		return nil, err
	}
	pool := sessionpool.New(sessionpool.Options{IdleTimeout: s.Pool.IdleTimeout})
	a := app.New(eng, store, pool, appOptions(s))
	if !initialize {
		return a, nil
	}
	if err := a.Initialize(ctx); err != nil {
		_ = a.Shutdown()
		return nil, err
	}
	return a, nil
}
