package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
	"github.com/go-go-golems/nano-chat/pkg/tokens"
)

type Engine struct {
	url     string
	model   string
	numCtx  int
	http    *retryablehttp.Client
	counter *tokens.Counter
}

var _ engine.Engine = &Engine{}

func New(s Settings) (*Engine, error) {
	if s.URL == "" {
		s.URL = DefaultURL
	}
	if s.Model == "" {
		s.Model = DefaultModel
	}
	if s.NumCtx <= 0 {
		s.NumCtx = DefaultNumCtx
	}
	counter, err := tokens.NewCounter(s.Model)
	if err != nil {
		return nil, err
	}
	return &Engine{
		url:     strings.TrimRight(s.URL, "/"),
		model:   s.Model,
		numCtx:  s.NumCtx,
		http:    newHTTPClient(s),
		counter: counter,
	}, nil
}

func (e *Engine) Model() string { return e.model }

// Availability reports Unavailable when the server cannot be reached and NeedsDownload
// when it runs but does not have the configured model.
func (e *Engine) Availability(ctx context.Context) (engine.Availability, error) {
	models, err := e.ListModels(ctx)
	if err != nil {
		log.Debug().Err(err).Str("component", "ollama").Str("url", e.url).Msg("ollama not reachable")
		return engine.AvailabilityUnavailable, nil
	}
	for _, m := range models {
		if matchesModel(m.Name, e.model) {
			return engine.AvailabilityAvailable, nil
		}
	}
	return engine.AvailabilityNeedsDownload, nil
}

// matchesModel treats a missing tag as ":latest".
func matchesModel(have, want string) bool {
	if have == want {
		return true
	}
	if !strings.Contains(want, ":") {
		return have == want+":latest"
	}
	return false
}

func (e *Engine) ListModels(ctx context.Context) ([]engine.ModelInfo, error) {
	resp, err := e.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, errors.Wrap(err, "decode /api/tags")
	}
	out := make([]engine.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		out = append(out, engine.ModelInfo{Name: name, Family: m.Details.Family})
	}
	return out, nil
}

// CreateSession returns a session bound to opts.Model, or the engine's model when unset.
// Audio inputs are rejected because Ollama has no audio modality.
func (e *Engine) CreateSession(_ context.Context, opts engine.SessionOptions) (engine.Session, error) {
	for _, m := range opts.ExpectedInputs {
		if m == engine.ModalityAudio {
			return nil, errors.New("ollama does not accept audio input")
		}
	}
	if opts.Model == "" {
		opts.Model = e.model
	}
	s := &Session{engine: e, opts: opts}
	if opts.SystemPrompt != "" {
		s.system = []wireMessage{{Role: string(engine.RoleSystem), Content: opts.SystemPrompt}}
	}
	return s, nil
}
