package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
)

type fakeServer struct {
	mu       sync.Mutex
	models   []string
	chunks   []string
	failWith string
	requests []chatRequest
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var body tagsResponse
		for _, m := range f.models {
			entry := struct {
				Name    string `json:"name"`
				Model   string `json:"model"`
				Details struct {
					Family string `json:"family"`
				} `json:"details"`
			}{Name: m, Model: m}
			entry.Details.Family = "llama"
			body.Models = append(body.Models, entry)
		}
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		chunks := append([]string(nil), f.chunks...)
		failWith := f.failWith
		f.mu.Unlock()

		if !req.Stream {
			full := ""
			for _, c := range chunks {
				full += c
			}
			_ = json.NewEncoder(w).Encode(chatResponse{Message: wireMessage{Role: "assistant", Content: full}, Done: true, PromptEvalCount: 7})
			return
		}
		enc := json.NewEncoder(w)
		for _, c := range chunks {
			_ = enc.Encode(chatResponse{Message: wireMessage{Role: "assistant", Content: c}})
			w.(http.Flusher).Flush()
		}
		if failWith != "" {
			_, _ = fmt.Fprintf(w, "{\"error\":%q}\n", failWith)
			return
		}
		_ = enc.Encode(chatResponse{Done: true, PromptEvalCount: 11, EvalCount: 3})
	})
	return mux
}

func (f *fakeServer) lastRequest() chatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestEngine(t *testing.T, f *fakeServer) *Engine {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	e, err := New(Settings{URL: srv.URL, Model: "llama3.2", NumCtx: 2048})
	require.NoError(t, err)
	return e
}

func collect(t *testing.T, ch <-chan engine.Chunk) (string, error) {
	t.Helper()
	text := ""
	for c := range ch {
		if c.Err != nil {
			return text, c.Err
		}
		text += c.Text
	}
	return text, nil
}

func TestAvailability(t *testing.T) {
	f := &fakeServer{models: []string{"llama3.2:latest"}}
	e := newTestEngine(t, f)
	a, err := e.Availability(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.AvailabilityAvailable, a)

	f.mu.Lock()
	f.models = []string{"mistral:7b"}
	f.mu.Unlock()
	a, err = e.Availability(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.AvailabilityNeedsDownload, a)

	models, err := e.ListModels(context.Background())
	require.NoError(t, err)
	require.Equal(t, []engine.ModelInfo{{Name: "mistral:7b", Family: "llama"}}, models)
}

func TestAvailabilityUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	e, err := New(Settings{URL: url})
	require.NoError(t, err)
	a, err := e.Availability(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.AvailabilityUnavailable, a)
}

func TestGenerateStreamsChunks(t *testing.T) {
	f := &fakeServer{models: []string{"llama3.2"}, chunks: []string{"Hel", "lo"}}
	e := newTestEngine(t, f)
	temp := 0.3
	base, err := e.CreateSession(context.Background(), engine.SessionOptions{SystemPrompt: "be nice", Temperature: &temp})
	require.NoError(t, err)
	s, err := base.Clone(context.Background())
	require.NoError(t, err)

	ch, err := s.Generate(context.Background(), "user: hi", engine.GenerateOptions{})
	require.NoError(t, err)
	text, err := collect(t, ch)
	require.NoError(t, err)
	require.Equal(t, "Hello", text)

	req := f.lastRequest()
	require.True(t, req.Stream)
	require.Equal(t, "llama3.2", req.Model)
	require.Len(t, req.Messages, 2)
	require.Equal(t, "system", req.Messages[0].Role)
	require.Equal(t, "user: hi", req.Messages[1].Content)
	require.Equal(t, 0.3, *req.Options.Temperature)
	require.Equal(t, 2048, req.Options.NumCtx)

	u := s.(*Session).Usage()
	require.Equal(t, engine.Usage{InputQuota: 2048, InputUsage: 14}, u)
}

func TestGenerateReportsStreamError(t *testing.T) {
	f := &fakeServer{models: []string{"llama3.2"}, chunks: []string{"par"}, failWith: "model crashed"}
	e := newTestEngine(t, f)
	s, err := e.CreateSession(context.Background(), engine.SessionOptions{})
	require.NoError(t, err)

	ch, err := s.Generate(context.Background(), "x", engine.GenerateOptions{})
	require.NoError(t, err)
	text, err := collect(t, ch)
	require.Error(t, err)
	require.Contains(t, err.Error(), "model crashed")
	require.Equal(t, "par", text)
}

func TestAppendSendsImagesOnce(t *testing.T) {
	f := &fakeServer{models: []string{"llama3.2"}, chunks: []string{"a cat"}}
	e := newTestEngine(t, f)
	s, err := e.CreateSession(context.Background(), engine.SessionOptions{})
	require.NoError(t, err)

	err = s.Append(context.Background(), []engine.Message{{
		Role: engine.RoleUser,
		Parts: []engine.Part{
			{Type: engine.PartText, Text: "what is it?"},
			{Type: engine.PartImage, Data: []byte("png-bytes"), MediaType: "image/png"},
		},
	}})
	require.NoError(t, err)

	ch, err := s.Generate(context.Background(), "", engine.GenerateOptions{})
	require.NoError(t, err)
	_, err = collect(t, ch)
	require.NoError(t, err)

	req := f.lastRequest()
	require.Len(t, req.Messages, 1)
	require.Equal(t, "what is it?", req.Messages[0].Content)
	require.Equal(t, [][]byte{[]byte("png-bytes")}, req.Messages[0].Images)

	ch, err = s.Generate(context.Background(), "again", engine.GenerateOptions{})
	require.NoError(t, err)
	_, err = collect(t, ch)
	require.NoError(t, err)
	require.Len(t, f.lastRequest().Messages, 1)
}

func TestPromptAndDestroy(t *testing.T) {
	f := &fakeServer{models: []string{"llama3.2"}, chunks: []string{" Trip ", "Plans "}}
	e := newTestEngine(t, f)
	s, err := e.CreateSession(context.Background(), engine.SessionOptions{})
	require.NoError(t, err)

	out, err := s.Prompt(context.Background(), "title please", engine.GenerateOptions{})
	require.NoError(t, err)
	require.Equal(t, " Trip Plans ", out)
	require.False(t, f.lastRequest().Stream)

	require.NoError(t, s.Destroy())
	require.ErrorIs(t, s.Destroy(), engine.ErrSessionDestroyed)
	_, err = s.Generate(context.Background(), "x", engine.GenerateOptions{})
	require.ErrorIs(t, err, engine.ErrSessionDestroyed)
	_, err = s.Clone(context.Background())
	require.ErrorIs(t, err, engine.ErrSessionDestroyed)
}

func TestCreateSessionRejectsAudio(t *testing.T) {
	e := newTestEngine(t, &fakeServer{})
	_, err := e.CreateSession(context.Background(), engine.SessionOptions{ExpectedInputs: []engine.Modality{engine.ModalityAudio}})
	require.Error(t, err)
}
