// Package ollama adapts a local Ollama server to the engine interfaces.
//
// Ollama is stateless over HTTP, so a Session keeps its own message list: the system
// prompt set at creation plus whatever was appended since the last generation. Clone
// deep-copies that list.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultURL    = "http://localhost:11434"
	DefaultModel  = "llama3.2"
	DefaultNumCtx = 4096
)

type Settings struct {
	URL      string
	Model    string
	NumCtx   int
	RetryMax int
	Timeout  time.Duration
}

type wireMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  [][]byte `json:"images,omitempty"`
}

type wireOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumCtx      int      `json:"num_ctx,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *wireOptions  `json:"options,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         wireMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
	Error           string      `json:"error,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Model   string `json:"model"`
		Details struct {
			Family string `json:"family"`
		} `json:"details"`
	} `json:"models"`
}

// zerologAdapter routes retryablehttp's messages through zerolog.
type zerologAdapter struct{}

func fields(kv []interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			m[k] = kv[i+1]
		}
	}
	return m
}

func (zerologAdapter) Error(msg string, kv ...interface{}) {
	log.Error().Str("component", "ollama").Fields(fields(kv)).Msg(msg)
}
func (zerologAdapter) Info(msg string, kv ...interface{}) {
	log.Debug().Str("component", "ollama").Fields(fields(kv)).Msg(msg)
}
func (zerologAdapter) Debug(msg string, kv ...interface{}) {
	log.Trace().Str("component", "ollama").Fields(fields(kv)).Msg(msg)
}
func (zerologAdapter) Warn(msg string, kv ...interface{}) {
	log.Warn().Str("component", "ollama").Fields(fields(kv)).Msg(msg)
}

func newHTTPClient(s Settings) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = s.RetryMax
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.Logger = zerologAdapter{}
	// streaming responses can run for minutes, so only the header wait is bounded
	if s.Timeout > 0 {
		if t, ok := c.HTTPClient.Transport.(*http.Transport); ok {
			t.ResponseHeaderTimeout = s.Timeout
		}
	}
	return c
}

func (e *Engine) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal request")
		}
	}
	var rawBody interface{}
	if raw != nil {
		rawBody = raw
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, e.url+path, rawBody)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, statusError(resp, path)
	}
	return resp, nil
}

func statusError(resp *http.Response, path string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return errors.Errorf("ollama %s: %s (status %d)", path, payload.Error, resp.StatusCode)
	}
	msg := strings.TrimSpace(string(bytes.TrimSpace(data)))
	if msg == "" {
		msg = resp.Status
	}
	return errors.Errorf("ollama %s: %s (status %d)", path, msg, resp.StatusCode)
}
