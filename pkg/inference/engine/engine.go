// Package engine defines the contracts between nano-chat and the inference engine that
// actually runs the model.
//
// An Engine hands out a base Session. Sessions are opaque stateful handles bound to one
// conversation context: they can be cloned into independent contexts, fed structured
// messages, asked to generate text (streamed or not), and must be destroyed explicitly.
// Concrete engines live in sub-packages (ollama, scripted).
package engine

import (
	"context"

	"github.com/pkg/errors"
)

// ErrSessionDestroyed is returned by every Session method called after Destroy.
var ErrSessionDestroyed = errors.New("engine: session destroyed")

// Availability reports whether an engine can create sessions right now.
type Availability int

const (
	AvailabilityUnavailable Availability = iota
	AvailabilityAvailable
	AvailabilityNeedsDownload
)

func (a Availability) String() string {
	switch a {
	case AvailabilityAvailable:
		return "available"
	case AvailabilityNeedsDownload:
		return "needs-download"
	case AvailabilityUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Modality is an input kind a session is expected to accept.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityAudio Modality = "audio"
)

// SessionOptions configures the base session created by an Engine.
type SessionOptions struct {
	Model          string
	ExpectedInputs []Modality
	SystemPrompt   string
	Temperature    *float64
}

// Signal is the read-only view of a cancellation token that engines may observe.
type Signal interface {
	Cancelled() bool
	Done() <-chan struct{}
}

// GenerateOptions are per-call generation options.
type GenerateOptions struct {
	Temperature *float64
	Cancel      Signal
}

// Chunk is one fragment of a streamed generation. A chunk carrying Err is the last one
// the producer sends.
type Chunk struct {
	Text string
	Err  error
}

// Session is an opaque inference context.
//
// Generate returns a finite channel that the producer closes when generation ends. The
// sequence cannot be restarted. Producers must stop sending once ctx is done so a
// consumer that stops reading never leaks the producer goroutine.
type Session interface {
	Clone(ctx context.Context) (Session, error)
	Append(ctx context.Context, msgs []Message) error
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (<-chan Chunk, error)
	Prompt(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
	Destroy() error
}

// ModelInfo describes a model exposed by an engine.
type ModelInfo struct {
	Name   string `json:"name"`
	Family string `json:"family,omitempty"`
}

// Engine is the inference backend.
type Engine interface {
	Availability(ctx context.Context) (Availability, error)
	CreateSession(ctx context.Context, opts SessionOptions) (Session, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// Usage is the input token budget of a session.
type Usage struct {
	InputQuota int `json:"input_quota"`
	InputUsage int `json:"input_usage"`
}

func (u Usage) Left() int {
	return u.InputQuota - u.InputUsage
}

// UsageReporter is implemented by sessions that can report their input budget.
type UsageReporter interface {
	Usage() Usage
}
