// Package dialect implements the three client-facing wire dialects —
// OpenAI chat-completions, Anthropic messages, and the native Gemini REST
// shape — as pure translation functions around one shared pipeline
// (spec.md §9 "Polymorphism of dialects").
package dialect

import "fmt"

// Dialect tags which wire shape a client spoke.
type Dialect string

const (
	OpenAI    Dialect = "openai"
	Anthropic Dialect = "anthropic"
	Native    Dialect = "native"
)

// NativeRequest is the upstream app's own request shape: a generateContent
// (or equivalent) body plus the resolved model and upstream path.
type NativeRequest struct {
	Model string
	Path  string
	Body  map[string]any
}

// StreamState threads across successive TranslateOut calls for one
// response so dialect-specific framing (SSE sentinels, running indices)
// can be produced incrementally as chunks arrive.
type StreamState struct {
	Dialect   Dialect
	Model     string
	ChunkSeen bool
	Done      bool

	id string // lazily assigned completion/message id, stable across chunks
}

// NewStreamState starts a StreamState for a response in dialect d against
// model.
func NewStreamState(d Dialect, model string) *StreamState {
	return &StreamState{Dialect: d, Model: model}
}

func (s *StreamState) requestID() string {
	if s.id == "" {
		if s.Dialect == Anthropic {
			s.id = NewMessageID()
		} else {
			s.id = NewCompletionID()
		}
	}
	return s.id
}

// Translator is the per-dialect pair of pure functions spec.md §9 asks for.
type Translator interface {
	// TranslateIn turns a client request body into the native upstream
	// shape and the cleaned model name (stripped of any client-side
	// suffix/alias).
	TranslateIn(clientBody map[string]any, pathModel string) (NativeRequest, error)

	// TranslateOut turns one native streaming chunk (already JSON-decoded)
	// into zero or more client-dialect SSE data lines. state is mutated in
	// place across calls for the same response.
	TranslateOut(nativeChunk map[string]any, state *StreamState) ([]string, error)

	// FinalSentinel returns the dialect-required terminal SSE line, or ""
	// if the dialect has none (spec.md §4.E "dialect re-encoding").
	FinalSentinel() string

	// WrapError renders an upstream/client error into this dialect's error
	// envelope.
	WrapError(status int, message string) map[string]any
}

// For returns the Translator for d.
func For(d Dialect) (Translator, error) {
	switch d {
	case OpenAI:
		return openaiTranslator{}, nil
	case Anthropic:
		return anthropicTranslator{}, nil
	case Native:
		return nativeTranslator{}, nil
	default:
		return nil, fmt.Errorf("dialect: unknown dialect %q", d)
	}
}
