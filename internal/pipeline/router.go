package pipeline

import (
	"context"
	"fmt"
)

// Router is a generic backend dispatcher mapping engine names to stage
// implementations, with a configurable fallback default.
type Router[T any] struct {
	backends map[string]T
	fallback string
}

// NewRouter creates a router with the given backends and fallback engine.
func NewRouter[T any](backends map[string]T, fallback string) *Router[T] {
	return &Router[T]{backends: backends, fallback: fallback}
}

// Route returns the backend for the engine name, falling back to the default.
func (r *Router[T]) Route(engine string) (T, error) {
	if backend, ok := r.backends[engine]; ok {
		return backend, nil
	}
	if backend, ok := r.backends[r.fallback]; ok {
		return backend, nil
	}
	var zero T
	return zero, fmt.Errorf("no backend for engine %q", engine)
}

// Has reports whether a backend is registered under the engine name.
func (r *Router[T]) Has(engine string) bool {
	_, ok := r.backends[engine]
	return ok
}

// Engines returns the names of all registered backends.
func (r *Router[T]) Engines() []string {
	names := make([]string, 0, len(r.backends))
	for k := range r.backends {
		names = append(names, k)
	}
	return names
}

// TranscriberRouter dispatches transcription to the engine a session asked for.
type TranscriberRouter struct {
	*Router[Transcriber]
}

func NewTranscriberRouter(backends map[string]Transcriber, fallback string) *TranscriberRouter {
	return &TranscriberRouter{Router: NewRouter(backends, fallback)}
}

func (r *TranscriberRouter) Transcribe(ctx context.Context, audioChunk []byte, engine string) (*TranscriptResult, error) {
	backend, err := r.Route(engine)
	if err != nil {
		return nil, err
	}
	return backend.Transcribe(ctx, audioChunk)
}

// InterpreterRouter dispatches interpretation by engine name.
type InterpreterRouter struct {
	*Router[Interpreter]
}

func NewInterpreterRouter(backends map[string]Interpreter, fallback string) *InterpreterRouter {
	return &InterpreterRouter{Router: NewRouter(backends, fallback)}
}

func (r *InterpreterRouter) Interpret(ctx context.Context, text string, sc SessionContext, engine string) (*IntentResult, error) {
	backend, err := r.Route(engine)
	if err != nil {
		return nil, err
	}
	return backend.Interpret(ctx, text, sc)
}

// SynthesizerRouter dispatches synthesis by engine name.
type SynthesizerRouter struct {
	*Router[Synthesizer]
}

func NewSynthesizerRouter(backends map[string]Synthesizer, fallback string) *SynthesizerRouter {
	return &SynthesizerRouter{Router: NewRouter(backends, fallback)}
}

func (r *SynthesizerRouter) Synthesize(ctx context.Context, responseText, engine string) ([]byte, error) {
	backend, err := r.Route(engine)
	if err != nil {
		return nil, err
	}
	return backend.Synthesize(ctx, responseText)
}
