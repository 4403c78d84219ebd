package ocr

import (
	"context"
	"image"
	"sync"
)

// Responder produces a result for one recognition call.
type Responder func(img image.Image, opts Options) (*Result, error)

// ScriptedEngine answers recognition calls from a Responder. It is used
// wherever a real tesseract install is not wanted, such as tests and dry runs.
type ScriptedEngine struct {
	respond     Responder
	unavailable bool

	mu    sync.Mutex
	calls []Options
}

// NewScriptedEngine creates an engine backed by respond.
func NewScriptedEngine(respond Responder) *ScriptedEngine {
	return &ScriptedEngine{respond: respond}
}

// StaticText returns a Responder that always recognizes text at conf.
func StaticText(text string, conf float64) Responder {
	return func(image.Image, Options) (*Result, error) {
		return &Result{Text: text, Confidence: conf}, nil
	}
}

// SetUnavailable makes Available report false.
func (s *ScriptedEngine) SetUnavailable() { s.unavailable = true }

func (s *ScriptedEngine) Recognize(ctx context.Context, img image.Image, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, opts)
	s.mu.Unlock()
	if s.respond == nil {
		return &Result{}, nil
	}
	return s.respond(img, opts)
}

func (s *ScriptedEngine) Available() bool { return !s.unavailable }

func (s *ScriptedEngine) Close() error { return nil }

// Calls returns the options of every call made so far.
func (s *ScriptedEngine) Calls() []Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Options, len(s.calls))
	copy(out, s.calls)
	return out
}
