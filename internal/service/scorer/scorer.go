// Package scorer defines the acoustic scorer used to turn audio windows into
// per-frame label posteriors, and the CTC decoding that turns those posteriors
// into evidence tokens for progress tracking.
package scorer

import (
	"context"
	"errors"
)

var (
	// ErrEngineInit is returned when a scorer cannot be constructed. Fatal at startup.
	ErrEngineInit = errors.New("acoustic engine initialization failed")
	// ErrInference wraps per-call inference failures. Recoverable.
	ErrInference = errors.New("acoustic inference failed")
)

// Scorer produces frame-level posteriors over a vocabulary.
// Implementations must be safe for concurrent use by multiple sessions.
type Scorer interface {
	// Infer runs the acoustic model over a normalized mono window.
	Infer(ctx context.Context, window []float32) (*Posteriors, error)

	// Vocabulary returns the label inventory the posteriors index into.
	Vocabulary() *Vocabulary

	// Name identifies the implementation for logs and metrics.
	Name() string
}

// Posteriors is a row-major T x V matrix of per-frame label probabilities.
type Posteriors struct {
	Frames int
	Labels int
	Probs  []float32
}

// NewPosteriors allocates a zeroed T x V matrix.
func NewPosteriors(frames, labels int) *Posteriors {
	return &Posteriors{
		Frames: frames,
		Labels: labels,
		Probs:  make([]float32, frames*labels),
	}
}

// At returns the probability of label v at frame t.
func (p *Posteriors) At(t, v int) float32 {
	return p.Probs[t*p.Labels+v]
}

// Set stores the probability of label v at frame t.
func (p *Posteriors) Set(t, v int, prob float32) {
	p.Probs[t*p.Labels+v] = prob
}

// Row returns the label distribution for frame t.
func (p *Posteriors) Row(t int) []float32 {
	return p.Probs[t*p.Labels : (t+1)*p.Labels]
}
