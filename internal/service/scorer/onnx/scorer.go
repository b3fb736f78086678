// Package onnx runs a wav2vec2-style CTC acoustic model with ONNX Runtime.
package onnx

import (
	"context"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"realtime-pronunciation-service/internal/service/scorer"
)

// Config holds ONNX scorer configuration.
type Config struct {
	ModelPath         string
	VocabPath         string
	SharedLibraryPath string // onnxruntime shared library; empty uses the platform default
	InputName         string // empty uses the model's first input
	OutputName        string // empty uses the model's first output
	IntraOpThreads    int
}

var envOnce sync.Once
var envErr error

// Scorer implements scorer.Scorer over an ONNX Runtime session.
// The session is created once and shared by all callers.
type Scorer struct {
	session *ort.DynamicAdvancedSession
	vocab   *scorer.Vocabulary
	input   string
	output  string
}

// New loads the vocabulary and model. All failures wrap scorer.ErrEngineInit.
func New(cfg Config) (*Scorer, error) {
	vocab, err := scorer.LoadVocabulary(cfg.VocabPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scorer.ErrEngineInit, err)
	}

	envOnce.Do(func() {
		if cfg.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	if envErr != nil {
		return nil, fmt.Errorf("%w: initialize onnxruntime: %v", scorer.ErrEngineInit, envErr)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: inspect model: %v", scorer.ErrEngineInit, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("%w: model has no inputs or outputs", scorer.ErrEngineInit)
	}
	input, output := cfg.InputName, cfg.OutputName
	if input == "" {
		input = inputs[0].Name
	}
	if output == "" {
		output = outputs[0].Name
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: session options: %v", scorer.ErrEngineInit, err)
	}
	defer opts.Destroy()
	if cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("%w: set threads: %v", scorer.ErrEngineInit, err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, []string{input}, []string{output}, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %v", scorer.ErrEngineInit, err)
	}

	return &Scorer{session: session, vocab: vocab, input: input, output: output}, nil
}

// Name returns "onnx".
func (s *Scorer) Name() string {
	return "onnx"
}

// Vocabulary returns the model vocabulary.
func (s *Scorer) Vocabulary() *scorer.Vocabulary {
	return s.vocab
}

// Infer runs the model over window and returns softmaxed posteriors.
func (s *Scorer) Infer(ctx context.Context, window []float32) (*scorer.Posteriors, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", scorer.ErrInference, err)
	}
	if len(window) == 0 {
		return scorer.NewPosteriors(0, s.vocab.Size()), nil
	}

	in, err := ort.NewTensor(ort.NewShape(1, int64(len(window))), window)
	if err != nil {
		return nil, fmt.Errorf("%w: input tensor: %v", scorer.ErrInference, err)
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{in}, outputs); err != nil {
		return nil, fmt.Errorf("%w: run: %v", scorer.ErrInference, err)
	}
	defer outputs[0].Destroy()

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: unexpected output type %T", scorer.ErrInference, outputs[0])
	}
	shape := logits.GetShape()
	if len(shape) != 3 || int(shape[2]) != s.vocab.Size() {
		return nil, fmt.Errorf("%w: unexpected output shape %v for vocabulary of %d",
			scorer.ErrInference, shape, s.vocab.Size())
	}

	p := scorer.NewPosteriors(int(shape[1]), int(shape[2]))
	copy(p.Probs, logits.GetData())
	for t := 0; t < p.Frames; t++ {
		softmax(p.Row(t))
	}
	return p, nil
}

// Close releases the session.
func (s *Scorer) Close() error {
	if s.session == nil {
		return nil
	}
	return s.session.Destroy()
}

func softmax(row []float32) {
	max := row[0]
	for _, x := range row[1:] {
		if x > max {
			max = x
		}
	}
	var sum float64
	for i, x := range row {
		e := math.Exp(float64(x - max))
		row[i] = float32(e)
		sum += e
	}
	for i := range row {
		row[i] = float32(float64(row[i]) / sum)
	}
}
