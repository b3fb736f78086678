// Package mock provides a deterministic acoustic scorer for development and
// tests. It "hears" a fixed transcript, revealing one label for every
// FramesPerLabel speech frames in the window, so more speech decodes further
// into the transcript. Silent frames decode as blank.
package mock

import (
	"context"
	"fmt"
	"strings"

	"realtime-pronunciation-service/internal/service/audio"
	"realtime-pronunciation-service/internal/service/scorer"
)

const (
	// SamplesPerFrame matches a 20ms acoustic frame at 16kHz.
	SamplesPerFrame = scorer.FrameSamples
	// SpeechEnergy is the normalized frame energy above which a frame counts
	// as speech. Windows arrive at unit variance, so speech frames sit near 1
	// and silent frames near 0.
	SpeechEnergy = 0.1
	// DefaultFramesPerLabel reveals roughly one syllable per 300ms of audio.
	DefaultFramesPerLabel = 15
	// PeakProbability is the posterior assigned to the heard label.
	PeakProbability = 0.9
)

// Scorer implements scorer.Scorer. It is immutable after construction.
type Scorer struct {
	vocab          *scorer.Vocabulary
	sequence       []int // labels heard, delimiters between words
	framesPerLabel int
}

// New creates a mock scorer that hears transcript.
func New(transcript string, framesPerLabel int) (*Scorer, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, fmt.Errorf("%w: mock transcript is empty", scorer.ErrEngineInit)
	}
	if framesPerLabel < 3 {
		framesPerLabel = DefaultFramesPerLabel
	}

	labels := []string{scorer.BlankToken, scorer.UnknownToken, scorer.DelimiterToken}
	seen := map[string]bool{}
	for _, r := range strings.ToLower(transcript) {
		l := string(r)
		if r == ' ' || seen[l] {
			continue
		}
		seen[l] = true
		labels = append(labels, l)
	}
	vocab, err := scorer.NewVocabulary(labels)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scorer.ErrEngineInit, err)
	}

	var sequence []int
	for i, word := range strings.Fields(transcript) {
		if i > 0 {
			sequence = append(sequence, vocab.Delimiter)
		}
		sequence = append(sequence, vocab.Tokenize(word)...)
	}

	return &Scorer{vocab: vocab, sequence: sequence, framesPerLabel: framesPerLabel}, nil
}

// Name returns "mock".
func (s *Scorer) Name() string {
	return "mock"
}

// Vocabulary returns the transcript-derived vocabulary.
func (s *Scorer) Vocabulary() *scorer.Vocabulary {
	return s.vocab
}

// Infer returns posteriors revealing the transcript prefix covered by the
// speech in the window. Each label occupies FramesPerLabel speech frames: the
// label itself, then two blank frames so repeated labels stay distinct.
func (s *Scorer) Infer(ctx context.Context, window []float32) (*scorer.Posteriors, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", scorer.ErrInference, err)
	}

	frames := len(window) / SamplesPerFrame
	v := s.vocab.Size()
	p := scorer.NewPosteriors(frames, v)
	rest := float32((1 - PeakProbability) / float64(v-1))

	spoken := 0
	for t := 0; t < frames; t++ {
		label := s.vocab.Blank
		if audio.FrameEnergy(window[t*SamplesPerFrame:(t+1)*SamplesPerFrame]) > SpeechEnergy {
			slot, offset := spoken/s.framesPerLabel, spoken%s.framesPerLabel
			if slot < len(s.sequence) && offset < s.framesPerLabel-2 {
				label = s.sequence[slot]
			}
			spoken++
		}
		row := p.Row(t)
		for i := range row {
			row[i] = rest
		}
		row[label] = PeakProbability
	}
	return p, nil
}
