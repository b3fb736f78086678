// Package audio provides the per-session audio buffer that accumulates raw
// PCM chunks, gates them with an energy VAD and prepares normalized windows
// for acoustic scoring.
package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
)

// ErrNoSignal is returned by ConsumeWindow when the retained window does not
// contain enough speech. It is an outcome, not a failure.
var ErrNoSignal = errors.New("no speech detected in audio window")

// Config defines how a Buffer decodes and gates audio.
type Config struct {
	SampleRate         int     // Hz, expected 16000
	Channels           int     // interleaved channels in the inbound PCM
	MaxBufferSeconds   float64 // retained window length
	VADEnergyThreshold float64 // mean-square energy per 10ms frame
	VADMinSpeechFrames int     // speech frames required per window
	AlignSamples       int     // window drops are whole multiples of this many frames of audio
}

// DefaultConfig returns the buffer defaults used by the service.
func DefaultConfig() Config {
	return Config{
		SampleRate:         16000,
		Channels:           1,
		MaxBufferSeconds:   10,
		VADEnergyThreshold: 0.0005,
		VADMinSpeechFrames: 10,
		AlignSamples:       320,
	}
}

// Buffer holds the inbound sample queue and the rolling analysis window.
// Push and ConsumeWindow may be called from different goroutines.
type Buffer struct {
	cfg        Config
	maxSamples int
	frameSize  int

	mu      sync.Mutex
	pending []float32
	carry   []byte // odd trailing byte from the previous push

	windowMu sync.Mutex
	window   []float32
	dropped  int // interleaved samples dropped ahead of window
}

// NewBuffer creates a Buffer with the given configuration. Zero fields fall
// back to DefaultConfig values.
func NewBuffer(cfg Config) *Buffer {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	if cfg.MaxBufferSeconds <= 0 {
		cfg.MaxBufferSeconds = def.MaxBufferSeconds
	}
	if cfg.VADEnergyThreshold <= 0 {
		cfg.VADEnergyThreshold = def.VADEnergyThreshold
	}
	if cfg.VADMinSpeechFrames <= 0 {
		cfg.VADMinSpeechFrames = def.VADMinSpeechFrames
	}
	if cfg.AlignSamples <= 0 {
		cfg.AlignSamples = def.AlignSamples
	}
	return &Buffer{
		cfg:        cfg,
		maxSamples: int(cfg.MaxBufferSeconds*float64(cfg.SampleRate)) * cfg.Channels,
		frameSize:  cfg.SampleRate / 100 * cfg.Channels,
	}
}

// Config returns the effective configuration.
func (b *Buffer) Config() Config {
	return b.cfg
}

// Push appends little-endian 16-bit PCM bytes to the inbound queue.
// Chunks of any size are accepted; an odd trailing byte is kept until the
// next push completes the sample. Returns the number of samples queued.
func (b *Buffer) Push(raw []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.carry) > 0 {
		raw = append(append([]byte{}, b.carry...), raw...)
		b.carry = b.carry[:0]
	}
	if len(raw)%2 == 1 {
		b.carry = append(b.carry, raw[len(raw)-1])
		raw = raw[:len(raw)-1]
	}

	n := len(raw) / 2
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(raw[2*i:]))
		b.pending = append(b.pending, float32(s)/32768.0)
	}

	// The queue never needs to hold more than one full window.
	if over := len(b.pending) - b.maxSamples; over > 0 {
		b.pending = append(b.pending[:0], b.pending[over:]...)
	}
	return n
}

// Pending returns the number of samples queued but not yet consumed.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Duration returns the retained window length in seconds.
func (b *Buffer) Duration() float64 {
	b.windowMu.Lock()
	defer b.windowMu.Unlock()
	return float64(len(b.window)) / float64(b.cfg.SampleRate*b.cfg.Channels)
}

// WindowStart returns the stream position, in mono samples, of the first
// sample of the retained window. It is always a multiple of AlignSamples.
func (b *Buffer) WindowStart() int {
	b.windowMu.Lock()
	defer b.windowMu.Unlock()
	return b.dropped / b.cfg.Channels
}

// ConsumeWindow swaps the whole inbound queue into the rolling window and
// returns the normalized mono window. ErrNoSignal is returned when VAD finds
// too little speech in the retained window.
func (b *Buffer) ConsumeWindow() ([]float32, error) {
	b.windowMu.Lock()
	defer b.windowMu.Unlock()

	b.mu.Lock()
	chunk := b.pending
	b.pending = nil
	b.mu.Unlock()

	b.window = append(b.window, chunk...)
	if over := len(b.window) - b.maxSamples; over > 0 {
		b.drop(over)
	}

	if !b.hasSpeech(b.window) {
		return nil, ErrNoSignal
	}
	return normalize(downmix(b.window, b.cfg.Channels)), nil
}

// Reset drops all queued and retained samples. The stream position moves
// past the dropped window.
func (b *Buffer) Reset() {
	b.windowMu.Lock()
	defer b.windowMu.Unlock()

	b.mu.Lock()
	b.pending = nil
	b.carry = nil
	b.mu.Unlock()
	b.drop(len(b.window))
	b.window = nil
}

// drop removes at least n samples from the head of the window, rounded up
// to whole alignment units. Callers hold windowMu.
func (b *Buffer) drop(n int) {
	unit := b.cfg.AlignSamples * b.cfg.Channels
	if rem := n % unit; rem != 0 {
		n += unit - rem
	}
	b.dropped += n
	if n >= len(b.window) {
		b.window = b.window[:0]
		return
	}
	b.window = append(b.window[:0], b.window[n:]...)
}

// hasSpeech applies the energy VAD over complete 10ms frames.
func (b *Buffer) hasSpeech(samples []float32) bool {
	if b.frameSize <= 0 {
		return false
	}
	speech := 0
	for start := 0; start+b.frameSize <= len(samples); start += b.frameSize {
		if FrameEnergy(samples[start:start+b.frameSize]) > b.cfg.VADEnergyThreshold {
			speech++
			if speech >= b.cfg.VADMinSpeechFrames {
				return true
			}
		}
	}
	return false
}

// FrameEnergy returns the mean-square energy of a frame.
func FrameEnergy(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return sum / float64(len(frame))
}

func downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}
	n := len(samples) / channels
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// normalize applies zero-mean unit-variance scaling in place.
func normalize(samples []float32) []float32 {
	if len(samples) == 0 {
		return samples
	}
	var mean float64
	for _, s := range samples {
		mean += float64(s)
	}
	mean /= float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := float64(s) - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(samples)))

	for i, s := range samples {
		samples[i] = float32((float64(s) - mean) / (std + 1e-8))
	}
	return samples
}
