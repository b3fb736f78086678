package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
)

// tone returns ms milliseconds of 16kHz 16-bit PCM sine at the given amplitude.
func tone(ms int, amplitude float64) []byte {
	n := 16 * ms
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*440*float64(i)/16000)
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v*32767)))
	}
	return out
}

func TestBuffer_Push_DecodesLittleEndian(t *testing.T) {
	b := NewBuffer(DefaultConfig())

	raw := make([]byte, 4)
	binary.LittleEndian.PutUint16(raw[0:], uint16(int16(16384)))
	binary.LittleEndian.PutUint16(raw[2:], uint16(0x8000)) // -32768

	if n := b.Push(raw); n != 2 {
		t.Fatalf("expected 2 samples, got %d", n)
	}
	if b.pending[0] != 0.5 {
		t.Errorf("expected 0.5, got %v", b.pending[0])
	}
	if b.pending[1] != -1.0 {
		t.Errorf("expected -1.0, got %v", b.pending[1])
	}
}

func TestBuffer_Push_OddChunkCarriesByte(t *testing.T) {
	b := NewBuffer(DefaultConfig())

	raw := make([]byte, 2)
	binary.LittleEndian.PutUint16(raw, uint16(int16(1000)))

	if n := b.Push(raw[:1]); n != 0 {
		t.Fatalf("expected 0 samples from a single byte, got %d", n)
	}
	if n := b.Push(raw[1:]); n != 1 {
		t.Fatalf("expected carried byte to complete a sample, got %d", n)
	}
	want := float32(1000) / 32768
	if b.pending[0] != want {
		t.Errorf("expected %v, got %v", want, b.pending[0])
	}
}

func TestBuffer_ConsumeWindow_SilenceIsNoSignal(t *testing.T) {
	b := NewBuffer(DefaultConfig())
	b.Push(make([]byte, 32000)) // 1s of zeros

	_, err := b.ConsumeWindow()
	if !errors.Is(err, ErrNoSignal) {
		t.Fatalf("expected ErrNoSignal, got %v", err)
	}
	if b.Pending() != 0 {
		t.Errorf("expected queue drained, got %d samples", b.Pending())
	}
}

func TestBuffer_ConsumeWindow_SpeechIsNormalized(t *testing.T) {
	b := NewBuffer(DefaultConfig())
	b.Push(tone(500, 0.3))

	window, err := b.ConsumeWindow()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(window) != 8000 {
		t.Fatalf("expected 8000 samples, got %d", len(window))
	}

	var mean, sq float64
	for _, s := range window {
		mean += float64(s)
	}
	mean /= float64(len(window))
	for _, s := range window {
		sq += (float64(s) - mean) * (float64(s) - mean)
	}
	std := math.Sqrt(sq / float64(len(window)))

	if math.Abs(mean) > 1e-3 {
		t.Errorf("expected zero mean, got %v", mean)
	}
	if math.Abs(std-1) > 1e-3 {
		t.Errorf("expected unit std, got %v", std)
	}
}

func TestBuffer_VADMinSpeechFrames(t *testing.T) {
	tests := []struct {
		name     string
		speechMs int
		wantErr  bool
	}{
		{"below minimum", 90, true},
		{"exactly minimum", 100, false},
		{"above minimum", 300, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuffer(DefaultConfig())
			b.Push(tone(tt.speechMs, 0.3))
			b.Push(make([]byte, 3200)) // 100ms silence

			_, err := b.ConsumeWindow()
			if tt.wantErr && !errors.Is(err, ErrNoSignal) {
				t.Errorf("expected ErrNoSignal, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected speech, got %v", err)
			}
		})
	}
}

func TestBuffer_WindowSlidesAcrossConsumes(t *testing.T) {
	b := NewBuffer(DefaultConfig())

	// Speech from an earlier chunk stays in the window for later passes.
	b.Push(tone(200, 0.3))
	if _, err := b.ConsumeWindow(); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	b.Push(make([]byte, 3200))
	window, err := b.ConsumeWindow()
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if len(window) != 3200+1600 {
		t.Errorf("expected %d samples, got %d", 3200+1600, len(window))
	}
}

func TestBuffer_WindowCappedAtMaxSeconds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBufferSeconds = 1
	b := NewBuffer(cfg)

	b.Push(tone(800, 0.3))
	b.ConsumeWindow()
	b.Push(tone(800, 0.3))

	window, err := b.ConsumeWindow()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(window) != 16000 {
		t.Errorf("expected window capped at 16000 samples, got %d", len(window))
	}
	if d := b.Duration(); d != 1 {
		t.Errorf("expected 1s retained, got %v", d)
	}
}

func TestBuffer_PendingCappedAtMaxSeconds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBufferSeconds = 1
	b := NewBuffer(cfg)

	b.Push(tone(1500, 0.3))
	if b.Pending() != 16000 {
		t.Errorf("expected 16000 pending samples, got %d", b.Pending())
	}
}

func TestBuffer_StereoDownmix(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Channels = 2
	b := NewBuffer(cfg)

	mono := tone(200, 0.3)
	stereo := make([]byte, 0, 2*len(mono))
	for i := 0; i < len(mono); i += 2 {
		stereo = append(stereo, mono[i], mono[i+1], mono[i], mono[i+1])
	}
	b.Push(stereo)

	window, err := b.ConsumeWindow()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(window) != 3200 {
		t.Errorf("expected 3200 mono samples, got %d", len(window))
	}
}

func TestBuffer_Reset(t *testing.T) {
	b := NewBuffer(DefaultConfig())
	b.Push(tone(200, 0.3))
	b.ConsumeWindow()
	b.Push([]byte{1})

	b.Reset()

	if b.Pending() != 0 || b.Duration() != 0 || len(b.carry) != 0 {
		t.Error("expected buffer to be empty after reset")
	}
}

func TestBuffer_WindowStartTracksDrops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBufferSeconds = 1
	b := NewBuffer(cfg)

	b.Push(tone(800, 0.3))
	b.ConsumeWindow()
	if got := b.WindowStart(); got != 0 {
		t.Fatalf("expected start 0 before any drop, got %d", got)
	}

	// 1.25s retained against a 1s cap drops 4000 samples, rounded up to
	// whole 320-sample units.
	b.Push(tone(450, 0.3))
	window, _ := b.ConsumeWindow()
	if got := b.WindowStart(); got != 4160 {
		t.Errorf("expected start 4160, got %d", got)
	}
	if got := b.WindowStart() + len(window); got != 20000 {
		t.Errorf("expected window to end at sample 20000, got %d", got)
	}

	b.Reset()
	if got := b.WindowStart(); got%320 != 0 || got < 20000 {
		t.Errorf("expected aligned start past 20000 after reset, got %d", got)
	}
}

func TestBuffer_ResetDuringConsume(t *testing.T) {
	b := NewBuffer(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			b.Push(tone(20, 0.3))
		}()
		go func() {
			defer wg.Done()
			b.ConsumeWindow()
		}()
		go func() {
			defer wg.Done()
			b.Reset()
		}()
	}
	wg.Wait()

	b.Reset()
	if b.Pending() != 0 || b.Duration() != 0 {
		t.Error("expected buffer empty after final reset")
	}
}

func TestFrameEnergy(t *testing.T) {
	if e := FrameEnergy(nil); e != 0 {
		t.Errorf("expected 0 for empty frame, got %v", e)
	}
	if e := FrameEnergy([]float32{0.5, -0.5}); e != 0.25 {
		t.Errorf("expected 0.25, got %v", e)
	}
}
