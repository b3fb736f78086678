package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Clip is decoded 16-bit PCM ready for streaming.
type Clip struct {
	SampleRate int
	Channels   int
	PCM        []byte // little-endian int16, interleaved
}

// Duration returns the clip length.
func (c Clip) Duration() time.Duration {
	frames := len(c.PCM) / 2 / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// Chunks splits the clip into chunks of d, keeping whole sample frames.
func (c Clip) Chunks(d time.Duration) [][]byte {
	frameBytes := 2 * c.Channels
	size := int(d.Seconds()*float64(c.SampleRate)) * frameBytes
	if size < frameBytes {
		size = frameBytes
	}
	var out [][]byte
	for off := 0; off < len(c.PCM); off += size {
		end := min(off+size, len(c.PCM))
		out = append(out, c.PCM[off:end])
	}
	return out
}

// readWAV decodes a 16-bit PCM WAV stream.
func readWAV(r io.ReadSeeker) (Clip, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return Clip{}, errors.New("not a valid WAV file")
	}
	if d.WavAudioFormat != 1 {
		return Clip{}, fmt.Errorf("only PCM WAV is supported, got format %d", d.WavAudioFormat)
	}
	if d.BitDepth != 16 {
		return Clip{}, fmt.Errorf("only 16-bit WAV is supported, got %d-bit", d.BitDepth)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode WAV: %w", err)
	}
	return Clip{
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
		PCM:        toPCM16(buf),
	}, nil
}

func toPCM16(buf *audio.IntBuffer) []byte {
	out := make([]byte, 2*len(buf.Data))
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}

// writeTone encodes a mono 16 kHz sine tone as WAV.
func writeTone(w io.WriteSeeker, seconds, freq float64) error {
	n := int(seconds * expectedRate)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: expectedRate},
		SourceBitDepth: 16,
		Data:           make([]int, n),
	}
	for i := range buf.Data {
		buf.Data[i] = int(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/expectedRate))
	}

	enc := wav.NewEncoder(w, expectedRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode WAV: %w", err)
	}
	return enc.Close()
}
