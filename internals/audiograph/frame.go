// Package audiograph builds the local audio processing chain of a call and
// the playback sessions of remote peers.
package audiograph

import (
	"context"
	"errors"
	"math"
	"time"
)

const (
	SampleRate = 48000
	// FrameSize is 10 ms of mono audio.
	FrameSize     = 480
	FrameDuration = 10 * time.Millisecond
)

var ErrSourceClosed = errors.New("audio source closed")

// Frame is mono float32 PCM in [-1, 1].
type Frame []float32

func (f Frame) Clone() Frame {
	out := make(Frame, len(f))
	copy(out, f)
	return out
}

// Source yields frames at real-time pace.
type Source interface {
	ReadFrame(ctx context.Context) (Frame, error)
}

// ToneSource produces a sine tone paced by a ticker. An amplitude of zero
// produces digital silence.
type ToneSource struct {
	Frequency float64
	Amplitude float64

	phase  float64
	ticker *time.Ticker
}

func NewToneSource(frequency, amplitude float64) *ToneSource {
	return &ToneSource{
		Frequency: frequency,
		Amplitude: amplitude,
		ticker:    time.NewTicker(FrameDuration),
	}
}

func (s *ToneSource) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ticker.C:
	}

	frame := make(Frame, FrameSize)
	step := 2 * math.Pi * s.Frequency / SampleRate
	for i := range frame {
		frame[i] = float32(s.Amplitude * math.Sin(s.phase))
		s.phase += step
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)
	return frame, nil
}

func (s *ToneSource) Stop() {
	s.ticker.Stop()
}

// ChanSource reads frames from a channel. A closed channel ends the source.
type ChanSource <-chan Frame

func (c ChanSource) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-c:
		if !ok {
			return nil, ErrSourceClosed
		}
		return f, nil
	}
}
