package audiograph

import (
	"context"
	"fmt"
	"math"

	"github.com/adityaadpandey/huddle/internals/vad"
)

// Mode selects the noise suppression stage. At most one is active.
type Mode string

const (
	ModeNone      Mode = "none"
	ModeDenoise   Mode = "denoise"
	ModeSpeex     Mode = "speex"
	ModeNoiseGate Mode = "noisegate"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeNone, ModeDenoise, ModeSpeex, ModeNoiseGate:
		return m, nil
	case "":
		return ModeNone, nil
	case "rnnoise":
		return ModeDenoise, nil
	}
	return "", fmt.Errorf("unknown suppression mode %q", s)
}

// Stage transforms a frame in place. Stages are driven from a single
// goroutine and keep state across frames.
type Stage interface {
	Process(f Frame)
	Close() error
}

// Loader builds the suppressor stage for a mode. Loading may be slow and
// must honor ctx. ModeNone yields a nil stage.
type Loader func(ctx context.Context, mode Mode) (Stage, error)

func DefaultLoader(ctx context.Context, mode Mode) (Stage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch mode {
	case ModeNone:
		return nil, nil
	case ModeDenoise:
		return NewDenoiser(), nil
	case ModeSpeex:
		return NewSpeexFilter(), nil
	case ModeNoiseGate:
		return NewNoiseGate(-30, 0.02, 0.1), nil
	}
	return nil, fmt.Errorf("unknown suppression mode %q", mode)
}

// NoiseGate closes when the frame level drops under the threshold. Gain
// moves toward its target with separate attack and release times.
type NoiseGate struct {
	thresholdDB float64
	attack      float64
	release     float64
	gain        float64
}

func NewNoiseGate(thresholdDB, attackSec, releaseSec float64) *NoiseGate {
	return &NoiseGate{
		thresholdDB: thresholdDB,
		attack:      smoothing(attackSec),
		release:     smoothing(releaseSec),
	}
}

// smoothing converts a time constant to a per-sample coefficient.
func smoothing(sec float64) float64 {
	if sec <= 0 {
		return 0
	}
	return math.Exp(-1 / (sec * SampleRate))
}

func (g *NoiseGate) Process(f Frame) {
	target := 0.0
	if vad.RMSdB(f) > g.thresholdDB {
		target = 1
	}
	coeff := g.release
	if target > g.gain {
		coeff = g.attack
	}
	for i := range f {
		g.gain = target + coeff*(g.gain-target)
		f[i] *= float32(g.gain)
	}
}

func (g *NoiseGate) Close() error { return nil }

// SpeexFilter is the classic filter chain: a high-pass against rumble and
// hum followed by a downward expander under the tracked noise floor.
type SpeexFilter struct {
	prevIn  float64
	prevOut float64
	alpha   float64
	floor   float64
}

func NewSpeexFilter() *SpeexFilter {
	const cutoff = 100.0
	rc := 1 / (2 * math.Pi * cutoff)
	dt := 1.0 / SampleRate
	return &SpeexFilter{
		alpha: rc / (rc + dt),
		floor: 1e-4,
	}
}

func (s *SpeexFilter) Process(f Frame) {
	for i, x := range f {
		y := s.alpha * (s.prevOut + float64(x) - s.prevIn)
		s.prevIn = float64(x)
		s.prevOut = y
		f[i] = float32(y)
	}

	energy := meanSquare(f)
	s.floor = trackFloor(s.floor, energy)
	if energy < 4*s.floor {
		scale := float32(energy / (4 * s.floor))
		for i := range f {
			f[i] *= scale
		}
	}
}

func (s *SpeexFilter) Close() error { return nil }

// Denoiser applies a Wiener gain per frame from a minimum-statistics noise
// estimate.
type Denoiser struct {
	noise float64
}

func NewDenoiser() *Denoiser {
	return &Denoiser{noise: 1e-4}
}

func (d *Denoiser) Process(f Frame) {
	energy := meanSquare(f)
	d.noise = trackFloor(d.noise, energy)
	if energy == 0 {
		return
	}
	gain := math.Max(0, 1-d.noise/energy)
	for i := range f {
		f[i] *= float32(gain)
	}
}

func (d *Denoiser) Close() error { return nil }

// trackFloor follows decreases at once and increases slowly.
func trackFloor(floor, energy float64) float64 {
	if energy < floor {
		return energy + 1e-12
	}
	return floor * 1.002
}

func meanSquare(f Frame) float64 {
	if len(f) == 0 {
		return 0
	}
	var sum float64
	for _, s := range f {
		sum += float64(s) * float64(s)
	}
	return sum / float64(len(f))
}

type gainStage struct {
	gain func() float32
}

func (g gainStage) Process(f Frame) {
	gain := g.gain()
	if gain == 1 {
		return
	}
	for i := range f {
		f[i] *= gain
	}
}

func (g gainStage) Close() error { return nil }

type tapStage struct {
	store func(float64)
}

func (t tapStage) Process(f Frame) {
	t.store(vad.RMSdB(f))
}

func (t tapStage) Close() error { return nil }
