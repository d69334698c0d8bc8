// Package vad turns a stream of audio levels into speaking and silent
// transitions.
package vad

import (
	"math"
	"time"

	"github.com/adityaadpandey/huddle/internals/config"
)

// FloorDB is the level reported for silence.
const FloorDB = -100.0

type State int

const (
	StateSilent State = iota
	StateArmedSpeaking
	StateSpeaking
	StateArmedSilent
)

func (s State) String() string {
	switch s {
	case StateArmedSpeaking:
		return "armed-speaking"
	case StateSpeaking:
		return "speaking"
	case StateArmedSilent:
		return "armed-silent"
	}
	return "silent"
}

type Config struct {
	ThresholdDB     float64
	FramesThreshold int
	SpeakingDelay   time.Duration
	SilenceDelay    time.Duration
	Tick            time.Duration
}

func DefaultConfig() Config {
	return Config{
		ThresholdDB:     -50,
		FramesThreshold: 4,
		SpeakingDelay:   50 * time.Millisecond,
		SilenceDelay:    200 * time.Millisecond,
		Tick:            20 * time.Millisecond,
	}
}

// FromConfig fills unset fields with the defaults.
func FromConfig(cfg config.VADConfig) Config {
	out := DefaultConfig()
	if cfg.ThresholdDB != 0 {
		out.ThresholdDB = cfg.ThresholdDB
	}
	if cfg.FramesThreshold > 0 {
		out.FramesThreshold = cfg.FramesThreshold
	}
	if cfg.SpeakingDelay > 0 {
		out.SpeakingDelay = cfg.SpeakingDelay
	}
	if cfg.SilenceDelay > 0 {
		out.SilenceDelay = cfg.SilenceDelay
	}
	if cfg.Tick > 0 {
		out.Tick = cfg.Tick
	}
	return out
}

// RMSdB returns the level of a PCM frame in dBFS.
func RMSdB(frame []float32) float64 {
	if len(frame) == 0 {
		return FloorDB
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	if rms == 0 {
		return FloorDB
	}
	return math.Max(20*math.Log10(rms), FloorDB)
}

// Detector is a hysteresis state machine over per-tick levels. It is not
// safe for concurrent use.
type Detector struct {
	cfg     Config
	state   State
	above   int
	below   int
	armedAt time.Time
}

func NewDetector(cfg Config) *Detector {
	if cfg.FramesThreshold <= 0 {
		cfg.FramesThreshold = 1
	}
	return &Detector{cfg: cfg}
}

func (d *Detector) State() State {
	return d.state
}

// Speaking reports the externally visible state. Both armed states keep the
// previous answer.
func (d *Detector) Speaking() bool {
	return d.state == StateSpeaking || d.state == StateArmedSilent
}

// Update feeds one level sample taken at now. It returns the visible state
// and whether it changed with this sample.
func (d *Detector) Update(levelDB float64, now time.Time) (bool, bool) {
	before := d.Speaking()

	if levelDB > d.cfg.ThresholdDB {
		d.above++
		d.below = 0
	} else {
		d.below++
		d.above = 0
	}

	switch d.state {
	case StateSilent:
		if d.above >= d.cfg.FramesThreshold {
			d.arm(StateArmedSpeaking, now)
		}
	case StateArmedSpeaking:
		switch {
		case d.below >= d.cfg.FramesThreshold:
			d.state = StateSilent
		case d.below == 0 && now.Sub(d.armedAt) >= d.cfg.SpeakingDelay:
			d.state = StateSpeaking
		}
	case StateSpeaking:
		if d.below >= d.cfg.FramesThreshold {
			d.arm(StateArmedSilent, now)
		}
	case StateArmedSilent:
		switch {
		case d.above >= d.cfg.FramesThreshold:
			d.state = StateSpeaking
		case d.above == 0 && now.Sub(d.armedAt) >= d.cfg.SilenceDelay:
			d.state = StateSilent
		}
	}

	after := d.Speaking()
	return after, after != before
}

func (d *Detector) arm(s State, now time.Time) {
	d.state = s
	d.armedAt = now
	d.above = 0
	d.below = 0
}

// Reset returns the detector to silent without reporting a change.
func (d *Detector) Reset() {
	d.state = StateSilent
	d.above = 0
	d.below = 0
}
