package vad

import (
	"context"
	"sync"
	"time"
)

// LevelSource reports the current audio level in dBFS.
type LevelSource interface {
	Level() float64
}

type LevelFunc func() float64

func (f LevelFunc) Level() float64 {
	return f()
}

// Monitor samples a level source on a fixed tick and reports speaking
// changes to onChange. onChange runs on the monitor goroutine.
type Monitor struct {
	source   LevelSource
	tick     time.Duration
	onChange func(speaking bool)

	mu  sync.Mutex
	det *Detector
}

func NewMonitor(cfg Config, source LevelSource, onChange func(bool)) *Monitor {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	return &Monitor{
		source:   source,
		tick:     cfg.Tick,
		onChange: onChange,
		det:      NewDetector(cfg),
	}
}

// Run samples until ctx is done. A monitor that was speaking reports
// silence on the way out.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			wasSpeaking := m.det.Speaking()
			m.det.Reset()
			m.mu.Unlock()
			if wasSpeaking && m.onChange != nil {
				m.onChange(false)
			}
			return
		case now := <-ticker.C:
			m.Sample(now)
		}
	}
}

// Sample takes one reading at now.
func (m *Monitor) Sample(now time.Time) {
	level := m.source.Level()

	m.mu.Lock()
	speaking, changed := m.det.Update(level, now)
	m.mu.Unlock()

	if changed && m.onChange != nil {
		m.onChange(speaking)
	}
}

func (m *Monitor) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.det.Speaking()
}
