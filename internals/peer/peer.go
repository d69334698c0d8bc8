package peer

import (
	"time"

	"github.com/adityaadpandey/huddle/internals/engine"
)

type MediaType string

const (
	MediaTypeAudio  MediaType = "audio"
	MediaTypeWebcam MediaType = "webcam"
	MediaTypeScreen MediaType = "screen"
)

// Info is the public snapshot of a peer handed to other participants.
type Info struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Muted        bool   `json:"muted"`
	AudioEnabled bool   `json:"audioEnabled"`
	Speaking     bool   `json:"speaking"`
}

// Peer is one joined participant. A Peer has no lock of its own; it is only
// touched while the owning room's lock is held.
type Peer struct {
	ID       string
	RoomID   string
	Name     string
	JoinedAt time.Time

	muted        bool
	audioEnabled bool
	speaking     bool

	transports map[string]engine.Transport
	producers  map[string]struct{}
	consumers  map[string]struct{}
}

func NewPeer(id, roomID, name string) *Peer {
	return &Peer{
		ID:           id,
		RoomID:       roomID,
		Name:         name,
		JoinedAt:     time.Now(),
		audioEnabled: true,
		transports:   make(map[string]engine.Transport),
		producers:    make(map[string]struct{}),
		consumers:    make(map[string]struct{}),
	}
}

func (p *Peer) Info() Info {
	return Info{
		ID:           p.ID,
		Name:         p.Name,
		Muted:        p.muted,
		AudioEnabled: p.audioEnabled,
		Speaking:     p.speaking,
	}
}

func (p *Peer) Muted() bool {
	return p.muted
}

func (p *Peer) Speaking() bool {
	return p.speaking
}

func (p *Peer) AudioEnabled() bool {
	return p.audioEnabled
}

// SetMuted updates the mute flag. Muting always clears speaking.
func (p *Peer) SetMuted(muted bool) {
	p.muted = muted
	if muted {
		p.speaking = false
	}
}

// SetSpeaking records the speaking flag unless the peer is muted and
// reports whether anything was applied.
func (p *Peer) SetSpeaking(speaking bool) bool {
	if p.muted {
		return false
	}
	p.speaking = speaking
	return true
}

func (p *Peer) SetAudioEnabled(enabled bool) {
	p.audioEnabled = enabled
}

func (p *Peer) AddTransport(t engine.Transport) {
	p.transports[t.ID()] = t
}

func (p *Peer) Transport(id string) (engine.Transport, bool) {
	t, ok := p.transports[id]
	return t, ok
}

func (p *Peer) RemoveTransport(id string) {
	delete(p.transports, id)
}

func (p *Peer) Transports() []engine.Transport {
	out := make([]engine.Transport, 0, len(p.transports))
	for _, t := range p.transports {
		out = append(out, t)
	}
	return out
}

func (p *Peer) AddProducer(id string) {
	p.producers[id] = struct{}{}
}

func (p *Peer) RemoveProducer(id string) {
	delete(p.producers, id)
}

func (p *Peer) ProducerIDs() []string {
	out := make([]string, 0, len(p.producers))
	for id := range p.producers {
		out = append(out, id)
	}
	return out
}

func (p *Peer) AddConsumer(id string) {
	p.consumers[id] = struct{}{}
}

func (p *Peer) RemoveConsumer(id string) {
	delete(p.consumers, id)
}

func (p *Peer) ConsumerIDs() []string {
	out := make([]string, 0, len(p.consumers))
	for id := range p.consumers {
		out = append(out, id)
	}
	return out
}
