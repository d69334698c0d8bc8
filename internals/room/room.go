package room

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/adityaadpandey/huddle/internals/engine"
	"github.com/adityaadpandey/huddle/internals/peer"
)

var (
	ErrClosed            = fmt.Errorf("room is closed")
	ErrFull              = fmt.Errorf("room is full")
	ErrPeerExists        = fmt.Errorf("peer already exists in room")
	ErrPeerNotFound      = fmt.Errorf("peer not found in room")
	ErrTransportNotFound = fmt.Errorf("transport not found")
	ErrProducerNotFound  = fmt.Errorf("producer not found")
	ErrAlreadySharing    = fmt.Errorf("peer is already sharing a screen")
)

type Producer struct {
	ID        string
	PeerID    string
	Kind      engine.MediaKind
	MediaType peer.MediaType
	Handle    engine.Producer
}

type Consumer struct {
	ID             string
	PeerID         string
	ProducerID     string
	ProducerPeerID string
	Kind           engine.MediaKind
	Handle         engine.Consumer
}

// JoinSnapshot is what a joining peer sees of the room at the moment it was
// added. Recipients are the peers that must learn about the join.
type JoinSnapshot struct {
	Peers      []peer.Info
	Producers  []Producer
	Recipients []string
}

// ProducerClosure describes a producer removed from the room together with
// the consumers that were bound to it.
type ProducerClosure struct {
	Producer   Producer
	Consumers  []Consumer
	Recipients []string
}

// Departure is everything removed when a peer leaves. Closures come first
// because remote consumers resolve their media type from them.
type Departure struct {
	Peer         peer.Info
	Closures     []ProducerClosure
	OwnConsumers []Consumer
	Transports   []engine.Transport
	Recipients   []string
	Empty        bool
}

// ConsumerState is the outcome of looking a consumer up for a peer.
type ConsumerState int

const (
	ConsumerMissing ConsumerState = iota
	ConsumerActive
	// ConsumerProducerClosed marks a consumer that was issued to the peer and
	// then closed because its producer went away.
	ConsumerProducerClosed
)

type Info struct {
	ID            string      `json:"id"`
	CreatedAt     time.Time   `json:"createdAt"`
	PeerCount     int         `json:"peerCount"`
	ProducerCount int         `json:"producerCount"`
	ConsumerCount int         `json:"consumerCount"`
	Peers         []peer.Info `json:"peers"`
}

// Room is one call. All room, peer, producer and consumer state is guarded
// by mu; engine calls are never made while it is held.
type Room struct {
	ID        string
	CreatedAt time.Time
	Router    engine.Router

	mu         sync.Mutex
	peers      map[string]*peer.Peer
	producers  map[string]*Producer
	consumers  map[string]*Consumer
	tombstones map[string]string
	closed     bool
}

func New(id string, router engine.Router) *Room {
	return &Room{
		ID:         id,
		CreatedAt:  time.Now(),
		Router:     router,
		peers:      make(map[string]*peer.Peer),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
		tombstones: make(map[string]string),
	}
}

func (r *Room) RTPCapabilities() engine.RTPCapabilities {
	return r.Router.RTPCapabilities()
}

// Join adds p and snapshots everyone and everything already present.
func (r *Room) Join(p *peer.Peer, maxPeers int) (JoinSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return JoinSnapshot{}, ErrClosed
	}
	if _, exists := r.peers[p.ID]; exists {
		return JoinSnapshot{}, ErrPeerExists
	}
	if maxPeers > 0 && len(r.peers) >= maxPeers {
		return JoinSnapshot{}, ErrFull
	}

	snap := JoinSnapshot{
		Peers:      make([]peer.Info, 0, len(r.peers)),
		Producers:  make([]Producer, 0, len(r.producers)),
		Recipients: r.recipientsLocked(""),
	}
	for _, id := range snap.Recipients {
		snap.Peers = append(snap.Peers, r.peers[id].Info())
	}
	for _, prod := range r.sortedProducersLocked() {
		snap.Producers = append(snap.Producers, *prod)
	}

	r.peers[p.ID] = p
	return snap, nil
}

// Leave removes the peer and everything it owns. The room closes itself when
// the last peer leaves.
func (r *Room) Leave(peerID string) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return Departure{}, false
	}

	dep := Departure{
		Peer:       p.Info(),
		Transports: p.Transports(),
	}

	ids := p.ProducerIDs()
	slices.Sort(ids)
	for _, id := range ids {
		if closure, ok := r.removeProducerLocked(id); ok {
			dep.Closures = append(dep.Closures, closure)
		}
	}

	for _, id := range p.ConsumerIDs() {
		if c, ok := r.consumers[id]; ok {
			dep.OwnConsumers = append(dep.OwnConsumers, *c)
			r.removeConsumerLocked(c)
		}
	}
	for id, owner := range r.tombstones {
		if owner == peerID {
			delete(r.tombstones, id)
		}
	}

	delete(r.peers, peerID)
	dep.Recipients = r.recipientsLocked("")
	// Closure recipients are computed before the peer was removed, so drop
	// it from them.
	for i := range dep.Closures {
		dep.Closures[i].Recipients = dep.Recipients
	}

	if len(r.peers) == 0 {
		r.closed = true
		dep.Empty = true
	}
	return dep, true
}

func (r *Room) Peer(peerID string) (peer.Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return peer.Info{}, false
	}
	return p.Info(), true
}

// SetMuted returns every peer of the room, the muted one included.
func (r *Room) SetMuted(peerID string, muted bool) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return nil, false
	}
	p.SetMuted(muted)
	return r.recipientsLocked(""), true
}

// SetSpeaking returns the other peers and whether the flag was applied;
// muted peers never become speaking.
func (r *Room) SetSpeaking(peerID string, speaking bool) ([]string, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return nil, false, false
	}
	if !p.SetSpeaking(speaking) {
		return nil, false, true
	}
	return r.recipientsLocked(peerID), true, true
}

func (r *Room) SetAudioEnabled(peerID string, enabled bool) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return nil, false
	}
	p.SetAudioEnabled(enabled)
	return r.recipientsLocked(peerID), true
}

func (r *Room) AddTransport(peerID string, t engine.Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return false
	}
	p.AddTransport(t)
	return true
}

func (r *Room) Transport(peerID, transportID string) (engine.Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return nil, false
	}
	return p.Transport(transportID)
}

func (r *Room) RemoveTransport(peerID, transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[peerID]; ok {
		p.RemoveTransport(transportID)
	}
}

func (r *Room) HasScreenProducer(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasScreenProducerLocked(peerID)
}

func (r *Room) hasScreenProducerLocked(peerID string) bool {
	p, ok := r.peers[peerID]
	if !ok {
		return false
	}
	for _, id := range p.ProducerIDs() {
		if prod, ok := r.producers[id]; ok && prod.MediaType == peer.MediaTypeScreen && !prod.Handle.Closed() {
			return true
		}
	}
	return false
}

// AddProducer registers prod, which must have been created on one of the
// owner's transports. It returns the other peers of the room.
func (r *Room) AddProducer(prod *Producer, transportID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[prod.PeerID]
	if !ok {
		return nil, ErrPeerNotFound
	}
	if _, ok := p.Transport(transportID); !ok {
		return nil, ErrTransportNotFound
	}
	if prod.MediaType == peer.MediaTypeScreen && r.hasScreenProducerLocked(prod.PeerID) {
		return nil, ErrAlreadySharing
	}

	r.producers[prod.ID] = prod
	p.AddProducer(prod.ID)
	return r.recipientsLocked(prod.PeerID), nil
}

func (r *Room) Producer(id string) (Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prod, ok := r.producers[id]
	if !ok {
		return Producer{}, false
	}
	return *prod, true
}

// RemoveProducer unregisters a producer and the consumers bound to it. When
// ownerID is set the producer must belong to that peer. A second call for
// the same id reports false.
func (r *Room) RemoveProducer(id, ownerID string) (ProducerClosure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prod, ok := r.producers[id]
	if !ok || (ownerID != "" && prod.PeerID != ownerID) {
		return ProducerClosure{}, false
	}
	return r.removeProducerLocked(id)
}

func (r *Room) removeProducerLocked(id string) (ProducerClosure, bool) {
	prod, ok := r.producers[id]
	if !ok {
		return ProducerClosure{}, false
	}

	closure := ProducerClosure{
		Producer:   *prod,
		Recipients: r.recipientsLocked(""),
	}

	consumerIDs := make([]string, 0)
	for cid, c := range r.consumers {
		if c.ProducerID == id {
			consumerIDs = append(consumerIDs, cid)
		}
	}
	slices.Sort(consumerIDs)
	for _, cid := range consumerIDs {
		c := r.consumers[cid]
		closure.Consumers = append(closure.Consumers, *c)
		r.removeConsumerLocked(c)
		r.tombstones[cid] = c.PeerID
	}

	delete(r.producers, id)
	if owner, ok := r.peers[prod.PeerID]; ok {
		owner.RemoveProducer(id)
	}
	return closure, true
}

// AddConsumer registers c if both its owner and its producer are still
// present.
func (r *Room) AddConsumer(c *Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[c.PeerID]
	if !ok {
		return ErrPeerNotFound
	}
	if _, ok := r.producers[c.ProducerID]; !ok {
		return ErrProducerNotFound
	}

	r.consumers[c.ID] = c
	p.AddConsumer(c.ID)
	return nil
}

func (r *Room) Consumer(peerID, consumerID string) (Consumer, ConsumerState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.consumers[consumerID]; ok && c.PeerID == peerID {
		return *c, ConsumerActive
	}
	if owner, ok := r.tombstones[consumerID]; ok && owner == peerID {
		return Consumer{}, ConsumerProducerClosed
	}
	return Consumer{}, ConsumerMissing
}

// RemoveConsumer unregisters a consumer. producerClosed marks the removal as
// caused by the producer going away so later resumes stay harmless.
func (r *Room) RemoveConsumer(consumerID string, producerClosed bool) (Consumer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consumers[consumerID]
	if !ok {
		return Consumer{}, false
	}
	r.removeConsumerLocked(c)
	if producerClosed {
		r.tombstones[consumerID] = c.PeerID
	}
	return *c, true
}

func (r *Room) removeConsumerLocked(c *Consumer) {
	delete(r.consumers, c.ID)
	if owner, ok := r.peers[c.PeerID]; ok {
		owner.RemoveConsumer(c.ID)
	}
}

func (r *Room) recipientsLocked(exclude string) []string {
	out := make([]string, 0, len(r.peers))
	for id := range r.peers {
		if id != exclude {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (r *Room) sortedProducersLocked() []*Producer {
	out := make([]*Producer, 0, len(r.producers))
	for _, prod := range r.producers {
		out = append(out, prod)
	}
	slices.SortFunc(out, func(a, b *Producer) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Room) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := Info{
		ID:            r.ID,
		CreatedAt:     r.CreatedAt,
		PeerCount:     len(r.peers),
		ProducerCount: len(r.producers),
		ConsumerCount: len(r.consumers),
		Peers:         make([]peer.Info, 0, len(r.peers)),
	}
	for _, id := range r.recipientsLocked("") {
		info.Peers = append(info.Peers, r.peers[id].Info())
	}
	return info
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close marks the room closed and closes its router, which tears down every
// engine object still attached to it.
func (r *Room) Close() {
	r.mu.Lock()
	r.closed = true
	r.peers = make(map[string]*peer.Peer)
	r.producers = make(map[string]*Producer)
	r.consumers = make(map[string]*Consumer)
	r.tombstones = make(map[string]string)
	r.mu.Unlock()

	r.Router.Close()
}
