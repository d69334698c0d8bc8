package subscription

import (
	"sync"
)

// Subscription is one remote producer consumed by the local client.
type Subscription struct {
	ConsumerID string `json:"consumerId"`
	ProducerID string `json:"producerId"`
	PeerID     string `json:"peerId"`
	Kind       string `json:"kind"`
	MediaType  string `json:"mediaType"`
	Active     bool   `json:"active"`
}

// Manager indexes consumed producers so a producerClosed notice can be
// resolved to the local consumer. It is safe for concurrent use.
type Manager struct {
	mu sync.RWMutex
	// producerID -> Subscription
	byProducer map[string]*Subscription
	// consumerID -> producerID
	byConsumer map[string]string
}

func NewManager() *Manager {
	return &Manager{
		byProducer: make(map[string]*Subscription),
		byConsumer: make(map[string]string),
	}
}

// Subscribe records a consumer. A second consumer for the same producer
// replaces the first, which is returned.
func (m *Manager) Subscribe(sub Subscription) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, replaced := m.byProducer[sub.ProducerID]
	if replaced {
		delete(m.byConsumer, prev.ConsumerID)
	}
	s := sub
	m.byProducer[sub.ProducerID] = &s
	m.byConsumer[sub.ConsumerID] = sub.ProducerID
	return prev, replaced
}

// Activate marks the subscription as resumed.
func (m *Manager) Activate(consumerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.byProducer[m.byConsumer[consumerID]]; ok && sub.ConsumerID == consumerID {
		sub.Active = true
		return true
	}
	return false
}

// Resolve removes and returns the subscription for a closed producer. When
// the producer id is not tracked it falls back to a subscription of the
// same peer and kind, preferring a matching media type.
func (m *Manager) Resolve(producerID, peerID, kind, mediaType string) (Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.byProducer[producerID]; ok {
		m.removeLocked(sub)
		return *sub, true
	}
	if peerID == "" || kind == "" {
		return Subscription{}, false
	}

	var match *Subscription
	for _, sub := range m.byProducer {
		if sub.PeerID != peerID || sub.Kind != kind {
			continue
		}
		if mediaType != "" && sub.MediaType == mediaType {
			match = sub
			break
		}
		if match == nil {
			match = sub
		}
	}
	if match == nil {
		return Subscription{}, false
	}
	m.removeLocked(match)
	return *match, true
}

// RemoveConsumer drops the subscription held by consumerID.
func (m *Manager) RemoveConsumer(consumerID string) (Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.byProducer[m.byConsumer[consumerID]]
	if !ok || sub.ConsumerID != consumerID {
		return Subscription{}, false
	}
	m.removeLocked(sub)
	return *sub, true
}

func (m *Manager) removeLocked(sub *Subscription) {
	delete(m.byProducer, sub.ProducerID)
	delete(m.byConsumer, sub.ConsumerID)
}

func (m *Manager) ByProducer(producerID string) (Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if sub, ok := m.byProducer[producerID]; ok {
		return *sub, true
	}
	return Subscription{}, false
}

func (m *Manager) IsSubscribed(producerID string) bool {
	_, ok := m.ByProducer(producerID)
	return ok
}

// PeerSubscriptions lists the subscriptions to peerID's producers.
func (m *Manager) PeerSubscriptions(peerID string) []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Subscription
	for _, sub := range m.byProducer {
		if sub.PeerID == peerID {
			result = append(result, *sub)
		}
	}
	return result
}

// RemovePeer drops and returns every subscription to peerID's producers.
func (m *Manager) RemovePeer(peerID string) []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []Subscription
	for _, sub := range m.byProducer {
		if sub.PeerID == peerID {
			removed = append(removed, *sub)
			m.removeLocked(sub)
		}
	}
	return removed
}

// Clear drops and returns everything.
func (m *Manager) Clear() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Subscription, 0, len(m.byProducer))
	for _, sub := range m.byProducer {
		out = append(out, *sub)
	}
	m.byProducer = make(map[string]*Subscription)
	m.byConsumer = make(map[string]string)
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byProducer)
}
