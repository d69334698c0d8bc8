package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveByProducerID(t *testing.T) {
	m := NewManager()
	m.Subscribe(Subscription{ConsumerID: "c1", ProducerID: "p1", PeerID: "alice", Kind: "audio", MediaType: "audio"})

	sub, ok := m.Resolve("p1", "", "", "")
	require.True(t, ok)
	assert.Equal(t, "c1", sub.ConsumerID)

	_, ok = m.Resolve("p1", "", "", "")
	assert.False(t, ok, "a producer resolves once")
	assert.Zero(t, m.Len())
}

func TestResolveFallsBackToPeerAndKind(t *testing.T) {
	m := NewManager()
	m.Subscribe(Subscription{ConsumerID: "c1", ProducerID: "p1", PeerID: "alice", Kind: "video", MediaType: "webcam"})
	m.Subscribe(Subscription{ConsumerID: "c2", ProducerID: "p2", PeerID: "alice", Kind: "video", MediaType: "screen"})
	m.Subscribe(Subscription{ConsumerID: "c3", ProducerID: "p3", PeerID: "bob", Kind: "video", MediaType: "screen"})

	sub, ok := m.Resolve("unknown", "alice", "video", "screen")
	require.True(t, ok)
	assert.Equal(t, "c2", sub.ConsumerID)

	sub, ok = m.Resolve("unknown", "alice", "video", "")
	require.True(t, ok)
	assert.Equal(t, "c1", sub.ConsumerID)

	_, ok = m.Resolve("unknown", "alice", "video", "")
	assert.False(t, ok)
	assert.True(t, m.IsSubscribed("p3"))
}

func TestSubscribeReplaces(t *testing.T) {
	m := NewManager()
	m.Subscribe(Subscription{ConsumerID: "c1", ProducerID: "p1", PeerID: "alice", Kind: "audio"})

	prev, replaced := m.Subscribe(Subscription{ConsumerID: "c2", ProducerID: "p1", PeerID: "alice", Kind: "audio"})
	require.True(t, replaced)
	assert.Equal(t, "c1", prev.ConsumerID)

	_, ok := m.RemoveConsumer("c1")
	assert.False(t, ok)
	assert.False(t, m.Activate("c1"))
	assert.True(t, m.Activate("c2"))

	sub, ok := m.ByProducer("p1")
	require.True(t, ok)
	assert.True(t, sub.Active)
}

func TestRemovePeerAndClear(t *testing.T) {
	m := NewManager()
	m.Subscribe(Subscription{ConsumerID: "c1", ProducerID: "p1", PeerID: "alice", Kind: "audio"})
	m.Subscribe(Subscription{ConsumerID: "c2", ProducerID: "p2", PeerID: "alice", Kind: "video"})
	m.Subscribe(Subscription{ConsumerID: "c3", ProducerID: "p3", PeerID: "bob", Kind: "audio"})

	assert.Len(t, m.PeerSubscriptions("alice"), 2)
	assert.Len(t, m.RemovePeer("alice"), 2)
	assert.Empty(t, m.PeerSubscriptions("alice"))

	assert.Len(t, m.Clear(), 1)
	assert.Zero(t, m.Len())
}
