package signaling

import (
	"encoding/json"
	"testing"

	"github.com/adityaadpandey/huddle/internals/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(MessageTypeJoin, "req-1", JoinRequest{RoomID: "r", Name: "alice"})
	require.NoError(t, err)
	assert.Equal(t, MessageTypeJoin, msg.Type)
	assert.Equal(t, "req-1", msg.RequestID)
	assert.JSONEq(t, `{"roomId":"r","name":"alice"}`, string(msg.Data))

	empty, err := NewMessage(MessageTypeLeave, "", nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Data)

	raw, err := json.Marshal(empty)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "data")
	assert.NotContains(t, string(raw), "requestId")
}

func TestDecodeAcceptsDoubleEncodedPayload(t *testing.T) {
	inner := `{"roomId":"r","name":"alice"}`
	quoted, err := json.Marshal(inner)
	require.NoError(t, err)

	for name, data := range map[string]json.RawMessage{
		"plain":  json.RawMessage(inner),
		"string": json.RawMessage(quoted),
	} {
		t.Run(name, func(t *testing.T) {
			var req JoinRequest
			require.NoError(t, Message{Type: MessageTypeJoin, Data: data}.Decode(&req))
			assert.Equal(t, "r", req.RoomID)
			assert.Equal(t, "alice", req.Name)
		})
	}
}

func TestDecodeRejectsBadPayload(t *testing.T) {
	var req JoinRequest
	assert.Error(t, Message{Type: MessageTypeJoin}.Decode(&req))
	assert.Error(t, Message{Type: MessageTypeJoin, Data: json.RawMessage(`[1,2`)}.Decode(&req))
	assert.Error(t, Message{Type: MessageTypeJoin, Data: json.RawMessage(`"not json"`)}.Decode(&req))
}

func TestErrorMessage(t *testing.T) {
	msg := NewErrorMessage(MessageTypeProduce, "req-2", 409, "Already sharing screen")
	require.NotNil(t, msg.Error)
	assert.Equal(t, "req-2", msg.RequestID)
	assert.Equal(t, "409: Already sharing screen", msg.Error.Error())
	assert.Empty(t, msg.Data)
}

func testClient(id string, buffer int) *Client {
	cfg := config.SignalingConfig{SendBuffer: buffer, RateLimitPerSec: 10, RateLimitBurst: 10}
	return NewClient(id, nil, cfg, zap.NewNop())
}

func TestHubDeliversInOrder(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a, b := testClient("a", 8), testClient("b", 8)
	hub.RegisterClient(a)
	hub.RegisterClient(b)
	assert.Equal(t, 2, hub.Count())

	for _, id := range []string{"p1", "p2"} {
		msg, err := NewMessage(MessageTypeNewProducer, "", ProducerInfo{ProducerID: id})
		require.NoError(t, err)
		hub.Deliver([]string{"a", "ghost"}, msg)
	}

	require.Len(t, a.Send, 2)
	assert.Empty(t, b.Send)
	for _, want := range []string{"p1", "p2"} {
		var info ProducerInfo
		require.NoError(t, (<-a.Send).Decode(&info))
		assert.Equal(t, want, info.ProducerID)
	}
}

func TestHubQueuesOverflowingClientForEviction(t *testing.T) {
	hub := NewHub(zap.NewNop())
	slow := testClient("slow", 1)
	hub.RegisterClient(slow)

	msg, err := NewMessage(MessageTypeSpeakingStateChanged, "", SpeakingStateChanged{PeerID: "x", Speaking: true})
	require.NoError(t, err)
	hub.Deliver([]string{"slow"}, msg)
	hub.Deliver([]string{"slow"}, msg)

	assert.Len(t, hub.unregister, 1)
}

func TestSendAfterUnregisterIsDropped(t *testing.T) {
	hub := NewHub(zap.NewNop())
	c := testClient("a", 1)
	hub.RegisterClient(c)
	hub.UnregisterClient(c)

	_, ok := hub.GetClient("a")
	assert.False(t, ok)

	msg, err := NewMessage(MessageTypePeerLeft, "", PeerLeft{PeerID: "b"})
	require.NoError(t, err)
	assert.NotPanics(t, func() { c.SendMessage(msg) })
	hub.UnregisterClient(c)
}
