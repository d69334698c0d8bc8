package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendTransport(t *testing.T, c *Call) (*transport, *NullTransport) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotNil(t, c.send)
	local, ok := c.send.local.(*NullTransport)
	require.True(t, ok)
	return c.send, local
}

func TestTransportsConnectOnJoin(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0)
	alice.join(t, "r", "alice")

	send, _ := sendTransport(t, alice.call)
	assert.Equal(t, TransportStateConnected, send.State())

	alice.call.mu.Lock()
	recv := alice.call.recv
	alice.call.mu.Unlock()
	assert.Equal(t, TransportStateConnected, recv.State())
}

func TestFailedTransportRestartsICEOncePerFailure(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0)
	alice.join(t, "r", "alice")
	send, local := sendTransport(t, alice.call)
	before := local.ICEParameters()

	local.SetState(TransportStateFailed)
	assert.Eventually(t, func() bool {
		return send.Restarts() == 1 && send.State() == TransportStateICERestarted
	}, waitFor, tick)
	assert.Equal(t, 1, local.ICERestarts())
	assert.NotEqual(t, before.UsernameFragment, local.ICEParameters().UsernameFragment)

	local.SetState(TransportStateConnected)
	assert.Equal(t, TransportStateConnected, send.State())

	// A new failure gets its own restart.
	local.SetState(TransportStateDisconnected)
	assert.Eventually(t, func() bool { return send.Restarts() == 2 }, waitFor, tick)
	assert.Empty(t, alice.rec.snapshot().fatal)
}

func TestFailureAfterRestartRequiresRejoin(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0)
	alice.join(t, "r", "alice")
	send, local := sendTransport(t, alice.call)

	local.SetState(TransportStateFailed)
	require.Eventually(t, func() bool {
		return send.State() == TransportStateICERestarted
	}, waitFor, tick)

	// Lost again before the restarted session came up.
	local.SetState(TransportStateDisconnected)
	require.Eventually(t, func() bool {
		return len(alice.rec.snapshot().fatal) == 1
	}, waitFor, tick)
	assert.ErrorIs(t, alice.rec.snapshot().fatal[0], ErrRejoinRequired)
	assert.Equal(t, TransportStateDisconnected, send.State())
	assert.Equal(t, 1, send.Restarts())
	assert.Equal(t, 1, local.ICERestarts())

	local.SetState(TransportStateConnected)
	local.SetState(TransportStateFailed)
	assert.Never(t, func() bool {
		return len(alice.rec.snapshot().fatal) > 1 || send.Restarts() > 1
	}, 100*time.Millisecond, tick)
}

func TestFailedRestartRequiresRejoin(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0)
	alice.join(t, "r", "alice")
	send, local := sendTransport(t, alice.call)

	// Without signaling the restart request cannot be answered.
	require.NoError(t, alice.conn.Close())
	local.SetState(TransportStateFailed)

	assert.Eventually(t, func() bool {
		return len(alice.rec.snapshot().fatal) == 1
	}, waitFor, tick)
	assert.ErrorIs(t, alice.rec.snapshot().fatal[0], ErrRejoinRequired)
	assert.Zero(t, send.Restarts())
	assert.Zero(t, local.ICERestarts())

	// No further attempts once given up.
	local.SetState(TransportStateConnected)
	local.SetState(TransportStateFailed)
	assert.Never(t, func() bool {
		return len(alice.rec.snapshot().fatal) > 1 || send.Restarts() > 0
	}, 100*time.Millisecond, tick)
}

func TestClosedTransportIgnoresFailures(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0)
	alice.join(t, "r", "alice")
	send, local := sendTransport(t, alice.call)

	send.close()
	assert.Equal(t, TransportStateClosed, send.State())
	assert.Equal(t, TransportStateClosed, local.State())

	local.SetState(TransportStateFailed)
	assert.Equal(t, TransportStateClosed, send.State())
	assert.Zero(t, send.Restarts())
}
