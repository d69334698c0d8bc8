package state

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/adityaadpandey/huddle/internals/peer"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "room:R1:owner", RoomOwnerKey("R1"))
	assert.Equal(t, "room:R1:peers", RoomPeersKey("R1"))
	assert.Equal(t, "instance:i-1", InstanceKey("i-1"))
}

// redisClient connects to the server named by HUDDLE_TEST_REDIS_ADDR.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("HUDDLE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HUDDLE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClaimAndRelease(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	roomID := "test-" + uuid.NewString()

	a := newManager(client, 10*time.Second, "a", zap.NewNop())
	b := newManager(client, 10*time.Second, "b", zap.NewNop())

	ok, err := a.ClaimRoom(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.ClaimRoom(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, ok, "reclaiming an owned room succeeds")

	ok, err = b.ClaimRoom(ctx, roomID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Only the owner may release.
	require.NoError(t, b.ReleaseRoom(ctx, roomID))
	owner, err := a.RoomOwner(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "a", owner)

	require.NoError(t, a.ReleaseRoom(ctx, roomID))
	owner, err = a.RoomOwner(ctx, roomID)
	require.NoError(t, err)
	assert.Empty(t, owner)

	ok, err = b.ClaimRoom(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.ReleaseRoom(ctx, roomID))
}

func TestPeerRecords(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	roomID := "test-" + uuid.NewString()

	m := newManager(client, 10*time.Second, "a", zap.NewNop())
	_, err := m.ClaimRoom(ctx, roomID)
	require.NoError(t, err)
	t.Cleanup(func() { m.ReleaseRoom(context.Background(), roomID) })

	info := peer.Info{ID: "p1", Name: "alice", Muted: true, AudioEnabled: true}
	require.NoError(t, m.SavePeer(ctx, roomID, info))

	peers, err := m.RoomPeers(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, []peer.Info{info}, peers)

	require.NoError(t, m.RefreshRooms(ctx, []string{roomID}))

	require.NoError(t, m.DeletePeer(ctx, roomID, "p1"))
	peers, err = m.RoomPeers(ctx, roomID)
	require.NoError(t, err)
	assert.Empty(t, peers)
}
