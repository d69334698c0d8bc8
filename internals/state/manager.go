package state

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/adityaadpandey/huddle/internals/config"
	"github.com/adityaadpandey/huddle/internals/peer"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Owner keys are only touched by the instance that holds them.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1], KEYS[2])
	return 1
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	redis.call("PEXPIRE", KEYS[2], ARGV[2])
	return 1
end
return 0`)
)

// Manager records which instance hosts each room and the public state of
// its peers in Redis. It is the registry's presence store.
type Manager struct {
	redis      *redis.Client
	instanceID string
	ttl        time.Duration
	logger     *zap.Logger
}

// NewManager connects to Redis and verifies the connection.
func NewManager(ctx context.Context, cfg config.RedisConfig, instanceID string, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("Redis connection established",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.String("instanceID", instanceID),
	)

	return newManager(client, cfg.RoomTTL, instanceID, logger), nil
}

func newManager(client *redis.Client, ttl time.Duration, instanceID string, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Manager{
		redis:      client,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger,
	}
}

func (m *Manager) InstanceID() string {
	return m.instanceID
}

// ClaimRoom takes ownership of roomID. A room already owned by this instance
// counts as claimed.
func (m *Manager) ClaimRoom(ctx context.Context, roomID string) (bool, error) {
	key := RoomOwnerKey(roomID)
	ok, err := m.redis.SetNX(ctx, key, m.instanceID, m.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	owner, err := m.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls.
		return m.redis.SetNX(ctx, key, m.instanceID, m.ttl).Result()
	}
	if err != nil {
		return false, err
	}
	return owner == m.instanceID, nil
}

// ReleaseRoom drops the ownership claim and the peer records of roomID if
// this instance holds it.
func (m *Manager) ReleaseRoom(ctx context.Context, roomID string) error {
	return releaseScript.Run(ctx, m.redis,
		[]string{RoomOwnerKey(roomID), RoomPeersKey(roomID)},
		m.instanceID,
	).Err()
}

// RoomOwner returns the instance hosting roomID, or "" when nobody does.
func (m *Manager) RoomOwner(ctx context.Context, roomID string) (string, error) {
	owner, err := m.redis.Get(ctx, RoomOwnerKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}

func (m *Manager) SavePeer(ctx context.Context, roomID string, info peer.Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}

	key := RoomPeersKey(roomID)
	pipe := m.redis.TxPipeline()
	pipe.HSet(ctx, key, info.ID, data)
	pipe.Expire(ctx, key, m.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (m *Manager) DeletePeer(ctx context.Context, roomID, peerID string) error {
	return m.redis.HDel(ctx, RoomPeersKey(roomID), peerID).Err()
}

// RoomPeers lists the peers recorded for roomID by whichever instance hosts
// it. Entries that fail to decode are skipped.
func (m *Manager) RoomPeers(ctx context.Context, roomID string) ([]peer.Info, error) {
	values, err := m.redis.HGetAll(ctx, RoomPeersKey(roomID)).Result()
	if err != nil {
		return nil, err
	}

	peers := make([]peer.Info, 0, len(values))
	for peerID, raw := range values {
		var info peer.Info
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			m.logger.Warn("Failed to decode peer presence",
				zap.String("roomID", roomID),
				zap.String("peerID", peerID),
				zap.Error(err),
			)
			continue
		}
		peers = append(peers, info)
	}
	return peers, nil
}

// RefreshRooms extends the claims on rooms this instance still hosts.
func (m *Manager) RefreshRooms(ctx context.Context, roomIDs []string) error {
	ttl := m.ttl.Milliseconds()
	var errs []error
	for _, id := range roomIDs {
		err := refreshScript.Run(ctx, m.redis,
			[]string{RoomOwnerKey(id), RoomPeersKey(id)},
			m.instanceID, ttl,
		).Err()
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.redis.Set(ctx, InstanceKey(m.instanceID), time.Now().Unix(), m.ttl).Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Run refreshes the claims returned by rooms until ctx is done. Claims of a
// crashed instance expire after the room TTL.
func (m *Manager) Run(ctx context.Context, rooms func() []string) {
	interval := m.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, interval)
			if err := m.RefreshRooms(rctx, rooms()); err != nil {
				m.logger.Warn("Failed to refresh room claims", zap.Error(err))
			}
			cancel()
		}
	}
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.redis.Ping(ctx).Err()
}

func (m *Manager) Close() error {
	if err := m.redis.Close(); err != nil {
		m.logger.Error("Failed to close Redis connection", zap.Error(err))
		return err
	}

	m.logger.Info("State manager closed")
	return nil
}
