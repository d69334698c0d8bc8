package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adityaadpandey/huddle/internals/audiograph"
	"github.com/adityaadpandey/huddle/internals/config"
	"github.com/adityaadpandey/huddle/internals/engine"
	"github.com/adityaadpandey/huddle/internals/registry"
	"github.com/adityaadpandey/huddle/internals/sfu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func newServer(t *testing.T, mutate ...func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := config.LoadConfig()
	cfg.Engine.NumWorkers = 1
	cfg.Engine.RTCPortRange = config.PortRange{Min: 42000, Max: 42100}
	cfg.Engine.AudioCodecs = []string{"audio/opus"}
	cfg.Engine.VideoCodecs = []string{"video/VP8"}
	cfg.Redis.Enabled = false
	cfg.Signaling.RateLimitPerSec = 1000
	cfg.Signaling.RateLimitBurst = 1000
	for _, fn := range mutate {
		fn(cfg)
	}

	s, err := sfu.NewSFU(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Stop()
	})
	return srv
}

// recorder collects handler callbacks.
type recorder struct {
	mu            sync.Mutex
	joined        []string
	left          []string
	videos        map[string]string
	videosClosed  int
	fatal         []error
	localSpeaking []bool
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnPeerJoined: func(p RemotePeer) {
			r.mu.Lock()
			r.joined = append(r.joined, p.ID)
			r.mu.Unlock()
		},
		OnPeerLeft: func(id string) {
			r.mu.Lock()
			r.left = append(r.left, id)
			r.mu.Unlock()
		},
		OnRemoteVideo: func(peerID, mediaType string, c LocalConsumer) {
			r.mu.Lock()
			if r.videos == nil {
				r.videos = make(map[string]string)
			}
			r.videos[c.ID()] = mediaType
			r.mu.Unlock()
		},
		OnRemoteVideoClosed: func(peerID, mediaType, consumerID string) {
			r.mu.Lock()
			r.videosClosed++
			r.mu.Unlock()
		},
		OnLocalSpeaking: func(speaking bool) {
			r.mu.Lock()
			r.localSpeaking = append(r.localSpeaking, speaking)
			r.mu.Unlock()
		},
		OnFatal: func(err error) {
			r.mu.Lock()
			r.fatal = append(r.fatal, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		joined:        append([]string(nil), r.joined...),
		left:          append([]string(nil), r.left...),
		videosClosed:  r.videosClosed,
		fatal:         append([]error(nil), r.fatal...),
		localSpeaking: append([]bool(nil), r.localSpeaking...),
		videos:        copyMap(r.videos),
	}
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type participant struct {
	call   *Call
	conn   *Conn
	device *NullDevice
	rec    *recorder
}

func newParticipant(t *testing.T, srv *httptest.Server, tone float64) *participant {
	t.Helper()
	device, err := NewNullDevice()
	require.NoError(t, err)
	device.ToneAmplitude = tone
	return newParticipantWith(t, srv, device, device)
}

func newParticipantWith(t *testing.T, srv *httptest.Server, device Device, null *NullDevice) *participant {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, err := Dial(context.Background(), url, DefaultDialConfig(), zap.NewNop())
	require.NoError(t, err)

	rec := &recorder{}
	call := NewCall(conn, device, DefaultConfig(), rec.handlers(), zap.NewNop())
	t.Cleanup(func() {
		call.Close()
		conn.Close()
	})
	return &participant{call: call, conn: conn, device: null, rec: rec}
}

// hookDevice runs callbacks inside local produce and consume.
type hookDevice struct {
	*NullDevice
	afterProduce  func(kind engine.MediaKind)
	beforeConsume func(params ConsumeParams)
}

func newHookDevice(t *testing.T) *hookDevice {
	t.Helper()
	device, err := NewNullDevice()
	require.NoError(t, err)
	return &hookDevice{NullDevice: device}
}

func (d *hookDevice) CreateSendTransport(params engine.TransportParams) (SendTransport, error) {
	st, err := d.NullDevice.CreateSendTransport(params)
	if err != nil {
		return nil, err
	}
	return &hookSend{SendTransport: st, device: d}, nil
}

func (d *hookDevice) CreateRecvTransport(params engine.TransportParams) (RecvTransport, error) {
	rt, err := d.NullDevice.CreateRecvTransport(params)
	if err != nil {
		return nil, err
	}
	return &hookRecv{RecvTransport: rt, device: d}, nil
}

type hookSend struct {
	SendTransport
	device *hookDevice
}

func (s *hookSend) Produce(ctx context.Context, kind engine.MediaKind, track MediaTrack) (LocalProducer, error) {
	p, err := s.SendTransport.Produce(ctx, kind, track)
	if err == nil && s.device.afterProduce != nil {
		s.device.afterProduce(kind)
	}
	return p, err
}

type hookRecv struct {
	RecvTransport
	device *hookDevice
}

func (r *hookRecv) Consume(ctx context.Context, params ConsumeParams) (LocalConsumer, error) {
	if r.device.beforeConsume != nil {
		r.device.beforeConsume(params)
	}
	return r.RecvTransport.Consume(ctx, params)
}

// micTrack returns the track the microphone producer is sending.
func micTrack(t *testing.T, c *Call) *audiograph.Track {
	t.Helper()
	c.mu.Lock()
	mic := c.mic
	c.mu.Unlock()
	require.NotNil(t, mic)
	track, ok := mic.Track().(*audiograph.Track)
	require.True(t, ok)
	return track
}

func (p *participant) join(t *testing.T, roomID, name string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, p.call.Join(ctx, roomID, name))
}

func TestJoinPublishesAndConsumes(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0)
	bob := newParticipant(t, srv, 0)

	alice.join(t, "r", "alice")
	assert.True(t, alice.call.Joined())
	assert.NotEmpty(t, alice.call.PeerID())
	assert.NotEmpty(t, alice.call.MicrophoneProducerID())
	assert.Empty(t, alice.call.Peers())

	bob.join(t, "r", "bob")

	// Bob consumed alice's microphone from the join snapshot.
	assert.Equal(t, 1, bob.call.Subscriptions())
	assert.Equal(t, 1, bob.call.Media().RemoteCount())
	peers := bob.call.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "alice", peers[0].Name)
	assert.Equal(t, []string{alice.call.PeerID()}, bob.rec.snapshot().joined)

	// Alice learns about bob and his microphone through broadcasts.
	assert.Eventually(t, func() bool {
		return alice.call.Subscriptions() == 1 && alice.call.Media().RemoteCount() == 1
	}, waitFor, tick)
	p, ok := alice.call.Peer(bob.call.PeerID())
	require.True(t, ok)
	assert.Equal(t, "bob", p.Name)
	assert.True(t, p.AudioEnabled)
}

func TestJoinTwiceFails(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0)
	alice.join(t, "r", "alice")

	assert.ErrorIs(t, alice.call.Join(context.Background(), "r", "alice"), ErrAlreadyJoined)
}

func TestJoinFullRoomLeavesCleanState(t *testing.T) {
	srv := newServer(t, func(cfg *config.Config) { cfg.Server.MaxPeersPerRoom = 1 })
	alice := newParticipant(t, srv, 0)
	bob := newParticipant(t, srv, 0)

	alice.join(t, "r", "alice")
	err := bob.call.Join(context.Background(), "r", "bob")
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrRoomFull)
	assert.False(t, bob.call.Joined())
}

func TestMuteAndOutputStateMirrored(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0)
	bob := newParticipant(t, srv, 0)
	alice.join(t, "r", "alice")
	bob.join(t, "r", "bob")
	aliceID := alice.call.PeerID()

	require.NoError(t, alice.call.SetMuted(true))
	assert.True(t, alice.call.Media().Muted())
	assert.Eventually(t, func() bool {
		p, _ := bob.call.Peer(aliceID)
		return p.Muted
	}, waitFor, tick)

	require.NoError(t, alice.call.SetOutputEnabled(false))
	assert.False(t, alice.call.Media().OutputEnabled())
	assert.Eventually(t, func() bool {
		p, _ := bob.call.Peer(aliceID)
		return !p.AudioEnabled
	}, waitFor, tick)
}

func TestJoinMutedAnnouncesMute(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0)
	bob := newParticipant(t, srv, 0)

	require.NoError(t, alice.call.SetMuted(true))
	alice.join(t, "r", "alice")
	bob.join(t, "r", "bob")

	p, ok := bob.call.Peer(alice.call.PeerID())
	require.True(t, ok)
	assert.True(t, p.Muted)
}

func TestSpeakingReachesOtherPeers(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0.3)
	bob := newParticipant(t, srv, 0)
	alice.join(t, "r", "alice")
	bob.join(t, "r", "bob")
	aliceID := alice.call.PeerID()

	assert.Eventually(t, func() bool {
		p, _ := bob.call.Peer(aliceID)
		return p.Speaking
	}, waitFor, tick)
	assert.Contains(t, alice.rec.snapshot().localSpeaking, true)

	// Muting silences the detector and the server clears speaking.
	require.NoError(t, alice.call.SetMuted(true))
	assert.Eventually(t, func() bool {
		p, _ := bob.call.Peer(aliceID)
		return p.Muted && !p.Speaking
	}, waitFor, tick)
}

func TestSetPeerMutedIsLocal(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0)
	bob := newParticipant(t, srv, 0)
	alice.join(t, "r", "alice")
	bob.join(t, "r", "bob")
	bobID := bob.call.PeerID()

	alice.call.SetPeerMuted(bobID, true)
	assert.False(t, alice.call.Media().Audible(bobID))

	time.Sleep(50 * time.Millisecond)
	p, _ := bob.call.Peer(alice.call.PeerID())
	assert.False(t, p.Muted)
}

func TestScreenShareLifecycle(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0)
	bob := newParticipant(t, srv, 0)
	alice.join(t, "r", "alice")
	bob.join(t, "r", "bob")

	ctx := context.Background()
	id, err := alice.call.StartScreenShare(ctx, NewVideoTrack())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = alice.call.StartScreenShare(ctx, NewVideoTrack())
	assert.ErrorIs(t, err, ErrAlreadySharing)

	assert.Eventually(t, func() bool {
		return bob.call.Subscriptions() == 2
	}, waitFor, tick)
	videos := bob.rec.snapshot().videos
	require.Len(t, videos, 1)
	for _, mediaType := range videos {
		assert.Equal(t, "screen", mediaType)
	}

	require.NoError(t, alice.call.StopScreenShare())
	assert.ErrorIs(t, alice.call.StopScreenShare(), ErrNotSharing)
	assert.Eventually(t, func() bool {
		return bob.call.Subscriptions() == 1 && bob.rec.snapshot().videosClosed == 1
	}, waitFor, tick)

	// The slot is free again.
	_, err = alice.call.StartScreenShare(ctx, NewVideoTrack())
	assert.NoError(t, err)
}

func TestLeaveCleansUpRemoteState(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0)
	bob := newParticipant(t, srv, 0)
	alice.join(t, "r", "alice")
	bob.join(t, "r", "bob")
	bobID := bob.call.PeerID()

	assert.Eventually(t, func() bool { return alice.call.Subscriptions() == 1 }, waitFor, tick)

	require.NoError(t, bob.call.Leave(context.Background()))
	assert.False(t, bob.call.Joined())
	assert.Zero(t, bob.call.Subscriptions())
	assert.Zero(t, bob.call.Media().RemoteCount())
	assert.Empty(t, bob.call.Peers())
	require.NoError(t, bob.call.Leave(context.Background()))

	assert.Eventually(t, func() bool {
		return len(alice.call.Peers()) == 0 &&
			alice.call.Subscriptions() == 0 &&
			alice.call.Media().RemoteCount() == 0
	}, waitFor, tick)
	assert.Equal(t, []string{bobID}, alice.rec.snapshot().left)
}

func TestRejoinAfterLeave(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0)
	bob := newParticipant(t, srv, 0)
	alice.join(t, "r", "alice")
	bob.join(t, "r", "bob")

	require.NoError(t, bob.call.Leave(context.Background()))
	bob.join(t, "r", "bob")

	assert.Equal(t, 1, bob.call.Subscriptions())
	assert.Eventually(t, func() bool {
		return len(alice.call.Peers()) == 1 && alice.call.Subscriptions() == 1
	}, waitFor, tick)
}

func TestSuppressionSwitchKeepsPublishing(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0.3)
	alice.join(t, "r", "alice")

	ctx := context.Background()
	require.NoError(t, alice.call.SetSuppression(ctx, "noisegate"))
	require.NoError(t, alice.call.SetSuppression(ctx, "denoise"))
	assert.Equal(t, "denoise", string(alice.call.Media().Mode()))

	alice.call.mu.Lock()
	mic := alice.call.mic
	alice.call.mu.Unlock()
	require.NotNil(t, mic)
	assert.Equal(t, alice.call.Media().EgressTrack().ID(), mic.Track().ID())
}

func TestSuppressionSwitchDuringMicrophoneProduce(t *testing.T) {
	srv := newServer(t)
	device := newHookDevice(t)
	alice := newParticipantWith(t, srv, device, device.NullDevice)
	device.afterProduce = func(kind engine.MediaKind) {
		if kind == engine.KindAudio {
			require.NoError(t, alice.call.SetSuppression(context.Background(), audiograph.ModeNoiseGate))
		}
	}
	alice.join(t, "r", "alice")

	track := micTrack(t, alice.call)
	assert.Same(t, alice.call.Media().EgressTrack(), track)
	assert.False(t, track.Stopped())
	assert.Equal(t, audiograph.ModeNoiseGate, alice.call.Media().Mode())

	// The producer follows later swaps too.
	require.NoError(t, alice.call.SetSuppression(context.Background(), audiograph.ModeSpeex))
	assert.Same(t, alice.call.Media().EgressTrack(), micTrack(t, alice.call))
}

func TestSuppressionSwitchBetweenCalls(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0)
	alice.join(t, "r", "alice")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, alice.call.Leave(ctx))

	require.NoError(t, alice.call.SetSuppression(ctx, audiograph.ModeNoiseGate))
	assert.Equal(t, audiograph.ModeNoiseGate, alice.call.Media().Mode())

	alice.join(t, "r", "alice")
	track := micTrack(t, alice.call)
	assert.Same(t, alice.call.Media().EgressTrack(), track)
	assert.False(t, track.Stopped())
}

func TestProducerClosedDuringConsume(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0)
	alice.join(t, "r", "alice")
	screenID, err := alice.call.StartScreenShare(context.Background(), NewVideoTrack())
	require.NoError(t, err)

	device := newHookDevice(t)
	bob := newParticipantWith(t, srv, device, device.NullDevice)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	device.beforeConsume = func(params ConsumeParams) {
		if params.Kind == engine.KindVideo {
			entered <- struct{}{}
			<-release
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	joined := make(chan error, 1)
	go func() { joined <- bob.call.Join(ctx, "r", "bob") }()

	select {
	case <-entered:
	case <-ctx.Done():
		t.Fatal("screen consume never reached the device")
	}

	// The close is dispatched while the consume is still in the device.
	require.NoError(t, alice.call.StopScreenShare())
	require.Eventually(t, func() bool {
		bob.call.mu.Lock()
		defer bob.call.mu.Unlock()
		return bob.call.pending[screenID]
	}, waitFor, tick)
	unblock()
	require.NoError(t, <-joined)

	assert.Equal(t, 1, bob.call.Subscriptions())
	assert.Empty(t, bob.rec.snapshot().videos)
	bob.call.mu.Lock()
	assert.Len(t, bob.call.consumers, 1)
	assert.Empty(t, bob.call.pending)
	bob.call.mu.Unlock()

	// The microphone subscription survived the close.
	assert.Equal(t, 1, bob.call.Media().RemoteCount())
}

func TestJoinLogFields(t *testing.T) {
	srv := newServer(t)
	alice := newParticipant(t, srv, 0)
	core, logs := observer.New(zap.InfoLevel)
	alice.call.logger = zap.New(core)
	alice.join(t, "r", "alice")

	joined := logs.FilterMessage("Joined room").All()
	require.Len(t, joined, 1)
	fields := joined[0].ContextMap()
	assert.Equal(t, "r", fields["roomID"])
	assert.Equal(t, alice.call.PeerID(), fields["peerID"])

	for _, entry := range logs.All() {
		for key := range entry.ContextMap() {
			assert.NotContains(t, key, "_", "field %q of %q", key, entry.Message)
		}
	}
}
