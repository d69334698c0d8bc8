package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/adityaadpandey/huddle/internals/audiograph"
	"github.com/adityaadpandey/huddle/internals/engine"
	"github.com/adityaadpandey/huddle/internals/registry"
	"github.com/adityaadpandey/huddle/internals/signaling"
	"github.com/adityaadpandey/huddle/internals/subscription"
	"github.com/adityaadpandey/huddle/internals/vad"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotJoined      = errors.New("not joined")
	ErrAlreadyJoined  = errors.New("already joined")
	ErrLeft           = errors.New("call left while the operation was in flight")
	ErrAlreadySharing = errors.New("already sharing screen")
	ErrNotSharing     = errors.New("not sharing screen")
)

// RemotePeer mirrors the public state of another participant.
type RemotePeer struct {
	ID           string
	Name         string
	Muted        bool
	AudioEnabled bool
	Speaking     bool
}

// Handlers are invoked on the signaling dispatch goroutine unless noted.
type Handlers struct {
	OnPeerJoined  func(RemotePeer)
	OnPeerLeft    func(peerID string)
	OnPeerUpdated func(RemotePeer)
	// OnRemoteVideo receives webcam and screen consumers.
	OnRemoteVideo       func(peerID, mediaType string, consumer LocalConsumer)
	OnRemoteVideoClosed func(peerID, mediaType, consumerID string)
	// OnLocalSpeaking and OnRemoteSpeaking run on detector goroutines.
	// Remote detection is for display only and never reaches the server.
	OnLocalSpeaking  func(speaking bool)
	OnRemoteSpeaking func(peerID string, speaking bool)
	// OnFatal reports errors after which the call must be joined again,
	// such as ErrRejoinRequired.
	OnFatal func(error)
}

type Config struct {
	Suppression    audiograph.Mode
	VAD            vad.Config
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Suppression:    audiograph.ModeNone,
		VAD:            vad.DefaultConfig(),
		RequestTimeout: 10 * time.Second,
	}
}

// VideoTrack stands for a captured video source, such as a screen.
type VideoTrack struct {
	id string
}

func NewVideoTrack() *VideoTrack {
	return &VideoTrack{id: uuid.NewString()}
}

func (v *VideoTrack) ID() string {
	return v.id
}

type remoteVideo struct {
	peerID    string
	mediaType string
}

// Call is one participation in a room. Every result that arrives after
// Leave is discarded and its local objects are closed.
type Call struct {
	conn     *Conn
	device   Device
	media    *audiograph.Controller
	cfg      Config
	handlers Handlers
	logger   *zap.Logger
	subs     *subscription.Manager

	mu            sync.Mutex
	gen           uint64
	joined        bool
	roomID        string
	peerID        string
	send          *transport
	sendLocal     SendTransport
	recv          *transport
	recvLocal     RecvTransport
	mic           LocalProducer
	micID         string
	screen        LocalProducer
	screenID      string
	consumers     map[string]LocalConsumer
	// pending marks producers with a consume in flight; true once a close
	// for the producer arrived.
	pending       map[string]bool
	videos        map[string]remoteVideo
	peers         map[string]*RemotePeer
	muted         bool
	outputEnabled bool
	mediaStarted  bool
	stopLocalVAD  context.CancelFunc
	remoteVAD     map[string]context.CancelFunc
}

func NewCall(conn *Conn, device Device, cfg Config, handlers Handlers, logger *zap.Logger) *Call {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.VAD.Tick <= 0 {
		cfg.VAD = vad.DefaultConfig()
	}
	c := &Call{
		conn:          conn,
		device:        device,
		media:         audiograph.NewController(logger.Named("media")),
		cfg:           cfg,
		handlers:      handlers,
		logger:        logger,
		subs:          subscription.NewManager(),
		consumers:     make(map[string]LocalConsumer),
		pending:       make(map[string]bool),
		videos:        make(map[string]remoteVideo),
		peers:         make(map[string]*RemotePeer),
		outputEnabled: true,
		remoteVAD:     make(map[string]context.CancelFunc),
	}
	c.registerHandlers()
	return c
}

func (c *Call) Media() *audiograph.Controller {
	return c.media
}

func (c *Call) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

func (c *Call) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Call) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Call) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Peers returns the mirrored remote peers sorted by id.
func (c *Call) Peers() []RemotePeer {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]RemotePeer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b RemotePeer) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (c *Call) Peer(peerID string) (RemotePeer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[peerID]
	if !ok {
		return RemotePeer{}, false
	}
	return *p, true
}

// Subscriptions lists the remote producers currently consumed.
func (c *Call) Subscriptions() int {
	return c.subs.Len()
}

func (c *Call) MicrophoneProducerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micID
}

func (c *Call) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined && c.gen == gen
}

func (c *Call) requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
}

// Join enters roomID, creating it if needed, publishes the microphone and
// consumes everything already in the room.
func (c *Call) Join(ctx context.Context, roomID, name string) error {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return ErrAlreadyJoined
	}
	c.gen++
	gen := c.gen
	c.joined = true
	c.mu.Unlock()

	if err := c.join(ctx, gen, roomID, name); err != nil {
		if c.current(gen) {
			c.Leave(context.Background())
		}
		return err
	}
	return nil
}

func (c *Call) join(ctx context.Context, gen uint64, roomID, name string) error {
	err := c.conn.Request(ctx, signaling.MessageTypeCreateRoom, signaling.CreateRoomRequest{RoomID: roomID}, nil)
	if err != nil && !errors.Is(err, registry.ErrRoomExists) {
		return fmt.Errorf("create room: %w", err)
	}

	var resp signaling.JoinResponse
	if err := c.conn.Request(ctx, signaling.MessageTypeJoin, signaling.JoinRequest{RoomID: roomID, Name: name}, &resp); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	if !c.current(gen) {
		c.conn.Notify(signaling.MessageTypeLeave, nil)
		return ErrLeft
	}

	var joined []RemotePeer
	c.mu.Lock()
	c.roomID = roomID
	c.peerID = resp.PeerID
	for _, info := range resp.ExistingPeers {
		p := &RemotePeer{ID: info.PeerID, Name: info.Name, Muted: info.Muted, AudioEnabled: info.AudioEnabled}
		c.peers[p.ID] = p
		joined = append(joined, *p)
	}
	c.mu.Unlock()

	for _, p := range joined {
		if c.handlers.OnPeerJoined != nil {
			c.handlers.OnPeerJoined(p)
		}
	}

	c.logger.Info("Joined room",
		zap.String("roomID", roomID),
		zap.String("peerID", resp.PeerID),
		zap.Int("peers", len(resp.ExistingPeers)),
		zap.Int("producers", len(resp.ExistingProducers)),
	)

	if err := c.device.Load(resp.RTPCapabilities); err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	if err := c.createTransports(ctx, gen); err != nil {
		return err
	}
	if err := c.publishMicrophone(ctx, gen); err != nil {
		return err
	}
	for _, info := range resp.ExistingProducers {
		if err := c.consume(ctx, gen, info); err != nil {
			if errors.Is(err, ErrLeft) {
				return err
			}
			c.logger.Warn("Failed to consume existing producer",
				zap.String("producerID", info.ProducerID),
				zap.Error(err),
			)
		}
	}
	c.startLocalVAD(gen)
	return nil
}

func (c *Call) createTransports(ctx context.Context, gen uint64) error {
	onFatal := func(err error) {
		if c.handlers.OnFatal != nil {
			c.handlers.OnFatal(err)
		}
	}

	var sendParams engine.TransportParams
	if err := c.conn.Request(ctx, signaling.MessageTypeCreateTransport, signaling.CreateTransportRequest{Direction: "send"}, &sendParams); err != nil {
		return fmt.Errorf("create send transport: %w", err)
	}
	sendLocal, err := c.device.CreateSendTransport(sendParams)
	if err != nil {
		return fmt.Errorf("create send transport: %w", err)
	}
	send := newTransport("send", sendLocal, c.conn, c.logger, onFatal)

	var recvParams engine.TransportParams
	if err := c.conn.Request(ctx, signaling.MessageTypeCreateTransport, signaling.CreateTransportRequest{Direction: "recv"}, &recvParams); err != nil {
		send.close()
		return fmt.Errorf("create recv transport: %w", err)
	}
	recvLocal, err := c.device.CreateRecvTransport(recvParams)
	if err != nil {
		send.close()
		return fmt.Errorf("create recv transport: %w", err)
	}
	recv := newTransport("recv", recvLocal, c.conn, c.logger, onFatal)

	c.mu.Lock()
	if !c.joined || c.gen != gen {
		c.mu.Unlock()
		send.close()
		recv.close()
		return ErrLeft
	}
	c.send, c.sendLocal = send, sendLocal
	c.recv, c.recvLocal = recv, recvLocal
	c.mu.Unlock()

	if err := send.connect(ctx); err != nil {
		return fmt.Errorf("connect send transport: %w", err)
	}
	if err := recv.connect(ctx); err != nil {
		return fmt.Errorf("connect recv transport: %w", err)
	}
	return nil
}

func (c *Call) publishMicrophone(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	started := c.mediaStarted
	c.mediaStarted = true
	sendLocal, send, muted := c.sendLocal, c.send, c.muted
	c.mu.Unlock()

	if !started {
		if err := c.media.SetSuppression(ctx, c.cfg.Suppression); err != nil {
			return fmt.Errorf("set suppression: %w", err)
		}
		src, err := c.device.Microphone(ctx)
		if err != nil {
			return fmt.Errorf("open microphone: %w", err)
		}
		if err := c.media.Start(ctx, src); err != nil && !errors.Is(err, audiograph.ErrAlreadyStarted) {
			return fmt.Errorf("start media: %w", err)
		}
	}
	c.media.SetMuted(muted)

	// The egress is bound before the server round trip so suppression
	// swaps from here on reach the producer.
	var lp LocalProducer
	err := c.media.Publish(ctx, func(track *audiograph.Track) (audiograph.Egress, error) {
		p, err := sendLocal.Produce(ctx, engine.KindAudio, track)
		if err != nil {
			return nil, err
		}
		lp = p
		return egress{producer: p}, nil
	})
	if err != nil {
		if lp != nil {
			lp.Close()
		}
		return fmt.Errorf("produce microphone: %w", err)
	}
	unpublish := func() {
		c.media.ReleaseEgress(egress{producer: lp})
		lp.Close()
	}

	var resp signaling.ProduceResponse
	err = c.conn.Request(ctx, signaling.MessageTypeProduce, signaling.ProduceRequest{
		TransportID:   send.ID(),
		Kind:          engine.KindAudio,
		RTPParameters: lp.RTPParameters(),
		MediaType:     "audio",
		InitialMuted:  muted,
	}, &resp)
	if err != nil {
		unpublish()
		return fmt.Errorf("produce microphone: %w", err)
	}

	c.mu.Lock()
	if !c.joined || c.gen != gen {
		c.mu.Unlock()
		unpublish()
		return ErrLeft
	}
	c.mic, c.micID = lp, resp.ID
	c.mu.Unlock()

	c.logger.Info("Microphone published", zap.String("producerID", resp.ID))
	return nil
}

// consume subscribes to a remote producer. Playback is wired before the
// consumer is resumed.
func (c *Call) consume(ctx context.Context, gen uint64, info signaling.ProducerInfo) error {
	c.mu.Lock()
	self, recv, recvLocal := c.peerID, c.recv, c.recvLocal
	_, inFlight := c.pending[info.ProducerID]
	skip := info.PeerID == self || inFlight || c.subs.IsSubscribed(info.ProducerID)
	if !skip && recv != nil {
		c.pending[info.ProducerID] = false
	}
	c.mu.Unlock()

	if skip {
		return nil
	}
	if recv == nil {
		return ErrNotJoined
	}
	defer func() {
		c.mu.Lock()
		delete(c.pending, info.ProducerID)
		c.mu.Unlock()
	}()

	var resp signaling.ConsumeResponse
	err := c.conn.Request(ctx, signaling.MessageTypeConsume, signaling.ConsumeRequest{
		TransportID:     recv.ID(),
		ProducerID:      info.ProducerID,
		RTPCapabilities: c.device.RTPCapabilities(),
	}, &resp)
	if errors.Is(err, registry.ErrProducerNotFound) {
		c.logger.Debug("Producer gone before consume", zap.String("producerID", info.ProducerID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	if !c.current(gen) {
		return ErrLeft
	}

	lc, err := recvLocal.Consume(ctx, ConsumeParams{
		ID:            resp.ID,
		ProducerID:    resp.ProducerID,
		Kind:          resp.Kind,
		RTPParameters: resp.RTPParameters,
	})
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	// The close check, the pending removal and Subscribe share the lock with
	// the broadcast handlers, so a close lands either here or on the
	// subscription.
	c.mu.Lock()
	if !c.joined || c.gen != gen {
		c.mu.Unlock()
		lc.Close()
		return ErrLeft
	}
	closed := c.pending[info.ProducerID]
	delete(c.pending, info.ProducerID)
	if closed {
		c.mu.Unlock()
		lc.Close()
		c.logger.Debug("Producer closed during consume", zap.String("producerID", info.ProducerID))
		return nil
	}
	c.consumers[resp.ID] = lc
	prev, replaced := c.subs.Subscribe(subscription.Subscription{
		ConsumerID: resp.ID,
		ProducerID: resp.ProducerID,
		PeerID:     resp.PeerID,
		Kind:       string(resp.Kind),
		MediaType:  resp.MediaType,
	})
	c.mu.Unlock()

	if replaced {
		c.closeConsumer(*prev)
	}

	if resp.Kind == engine.KindAudio {
		rs := c.media.AttachRemote(resp.PeerID, resp.ID, lc.Audio())
		c.startRemoteVAD(resp.PeerID, rs)
	} else {
		c.mu.Lock()
		c.videos[resp.ID] = remoteVideo{peerID: resp.PeerID, mediaType: resp.MediaType}
		c.mu.Unlock()
		if c.handlers.OnRemoteVideo != nil {
			c.handlers.OnRemoteVideo(resp.PeerID, resp.MediaType, lc)
		}
	}

	if err := c.conn.Request(ctx, signaling.MessageTypeResumeConsumer, signaling.ResumeConsumerRequest{ConsumerID: resp.ID}, nil); err != nil {
		return fmt.Errorf("resume consumer: %w", err)
	}
	c.subs.Activate(resp.ID)

	c.logger.Debug("Consuming",
		zap.String("consumerID", resp.ID),
		zap.String("producerID", resp.ProducerID),
		zap.String("peerID", resp.PeerID),
		zap.String("mediaType", resp.MediaType),
	)
	return nil
}

// closeConsumer tears down the local side of a subscription.
func (c *Call) closeConsumer(sub subscription.Subscription) {
	c.mu.Lock()
	lc, ok := c.consumers[sub.ConsumerID]
	delete(c.consumers, sub.ConsumerID)
	video, isVideo := c.videos[sub.ConsumerID]
	delete(c.videos, sub.ConsumerID)
	c.mu.Unlock()

	if !ok {
		return
	}
	lc.Close()

	if sub.Kind == string(engine.KindAudio) {
		if rs, ok := c.media.Remote(sub.PeerID); ok && rs.ConsumerID == sub.ConsumerID {
			c.stopRemoteVAD(sub.PeerID)
			c.media.DetachRemote(sub.PeerID)
		}
		return
	}
	if isVideo && c.handlers.OnRemoteVideoClosed != nil {
		c.handlers.OnRemoteVideoClosed(video.peerID, video.mediaType, sub.ConsumerID)
	}
}

func (c *Call) startLocalVAD(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if !c.joined || c.gen != gen {
		c.mu.Unlock()
		cancel()
		return
	}
	c.stopLocalVAD = cancel
	c.mu.Unlock()

	m := vad.NewMonitor(c.cfg.VAD, c.media, func(speaking bool) {
		if !c.current(gen) {
			return
		}
		if err := c.conn.Notify(signaling.MessageTypeSpeaking, signaling.SpeakingState{Speaking: speaking}); err != nil {
			c.logger.Debug("Failed to send speaking state", zap.Error(err))
		}
		if c.handlers.OnLocalSpeaking != nil {
			c.handlers.OnLocalSpeaking(speaking)
		}
	})
	go m.Run(ctx)
}

func (c *Call) startRemoteVAD(peerID string, rs *audiograph.RemoteSession) {
	if c.handlers.OnRemoteSpeaking == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if prev, ok := c.remoteVAD[peerID]; ok {
		prev()
	}
	c.remoteVAD[peerID] = cancel
	c.mu.Unlock()

	m := vad.NewMonitor(c.cfg.VAD, rs, func(speaking bool) {
		c.handlers.OnRemoteSpeaking(peerID, speaking)
	})
	go m.Run(ctx)
}

func (c *Call) stopRemoteVAD(peerID string) {
	c.mu.Lock()
	cancel, ok := c.remoteVAD[peerID]
	delete(c.remoteVAD, peerID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// SetMuted mutes the microphone and tells the room.
func (c *Call) SetMuted(muted bool) error {
	c.mu.Lock()
	c.muted = muted
	joined := c.joined
	c.mu.Unlock()

	c.media.SetMuted(muted)
	if !joined {
		return nil
	}
	return c.conn.Notify(signaling.MessageTypeMuteState, signaling.MuteState{Muted: muted})
}

// SetOutputEnabled switches all remote playback and tells the room.
func (c *Call) SetOutputEnabled(enabled bool) error {
	c.mu.Lock()
	c.outputEnabled = enabled
	joined := c.joined
	c.mu.Unlock()

	c.media.SetOutputEnabled(enabled)
	if !joined {
		return nil
	}
	return c.conn.Notify(signaling.MessageTypeAudioState, signaling.AudioState{Enabled: enabled})
}

// SetPeerMuted silences one remote peer locally. Nothing is sent.
func (c *Call) SetPeerMuted(peerID string, muted bool) {
	c.media.SetPeerMuted(peerID, muted)
}

func (c *Call) SetSuppression(ctx context.Context, mode audiograph.Mode) error {
	return c.media.SetSuppression(ctx, mode)
}

// StartScreenShare publishes track as the screen producer.
func (c *Call) StartScreenShare(ctx context.Context, track MediaTrack) (string, error) {
	c.mu.Lock()
	if !c.joined || c.sendLocal == nil {
		c.mu.Unlock()
		return "", ErrNotJoined
	}
	if c.screen != nil {
		c.mu.Unlock()
		return "", ErrAlreadySharing
	}
	gen, sendLocal, send := c.gen, c.sendLocal, c.send
	c.mu.Unlock()

	lp, err := sendLocal.Produce(ctx, engine.KindVideo, track)
	if err != nil {
		return "", fmt.Errorf("produce screen: %w", err)
	}

	var resp signaling.ProduceResponse
	err = c.conn.Request(ctx, signaling.MessageTypeProduce, signaling.ProduceRequest{
		TransportID:   send.ID(),
		Kind:          engine.KindVideo,
		RTPParameters: lp.RTPParameters(),
		MediaType:     "screen",
	}, &resp)
	if err != nil {
		lp.Close()
		if errors.Is(err, registry.ErrAlreadySharing) {
			return "", ErrAlreadySharing
		}
		return "", fmt.Errorf("produce screen: %w", err)
	}

	c.mu.Lock()
	if !c.joined || c.gen != gen || c.screen != nil {
		c.mu.Unlock()
		lp.Close()
		c.conn.Notify(signaling.MessageTypeStopScreenSharing, signaling.StopScreenSharing{ProducerID: resp.ID})
		return "", ErrLeft
	}
	c.screen, c.screenID = lp, resp.ID
	c.mu.Unlock()

	c.logger.Info("Screen share started", zap.String("producerID", resp.ID))
	return resp.ID, nil
}

func (c *Call) StopScreenShare() error {
	c.mu.Lock()
	lp, id := c.screen, c.screenID
	c.screen, c.screenID = nil, ""
	c.mu.Unlock()

	if lp == nil {
		return ErrNotSharing
	}
	lp.Close()
	c.logger.Info("Screen share stopped", zap.String("producerID", id))
	return c.conn.Notify(signaling.MessageTypeStopScreenSharing, signaling.StopScreenSharing{ProducerID: id})
}

// Leave closes every local media object and tells the server. Results of
// operations still in flight are discarded.
func (c *Call) Leave(ctx context.Context) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	c.joined = false
	c.gen++

	consumers := c.consumers
	c.consumers = make(map[string]LocalConsumer)
	c.pending = make(map[string]bool)
	c.videos = make(map[string]remoteVideo)
	peers := c.peers
	c.peers = make(map[string]*RemotePeer)
	remoteVAD := c.remoteVAD
	c.remoteVAD = make(map[string]context.CancelFunc)
	stopLocalVAD := c.stopLocalVAD
	c.stopLocalVAD = nil
	mic, screen := c.mic, c.screen
	c.mic, c.micID, c.screen, c.screenID = nil, "", nil, ""
	send, recv := c.send, c.recv
	c.send, c.sendLocal, c.recv, c.recvLocal = nil, nil, nil, nil
	roomID := c.roomID
	c.roomID, c.peerID = "", ""
	c.mu.Unlock()

	if stopLocalVAD != nil {
		stopLocalVAD()
	}
	for _, cancel := range remoteVAD {
		cancel()
	}
	c.subs.Clear()
	for _, lc := range consumers {
		lc.Close()
	}
	for id := range peers {
		c.media.DetachRemote(id)
	}
	if mic != nil {
		c.media.ReleaseEgress(egress{producer: mic})
		mic.Close()
	}
	if screen != nil {
		screen.Close()
	}
	if send != nil {
		send.close()
	}
	if recv != nil {
		recv.close()
	}

	c.logger.Info("Left room", zap.String("roomID", roomID))

	err := c.conn.Request(ctx, signaling.MessageTypeLeave, nil, nil)
	if errors.Is(err, ErrConnClosed) {
		return nil
	}
	return err
}

// Close leaves the room and stops local capture.
func (c *Call) Close() error {
	ctx, cancel := c.requestCtx()
	defer cancel()
	err := c.Leave(ctx)
	c.media.Close()
	return err
}

func mediaKindOf(mediaType string) engine.MediaKind {
	switch mediaType {
	case "audio":
		return engine.KindAudio
	case "webcam", "screen":
		return engine.KindVideo
	}
	return ""
}
