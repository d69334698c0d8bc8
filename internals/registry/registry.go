// Package registry is the authoritative record of rooms, peers, producers
// and consumers. Every operation validates the caller's request against the
// current state and returns the events that must be delivered to other
// peers; it never talks to connections itself.
package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adityaadpandey/huddle/internals/config"
	"github.com/adityaadpandey/huddle/internals/engine"
	"github.com/adityaadpandey/huddle/internals/metrics"
	"github.com/adityaadpandey/huddle/internals/peer"
	"github.com/adityaadpandey/huddle/internals/room"
	"github.com/adityaadpandey/huddle/internals/signaling"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Event is a message for a set of peers.
type Event struct {
	Type    signaling.MessageType
	To      []string
	Payload any
}

// Presence mirrors room ownership and peer state to a shared store so
// several instances can split rooms between them.
type Presence interface {
	ClaimRoom(ctx context.Context, roomID string) (bool, error)
	ReleaseRoom(ctx context.Context, roomID string) error
	SavePeer(ctx context.Context, roomID string, info peer.Info) error
	DeletePeer(ctx context.Context, roomID, peerID string) error
}

type Option func(*Registry)

func WithPresence(p Presence) Option {
	return func(r *Registry) {
		r.presence = p
	}
}

type Registry struct {
	cfg    config.ServerConfig
	pool   *engine.Pool
	codecs []string
	logger *zap.Logger

	presence Presence

	// Membership changes take mu before any room lock.
	mu        sync.RWMutex
	rooms     map[string]*room.Room
	peerRooms map[string]string

	handlerMu sync.RWMutex
	onEvents  func([]Event)
}

func New(cfg config.ServerConfig, pool *engine.Pool, codecs []string, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg,
		pool:      pool,
		codecs:    codecs,
		logger:    logger,
		rooms:     make(map[string]*room.Room),
		peerRooms: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnEvents sets the sink for events raised outside of a request, such as
// engine-initiated closes.
func (r *Registry) OnEvents(fn func([]Event)) {
	r.handlerMu.Lock()
	r.onEvents = fn
	r.handlerMu.Unlock()
}

func (r *Registry) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	r.handlerMu.RLock()
	fn := r.onEvents
	r.handlerMu.RUnlock()

	if fn != nil {
		fn(events)
	}
}

func (r *Registry) presenceCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

// CreateRoom allocates a room on the next engine worker.
func (r *Registry) CreateRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return invalid("roomId is required")
	}

	r.mu.RLock()
	_, exists := r.rooms[roomID]
	count := len(r.rooms)
	r.mu.RUnlock()

	if exists {
		return ErrRoomExists
	}
	if r.cfg.MaxRooms > 0 && count >= r.cfg.MaxRooms {
		return ErrRoomLimit
	}

	if r.presence != nil {
		pctx, cancel := r.presenceCtx()
		claimed, err := r.presence.ClaimRoom(pctx, roomID)
		cancel()
		if err != nil {
			r.logger.Warn("Room claim failed, hosting locally", zap.String("roomID", roomID), zap.Error(err))
		} else if !claimed {
			return ErrRoomOwned
		}
	}

	worker := r.pool.Next()
	router, err := worker.CreateRouter(ctx, r.codecs)
	if err != nil {
		r.mu.RLock()
		_, hosted := r.rooms[roomID]
		r.mu.RUnlock()
		if !hosted {
			r.releaseRoom(roomID)
		}
		return engineError("create router", err)
	}

	r.mu.Lock()
	if _, exists := r.rooms[roomID]; exists {
		// The claim belongs to the room that won the race.
		r.mu.Unlock()
		router.Close()
		return ErrRoomExists
	}
	r.rooms[roomID] = room.New(roomID, router)
	r.mu.Unlock()

	metrics.ActiveRooms.Inc()
	r.logger.Info("Room created",
		zap.String("roomID", roomID),
		zap.Int("worker", worker.ID()),
	)
	return nil
}

// Join adds peerID to the room. The caller receives the room's capabilities
// and everyone already present; the others receive peerJoined.
func (r *Registry) Join(ctx context.Context, peerID, roomID, name string) (signaling.JoinResponse, []Event, error) {
	if roomID == "" {
		return signaling.JoinResponse{}, nil, invalid("roomId is required")
	}
	if name == "" {
		return signaling.JoinResponse{}, nil, invalid("name is required")
	}

	r.mu.RLock()
	_, exists := r.rooms[roomID]
	r.mu.RUnlock()

	if !exists && r.cfg.JoinCreatesRoom {
		if err := r.CreateRoom(ctx, roomID); err != nil && !errors.Is(err, ErrRoomExists) {
			return signaling.JoinResponse{}, nil, err
		}
	}

	r.mu.Lock()
	if _, joined := r.peerRooms[peerID]; joined {
		r.mu.Unlock()
		return signaling.JoinResponse{}, nil, ErrAlreadyJoined
	}
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return signaling.JoinResponse{}, nil, ErrRoomNotFound
	}

	p := peer.NewPeer(peerID, roomID, name)
	snap, err := rm.Join(p, r.cfg.MaxPeersPerRoom)
	if err != nil {
		r.mu.Unlock()
		switch {
		case errors.Is(err, room.ErrFull):
			return signaling.JoinResponse{}, nil, ErrRoomFull
		case errors.Is(err, room.ErrPeerExists):
			return signaling.JoinResponse{}, nil, ErrAlreadyJoined
		}
		return signaling.JoinResponse{}, nil, ErrRoomNotFound
	}
	r.peerRooms[peerID] = roomID
	r.mu.Unlock()

	metrics.ActivePeers.Inc()
	r.savePeer(roomID, p.Info())

	resp := signaling.JoinResponse{
		PeerID:            peerID,
		RTPCapabilities:   rm.RTPCapabilities(),
		ExistingPeers:     make([]signaling.PeerInfo, 0, len(snap.Peers)),
		ExistingProducers: make([]signaling.ProducerInfo, 0, len(snap.Producers)),
	}
	for _, info := range snap.Peers {
		resp.ExistingPeers = append(resp.ExistingPeers, peerInfo(info))
	}
	for _, prod := range snap.Producers {
		resp.ExistingProducers = append(resp.ExistingProducers, producerInfo(prod))
	}

	r.logger.Info("Peer joined room",
		zap.String("roomID", roomID),
		zap.String("peerID", peerID),
		zap.String("name", name),
		zap.Int("peerCount", len(snap.Recipients)+1),
	)

	events := []Event{{
		Type:    signaling.MessageTypePeerJoined,
		To:      snap.Recipients,
		Payload: peerInfo(p.Info()),
	}}
	return resp, events, nil
}

// Leave removes the peer and everything it owns. Producer closures are
// announced before peerLeft. Calling it for an unknown peer does nothing.
func (r *Registry) Leave(peerID string) []Event {
	r.mu.Lock()
	roomID, ok := r.peerRooms[peerID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.peerRooms, peerID)

	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	dep, ok := rm.Leave(peerID)
	if dep.Empty {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	var events []Event
	for _, closure := range dep.Closures {
		events = append(events, closureEvents(closure)...)
	}
	events = append(events, Event{
		Type:    signaling.MessageTypePeerLeft,
		To:      dep.Recipients,
		Payload: signaling.PeerLeft{PeerID: peerID},
	})

	for _, closure := range dep.Closures {
		closure.Producer.Handle.Close()
		r.producerRemoved(closure)
	}
	for _, c := range dep.OwnConsumers {
		c.Handle.Close()
	}
	metrics.ActiveConsumers.Sub(float64(len(dep.OwnConsumers)))
	for _, t := range dep.Transports {
		t.Close()
	}
	metrics.ActiveTransports.Sub(float64(len(dep.Transports)))
	metrics.ActivePeers.Dec()

	r.deletePeer(roomID, peerID)

	r.logger.Info("Peer left room",
		zap.String("roomID", roomID),
		zap.String("peerID", peerID),
		zap.Int("peerCount", len(dep.Recipients)),
	)

	if dep.Empty {
		rm.Close()
		metrics.ActiveRooms.Dec()
		r.releaseRoom(roomID)
		r.logger.Info("Room closed", zap.String("roomID", roomID))
	}
	return events
}

// SetMuted broadcasts the new mute state to the whole room. Muting also
// broadcasts speaking=false unconditionally so every client converges.
func (r *Registry) SetMuted(peerID string, muted bool) ([]Event, error) {
	rm, err := r.roomOf(peerID)
	if err != nil {
		return nil, err
	}

	recipients, ok := rm.SetMuted(peerID, muted)
	if !ok {
		return nil, ErrPeerNotFound
	}
	if info, ok := rm.Peer(peerID); ok {
		r.savePeer(rm.ID, info)
	}
	return muteEvents(peerID, muted, recipients), nil
}

func muteEvents(peerID string, muted bool, recipients []string) []Event {
	events := []Event{{
		Type:    signaling.MessageTypePeerMuteStateChanged,
		To:      recipients,
		Payload: signaling.PeerMuteStateChanged{PeerID: peerID, Muted: muted},
	}}
	if muted {
		events = append(events, Event{
			Type:    signaling.MessageTypeSpeakingStateChanged,
			To:      recipients,
			Payload: signaling.SpeakingStateChanged{PeerID: peerID, Speaking: false},
		})
	}
	return events
}

// SetSpeaking is ignored while the peer is muted.
func (r *Registry) SetSpeaking(peerID string, speaking bool) ([]Event, error) {
	rm, err := r.roomOf(peerID)
	if err != nil {
		return nil, err
	}

	recipients, applied, ok := rm.SetSpeaking(peerID, speaking)
	if !ok {
		return nil, ErrPeerNotFound
	}
	if !applied {
		return nil, nil
	}
	return []Event{{
		Type:    signaling.MessageTypeSpeakingStateChanged,
		To:      recipients,
		Payload: signaling.SpeakingStateChanged{PeerID: peerID, Speaking: speaking},
	}}, nil
}

func (r *Registry) SetAudioOutputEnabled(peerID string, enabled bool) ([]Event, error) {
	rm, err := r.roomOf(peerID)
	if err != nil {
		return nil, err
	}

	recipients, ok := rm.SetAudioEnabled(peerID, enabled)
	if !ok {
		return nil, ErrPeerNotFound
	}
	if info, ok := rm.Peer(peerID); ok {
		r.savePeer(rm.ID, info)
	}
	return []Event{{
		Type:    signaling.MessageTypePeerAudioStateChanged,
		To:      recipients,
		Payload: signaling.PeerAudioStateChanged{PeerID: peerID, Enabled: enabled},
	}}, nil
}

// CreateTransport asks the engine for a transport on the room's router and
// registers it under the peer.
func (r *Registry) CreateTransport(ctx context.Context, peerID, direction string) (engine.TransportParams, error) {
	rm, err := r.roomOf(peerID)
	if err != nil {
		return engine.TransportParams{}, err
	}

	t, err := rm.Router.CreateWebRtcTransport(ctx, engine.TransportOptions{Direction: direction})
	if err != nil {
		return engine.TransportParams{}, engineError("create transport", err)
	}

	// The peer may have left while the engine was busy.
	if !rm.AddTransport(peerID, t) {
		t.Close()
		return engine.TransportParams{}, ErrPeerNotFound
	}
	t.OnRouterClose(func() {
		rm.RemoveTransport(peerID, t.ID())
		metrics.ActiveTransports.Dec()
	})
	metrics.ActiveTransports.Inc()

	r.logger.Debug("Transport created",
		zap.String("peerID", peerID),
		zap.String("transportID", t.ID()),
		zap.String("direction", direction),
	)
	return t.Params(), nil
}

func (r *Registry) ConnectTransport(ctx context.Context, peerID, transportID string, dtls webrtc.DTLSParameters) error {
	t, _, err := r.transportOf(peerID, transportID)
	if err != nil {
		return err
	}
	if err := t.Connect(ctx, dtls); err != nil {
		return engineError("connect transport", err)
	}
	return nil
}

func (r *Registry) RestartICE(ctx context.Context, peerID, transportID string) (webrtc.ICEParameters, error) {
	t, _, err := r.transportOf(peerID, transportID)
	if err != nil {
		return webrtc.ICEParameters{}, err
	}

	params, err := t.RestartICE(ctx)
	if err != nil {
		return webrtc.ICEParameters{}, engineError("restart ice", err)
	}
	metrics.RecordICERestart()
	return params, nil
}

// Produce creates a producer on one of the peer's transports. The other
// peers learn about it through newProducer.
func (r *Registry) Produce(ctx context.Context, peerID string, req signaling.ProduceRequest) (string, []Event, error) {
	t, rm, err := r.transportOf(peerID, req.TransportID)
	if err != nil {
		return "", nil, err
	}

	mediaType := peer.MediaType(req.MediaType)
	if mediaType == "" {
		mediaType = peer.MediaTypeAudio
		if req.Kind == engine.KindVideo {
			mediaType = peer.MediaTypeWebcam
		}
	}
	if mediaType == peer.MediaTypeScreen && req.Kind != engine.KindVideo {
		return "", nil, invalid("screen producers must be video")
	}
	if mediaType == peer.MediaTypeScreen && rm.HasScreenProducer(peerID) {
		return "", nil, ErrAlreadySharing
	}

	handle, err := t.Produce(ctx, engine.ProducerOptions{
		Kind:          req.Kind,
		RTPParameters: req.RTPParameters,
		MediaType:     string(mediaType),
	})
	if err != nil {
		return "", nil, engineError("produce", err)
	}

	prod := &room.Producer{
		ID:        handle.ID(),
		PeerID:    peerID,
		Kind:      req.Kind,
		MediaType: mediaType,
		Handle:    handle,
	}
	// Checked again: another screen producer may have been registered while
	// the engine call was running.
	recipients, err := rm.AddProducer(prod, req.TransportID)
	if err != nil {
		handle.Close()
		switch {
		case errors.Is(err, room.ErrAlreadySharing):
			return "", nil, ErrAlreadySharing
		case errors.Is(err, room.ErrTransportNotFound):
			return "", nil, ErrTransportNotFound
		}
		return "", nil, ErrPeerNotFound
	}

	// Nobody heard of the producer until newProducer is returned, so a close
	// before that point unregisters it without a broadcast.
	var announced atomic.Bool
	handle.OnTransportClose(func() {
		if announced.Load() {
			r.producerGone(rm, prod.ID)
			return
		}
		r.producerDropped(rm, prod.ID)
	})
	metrics.ProducerOpened(string(mediaType))
	if handle.Closed() {
		r.producerDropped(rm, prod.ID)
		return "", nil, ErrTransportNotFound
	}
	announced.Store(true)

	r.logger.Info("Producer created",
		zap.String("peerID", peerID),
		zap.String("producerID", prod.ID),
		zap.String("kind", string(prod.Kind)),
		zap.String("mediaType", string(mediaType)),
	)

	events := []Event{{
		Type: signaling.MessageTypeNewProducer,
		To:   recipients,
		Payload: signaling.ProducerInfo{
			ProducerID: prod.ID,
			PeerID:     peerID,
			Kind:       prod.Kind,
			MediaType:  string(mediaType),
		},
	}}

	if req.Kind == engine.KindAudio && req.InitialMuted {
		muted, err := r.SetMuted(peerID, true)
		if err == nil {
			events = append(events, muted...)
		}
	}
	return prod.ID, events, nil
}

// Consume creates a paused consumer for a producer in the caller's room. A
// producer that closed in the meantime is reported as ErrProducerNotFound.
func (r *Registry) Consume(ctx context.Context, peerID string, req signaling.ConsumeRequest) (signaling.ConsumeResponse, error) {
	t, rm, err := r.transportOf(peerID, req.TransportID)
	if err != nil {
		return signaling.ConsumeResponse{}, err
	}

	prod, ok := rm.Producer(req.ProducerID)
	if !ok {
		return signaling.ConsumeResponse{}, ErrProducerNotFound
	}
	if !rm.Router.CanConsume(prod.ID, req.RTPCapabilities) {
		return signaling.ConsumeResponse{}, ErrIncompatibleCapabilities
	}

	handle, err := t.Consume(ctx, engine.ConsumerOptions{
		ProducerID:      prod.ID,
		RTPCapabilities: req.RTPCapabilities,
		Paused:          true,
	})
	if err != nil {
		return signaling.ConsumeResponse{}, engineError("consume", err)
	}

	c := &room.Consumer{
		ID:             handle.ID(),
		PeerID:         peerID,
		ProducerID:     prod.ID,
		ProducerPeerID: prod.PeerID,
		Kind:           handle.Kind(),
		Handle:         handle,
	}
	if err := rm.AddConsumer(c); err != nil {
		handle.Close()
		if errors.Is(err, room.ErrProducerNotFound) {
			return signaling.ConsumeResponse{}, ErrProducerNotFound
		}
		return signaling.ConsumeResponse{}, ErrPeerNotFound
	}

	handle.OnProducerClose(func() { r.consumerProducerClosed(rm, c.ID) })
	handle.OnTransportClose(func() {
		if _, ok := rm.RemoveConsumer(c.ID, false); ok {
			metrics.ActiveConsumers.Dec()
		}
	})
	metrics.ActiveConsumers.Inc()
	if handle.Closed() {
		if _, ok := rm.RemoveConsumer(c.ID, true); ok {
			metrics.ActiveConsumers.Dec()
		}
		return signaling.ConsumeResponse{}, ErrProducerNotFound
	}

	return signaling.ConsumeResponse{
		ID:             c.ID,
		ProducerID:     prod.ID,
		PeerID:         prod.PeerID,
		Kind:           c.Kind,
		RTPParameters:  handle.RTPParameters(),
		MediaType:      string(prod.MediaType),
		ProducerPaused: false,
	}, nil
}

// ResumeConsumer starts delivery. Resuming a consumer whose producer already
// closed succeeds without effect.
func (r *Registry) ResumeConsumer(ctx context.Context, peerID, consumerID string) error {
	rm, err := r.roomOf(peerID)
	if err != nil {
		return err
	}

	c, state := rm.Consumer(peerID, consumerID)
	switch state {
	case room.ConsumerMissing:
		return ErrConsumerNotFound
	case room.ConsumerProducerClosed:
		return nil
	}

	if err := c.Handle.Resume(ctx); err != nil {
		if errors.Is(err, engine.ErrClosed) {
			return nil
		}
		return engineError("resume consumer", err)
	}
	return nil
}

// CloseProducer closes one of the caller's producers. Only the first close
// of a producer id yields events.
func (r *Registry) CloseProducer(peerID, producerID string) ([]Event, error) {
	rm, err := r.roomOf(peerID)
	if err != nil {
		return nil, err
	}

	closure, ok := rm.RemoveProducer(producerID, peerID)
	if !ok {
		return nil, ErrProducerNotFound
	}
	closure.Producer.Handle.Close()
	r.producerRemoved(closure)

	r.logger.Info("Producer closed",
		zap.String("peerID", peerID),
		zap.String("producerID", producerID),
		zap.String("mediaType", string(closure.Producer.MediaType)),
	)
	return closureEvents(closure), nil
}

// StopScreenSharing is CloseProducer restricted to screen producers.
func (r *Registry) StopScreenSharing(peerID, producerID string) ([]Event, error) {
	rm, err := r.roomOf(peerID)
	if err != nil {
		return nil, err
	}

	prod, ok := rm.Producer(producerID)
	if !ok || prod.PeerID != peerID || prod.MediaType != peer.MediaTypeScreen {
		return nil, ErrProducerNotFound
	}
	return r.CloseProducer(peerID, producerID)
}

// producerGone handles a producer closed by the engine.
func (r *Registry) producerGone(rm *room.Room, producerID string) {
	closure, ok := rm.RemoveProducer(producerID, "")
	if !ok {
		return
	}
	r.producerRemoved(closure)

	r.logger.Info("Producer transport closed",
		zap.String("roomID", rm.ID),
		zap.String("producerID", producerID),
	)
	r.dispatch(closureEvents(closure))
}

// producerDropped unregisters a producer that was never announced.
func (r *Registry) producerDropped(rm *room.Room, producerID string) {
	closure, ok := rm.RemoveProducer(producerID, "")
	if !ok {
		return
	}
	r.producerRemoved(closure)
	r.logger.Debug("Producer closed before it was announced",
		zap.String("roomID", rm.ID),
		zap.String("producerID", producerID),
	)
}

func (r *Registry) consumerProducerClosed(rm *room.Room, consumerID string) {
	c, ok := rm.RemoveConsumer(consumerID, true)
	if !ok {
		return
	}
	metrics.ActiveConsumers.Dec()

	r.dispatch([]Event{{
		Type: signaling.MessageTypeConsumerClosed,
		To:   []string{c.PeerID},
		Payload: signaling.ConsumerClosed{
			ConsumerID: c.ID,
			ProducerID: c.ProducerID,
			PeerID:     c.ProducerPeerID,
		},
	}})
}

func (r *Registry) producerRemoved(closure room.ProducerClosure) {
	metrics.ProducerClosed(string(closure.Producer.MediaType))
	metrics.ActiveConsumers.Sub(float64(len(closure.Consumers)))
}

// closureEvents announces a closed producer to the room, then tells each
// consumer owner that its consumer is gone.
func closureEvents(closure room.ProducerClosure) []Event {
	prod := closure.Producer
	events := []Event{{
		Type: signaling.MessageTypeProducerClosed,
		To:   closure.Recipients,
		Payload: signaling.ProducerClosed{
			ProducerID: prod.ID,
			PeerID:     prod.PeerID,
			MediaType:  string(prod.MediaType),
		},
	}}
	for _, c := range closure.Consumers {
		events = append(events, Event{
			Type: signaling.MessageTypeConsumerClosed,
			To:   []string{c.PeerID},
			Payload: signaling.ConsumerClosed{
				ConsumerID: c.ID,
				ProducerID: prod.ID,
				PeerID:     prod.PeerID,
			},
		})
	}
	return events
}

func (r *Registry) roomOf(peerID string) (*room.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomID, ok := r.peerRooms[peerID]
	if !ok {
		return nil, ErrPeerNotFound
	}
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return rm, nil
}

// transportOf resolves a transport id the caller owns. Ids of other peers
// are reported as not found.
func (r *Registry) transportOf(peerID, transportID string) (engine.Transport, *room.Room, error) {
	rm, err := r.roomOf(peerID)
	if err != nil {
		return nil, nil, err
	}
	t, ok := rm.Transport(peerID, transportID)
	if !ok {
		return nil, nil, ErrTransportNotFound
	}
	return t, rm, nil
}

func (r *Registry) savePeer(roomID string, info peer.Info) {
	if r.presence == nil {
		return
	}
	ctx, cancel := r.presenceCtx()
	defer cancel()
	if err := r.presence.SavePeer(ctx, roomID, info); err != nil {
		r.logger.Warn("Failed to save peer presence", zap.String("peerID", info.ID), zap.Error(err))
	}
}

func (r *Registry) deletePeer(roomID, peerID string) {
	if r.presence == nil {
		return
	}
	ctx, cancel := r.presenceCtx()
	defer cancel()
	if err := r.presence.DeletePeer(ctx, roomID, peerID); err != nil {
		r.logger.Warn("Failed to delete peer presence", zap.String("peerID", peerID), zap.Error(err))
	}
}

func (r *Registry) releaseRoom(roomID string) {
	if r.presence == nil {
		return
	}
	ctx, cancel := r.presenceCtx()
	defer cancel()
	if err := r.presence.ReleaseRoom(ctx, roomID); err != nil {
		r.logger.Warn("Failed to release room", zap.String("roomID", roomID), zap.Error(err))
	}
}

// Rooms returns a snapshot of every room.
func (r *Registry) Rooms() []room.Info {
	r.mu.RLock()
	rooms := make([]*room.Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	out := make([]room.Info, 0, len(rooms))
	for _, rm := range rooms {
		out = append(out, rm.Info())
	}
	return out
}

func (r *Registry) RoomInfo(roomID string) (room.Info, error) {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()

	if !ok {
		return room.Info{}, ErrRoomNotFound
	}
	return rm.Info(), nil
}

// RoomIDs lists the ids of hosted rooms, used to refresh ownership claims.
func (r *Registry) RoomIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peerRooms)
}

// Close drops every room and releases its engine resources.
func (r *Registry) Close() {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*room.Room)
	r.peerRooms = make(map[string]string)
	r.mu.Unlock()

	for id, rm := range rooms {
		rm.Close()
		r.releaseRoom(id)
	}
}

func peerInfo(info peer.Info) signaling.PeerInfo {
	return signaling.PeerInfo{
		PeerID:       info.ID,
		Name:         info.Name,
		Muted:        info.Muted,
		AudioEnabled: info.AudioEnabled,
	}
}

func producerInfo(prod room.Producer) signaling.ProducerInfo {
	return signaling.ProducerInfo{
		ProducerID: prod.ID,
		PeerID:     prod.PeerID,
		Kind:       prod.Kind,
		MediaType:  string(prod.MediaType),
	}
}
