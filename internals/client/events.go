package client

import (
	"errors"

	"github.com/adityaadpandey/huddle/internals/signaling"
	"github.com/adityaadpandey/huddle/internals/subscription"
	"go.uber.org/zap"
)

func (c *Call) registerHandlers() {
	c.conn.Handle(signaling.MessageTypePeerJoined, c.onPeerJoined)
	c.conn.Handle(signaling.MessageTypePeerLeft, c.onPeerLeft)
	c.conn.Handle(signaling.MessageTypeNewProducer, c.onNewProducer)
	c.conn.Handle(signaling.MessageTypeProducerClosed, c.onProducerClosed)
	c.conn.Handle(signaling.MessageTypeConsumerClosed, c.onConsumerClosed)
	c.conn.Handle(signaling.MessageTypePeerMuteStateChanged, c.onPeerMuteState)
	c.conn.Handle(signaling.MessageTypeSpeakingStateChanged, c.onSpeakingState)
	c.conn.Handle(signaling.MessageTypePeerAudioStateChanged, c.onPeerAudioState)
}

func (c *Call) decode(msg signaling.Message, out any) bool {
	if err := msg.Decode(out); err != nil {
		c.logger.Warn("Dropping malformed broadcast",
			zap.String("type", string(msg.Type)),
			zap.Error(err),
		)
		return false
	}
	return c.Joined()
}

func (c *Call) onPeerJoined(msg signaling.Message) {
	var info signaling.PeerInfo
	if !c.decode(msg, &info) {
		return
	}

	p := RemotePeer{ID: info.PeerID, Name: info.Name, Muted: info.Muted, AudioEnabled: info.AudioEnabled}
	c.mu.Lock()
	c.peers[p.ID] = &p
	c.mu.Unlock()

	if c.handlers.OnPeerJoined != nil {
		c.handlers.OnPeerJoined(p)
	}
}

func (c *Call) onPeerLeft(msg signaling.Message) {
	var left signaling.PeerLeft
	if !c.decode(msg, &left) {
		return
	}

	c.mu.Lock()
	_, known := c.peers[left.PeerID]
	delete(c.peers, left.PeerID)
	c.mu.Unlock()

	for _, sub := range c.subs.RemovePeer(left.PeerID) {
		c.closeConsumer(sub)
	}
	c.stopRemoteVAD(left.PeerID)
	c.media.DetachRemote(left.PeerID)

	if known && c.handlers.OnPeerLeft != nil {
		c.handlers.OnPeerLeft(left.PeerID)
	}
}

func (c *Call) onNewProducer(msg signaling.Message) {
	var info signaling.ProducerInfo
	if !c.decode(msg, &info) {
		return
	}

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	ctx, cancel := c.requestCtx()
	defer cancel()
	if err := c.consume(ctx, gen, info); err != nil && !errors.Is(err, ErrLeft) {
		c.logger.Warn("Failed to consume new producer",
			zap.String("producerID", info.ProducerID),
			zap.String("peerID", info.PeerID),
			zap.Error(err),
		)
	}
}

func (c *Call) onProducerClosed(msg signaling.Message) {
	var closed signaling.ProducerClosed
	if !c.decode(msg, &closed) {
		return
	}

	c.mu.Lock()
	self := closed.PeerID == c.peerID
	var own LocalProducer
	if self && closed.ProducerID != "" && closed.ProducerID == c.screenID {
		own = c.screen
		c.screen, c.screenID = nil, ""
	}
	c.mu.Unlock()

	if self {
		if own != nil {
			own.Close()
			c.logger.Info("Screen share closed by server", zap.String("producerID", closed.ProducerID))
		}
		return
	}

	sub, ok, pending := c.resolveClosed(closed.ProducerID, func() (subscription.Subscription, bool) {
		return c.subs.Resolve(closed.ProducerID, closed.PeerID, string(mediaKindOf(closed.MediaType)), closed.MediaType)
	})
	if pending {
		return
	}
	if !ok {
		c.logger.Debug("Producer closed without a subscription",
			zap.String("producerID", closed.ProducerID),
			zap.String("peerID", closed.PeerID),
		)
		return
	}
	c.closeConsumer(sub)
}

func (c *Call) onConsumerClosed(msg signaling.Message) {
	var closed signaling.ConsumerClosed
	if !c.decode(msg, &closed) {
		return
	}
	sub, ok, _ := c.resolveClosed(closed.ProducerID, func() (subscription.Subscription, bool) {
		return c.subs.RemoveConsumer(closed.ConsumerID)
	})
	if ok {
		c.closeConsumer(sub)
	}
}

// resolveClosed marks producerID closed when a consume for it is still in
// flight, and otherwise looks up the subscription to tear down.
func (c *Call) resolveClosed(producerID string, lookup func() (subscription.Subscription, bool)) (subscription.Subscription, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[producerID]; ok && producerID != "" {
		c.pending[producerID] = true
		return subscription.Subscription{}, false, true
	}
	sub, ok := lookup()
	return sub, ok, false
}

// updatePeer applies fn to the mirrored peer and reports the result.
func (c *Call) updatePeer(peerID string, fn func(*RemotePeer)) {
	c.mu.Lock()
	p, ok := c.peers[peerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	fn(p)
	snapshot := *p
	c.mu.Unlock()

	if c.handlers.OnPeerUpdated != nil {
		c.handlers.OnPeerUpdated(snapshot)
	}
}

func (c *Call) onPeerMuteState(msg signaling.Message) {
	var ev signaling.PeerMuteStateChanged
	if !c.decode(msg, &ev) {
		return
	}
	c.updatePeer(ev.PeerID, func(p *RemotePeer) {
		p.Muted = ev.Muted
		if ev.Muted {
			p.Speaking = false
		}
	})
}

func (c *Call) onSpeakingState(msg signaling.Message) {
	var ev signaling.SpeakingStateChanged
	if !c.decode(msg, &ev) {
		return
	}
	c.updatePeer(ev.PeerID, func(p *RemotePeer) { p.Speaking = ev.Speaking })
}

func (c *Call) onPeerAudioState(msg signaling.Message) {
	var ev signaling.PeerAudioStateChanged
	if !c.decode(msg, &ev) {
		return
	}
	c.updatePeer(ev.PeerID, func(p *RemotePeer) { p.AudioEnabled = ev.Enabled })
}
