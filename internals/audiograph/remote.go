package audiograph

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/adityaadpandey/huddle/internals/vad"
	"go.uber.org/zap"
)

// Sink plays back remote audio.
type Sink interface {
	WriteFrame(peerID string, f Frame)
}

type discardSink struct{}

func (discardSink) WriteFrame(string, Frame) {}

// RemoteSession is the playback path of one remote peer. It is torn down
// exactly once, by DetachRemote or Close.
type RemoteSession struct {
	PeerID     string
	ConsumerID string

	audible atomic.Bool
	level   atomic.Uint64
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Level is the latest received level in dBFS, before the audible switch.
func (rs *RemoteSession) Level() float64 {
	return math.Float64frombits(rs.level.Load())
}

func (rs *RemoteSession) Audible() bool {
	return rs.audible.Load()
}

func (rs *RemoteSession) close() {
	rs.once.Do(func() {
		rs.cancel()
		<-rs.done
	})
}

// AttachRemote starts playback of source for peerID. An existing session
// for the peer is replaced and torn down.
func (c *Controller) AttachRemote(peerID, consumerID string, source Source) *RemoteSession {
	ctx, cancel := context.WithCancel(context.Background())
	rs := &RemoteSession{
		PeerID:     peerID,
		ConsumerID: consumerID,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	rs.level.Store(math.Float64bits(-100))

	c.remotesMu.Lock()
	prev := c.remotes[peerID]
	c.remotes[peerID] = rs
	rs.audible.Store(c.audibleLocked(peerID))
	c.remotesMu.Unlock()

	if prev != nil {
		prev.close()
	}

	go c.play(ctx, rs, source)

	c.logger.Debug("Remote audio attached",
		zap.String("peerID", peerID),
		zap.String("consumerID", consumerID),
	)
	return rs
}

func (c *Controller) play(ctx context.Context, rs *RemoteSession, source Source) {
	defer close(rs.done)
	for {
		f, err := source.ReadFrame(ctx)
		if err != nil {
			return
		}
		rs.level.Store(math.Float64bits(vad.RMSdB(f)))
		if rs.audible.Load() {
			c.sink.WriteFrame(rs.PeerID, f)
		}
	}
}

// DetachRemote tears down the session of peerID. The individual mute state
// of the peer is kept.
func (c *Controller) DetachRemote(peerID string) bool {
	c.remotesMu.Lock()
	rs, ok := c.remotes[peerID]
	delete(c.remotes, peerID)
	c.remotesMu.Unlock()

	if !ok {
		return false
	}
	rs.close()
	c.logger.Debug("Remote audio detached", zap.String("peerID", peerID))
	return true
}

func (c *Controller) Remote(peerID string) (*RemoteSession, bool) {
	c.remotesMu.Lock()
	defer c.remotesMu.Unlock()
	rs, ok := c.remotes[peerID]
	return rs, ok
}

func (c *Controller) RemoteCount() int {
	c.remotesMu.Lock()
	defer c.remotesMu.Unlock()
	return len(c.remotes)
}

// SetOutputEnabled is the global playback switch.
func (c *Controller) SetOutputEnabled(enabled bool) {
	c.remotesMu.Lock()
	defer c.remotesMu.Unlock()
	c.outputEnabled = enabled
	c.refreshLocked()
}

func (c *Controller) OutputEnabled() bool {
	c.remotesMu.Lock()
	defer c.remotesMu.Unlock()
	return c.outputEnabled
}

// SetPeerMuted mutes one remote peer locally. The state outlives the
// peer's session.
func (c *Controller) SetPeerMuted(peerID string, muted bool) {
	c.remotesMu.Lock()
	defer c.remotesMu.Unlock()
	c.peerMuted[peerID] = muted
	c.refreshLocked()
}

func (c *Controller) PeerMuted(peerID string) bool {
	c.remotesMu.Lock()
	defer c.remotesMu.Unlock()
	return c.peerMuted[peerID]
}

// Audible reports whether peerID would be heard: output is enabled and the
// peer is not individually muted.
func (c *Controller) Audible(peerID string) bool {
	c.remotesMu.Lock()
	defer c.remotesMu.Unlock()
	return c.audibleLocked(peerID)
}

func (c *Controller) audibleLocked(peerID string) bool {
	return c.outputEnabled && !c.peerMuted[peerID]
}

func (c *Controller) refreshLocked() {
	for id, rs := range c.remotes {
		rs.audible.Store(c.audibleLocked(id))
	}
}
