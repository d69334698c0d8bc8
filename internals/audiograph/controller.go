package audiograph

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrNotStarted     = errors.New("media controller not started")
	ErrAlreadyStarted = errors.New("media controller already started")
	ErrClosed         = errors.New("media controller closed")
)

// Egress is the outbound producer. ReplaceTrack must switch the sent track
// without renegotiation.
type Egress interface {
	ReplaceTrack(ctx context.Context, t *Track) error
}

// chain is one built processing path ending in its own track.
type chain struct {
	mode   Mode
	stages []Stage
	track  *Track
}

func (c *chain) push(f Frame) {
	f = f.Clone()
	for _, s := range c.stages {
		s.Process(f)
	}
	c.track.write(f)
}

func (c *chain) close(logger *zap.Logger) {
	c.track.Stop()
	for _, s := range c.stages {
		if err := s.Close(); err != nil {
			logger.Warn("Failed to close audio stage", zap.String("mode", string(c.mode)), zap.Error(err))
		}
	}
}

// Controller owns the local capture chain and the remote playback
// sessions. The egress track is replaced only by SetSuppression.
type Controller struct {
	logger *zap.Logger
	loader Loader
	sink   Sink

	// swapMu serializes chain rebuilds.
	swapMu   sync.Mutex
	mode     Mode
	egress   Egress
	current  *chain
	started  bool
	closed   bool
	cancel   context.CancelFunc
	pumpDone chan struct{}

	// Chains fed by the pump. Two are live while a swap is in progress.
	live  atomic.Pointer[[]*chain]
	track atomic.Pointer[Track]

	muted atomic.Bool
	level atomic.Uint64

	remotesMu     sync.Mutex
	outputEnabled bool
	peerMuted     map[string]bool
	remotes       map[string]*RemoteSession
}

type Option func(*Controller)

func WithLoader(l Loader) Option {
	return func(c *Controller) {
		c.loader = l
	}
}

func WithSink(s Sink) Option {
	return func(c *Controller) {
		c.sink = s
	}
}

func NewController(logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		logger:        logger,
		loader:        DefaultLoader,
		sink:          discardSink{},
		mode:          ModeNone,
		outputEnabled: true,
		peerMuted:     make(map[string]bool),
		remotes:       make(map[string]*RemoteSession),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.level.Store(math.Float64bits(-100))
	return c
}

// Start builds the first chain on source and begins pumping frames. After
// Start returns EgressTrack is never nil.
func (c *Controller) Start(ctx context.Context, source Source) error {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}

	ch, err := c.build(ctx, c.mode)
	if err != nil {
		return err
	}
	c.current = ch
	c.publish(ch)
	c.track.Store(ch.track)

	pctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.pumpDone = make(chan struct{})
	c.started = true
	go c.pump(pctx, source)

	c.logger.Info("Media controller started", zap.String("mode", string(c.mode)))
	return nil
}

func (c *Controller) build(ctx context.Context, mode Mode) (*chain, error) {
	suppressor, err := c.loader(ctx, mode)
	if err != nil {
		return nil, err
	}

	var stages []Stage
	if suppressor != nil {
		stages = append(stages, suppressor)
	}
	stages = append(stages,
		gainStage{gain: c.gain},
		tapStage{store: func(db float64) { c.level.Store(math.Float64bits(db)) }},
	)
	return &chain{mode: mode, stages: stages, track: NewTrack()}, nil
}

func (c *Controller) publish(chains ...*chain) {
	c.live.Store(&chains)
}

func (c *Controller) pump(ctx context.Context, source Source) {
	defer close(c.pumpDone)
	for {
		f, err := source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("Capture source ended", zap.Error(err))
			}
			return
		}
		if chains := c.live.Load(); chains != nil {
			for _, ch := range *chains {
				ch.push(f)
			}
		}
	}
}

func (c *Controller) gain() float32 {
	if c.muted.Load() {
		return 0
	}
	return 1
}

// EgressTrack returns the track currently handed to the network, or nil
// before Start.
func (c *Controller) EgressTrack() *Track {
	return c.track.Load()
}

// Publish hands the current egress track to produce and binds the egress
// it returns. A swap that ran while produce was in progress left the
// producer on a stopped track, so the egress is moved to the live one
// before Publish returns.
func (c *Controller) Publish(ctx context.Context, produce func(*Track) (Egress, error)) error {
	sent := c.EgressTrack()
	if sent == nil {
		return ErrNotStarted
	}
	e, err := produce(sent)
	if err != nil {
		return err
	}

	c.swapMu.Lock()
	defer c.swapMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if live := c.track.Load(); live != sent {
		if err := e.ReplaceTrack(ctx, live); err != nil {
			return err
		}
		c.logger.Debug("Egress moved to track swapped in during produce", zap.String("mode", string(c.mode)))
	}
	c.egress = e
	return nil
}

// ReleaseEgress unbinds e if it is still the bound egress.
func (c *Controller) ReleaseEgress(e Egress) {
	c.swapMu.Lock()
	if c.egress == e {
		c.egress = nil
	}
	c.swapMu.Unlock()
}

func (c *Controller) Mode() Mode {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()
	return c.mode
}

// SetSuppression switches the suppressor. The new chain is built and fed
// while the old one still runs; the egress moves to the new track before
// the old chain is torn down. On failure the old chain stays in place.
func (c *Controller) SetSuppression(ctx context.Context, mode Mode) error {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.started {
		c.mode = mode
		return nil
	}
	if mode == c.mode {
		return nil
	}

	next, err := c.build(ctx, mode)
	if err != nil {
		return err
	}
	old := c.current
	c.publish(old, next)

	if c.egress != nil {
		if err := c.egress.ReplaceTrack(ctx, next.track); err != nil {
			c.publish(old)
			next.close(c.logger)
			c.logger.Warn("Track replacement failed, keeping previous chain",
				zap.String("from", string(old.mode)),
				zap.String("to", string(mode)),
				zap.Error(err),
			)
			return err
		}
	}

	c.track.Store(next.track)
	c.publish(next)
	c.current = next
	c.mode = mode
	old.close(c.logger)

	c.logger.Info("Suppression mode changed",
		zap.String("from", string(old.mode)),
		zap.String("to", string(mode)),
	)
	return nil
}

// SetMuted silences the capture chain without rebuilding it.
func (c *Controller) SetMuted(muted bool) {
	c.muted.Store(muted)
}

func (c *Controller) Muted() bool {
	return c.muted.Load()
}

// Level is the latest capture level in dBFS after gain, so a muted
// microphone reads as silence.
func (c *Controller) Level() float64 {
	return math.Float64frombits(c.level.Load())
}

// Close stops the pump, the capture chain and every remote session.
func (c *Controller) Close() {
	c.swapMu.Lock()
	if c.closed {
		c.swapMu.Unlock()
		return
	}
	c.closed = true
	cancel, done, current := c.cancel, c.pumpDone, c.current
	c.swapMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if current != nil {
		current.close(c.logger)
	}

	c.remotesMu.Lock()
	remotes := c.remotes
	c.remotes = make(map[string]*RemoteSession)
	c.remotesMu.Unlock()

	for _, rs := range remotes {
		rs.close()
	}
}
