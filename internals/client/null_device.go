package client

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/adityaadpandey/huddle/internals/audiograph"
	"github.com/adityaadpandey/huddle/internals/engine"
	"github.com/pion/webrtc/v3"
)

var (
	ErrNotLoaded      = errors.New("device not loaded")
	ErrCannotProduce  = errors.New("device cannot produce this kind")
	ErrTransportGone  = errors.New("transport closed")
	ErrUnexpectedKind = errors.New("unexpected media kind")
)

// NullDevice is a headless device. It negotiates like a real one but sends
// nothing on the wire; the samples it is given are drained and counted.
type NullDevice struct {
	// ToneAmplitude is the level of the 440 Hz microphone tone. Zero gives
	// silence.
	ToneAmplitude float64

	mu     sync.Mutex
	caps   engine.RTPCapabilities
	loaded bool
	dtls   webrtc.DTLSParameters
}

func NewNullDevice() (*NullDevice, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}
	fingerprints, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("failed to compute fingerprints: %w", err)
	}
	return &NullDevice{
		dtls: webrtc.DTLSParameters{
			Role:         webrtc.DTLSRoleClient,
			Fingerprints: fingerprints,
		},
	}, nil
}

func (d *NullDevice) Load(caps engine.RTPCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps = caps
	d.loaded = true
	return nil
}

func (d *NullDevice) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func (d *NullDevice) RTPCapabilities() engine.RTPCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *NullDevice) CanProduce(kind engine.MediaKind) bool {
	_, ok := d.codecFor(kind)
	return ok
}

func (d *NullDevice) codecFor(kind engine.MediaKind) (webrtc.RTPCodecParameters, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.caps.Codecs {
		if engine.KindOfMime(c.MimeType) == kind {
			return c, true
		}
	}
	return webrtc.RTPCodecParameters{}, false
}

func (d *NullDevice) Microphone(ctx context.Context) (audiograph.Source, error) {
	return audiograph.NewToneSource(440, d.ToneAmplitude), nil
}

func (d *NullDevice) newTransport(params engine.TransportParams) (*NullTransport, error) {
	if !d.Loaded() {
		return nil, ErrNotLoaded
	}
	return &NullTransport{
		id:     params.ID,
		dtls:   d.dtls,
		device: d,
		state:  TransportStateCreated,
		ice:    params.ICEParameters,
	}, nil
}

func (d *NullDevice) CreateSendTransport(params engine.TransportParams) (SendTransport, error) {
	return d.newTransport(params)
}

func (d *NullDevice) CreateRecvTransport(params engine.TransportParams) (RecvTransport, error) {
	return d.newTransport(params)
}

// NullTransport lets callers drive its connection state with SetState.
type NullTransport struct {
	id     string
	dtls   webrtc.DTLSParameters
	device *NullDevice

	mu          sync.Mutex
	state       TransportState
	handlers    []func(TransportState)
	iceRestarts int
	ice         webrtc.ICEParameters
}

func (t *NullTransport) ID() string {
	return t.id
}

func (t *NullTransport) DTLSParameters() webrtc.DTLSParameters {
	return t.dtls
}

func (t *NullTransport) RestartICE(params webrtc.ICEParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TransportStateClosed {
		return ErrTransportGone
	}
	t.iceRestarts++
	t.ice = params
	return nil
}

// ICEParameters returns the remote ICE parameters currently applied.
func (t *NullTransport) ICEParameters() webrtc.ICEParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ice
}

func (t *NullTransport) ICERestarts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iceRestarts
}

func (t *NullTransport) OnStateChange(fn func(TransportState)) {
	t.mu.Lock()
	t.handlers = append(t.handlers, fn)
	t.mu.Unlock()
}

// SetState moves the transport to s and notifies the handlers.
func (t *NullTransport) SetState(s TransportState) {
	t.mu.Lock()
	if t.state == TransportStateClosed || t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	handlers := append([]func(TransportState){}, t.handlers...)
	t.mu.Unlock()

	for _, fn := range handlers {
		fn(s)
	}
}

func (t *NullTransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *NullTransport) Close() {
	t.SetState(TransportStateClosed)
}

func (t *NullTransport) Produce(ctx context.Context, kind engine.MediaKind, track MediaTrack) (LocalProducer, error) {
	if t.State() == TransportStateClosed {
		return nil, ErrTransportGone
	}
	codec, ok := t.device.codecFor(kind)
	if !ok {
		return nil, ErrCannotProduce
	}
	p := &nullProducer{
		kind:   kind,
		params: webrtc.RTPParameters{Codecs: []webrtc.RTPCodecParameters{codec}},
	}
	p.ReplaceTrack(ctx, track)
	return p, nil
}

func (t *NullTransport) Consume(ctx context.Context, params ConsumeParams) (LocalConsumer, error) {
	if t.State() == TransportStateClosed {
		return nil, ErrTransportGone
	}
	if !params.Kind.Valid() {
		return nil, ErrUnexpectedKind
	}
	c := &nullConsumer{params: params, done: make(chan audiograph.Frame)}
	return c, nil
}

type nullProducer struct {
	kind   engine.MediaKind
	params webrtc.RTPParameters

	mu     sync.Mutex
	track  MediaTrack
	cancel context.CancelFunc
	closed bool
	frames atomic.Int64
}

func (p *nullProducer) Kind() engine.MediaKind {
	return p.kind
}

func (p *nullProducer) RTPParameters() webrtc.RTPParameters {
	return p.params
}

func (p *nullProducer) Track() MediaTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}

// ReplaceTrack starts draining track before it stops draining the old one.
func (p *nullProducer) ReplaceTrack(ctx context.Context, track MediaTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrTransportGone
	}

	prev := p.cancel
	p.track = track
	p.cancel = nil
	if src, ok := track.(audiograph.Source); ok {
		dctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		go p.drain(dctx, src)
	}
	if prev != nil {
		prev()
	}
	return nil
}

func (p *nullProducer) drain(ctx context.Context, src audiograph.Source) {
	for {
		if _, err := src.ReadFrame(ctx); err != nil {
			return
		}
		p.frames.Add(1)
	}
}

func (p *nullProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

type nullConsumer struct {
	params ConsumeParams
	done   chan audiograph.Frame
	once   sync.Once
}

func (c *nullConsumer) ID() string {
	return c.params.ID
}

func (c *nullConsumer) ProducerID() string {
	return c.params.ProducerID
}

func (c *nullConsumer) Kind() engine.MediaKind {
	return c.params.Kind
}

func (c *nullConsumer) Audio() audiograph.Source {
	if c.params.Kind != engine.KindAudio {
		return nil
	}
	return audiograph.ChanSource(c.done)
}

func (c *nullConsumer) Close() {
	c.once.Do(func() { close(c.done) })
}
