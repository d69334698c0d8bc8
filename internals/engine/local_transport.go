package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/adityaadpandey/huddle/internals/media"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type closeCause int

const (
	causeExplicit closeCause = iota
	causeRouter
	causeTransport
	causeProducer
)

const consumerBufferSize = 128

type localTransport struct {
	id        string
	direction string
	router    *localRouter
	logger    *zap.Logger

	mu            sync.Mutex
	params        TransportParams
	state         TransportState
	producers     map[string]*localProducer
	consumers     map[string]*localConsumer
	onRouterClose func()
}

func (t *localTransport) ID() string {
	return t.id
}

func (t *localTransport) Params() TransportParams {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params
}

func (t *localTransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *localTransport) Connect(ctx context.Context, remote webrtc.DTLSParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(remote.Fingerprints) == 0 {
		return ErrInvalidDTLS
	}
	for _, fp := range remote.Fingerprints {
		if fp.Algorithm == "" || fp.Value == "" {
			return ErrInvalidDTLS
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case TransportStateClosed:
		return ErrClosed
	case TransportStateConnected:
		return ErrAlreadyConnected
	}
	t.state = TransportStateConnected

	t.logger.Debug("Transport connected",
		zap.String("transport", t.id),
		zap.String("direction", t.direction),
	)
	return nil
}

func (t *localTransport) RestartICE(ctx context.Context) (webrtc.ICEParameters, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.ICEParameters{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TransportStateClosed {
		return webrtc.ICEParameters{}, ErrClosed
	}
	t.params.ICEParameters = newICEParameters()
	return t.params.ICEParameters, nil
}

func (t *localTransport) Produce(ctx context.Context, opts ProducerOptions) (Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !opts.Kind.Valid() {
		return nil, ErrInvalidKind
	}
	if len(opts.RTPParameters.Codecs) == 0 {
		return nil, fmt.Errorf("%w: no codecs in rtp parameters", ErrUnsupportedCodec)
	}

	codec := opts.RTPParameters.Codecs[0]
	if KindOfMime(codec.MimeType) != opts.Kind {
		return nil, fmt.Errorf("%w: %s is not %s", ErrInvalidKind, codec.MimeType, opts.Kind)
	}
	if _, ok := MatchCodec(codec, t.router.caps); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec.MimeType)
	}

	p := &localProducer{
		id:        uuid.NewString(),
		kind:      opts.Kind,
		mediaType: opts.MediaType,
		params:    opts.RTPParameters,
		transport: t,
		processor: media.NewProcessor(t.logger),
		consumers: make(map[string]*localConsumer),
		rtcpCh:    make(chan []rtcp.Packet, 16),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	if t.state == TransportStateClosed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	if !t.router.addProducer(p) {
		p.close(causeExplicit)
		return nil, ErrClosed
	}
	return p, nil
}

func (t *localTransport) Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := t.router.lookupProducer(opts.ProducerID)
	if p == nil {
		return nil, ErrProducerNotFound
	}

	codec, ok := MatchCodec(p.params.Codecs[0], opts.RTPCapabilities)
	if !ok {
		return nil, ErrCannotConsume
	}
	// Keep the producer's payload type so forwarded packets need no rewrite.
	codec.PayloadType = p.params.Codecs[0].PayloadType

	c := &localConsumer{
		id:         uuid.NewString(),
		producerID: p.id,
		kind:       p.kind,
		params: webrtc.RTPParameters{
			HeaderExtensions: p.params.HeaderExtensions,
			Codecs:           []webrtc.RTPCodecParameters{codec},
		},
		producer:  p,
		transport: t,
		paused:    opts.Paused,
		packets:   make(chan *rtp.Packet, consumerBufferSize),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	if t.state == TransportStateClosed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !p.addConsumer(c) {
		c.close(causeExplicit)
		return nil, ErrProducerNotFound
	}
	return c, nil
}

func (t *localTransport) OnRouterClose(fn func()) {
	t.mu.Lock()
	t.onRouterClose = fn
	t.mu.Unlock()
}

func (t *localTransport) Close() {
	t.close(causeExplicit)
}

func (t *localTransport) Closed() bool {
	return t.State() == TransportStateClosed
}

func (t *localTransport) close(cause closeCause) {
	t.mu.Lock()
	if t.state == TransportStateClosed {
		t.mu.Unlock()
		return
	}
	t.state = TransportStateClosed
	producers := make([]*localProducer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*localConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = make(map[string]*localProducer)
	t.consumers = make(map[string]*localConsumer)
	onRouterClose := t.onRouterClose
	t.mu.Unlock()

	for _, p := range producers {
		p.close(causeTransport)
	}
	for _, c := range consumers {
		c.close(causeTransport)
	}
	if cause != causeRouter {
		t.router.removeTransport(t.id)
	}

	if cause == causeRouter && onRouterClose != nil {
		onRouterClose()
	}
}

func (t *localTransport) removeProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *localTransport) removeConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

type localProducer struct {
	id        string
	kind      MediaKind
	mediaType string
	params    webrtc.RTPParameters
	transport *localTransport
	processor *media.Processor

	mu               sync.Mutex
	consumers        map[string]*localConsumer
	rtcpCh           chan []rtcp.Packet
	done             chan struct{}
	closed           bool
	onTransportClose func()
}

func (p *localProducer) ID() string {
	return p.id
}

func (p *localProducer) Kind() MediaKind {
	return p.kind
}

func (p *localProducer) MediaType() string {
	return p.mediaType
}

func (p *localProducer) RTPParameters() webrtc.RTPParameters {
	return p.params
}

func (p *localProducer) Stats() media.Stats {
	return p.processor.Stats()
}

// WriteRTP fans a packet out to every resumed consumer. Consumers that are
// paused or whose buffer is full miss the packet.
func (p *localProducer) WriteRTP(pkt *rtp.Packet) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	consumers := make([]*localConsumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.Unlock()

	p.processor.ProcessRTP(pkt)

	forwarded, dropped := 0, 0
	for _, c := range consumers {
		if c.deliver(pkt) {
			forwarded++
		} else {
			dropped++
		}
	}
	p.processor.RecordForward(forwarded, dropped)
	return nil
}

// ReadRTCP returns feedback addressed to the sender, such as key frame
// requests raised when a video consumer resumes.
func (p *localProducer) ReadRTCP(ctx context.Context) ([]rtcp.Packet, error) {
	select {
	case pkts := <-p.rtcpCh:
		p.processor.ProcessRTCP(pkts)
		return pkts, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *localProducer) OnTransportClose(fn func()) {
	p.mu.Lock()
	p.onTransportClose = fn
	p.mu.Unlock()
}

func (p *localProducer) Close() {
	p.close(causeExplicit)
}

func (p *localProducer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *localProducer) requestKeyFrame() {
	select {
	case p.rtcpCh <- p.processor.KeyFrameRequest():
	default:
	}
}

func (p *localProducer) addConsumer(c *localConsumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *localProducer) removeConsumer(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

func (p *localProducer) close(cause closeCause) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	consumers := make([]*localConsumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = make(map[string]*localConsumer)
	onTransportClose := p.onTransportClose
	p.mu.Unlock()

	p.transport.router.removeProducer(p.id)
	if cause != causeTransport {
		p.transport.removeProducer(p.id)
	}

	for _, c := range consumers {
		c.close(causeProducer)
	}

	if cause == causeTransport && onTransportClose != nil {
		onTransportClose()
	}
}

type localConsumer struct {
	id         string
	producerID string
	kind       MediaKind
	params     webrtc.RTPParameters
	producer   *localProducer
	transport  *localTransport

	mu               sync.Mutex
	paused           bool
	closed           bool
	packets          chan *rtp.Packet
	done             chan struct{}
	onProducerClose  func()
	onTransportClose func()
}

func (c *localConsumer) ID() string {
	return c.id
}

func (c *localConsumer) ProducerID() string {
	return c.producerID
}

func (c *localConsumer) Kind() MediaKind {
	return c.kind
}

func (c *localConsumer) RTPParameters() webrtc.RTPParameters {
	return c.params
}

func (c *localConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Resume starts forwarding. Resuming a video consumer asks the producer for
// a key frame so the receiver can start decoding.
func (c *localConsumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	wasPaused := c.paused
	c.paused = false
	c.mu.Unlock()

	if wasPaused && c.kind == KindVideo {
		c.producer.requestKeyFrame()
	}
	return nil
}

func (c *localConsumer) ReadRTP(ctx context.Context) (*rtp.Packet, error) {
	select {
	case pkt := <-c.packets:
		return pkt, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *localConsumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	c.onProducerClose = fn
	c.mu.Unlock()
}

func (c *localConsumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	c.onTransportClose = fn
	c.mu.Unlock()
}

func (c *localConsumer) Close() {
	c.close(causeExplicit)
}

func (c *localConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *localConsumer) deliver(pkt *rtp.Packet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.paused {
		return false
	}
	select {
	case c.packets <- pkt:
		return true
	default:
		return false
	}
}

func (c *localConsumer) close(cause closeCause) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	onProducerClose := c.onProducerClose
	onTransportClose := c.onTransportClose
	c.mu.Unlock()

	if cause != causeProducer {
		c.producer.removeConsumer(c.id)
	}
	if cause != causeTransport {
		c.transport.removeConsumer(c.id)
	}

	switch {
	case cause == causeProducer && onProducerClose != nil:
		onProducerClose()
	case cause == causeTransport && onTransportClose != nil:
		onTransportClose()
	}
}
