package engine

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"

	"github.com/adityaadpandey/huddle/internals/config"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "goog-remb"},
}

// codecCatalog lists the codecs a local router can be configured with, keyed
// by lower-cased mime type.
var codecCatalog = map[string]webrtc.RTPCodecParameters{
	"audio/opus": {
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	},
	"video/vp8": {
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 96,
	},
	"video/vp9": {
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP9,
			ClockRate:    90000,
			SDPFmtpLine:  "profile-id=0",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 98,
	},
	"video/h264": {
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 102,
	},
}

// LocalWorker is an in-process engine worker. It negotiates parameters and
// forwards RTP packets between producers and consumers without touching the
// network, which keeps the signaling core runnable and testable on its own.
type LocalWorker struct {
	id           int
	cfg          config.EngineConfig
	logger       *zap.Logger
	fingerprints []webrtc.DTLSFingerprint

	mu       sync.Mutex
	routers  map[string]*localRouter
	onDied   []func(error)
	nextPort uint16
	closed   bool
}

func NewLocalWorker(id int, cfg config.EngineConfig, logger *zap.Logger) (*LocalWorker, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate DTLS key: %w", err)
	}

	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("failed to generate DTLS certificate: %w", err)
	}

	fingerprints, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint DTLS certificate: %w", err)
	}

	if cfg.RTCPortRange.Min == 0 || cfg.RTCPortRange.Max < cfg.RTCPortRange.Min {
		return nil, fmt.Errorf("invalid RTC port range %d-%d", cfg.RTCPortRange.Min, cfg.RTCPortRange.Max)
	}

	return &LocalWorker{
		id:           id,
		cfg:          cfg,
		logger:       logger.With(zap.Int("worker", id)),
		fingerprints: fingerprints,
		routers:      make(map[string]*localRouter),
		nextPort:     cfg.RTCPortRange.Min,
	}, nil
}

// NewLocalPool starts cfg.NumWorkers local workers.
func NewLocalPool(cfg config.EngineConfig, logger *zap.Logger) (*Pool, error) {
	n := cfg.NumWorkers
	if n <= 0 {
		n = 1
	}

	workers := make([]Worker, 0, n)
	for i := 0; i < n; i++ {
		w, err := NewLocalWorker(i, cfg, logger)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}

	logger.Info("Engine workers started", zap.Int("count", n))
	return NewPool(workers...)
}

func (w *LocalWorker) ID() int {
	return w.id
}

func (w *LocalWorker) CreateRouter(ctx context.Context, codecs []string) (Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	caps := RTPCapabilities{}
	for _, mime := range codecs {
		codec, ok := codecCatalog[strings.ToLower(mime)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, mime)
		}
		caps.Codecs = append(caps.Codecs, codec)
	}
	if len(caps.Codecs) == 0 {
		return nil, fmt.Errorf("router needs at least one codec")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}

	r := &localRouter{
		id:         uuid.NewString(),
		worker:     w,
		caps:       caps,
		transports: make(map[string]*localTransport),
		producers:  make(map[string]*localProducer),
	}
	w.routers[r.id] = r

	w.logger.Debug("Router created", zap.String("router", r.id))
	return r, nil
}

func (w *LocalWorker) OnDied(fn func(error)) {
	w.mu.Lock()
	w.onDied = append(w.onDied, fn)
	w.mu.Unlock()
}

// Kill simulates a fatal worker failure.
func (w *LocalWorker) Kill(cause error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	handlers := append([]func(error){}, w.onDied...)
	w.mu.Unlock()

	w.logger.Error("Engine worker died", zap.Error(cause))
	w.Close()
	for _, fn := range handlers {
		fn(cause)
	}
}

func (w *LocalWorker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	routers := make([]*localRouter, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
}

func (w *LocalWorker) allocatePort() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()

	port := w.nextPort
	if w.nextPort >= w.cfg.RTCPortRange.Max {
		w.nextPort = w.cfg.RTCPortRange.Min
	} else {
		w.nextPort++
	}
	return port
}

func (w *LocalWorker) removeRouter(id string) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}

type localRouter struct {
	id     string
	worker *LocalWorker
	caps   RTPCapabilities

	mu         sync.Mutex
	transports map[string]*localTransport
	producers  map[string]*localProducer
	closed     bool
}

func (r *localRouter) ID() string {
	return r.id
}

func (r *localRouter) RTPCapabilities() RTPCapabilities {
	return r.caps
}

func (r *localRouter) CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := &localTransport{
		id:        uuid.NewString(),
		direction: opts.Direction,
		router:    r,
		logger:    r.worker.logger,
		state:     TransportStateNew,
		producers: make(map[string]*localProducer),
		consumers: make(map[string]*localConsumer),
	}
	t.params = TransportParams{
		ID:            t.id,
		ICEParameters: newICEParameters(),
		ICECandidates: []webrtc.ICECandidate{{
			Foundation: "udpcandidate",
			Priority:   1076302079,
			Address:    r.worker.cfg.AnnouncedIP,
			Protocol:   webrtc.ICEProtocolUDP,
			Port:       r.worker.allocatePort(),
			Typ:        webrtc.ICECandidateTypeHost,
			Component:  1,
		}},
		DTLSParameters: webrtc.DTLSParameters{
			Role:         webrtc.DTLSRoleAuto,
			Fingerprints: r.worker.fingerprints,
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	r.transports[t.id] = t
	return t, nil
}

func (r *localRouter) CanConsume(producerID string, caps RTPCapabilities) bool {
	p := r.lookupProducer(producerID)
	if p == nil || len(p.params.Codecs) == 0 {
		return false
	}
	_, ok := MatchCodec(p.params.Codecs[0], caps)
	return ok
}

func (r *localRouter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*localTransport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[string]*localTransport)
	r.mu.Unlock()

	for _, t := range transports {
		t.close(causeRouter)
	}
	r.worker.removeRouter(r.id)
}

func (r *localRouter) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *localRouter) addProducer(p *localProducer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	r.producers[p.id] = p
	return true
}

func (r *localRouter) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *localRouter) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *localRouter) lookupProducer(id string) *localProducer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producers[id]
}

func newICEParameters() webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		Password:         strings.ReplaceAll(uuid.NewString(), "-", ""),
		ICELite:          true,
	}
}
