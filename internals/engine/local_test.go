package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adityaadpandey/huddle/internals/config"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		NumWorkers:   2,
		RTCPortRange: config.PortRange{Min: 40000, Max: 40002},
		AnnouncedIP:  "127.0.0.1",
		AudioCodecs:  []string{"audio/opus"},
		VideoCodecs:  []string{"video/VP8"},
	}
}

func opusParams() webrtc.RTPParameters {
	return webrtc.RTPParameters{Codecs: []webrtc.RTPCodecParameters{{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}}}
}

func vp8Params() webrtc.RTPParameters {
	return webrtc.RTPParameters{Codecs: []webrtc.RTPCodecParameters{{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}}}
}

func remoteDTLS() webrtc.DTLSParameters {
	return webrtc.DTLSParameters{
		Role:         webrtc.DTLSRoleClient,
		Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
	}
}

func newTestRouter(t *testing.T) Router {
	t.Helper()
	cfg := testEngineConfig()
	w, err := NewLocalWorker(0, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(w.Close)

	r, err := w.CreateRouter(context.Background(), append(cfg.AudioCodecs, cfg.VideoCodecs...))
	require.NoError(t, err)
	return r
}

func newConnectedTransport(t *testing.T, r Router) Transport {
	t.Helper()
	tr, err := r.CreateWebRtcTransport(context.Background(), TransportOptions{Direction: "send"})
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background(), remoteDTLS()))
	return tr
}

func TestPoolRoundRobin(t *testing.T) {
	pool, err := NewLocalPool(testEngineConfig(), zap.NewNop())
	require.NoError(t, err)
	defer pool.Close()

	assert.Equal(t, 2, pool.Size())
	assert.Equal(t, 0, pool.Next().ID())
	assert.Equal(t, 1, pool.Next().ID())
	assert.Equal(t, 0, pool.Next().ID())

	_, err = NewPool()
	assert.Error(t, err)
}

func TestCreateRouterRejectsUnknownCodec(t *testing.T) {
	w, err := NewLocalWorker(0, testEngineConfig(), zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	_, err = w.CreateRouter(context.Background(), []string{"audio/opus", "video/AV2"})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestTransportParams(t *testing.T) {
	r := newTestRouter(t)

	tr, err := r.CreateWebRtcTransport(context.Background(), TransportOptions{Direction: "recv"})
	require.NoError(t, err)

	params := tr.Params()
	assert.Equal(t, tr.ID(), params.ID)
	assert.Len(t, params.ICEParameters.UsernameFragment, 16)
	assert.NotEmpty(t, params.ICEParameters.Password)
	require.Len(t, params.ICECandidates, 1)
	assert.Equal(t, "127.0.0.1", params.ICECandidates[0].Address)
	assert.NotEmpty(t, params.DTLSParameters.Fingerprints)
	assert.Equal(t, TransportStateNew, tr.State())
}

func TestTransportConnect(t *testing.T) {
	r := newTestRouter(t)
	tr, err := r.CreateWebRtcTransport(context.Background(), TransportOptions{})
	require.NoError(t, err)

	assert.ErrorIs(t, tr.Connect(context.Background(), webrtc.DTLSParameters{}), ErrInvalidDTLS)
	require.NoError(t, tr.Connect(context.Background(), remoteDTLS()))
	assert.Equal(t, TransportStateConnected, tr.State())
	assert.ErrorIs(t, tr.Connect(context.Background(), remoteDTLS()), ErrAlreadyConnected)

	tr.Close()
	assert.True(t, tr.Closed())
	assert.ErrorIs(t, tr.Connect(context.Background(), remoteDTLS()), ErrClosed)
}

func TestRestartICERotatesCredentials(t *testing.T) {
	r := newTestRouter(t)
	tr := newConnectedTransport(t, r)

	before := tr.Params().ICEParameters
	after, err := tr.RestartICE(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, before.UsernameFragment, after.UsernameFragment)
	assert.Equal(t, after, tr.Params().ICEParameters)
}

func TestProduceValidatesCodec(t *testing.T) {
	r := newTestRouter(t)
	tr := newConnectedTransport(t, r)

	_, err := tr.Produce(context.Background(), ProducerOptions{Kind: "data", RTPParameters: opusParams()})
	assert.ErrorIs(t, err, ErrInvalidKind)

	_, err = tr.Produce(context.Background(), ProducerOptions{Kind: KindVideo, RTPParameters: opusParams()})
	assert.ErrorIs(t, err, ErrInvalidKind)

	h264 := webrtc.RTPParameters{Codecs: []webrtc.RTPCodecParameters{{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
	}}}
	_, err = tr.Produce(context.Background(), ProducerOptions{Kind: KindVideo, RTPParameters: h264})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestForwardingAndKeyFrameOnResume(t *testing.T) {
	r := newTestRouter(t)
	send := newConnectedTransport(t, r)
	recv := newConnectedTransport(t, r)

	p, err := send.Produce(context.Background(), ProducerOptions{Kind: KindVideo, RTPParameters: vp8Params(), MediaType: "webcam"})
	require.NoError(t, err)

	caps := r.RTPCapabilities()
	assert.True(t, r.CanConsume(p.ID(), caps))

	c, err := recv.Consume(context.Background(), ConsumerOptions{ProducerID: p.ID(), RTPCapabilities: caps, Paused: true})
	require.NoError(t, err)
	assert.True(t, c.Paused())
	assert.Equal(t, p.ID(), c.ProducerID())

	// Paused consumers miss packets.
	require.NoError(t, p.WriteRTP(&rtp.Packet{Header: rtp.Header{SSRC: 1234, SequenceNumber: 1}}))

	require.NoError(t, c.Resume(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	pkts, err := p.ReadRTCP(ctx)
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	pli, ok := pkts[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	assert.Equal(t, uint32(1234), pli.MediaSSRC)

	require.NoError(t, p.WriteRTP(&rtp.Packet{Header: rtp.Header{SSRC: 1234, SequenceNumber: 2}, Payload: []byte{1, 2}}))
	got, err := c.ReadRTP(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), got.SequenceNumber)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.PacketsReceived)
	assert.Equal(t, uint64(1), stats.PacketsForwarded)
	assert.Equal(t, uint64(1), stats.PacketsDropped)
	assert.Equal(t, uint64(1), stats.KeyFrameRequests)
}

func TestCannotConsumeWithoutMatchingCodec(t *testing.T) {
	r := newTestRouter(t)
	send := newConnectedTransport(t, r)
	recv := newConnectedTransport(t, r)

	p, err := send.Produce(context.Background(), ProducerOptions{Kind: KindAudio, RTPParameters: opusParams()})
	require.NoError(t, err)

	videoOnly := RTPCapabilities{Codecs: vp8Params().Codecs}
	assert.False(t, r.CanConsume(p.ID(), videoOnly))
	assert.False(t, r.CanConsume("missing", r.RTPCapabilities()))

	_, err = recv.Consume(context.Background(), ConsumerOptions{ProducerID: p.ID(), RTPCapabilities: videoOnly})
	assert.ErrorIs(t, err, ErrCannotConsume)

	_, err = recv.Consume(context.Background(), ConsumerOptions{ProducerID: "missing", RTPCapabilities: r.RTPCapabilities()})
	assert.ErrorIs(t, err, ErrProducerNotFound)
}

func TestCloseCascades(t *testing.T) {
	r := newTestRouter(t)
	send := newConnectedTransport(t, r)
	recv := newConnectedTransport(t, r)

	p, err := send.Produce(context.Background(), ProducerOptions{Kind: KindAudio, RTPParameters: opusParams()})
	require.NoError(t, err)
	c, err := recv.Consume(context.Background(), ConsumerOptions{ProducerID: p.ID(), RTPCapabilities: r.RTPCapabilities()})
	require.NoError(t, err)

	var producerTransportClosed, consumerProducerClosed atomic.Bool
	p.OnTransportClose(func() { producerTransportClosed.Store(true) })
	c.OnProducerClose(func() { consumerProducerClosed.Store(true) })

	send.Close()

	assert.True(t, p.Closed())
	assert.True(t, producerTransportClosed.Load())
	assert.True(t, c.Closed())
	assert.True(t, consumerProducerClosed.Load())
	assert.False(t, r.CanConsume(p.ID(), r.RTPCapabilities()))
	assert.ErrorIs(t, p.WriteRTP(&rtp.Packet{}), ErrClosed)
}

func TestExplicitProducerCloseDoesNotFireTransportClose(t *testing.T) {
	r := newTestRouter(t)
	send := newConnectedTransport(t, r)

	p, err := send.Produce(context.Background(), ProducerOptions{Kind: KindAudio, RTPParameters: opusParams()})
	require.NoError(t, err)

	var fired atomic.Bool
	p.OnTransportClose(func() { fired.Store(true) })
	p.Close()
	p.Close()

	assert.True(t, p.Closed())
	assert.False(t, fired.Load())
}

func TestRouterCloseNotifiesTransports(t *testing.T) {
	r := newTestRouter(t)
	tr := newConnectedTransport(t, r)

	var fired atomic.Bool
	tr.OnRouterClose(func() { fired.Store(true) })

	r.Close()
	assert.True(t, r.Closed())
	assert.True(t, tr.Closed())
	assert.True(t, fired.Load())

	_, err := r.CreateWebRtcTransport(context.Background(), TransportOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWorkerKillFiresDied(t *testing.T) {
	w, err := NewLocalWorker(3, testEngineConfig(), zap.NewNop())
	require.NoError(t, err)

	pool, err := NewPool(w)
	require.NoError(t, err)

	died := make(chan int, 1)
	pool.OnWorkerDied(func(w Worker, err error) { died <- w.ID() })

	r, err := w.CreateRouter(context.Background(), []string{"audio/opus"})
	require.NoError(t, err)

	w.Kill(assert.AnError)
	assert.Equal(t, 3, <-died)
	assert.True(t, r.Closed())
}

func TestMatchCodec(t *testing.T) {
	caps := RTPCapabilities{Codecs: append(opusParams().Codecs, vp8Params().Codecs...)}

	lower := webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: "video/vp8", ClockRate: 90000}}
	got, ok := MatchCodec(lower, caps)
	require.True(t, ok)
	assert.Equal(t, webrtc.MimeTypeVP8, got.MimeType)

	mono := webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1}}
	_, ok = MatchCodec(mono, caps)
	assert.False(t, ok)

	assert.Equal(t, KindAudio, KindOfMime("audio/opus"))
	assert.Equal(t, KindVideo, KindOfMime("Video/H264"))
	assert.Equal(t, MediaKind(""), KindOfMime("application/data"))
}
