// Package engine is the boundary to the media engine that terminates ICE/DTLS
// and routes RTP. The object model follows mediasoup: workers host routers,
// routers host WebRTC transports, transports host producers and consumers.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/adityaadpandey/huddle/internals/media"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

type TransportState string

const (
	TransportStateNew        TransportState = "new"
	TransportStateConnecting TransportState = "connecting"
	TransportStateConnected  TransportState = "connected"
	TransportStateClosed     TransportState = "closed"
)

// RTPCapabilities describes what a router can route or what an endpoint can
// decode.
type RTPCapabilities struct {
	Codecs           []webrtc.RTPCodecParameters          `json:"codecs"`
	HeaderExtensions []webrtc.RTPHeaderExtensionParameter `json:"headerExtensions,omitempty"`
}

// TransportParams are handed to the client so it can build its side of a
// transport.
type TransportParams struct {
	ID             string                `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type TransportOptions struct {
	Direction string
}

type ProducerOptions struct {
	Kind          MediaKind
	RTPParameters webrtc.RTPParameters
	MediaType     string
}

type ConsumerOptions struct {
	ProducerID      string
	RTPCapabilities RTPCapabilities
	Paused          bool
}

type Worker interface {
	ID() int
	CreateRouter(ctx context.Context, codecs []string) (Router, error)
	// OnDied registers a handler for fatal worker failure. The process is
	// expected to exit; routers of a dead worker are unusable.
	OnDied(func(error))
	Close()
}

type Router interface {
	ID() string
	RTPCapabilities() RTPCapabilities
	CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	CanConsume(producerID string, caps RTPCapabilities) bool
	Close()
	Closed() bool
}

type Transport interface {
	ID() string
	Params() TransportParams
	State() TransportState
	Connect(ctx context.Context, remote webrtc.DTLSParameters) error
	RestartICE(ctx context.Context) (webrtc.ICEParameters, error)
	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
	// OnRouterClose fires when the owning router closes the transport.
	OnRouterClose(func())
	Close()
	Closed() bool
}

type Producer interface {
	ID() string
	Kind() MediaKind
	MediaType() string
	RTPParameters() webrtc.RTPParameters
	WriteRTP(pkt *rtp.Packet) error
	ReadRTCP(ctx context.Context) ([]rtcp.Packet, error)
	Stats() media.Stats
	// OnTransportClose fires when the producer closes because its transport
	// closed.
	OnTransportClose(func())
	Close()
	Closed() bool
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RTPParameters() webrtc.RTPParameters
	Paused() bool
	Resume(ctx context.Context) error
	ReadRTP(ctx context.Context) (*rtp.Packet, error)
	OnProducerClose(func())
	OnTransportClose(func())
	Close()
	Closed() bool
}

var (
	ErrClosed           = fmt.Errorf("engine object is closed")
	ErrUnsupportedCodec = fmt.Errorf("codec not supported by router")
	ErrInvalidKind      = fmt.Errorf("invalid media kind")
	ErrAlreadyConnected = fmt.Errorf("transport already connected")
	ErrInvalidDTLS      = fmt.Errorf("invalid DTLS parameters")
	ErrCannotConsume    = fmt.Errorf("cannot consume producer with given capabilities")
	ErrProducerNotFound = fmt.Errorf("producer not found on router")
)

// MatchCodec returns the first codec in caps that can carry the given codec.
func MatchCodec(codec webrtc.RTPCodecParameters, caps RTPCapabilities) (webrtc.RTPCodecParameters, bool) {
	for _, c := range caps.Codecs {
		if !strings.EqualFold(c.MimeType, codec.MimeType) || c.ClockRate != codec.ClockRate {
			continue
		}
		if codec.Channels != 0 && c.Channels != 0 && c.Channels != codec.Channels {
			continue
		}
		return c, true
	}
	return webrtc.RTPCodecParameters{}, false
}

// KindOfMime derives the media kind from a codec mime type such as audio/opus.
func KindOfMime(mime string) MediaKind {
	switch {
	case strings.HasPrefix(strings.ToLower(mime), "audio/"):
		return KindAudio
	case strings.HasPrefix(strings.ToLower(mime), "video/"):
		return KindVideo
	}
	return ""
}
