package client

import (
	"context"

	"github.com/adityaadpandey/huddle/internals/audiograph"
	"github.com/adityaadpandey/huddle/internals/engine"
	"github.com/pion/webrtc/v3"
)

type TransportState string

const (
	TransportStateCreated      TransportState = "created"
	TransportStateConnecting   TransportState = "connecting"
	TransportStateConnected    TransportState = "connected"
	TransportStateFailed       TransportState = "failed"
	TransportStateDisconnected TransportState = "disconnected"
	TransportStateICERestarted TransportState = "ice-restarted"
	TransportStateClosed       TransportState = "closed"
)

// MediaTrack is anything a send transport can carry.
type MediaTrack interface {
	ID() string
}

// Device is the local WebRTC stack. It mirrors a mediasoup-client device:
// it is loaded with the router capabilities and builds transports from the
// parameters the server hands out.
type Device interface {
	Load(caps engine.RTPCapabilities) error
	Loaded() bool
	RTPCapabilities() engine.RTPCapabilities
	CanProduce(kind engine.MediaKind) bool
	Microphone(ctx context.Context) (audiograph.Source, error)
	CreateSendTransport(params engine.TransportParams) (SendTransport, error)
	CreateRecvTransport(params engine.TransportParams) (RecvTransport, error)
}

type LocalTransport interface {
	ID() string
	DTLSParameters() webrtc.DTLSParameters
	// RestartICE applies fresh remote ICE parameters.
	RestartICE(params webrtc.ICEParameters) error
	// OnStateChange may fire from any goroutine.
	OnStateChange(func(TransportState))
	Close()
}

type SendTransport interface {
	LocalTransport
	Produce(ctx context.Context, kind engine.MediaKind, track MediaTrack) (LocalProducer, error)
}

type RecvTransport interface {
	LocalTransport
	Consume(ctx context.Context, params ConsumeParams) (LocalConsumer, error)
}

type LocalProducer interface {
	Kind() engine.MediaKind
	RTPParameters() webrtc.RTPParameters
	Track() MediaTrack
	ReplaceTrack(ctx context.Context, track MediaTrack) error
	Close()
}

type ConsumeParams struct {
	ID            string
	ProducerID    string
	Kind          engine.MediaKind
	RTPParameters webrtc.RTPParameters
}

type LocalConsumer interface {
	ID() string
	ProducerID() string
	Kind() engine.MediaKind
	// Audio is the decoded audio of an audio consumer, nil for video.
	Audio() audiograph.Source
	Close()
}

// egress adapts the microphone producer to the media controller.
type egress struct {
	producer LocalProducer
}

func (e egress) ReplaceTrack(ctx context.Context, t *audiograph.Track) error {
	return e.producer.ReplaceTrack(ctx, t)
}
