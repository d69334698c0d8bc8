package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adityaadpandey/huddle/internals/engine"
	"github.com/pion/webrtc/v3"
)

type MessageType string

const (
	// Requests, answered with the same type and request id.
	MessageTypeCreateRoom      MessageType = "createRoom"
	MessageTypeJoin            MessageType = "join"
	MessageTypeLeave           MessageType = "leave"
	MessageTypeCreateTransport MessageType = "createWebRtcTransport"
	MessageTypeConnect         MessageType = "connectTransport"
	MessageTypeRestartICE      MessageType = "restartIce"
	MessageTypeProduce         MessageType = "produce"
	MessageTypeConsume         MessageType = "consume"
	MessageTypeResumeConsumer  MessageType = "resumeConsumer"

	// Notifications from the client.
	MessageTypeStopScreenSharing MessageType = "stopScreenSharing"
	MessageTypeMuteState         MessageType = "muteState"
	MessageTypeSpeaking          MessageType = "speaking"
	MessageTypeAudioState        MessageType = "audioState"

	// Broadcasts from the server. producerClosed is also a client notification.
	MessageTypePeerJoined            MessageType = "peerJoined"
	MessageTypePeerLeft              MessageType = "peerLeft"
	MessageTypeNewProducer           MessageType = "newProducer"
	MessageTypeProducerClosed        MessageType = "producerClosed"
	MessageTypeConsumerClosed        MessageType = "consumerClosed"
	MessageTypePeerMuteStateChanged  MessageType = "peerMuteStateChanged"
	MessageTypeSpeakingStateChanged  MessageType = "speakingStateChanged"
	MessageTypePeerAudioStateChanged MessageType = "peerAudioStateChanged"

	MessageTypeError MessageType = "error"
	MessageTypePing  MessageType = "ping"
	MessageTypePong  MessageType = "pong"
)

// Message is the envelope for every frame on the signaling channel. A
// response carries either Data or Error, never both.
type Message struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorMessage   `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type ErrorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorMessage) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// NewMessage builds an envelope around payload. A nil payload yields an
// empty Data field.
func NewMessage(t MessageType, requestID string, payload any) (Message, error) {
	msg := Message{
		Type:      t,
		RequestID: requestID,
		Timestamp: time.Now(),
	}
	if payload == nil {
		return msg, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	msg.Data = data
	return msg, nil
}

func NewErrorMessage(t MessageType, requestID string, code int, text string) Message {
	return Message{
		Type:      t,
		RequestID: requestID,
		Error:     &ErrorMessage{Code: code, Message: text},
		Timestamp: time.Now(),
	}
}

// Decode unmarshals the data field. Some browser clients send the payload
// double encoded as a JSON string, which is accepted as well.
func (m Message) Decode(out any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("missing %s payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, out); err != nil {
		var dataStr string
		if err2 := json.Unmarshal(m.Data, &dataStr); err2 != nil {
			return fmt.Errorf("not valid JSON: %w", err)
		}
		if err3 := json.Unmarshal([]byte(dataStr), out); err3 != nil {
			return fmt.Errorf("invalid inner JSON: %w", err3)
		}
	}
	return nil
}

type CreateRoomRequest struct {
	RoomID string `json:"roomId"`
}

type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
}

type JoinRequest struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
}

type PeerInfo struct {
	PeerID       string `json:"peerId"`
	Name         string `json:"name"`
	Muted        bool   `json:"muted"`
	AudioEnabled bool   `json:"audioEnabled"`
}

type ProducerInfo struct {
	ProducerID string           `json:"producerId"`
	PeerID     string           `json:"peerId"`
	Kind       engine.MediaKind `json:"kind"`
	MediaType  string           `json:"mediaType"`
}

type JoinResponse struct {
	PeerID            string                 `json:"peerId"`
	RTPCapabilities   engine.RTPCapabilities `json:"rtpCapabilities"`
	ExistingPeers     []PeerInfo             `json:"existingPeers"`
	ExistingProducers []ProducerInfo         `json:"existingProducers"`
}

type PeerLeft struct {
	PeerID string `json:"peerId"`
}

type CreateTransportRequest struct {
	Direction string `json:"direction,omitempty"`
}

type ConnectTransportRequest struct {
	TransportID    string                `json:"transportId"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type RestartICERequest struct {
	TransportID string `json:"transportId"`
}

type RestartICEResponse struct {
	ICEParameters webrtc.ICEParameters `json:"iceParameters"`
}

type ProduceRequest struct {
	TransportID   string               `json:"transportId"`
	Kind          engine.MediaKind     `json:"kind"`
	RTPParameters webrtc.RTPParameters `json:"rtpParameters"`
	MediaType     string               `json:"mediaType"`
	InitialMuted  bool                 `json:"initialMuted,omitempty"`
}

type ProduceResponse struct {
	ID string `json:"id"`
}

type ConsumeRequest struct {
	TransportID     string                 `json:"transportId"`
	ProducerID      string                 `json:"remoteProducerId"`
	RTPCapabilities engine.RTPCapabilities `json:"rtpCapabilities"`
}

type ConsumeResponse struct {
	ID             string               `json:"id"`
	ProducerID     string               `json:"producerId"`
	PeerID         string               `json:"peerId"`
	Kind           engine.MediaKind     `json:"kind"`
	RTPParameters  webrtc.RTPParameters `json:"rtpParameters"`
	MediaType      string               `json:"mediaType"`
	ProducerPaused bool                 `json:"producerPaused"`
}

type ResumeConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

type ProducerClosed struct {
	ProducerID string `json:"producerId"`
	PeerID     string `json:"peerId"`
	MediaType  string `json:"mediaType"`
}

type StopScreenSharing struct {
	ProducerID string `json:"producerId"`
}

type ConsumerClosed struct {
	ConsumerID string `json:"consumerId"`
	ProducerID string `json:"producerId"`
	PeerID     string `json:"peerId"`
}

type MuteState struct {
	Muted bool `json:"muted"`
}

type PeerMuteStateChanged struct {
	PeerID string `json:"peerId"`
	Muted  bool   `json:"muted"`
}

type SpeakingState struct {
	Speaking bool `json:"speaking"`
}

type SpeakingStateChanged struct {
	PeerID   string `json:"peerId"`
	Speaking bool   `json:"speaking"`
}

type AudioState struct {
	Enabled bool `json:"enabled"`
}

type PeerAudioStateChanged struct {
	PeerID  string `json:"peerId"`
	Enabled bool   `json:"enabled"`
}
