package sfu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adityaadpandey/huddle/internals/metrics"
	"github.com/adityaadpandey/huddle/internals/registry"
	"github.com/adityaadpandey/huddle/internals/signaling"
	"go.uber.org/zap"
)

// --- Signaling message handling ---

func (s *SFU) handleSignalingMessage(client *signaling.Client, message signaling.Message) {
	start := time.Now()
	defer func() {
		metrics.RequestDurationMs.WithLabelValues(string(message.Type)).
			Observe(float64(time.Since(start).Microseconds()) / 1000)
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.config.Signaling.RequestTimeout)
	defer cancel()

	var err error
	switch message.Type {
	case signaling.MessageTypeCreateRoom:
		err = s.handleCreateRoom(ctx, client, message)
	case signaling.MessageTypeJoin:
		err = s.handleJoin(ctx, client, message)
	case signaling.MessageTypeLeave:
		s.deliver(s.registry.Leave(client.ID))
		s.ack(client, message)
	case signaling.MessageTypeCreateTransport:
		err = s.handleCreateTransport(ctx, client, message)
	case signaling.MessageTypeConnect:
		err = s.handleConnectTransport(ctx, client, message)
	case signaling.MessageTypeRestartICE:
		err = s.handleRestartICE(ctx, client, message)
	case signaling.MessageTypeProduce:
		err = s.handleProduce(ctx, client, message)
	case signaling.MessageTypeConsume:
		err = s.handleConsume(ctx, client, message)
	case signaling.MessageTypeResumeConsumer:
		err = s.handleResumeConsumer(ctx, client, message)
	case signaling.MessageTypeProducerClosed:
		err = s.handleProducerClosed(client, message)
	case signaling.MessageTypeStopScreenSharing:
		err = s.handleStopScreenSharing(client, message)
	case signaling.MessageTypeMuteState:
		err = s.handleMuteState(client, message)
	case signaling.MessageTypeSpeaking:
		err = s.handleSpeaking(client, message)
	case signaling.MessageTypeAudioState:
		err = s.handleAudioState(client, message)
	case signaling.MessageTypePong:
		// no-op
	default:
		s.logger.Debug("Unknown message type", zap.String("type", string(message.Type)))
		err = &registry.Error{Kind: registry.KindInvalid, Message: "Unknown message type"}
	}

	if err != nil {
		s.fail(client, message, err)
	}
}

// fail reports err to the client. Only the error's public message is sent.
func (s *SFU) fail(client *signaling.Client, message signaling.Message, err error) {
	kind := registry.KindOf(err)
	metrics.RecordRequestError(kind.String())

	fields := []zap.Field{
		zap.String("clientID", client.ID),
		zap.String("type", string(message.Type)),
		zap.Error(err),
	}
	if kind == registry.KindInternal {
		s.logger.Error("Request failed", fields...)
	} else {
		s.logger.Debug("Request rejected", fields...)
	}

	if message.RequestID == "" {
		client.SendError(kind.Code(), errorText(err))
		return
	}
	client.RespondError(message, kind.Code(), errorText(err))
}

func errorText(err error) string {
	var e *registry.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Internal error"
}

// ack answers a notification that carried a request id.
func (s *SFU) ack(client *signaling.Client, message signaling.Message) {
	if message.RequestID != "" {
		client.Respond(message, message.Type, nil)
	}
}

func decode(message signaling.Message, out any) error {
	if err := message.Decode(out); err != nil {
		return &registry.Error{
			Kind:    registry.KindInvalid,
			Message: fmt.Sprintf("Invalid %s message format", message.Type),
			Err:     err,
		}
	}
	return nil
}

func (s *SFU) validateID(id string, maxLen int, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d", fieldName, maxLen)
	}
	if !safeIDPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	return nil
}

func (s *SFU) validateRoomID(roomID string) error {
	if err := s.validateID(roomID, s.config.Signaling.MaxRoomIDLength, "roomId"); err != nil {
		return &registry.Error{Kind: registry.KindInvalid, Message: err.Error()}
	}
	return nil
}

func (s *SFU) handleCreateRoom(ctx context.Context, client *signaling.Client, message signaling.Message) error {
	var req signaling.CreateRoomRequest
	if err := decode(message, &req); err != nil {
		return err
	}
	if err := s.validateRoomID(req.RoomID); err != nil {
		return err
	}
	if err := s.registry.CreateRoom(ctx, req.RoomID); err != nil {
		return err
	}
	client.Respond(message, message.Type, signaling.CreateRoomResponse{RoomID: req.RoomID})
	return nil
}

func (s *SFU) handleJoin(ctx context.Context, client *signaling.Client, message signaling.Message) error {
	var req signaling.JoinRequest
	if err := decode(message, &req); err != nil {
		return err
	}
	if err := s.validateRoomID(req.RoomID); err != nil {
		return err
	}
	req.Name = strings.TrimSpace(req.Name)
	if len(req.Name) > s.config.Signaling.MaxNameLength {
		return &registry.Error{
			Kind:    registry.KindInvalid,
			Message: fmt.Sprintf("name exceeds maximum length of %d", s.config.Signaling.MaxNameLength),
		}
	}

	resp, events, err := s.registry.Join(ctx, client.ID, req.RoomID, req.Name)
	if err != nil {
		return err
	}
	client.Respond(message, message.Type, resp)
	s.deliver(events)
	return nil
}

func (s *SFU) handleCreateTransport(ctx context.Context, client *signaling.Client, message signaling.Message) error {
	var req signaling.CreateTransportRequest
	if len(message.Data) > 0 {
		if err := decode(message, &req); err != nil {
			return err
		}
	}
	params, err := s.registry.CreateTransport(ctx, client.ID, req.Direction)
	if err != nil {
		return err
	}
	client.Respond(message, message.Type, params)
	return nil
}

func (s *SFU) handleConnectTransport(ctx context.Context, client *signaling.Client, message signaling.Message) error {
	var req signaling.ConnectTransportRequest
	if err := decode(message, &req); err != nil {
		return err
	}
	if err := s.registry.ConnectTransport(ctx, client.ID, req.TransportID, req.DTLSParameters); err != nil {
		return err
	}
	s.ack(client, message)
	return nil
}

func (s *SFU) handleRestartICE(ctx context.Context, client *signaling.Client, message signaling.Message) error {
	var req signaling.RestartICERequest
	if err := decode(message, &req); err != nil {
		return err
	}
	params, err := s.registry.RestartICE(ctx, client.ID, req.TransportID)
	if err != nil {
		return err
	}
	client.Respond(message, message.Type, signaling.RestartICEResponse{ICEParameters: params})
	return nil
}

func (s *SFU) handleProduce(ctx context.Context, client *signaling.Client, message signaling.Message) error {
	var req signaling.ProduceRequest
	if err := decode(message, &req); err != nil {
		return err
	}
	id, events, err := s.registry.Produce(ctx, client.ID, req)
	if err != nil {
		return err
	}
	client.Respond(message, message.Type, signaling.ProduceResponse{ID: id})
	s.deliver(events)
	return nil
}

func (s *SFU) handleConsume(ctx context.Context, client *signaling.Client, message signaling.Message) error {
	var req signaling.ConsumeRequest
	if err := decode(message, &req); err != nil {
		return err
	}
	resp, err := s.registry.Consume(ctx, client.ID, req)
	if err != nil {
		return err
	}
	client.Respond(message, message.Type, resp)
	return nil
}

func (s *SFU) handleResumeConsumer(ctx context.Context, client *signaling.Client, message signaling.Message) error {
	var req signaling.ResumeConsumerRequest
	if err := decode(message, &req); err != nil {
		return err
	}
	if err := s.registry.ResumeConsumer(ctx, client.ID, req.ConsumerID); err != nil {
		return err
	}
	s.ack(client, message)
	return nil
}

func (s *SFU) handleProducerClosed(client *signaling.Client, message signaling.Message) error {
	var req signaling.ProducerClosed
	if err := decode(message, &req); err != nil {
		return err
	}
	events, err := s.registry.CloseProducer(client.ID, req.ProducerID)
	if err != nil {
		return err
	}
	s.ack(client, message)
	s.deliver(events)
	return nil
}

func (s *SFU) handleStopScreenSharing(client *signaling.Client, message signaling.Message) error {
	var req signaling.StopScreenSharing
	if err := decode(message, &req); err != nil {
		return err
	}
	events, err := s.registry.StopScreenSharing(client.ID, req.ProducerID)
	if err != nil {
		return err
	}
	s.ack(client, message)
	s.deliver(events)
	return nil
}

func (s *SFU) handleMuteState(client *signaling.Client, message signaling.Message) error {
	var req signaling.MuteState
	if err := decode(message, &req); err != nil {
		return err
	}
	events, err := s.registry.SetMuted(client.ID, req.Muted)
	if err != nil {
		return err
	}
	s.ack(client, message)
	s.deliver(events)
	return nil
}

func (s *SFU) handleSpeaking(client *signaling.Client, message signaling.Message) error {
	var req signaling.SpeakingState
	if err := decode(message, &req); err != nil {
		return err
	}
	events, err := s.registry.SetSpeaking(client.ID, req.Speaking)
	if err != nil {
		return err
	}
	s.ack(client, message)
	s.deliver(events)
	return nil
}

func (s *SFU) handleAudioState(client *signaling.Client, message signaling.Message) error {
	var req signaling.AudioState
	if err := decode(message, &req); err != nil {
		return err
	}
	events, err := s.registry.SetAudioOutputEnabled(client.ID, req.Enabled)
	if err != nil {
		return err
	}
	s.ack(client, message)
	s.deliver(events)
	return nil
}
