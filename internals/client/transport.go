package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adityaadpandey/huddle/internals/signaling"
	"go.uber.org/zap"
)

// ErrRejoinRequired is reported when a failed transport could not be
// recovered by an ICE restart. The call must be left and joined again.
var ErrRejoinRequired = errors.New("ice restart failed, rejoin required")

const restartTimeout = 10 * time.Second

// transport tracks one negotiated transport:
// created → connecting → connected → failed|disconnected → ice-restarted →
// connected, or closed from anywhere.
type transport struct {
	direction string
	local     LocalTransport
	conn      *Conn
	logger    *zap.Logger
	onFatal   func(error)

	mu         sync.Mutex
	state      TransportState
	restarting bool
	gaveUp     bool
	restarts   int
	done       chan struct{}
}

func newTransport(direction string, local LocalTransport, conn *Conn, logger *zap.Logger, onFatal func(error)) *transport {
	t := &transport{
		direction: direction,
		local:     local,
		conn:      conn,
		logger:    logger.With(zap.String("transportID", local.ID()), zap.String("direction", direction)),
		onFatal:   onFatal,
		state:     TransportStateCreated,
		done:      make(chan struct{}),
	}
	local.OnStateChange(t.handleState)
	return t
}

func (t *transport) ID() string {
	return t.local.ID()
}

func (t *transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// connect sends our DTLS parameters to the server.
func (t *transport) connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == TransportStateClosed {
		t.mu.Unlock()
		return ErrTransportGone
	}
	t.state = TransportStateConnecting
	t.mu.Unlock()

	err := t.conn.Request(ctx, signaling.MessageTypeConnect, signaling.ConnectTransportRequest{
		TransportID:    t.ID(),
		DTLSParameters: t.local.DTLSParameters(),
	}, nil)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.state == TransportStateConnecting {
		t.state = TransportStateConnected
	}
	t.mu.Unlock()
	return nil
}

func (t *transport) handleState(s TransportState) {
	t.mu.Lock()
	if t.state == TransportStateClosed {
		t.mu.Unlock()
		return
	}

	switch s {
	case TransportStateConnected:
		if t.state == TransportStateICERestarted {
			t.logger.Info("Transport recovered after ICE restart")
		}
		t.state = TransportStateConnected
		t.mu.Unlock()

	case TransportStateFailed, TransportStateDisconnected:
		prev := t.state
		t.state = s
		// One restart per failure; a failed restart is not retried.
		if t.restarting || t.gaveUp {
			t.mu.Unlock()
			return
		}
		if prev == TransportStateICERestarted {
			// Lost again before the restarted ICE session connected.
			t.gaveUp = true
			t.mu.Unlock()

			t.logger.Error("Transport lost after ICE restart", zap.String("state", string(s)))
			if t.onFatal != nil {
				t.onFatal(ErrRejoinRequired)
			}
			return
		}
		t.restarting = true
		t.mu.Unlock()

		t.logger.Warn("Transport lost, restarting ICE", zap.String("state", string(s)))
		go t.restartICE()

	case TransportStateClosed:
		t.state = TransportStateClosed
		t.mu.Unlock()

	default:
		t.state = s
		t.mu.Unlock()
	}
}

func (t *transport) restartICE() {
	ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
	defer cancel()
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var resp signaling.RestartICEResponse
	err := t.conn.Request(ctx, signaling.MessageTypeRestartICE, signaling.RestartICERequest{TransportID: t.ID()}, &resp)
	if err == nil {
		err = t.local.RestartICE(resp.ICEParameters)
	}

	t.mu.Lock()
	if t.state == TransportStateClosed {
		t.mu.Unlock()
		return
	}
	if err != nil {
		t.gaveUp = true
		t.restarting = false
		t.mu.Unlock()

		t.logger.Error("ICE restart failed", zap.Error(err))
		if t.onFatal != nil {
			t.onFatal(ErrRejoinRequired)
		}
		return
	}
	t.restarts++
	t.restarting = false
	if t.state == TransportStateFailed || t.state == TransportStateDisconnected {
		t.state = TransportStateICERestarted
	}
	t.mu.Unlock()

	t.logger.Info("ICE restarted")
}

func (t *transport) Restarts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}

func (t *transport) close() {
	t.mu.Lock()
	if t.state == TransportStateClosed {
		t.mu.Unlock()
		return
	}
	t.state = TransportStateClosed
	close(t.done)
	t.mu.Unlock()

	t.local.Close()
}
