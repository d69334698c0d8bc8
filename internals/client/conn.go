// Package client is the participant side of a call: the signaling
// connection, the transport and producer lifecycle, and the state mirror of
// the other peers.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/adityaadpandey/huddle/internals/registry"
	"github.com/adityaadpandey/huddle/internals/signaling"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrConnClosed = errors.New("signaling connection closed")

type Handler func(signaling.Message)

// Conn is a signaling connection. Responses are matched to requests by
// request id; every other message is dispatched in arrival order on a
// single goroutine.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan signaling.Message

	handlersMu sync.RWMutex
	handlers   map[signaling.MessageType]Handler

	queueMu sync.Mutex
	queue   []signaling.Message
	wake    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

type DialConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Header          http.Header
}

func DefaultDialConfig() DialConfig {
	return DialConfig{
		MaxRetries:      5,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Dial connects to the signaling endpoint, retrying with exponential
// backoff. Handshake rejections are not retried.
func Dial(ctx context.Context, url string, cfg DialConfig, logger *zap.Logger) (*Conn, error) {
	newBackoff := func() backoff.BackOff {
		ebo := backoff.NewExponentialBackOff()
		if cfg.InitialInterval > 0 {
			ebo.InitialInterval = cfg.InitialInterval
		}
		if cfg.MaxInterval > 0 {
			ebo.MaxInterval = cfg.MaxInterval
		}
		ebo.Reset()
		if cfg.MaxRetries > 0 {
			return backoff.WithMaxRetries(ebo, cfg.MaxRetries)
		}
		return ebo
	}

	var ws *websocket.Conn
	attempt := 0
	op := func() error {
		attempt++
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, cfg.Header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("handshake rejected with %d: %w", resp.StatusCode, err))
			}
			logger.Debug("Signaling dial failed",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		ws = conn
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(newBackoff(), ctx)); err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	logger.Info("Signaling connected", zap.String("url", url), zap.Int("attempts", attempt))
	return NewConn(ws, logger), nil
}

// NewConn takes over ws and starts its read and dispatch loops.
func NewConn(ws *websocket.Conn, logger *zap.Logger) *Conn {
	c := &Conn{
		ws:       ws,
		logger:   logger,
		pending:  make(map[string]chan signaling.Message),
		handlers: make(map[signaling.MessageType]Handler),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c
}

// Handle sets the handler for a broadcast type. Handlers run on the
// dispatch goroutine and may issue requests.
func (c *Conn) Handle(t signaling.MessageType, h Handler) {
	c.handlersMu.Lock()
	c.handlers[t] = h
	c.handlersMu.Unlock()
}

func (c *Conn) readLoop() {
	for {
		var msg signaling.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.shutdown(err)
			return
		}

		if msg.RequestID != "" {
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.RequestID]
			delete(c.pending, msg.RequestID)
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
				continue
			}
		}

		c.queueMu.Lock()
		c.queue = append(c.queue, msg)
		c.queueMu.Unlock()
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

func (c *Conn) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			c.queueMu.Lock()
			if len(c.queue) == 0 {
				c.queueMu.Unlock()
				break
			}
			msg := c.queue[0]
			c.queue = c.queue[1:]
			c.queueMu.Unlock()

			c.handlersMu.RLock()
			h := c.handlers[msg.Type]
			c.handlersMu.RUnlock()

			switch {
			case h != nil:
				h(msg)
			case msg.Type == signaling.MessageTypeError && msg.Error != nil:
				c.logger.Warn("Server error", zap.Int("code", msg.Error.Code), zap.String("message", msg.Error.Message))
			default:
				c.logger.Debug("Unhandled message", zap.String("type", string(msg.Type)))
			}
		}
	}
}

func (c *Conn) write(msg signaling.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(msg)
}

// Request sends req and decodes the answer into resp, which may be nil.
// Error answers come back as *registry.Error so callers can match the
// registry sentinels with errors.Is.
func (c *Conn) Request(ctx context.Context, t signaling.MessageType, req, resp any) error {
	id := uuid.NewString()
	msg, err := signaling.NewMessage(t, id, req)
	if err != nil {
		return err
	}

	ch := make(chan signaling.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	case answer := <-ch:
		if answer.Error != nil {
			return &registry.Error{
				Kind:    registry.KindFromCode(answer.Error.Code),
				Message: answer.Error.Message,
			}
		}
		if resp == nil || len(answer.Data) == 0 {
			return nil
		}
		return answer.Decode(resp)
	}
}

// Notify sends a message that expects no answer.
func (c *Conn) Notify(t signaling.MessageType, payload any) error {
	msg, err := signaling.NewMessage(t, "", payload)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.ws.Close()
	})
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown(ErrConnClosed)
	return nil
}
