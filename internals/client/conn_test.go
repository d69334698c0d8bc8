package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adityaadpandey/huddle/internals/registry"
	"github.com/adityaadpandey/huddle/internals/signaling"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedServer upgrades every connection and hands each incoming message
// to serve.
func scriptedServer(t *testing.T, serve func(ws *websocket.Conn, msg signaling.Message)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var msg signaling.Message
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			serve(ws, msg)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, srv *httptest.Server) *Conn {
	t.Helper()
	conn, err := Dial(context.Background(), wsURL(srv), DefaultDialConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func reply(ws *websocket.Conn, req signaling.Message, payload any) {
	msg, _ := signaling.NewMessage(req.Type, req.RequestID, payload)
	ws.WriteJSON(msg)
}

func TestRequestMatchesAnswers(t *testing.T) {
	var mu sync.Mutex
	var held []signaling.Message

	// Answers arrive in reverse order of the requests.
	srv := scriptedServer(t, func(ws *websocket.Conn, msg signaling.Message) {
		mu.Lock()
		defer mu.Unlock()
		held = append(held, msg)
		if len(held) < 2 {
			return
		}
		for i := len(held) - 1; i >= 0; i-- {
			var req signaling.CreateRoomRequest
			held[i].Decode(&req)
			reply(ws, held[i], signaling.CreateRoomResponse{RoomID: req.RoomID})
		}
		held = nil
	})
	conn := dialTest(t, srv)

	var wg sync.WaitGroup
	for _, id := range []string{"first", "second"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			var resp signaling.CreateRoomResponse
			err := conn.Request(context.Background(), signaling.MessageTypeCreateRoom, signaling.CreateRoomRequest{RoomID: id}, &resp)
			assert.NoError(t, err)
			assert.Equal(t, id, resp.RoomID)
		}(id)
	}
	wg.Wait()
}

func TestRequestErrorMatchesRegistrySentinel(t *testing.T) {
	srv := scriptedServer(t, func(ws *websocket.Conn, msg signaling.Message) {
		ws.WriteJSON(signaling.NewErrorMessage(msg.Type, msg.RequestID, 404, "Room not found"))
	})
	conn := dialTest(t, srv)

	err := conn.Request(context.Background(), signaling.MessageTypeJoin, signaling.JoinRequest{RoomID: "r", Name: "a"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrRoomNotFound)
	assert.Equal(t, registry.KindNotFound, registry.KindOf(err))
}

func TestRequestHonorsContext(t *testing.T) {
	srv := scriptedServer(t, func(*websocket.Conn, signaling.Message) {})
	conn := dialTest(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := conn.Request(ctx, signaling.MessageTypeJoin, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroadcastsDispatchedInOrder(t *testing.T) {
	srv := scriptedServer(t, func(ws *websocket.Conn, msg signaling.Message) {
		for _, id := range []string{"p1", "p2", "p3"} {
			ev, _ := signaling.NewMessage(signaling.MessageTypeNewProducer, "", signaling.ProducerInfo{ProducerID: id})
			ws.WriteJSON(ev)
		}
	})
	conn := dialTest(t, srv)

	got := make(chan string, 3)
	conn.Handle(signaling.MessageTypeNewProducer, func(msg signaling.Message) {
		var info signaling.ProducerInfo
		msg.Decode(&info)
		got <- info.ProducerID
	})
	require.NoError(t, conn.Notify(signaling.MessageTypeSpeaking, signaling.SpeakingState{Speaking: true}))

	for _, want := range []string{"p1", "p2", "p3"} {
		select {
		case id := <-got:
			assert.Equal(t, want, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestHandlerMayIssueRequests(t *testing.T) {
	srv := scriptedServer(t, func(ws *websocket.Conn, msg signaling.Message) {
		switch msg.Type {
		case signaling.MessageTypeSpeaking:
			ev, _ := signaling.NewMessage(signaling.MessageTypePeerJoined, "", signaling.PeerInfo{PeerID: "b"})
			ws.WriteJSON(ev)
		case signaling.MessageTypeResumeConsumer:
			reply(ws, msg, nil)
		}
	})
	conn := dialTest(t, srv)

	done := make(chan error, 1)
	conn.Handle(signaling.MessageTypePeerJoined, func(signaling.Message) {
		done <- conn.Request(context.Background(), signaling.MessageTypeResumeConsumer, signaling.ResumeConsumerRequest{ConsumerID: "c"}, nil)
	})
	require.NoError(t, conn.Notify(signaling.MessageTypeSpeaking, signaling.SpeakingState{Speaking: true}))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("request from handler never completed")
	}
}

func TestClosedConnFailsRequests(t *testing.T) {
	srv := scriptedServer(t, func(*websocket.Conn, signaling.Message) {})
	conn := dialTest(t, srv)

	require.NoError(t, conn.Close())
	<-conn.Done()
	assert.ErrorIs(t, conn.Request(context.Background(), signaling.MessageTypeLeave, nil, nil), ErrConnClosed)
	assert.ErrorIs(t, conn.Notify(signaling.MessageTypeSpeaking, nil), ErrConnClosed)
}

func TestDialDoesNotRetryRejectedHandshake(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	cfg := DefaultDialConfig()
	cfg.InitialInterval = time.Millisecond
	_, err := Dial(context.Background(), wsURL(srv), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestDialRetriesUntilServerAnswers(t *testing.T) {
	var attempts atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.ReadMessage()
	}))
	defer srv.Close()

	cfg := DefaultDialConfig()
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 5 * time.Millisecond
	conn, err := Dial(context.Background(), wsURL(srv), cfg, zap.NewNop())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, int32(3), attempts.Load())
}

func TestDialGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := DialConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	_, err := Dial(context.Background(), wsURL(srv), cfg, zap.NewNop())
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
