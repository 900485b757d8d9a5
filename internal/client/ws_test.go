package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-racer/termplex/internal/protocol"
)

// echoServer accepts WebSocket connections, records received frames and
// answers every create with a created event.
type echoServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []protocol.Envelope
	conns    []*websocket.Conn
	auth     string
}

func (s *echoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.auth = r.Header.Get("Authorization")
	s.mu.Unlock()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, env)
		s.mu.Unlock()
		if env.Type == protocol.MsgCreate {
			reply, _ := protocol.New(protocol.MsgCreated, env.SessionID, protocol.CreatedPayload{Name: "x"})
			_ = conn.WriteJSON(reply)
		}
	}
}

func (s *echoServer) frames() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.received...)
}

func (s *echoServer) kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func startClient(t *testing.T, token string) (*WSClient, *echoServer) {
	t.Helper()
	srv := &echoServer{t: t}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	c := NewWSClient(Options{
		URL:           "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		Token:         token,
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
		ConnectWait:   2 * time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, srv
}

func nextEvent(t *testing.T, c *WSClient) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestWSClientConnectAuthAndRoundTrip(t *testing.T) {
	c, srv := startClient(t, "secret")

	ev := nextEvent(t, c)
	connected, ok := ev.(Connected)
	if !ok || connected.Epoch != 1 {
		t.Fatalf("first event = %#v, want Connected{1}", ev)
	}

	env, _ := protocol.New(protocol.MsgCreate, "s1", protocol.CreatePayload{Cols: 80, Rows: 24})
	if err := c.Send(env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ev = nextEvent(t, c)
	msg, ok := ev.(Message)
	if !ok || msg.Envelope.Type != protocol.MsgCreated || msg.Envelope.SessionID != "s1" {
		t.Fatalf("event = %#v, want created for s1", ev)
	}

	frames := srv.frames()
	if len(frames) < 2 || frames[0].Type != protocol.MsgAuth {
		t.Fatalf("frames = %+v, want auth first", frames)
	}
	var auth protocol.AuthPayload
	if err := frames[0].Decode(&auth); err != nil || auth.Token != "secret" {
		t.Errorf("auth payload = %+v, %v", auth, err)
	}
	srv.mu.Lock()
	header := srv.auth
	srv.mu.Unlock()
	if header != "Bearer secret" {
		t.Errorf("Authorization header = %q", header)
	}
}

func TestWSClientReconnectBumpsEpoch(t *testing.T) {
	c, srv := startClient(t, "")
	if _, ok := nextEvent(t, c).(Connected); !ok {
		t.Fatal("expected Connected")
	}

	srv.kick()
	if dropped, ok := nextEvent(t, c).(Disconnected); !ok || dropped.Epoch != 1 {
		t.Fatal("expected Disconnected{Epoch: 1}")
	}
	ev := nextEvent(t, c)
	if connected, ok := ev.(Connected); !ok || connected.Epoch != 2 {
		t.Fatalf("event = %#v, want Connected{2}", ev)
	}
	if c.Epoch() != 2 || !c.Connected() {
		t.Errorf("Epoch() = %d Connected() = %v", c.Epoch(), c.Connected())
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := NewWSClient(Options{URL: "ws://127.0.0.1:1/ws", ConnectWait: 30 * time.Millisecond})
	env, _ := protocol.New(protocol.MsgClose, "s1", nil)
	if err := c.Send(env); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send error = %v, want ErrNotConnected", err)
	}

	start := time.Now()
	err := c.WaitConnected(context.Background())
	if !errors.Is(err, ErrNotConnected) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitConnected error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("WaitConnected ignored the connect wait")
	}
}

func TestWaitConnectedUnblocksOnConnect(t *testing.T) {
	c, _ := startClient(t, "")
	if err := c.WaitConnected(context.Background()); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
	if !c.Connected() {
		t.Error("Connected() = false after WaitConnected")
	}
}
