// Package client provides the WebSocket transport and the REST client used to
// talk to a termplex server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/agent-racer/termplex/internal/logx"
	"github.com/agent-racer/termplex/internal/protocol"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	connectWait        = 5 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// ErrNotConnected is returned by Send and WaitConnected while the transport
// has no live connection.
var ErrNotConnected = errors.New("not connected")

// Event is something the transport reports to its owner.
type Event interface{ event() }

// Connected is emitted after every successful dial and auth. Epoch increases
// by one per connection.
type Connected struct{ Epoch uint64 }

// Disconnected is emitted when an established connection drops. Epoch is the
// epoch of the connection that dropped.
type Disconnected struct {
	Epoch uint64
	Err   error
}

// Message carries one server frame.
type Message struct{ Envelope protocol.Envelope }

func (Connected) event()    {}
func (Disconnected) event() {}
func (Message) event()      {}

// Options configure a WSClient. Zero durations use the defaults.
type Options struct {
	URL   string
	Token string

	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	ConnectWait   time.Duration

	Dialer *websocket.Dialer
	Logger pslog.Logger
}

// WSClient manages the WebSocket connection to a termplex server. Run owns
// the connection lifecycle; Send and WaitConnected may be called from any
// goroutine.
type WSClient struct {
	url    string
	token  string
	base   time.Duration
	max    time.Duration
	wait   time.Duration
	dialer *websocket.Dialer
	log    pslog.Logger
	events chan Event

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes (ping, requests)
	conn    *websocket.Conn
	epoch   uint64
	ready   chan struct{} // closed while connected
}

// NewWSClient creates a client for the given WebSocket URL.
func NewWSClient(opts Options) *WSClient {
	c := &WSClient{
		url:    opts.URL,
		token:  opts.Token,
		base:   opts.ReconnectBase,
		max:    opts.ReconnectMax,
		wait:   opts.ConnectWait,
		dialer: opts.Dialer,
		log:    logx.OrDiscard(opts.Logger),
		events: make(chan Event, 256),
		ready:  make(chan struct{}),
	}
	if c.base <= 0 {
		c.base = reconnectBaseDelay
	}
	if c.max < c.base {
		c.max = max(reconnectMaxDelay, c.base)
	}
	if c.wait <= 0 {
		c.wait = connectWait
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	return c
}

// Events returns the event stream. It is closed when Run returns.
func (c *WSClient) Events() <-chan Event {
	return c.events
}

// Run connects, reads, and reconnects with exponential backoff until ctx is
// cancelled.
func (c *WSClient) Run(ctx context.Context) error {
	defer close(c.events)
	delay := c.base
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.log.Warn("ws dial failed", "url", c.url, "retry_in", delay.String(), "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(delay*2, c.max)
			continue
		}
		delay = c.base

		pingCtx, pingCancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.conn = conn
		c.epoch++
		epoch := c.epoch
		close(c.ready)
		c.mu.Unlock()
		go c.pingLoop(pingCtx, conn)

		c.log.Info("ws connected", "url", c.url, "epoch", epoch)
		if !c.emit(ctx, Connected{Epoch: epoch}) {
			pingCancel()
			c.drop(conn)
			return nil
		}

		err = c.readLoop(ctx, conn)
		pingCancel()
		c.drop(conn)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("ws disconnected", "epoch", epoch, "err", err)
		if !c.emit(ctx, Disconnected{Epoch: epoch, Err: err}) {
			return nil
		}
	}
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, err
	}
	// No write mutex needed here because the connection isn't shared yet.
	if c.token != "" {
		env, _ := protocol.New(protocol.MsgAuth, "", protocol.AuthPayload{Token: c.token})
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(env); err != nil {
			conn.Close()
			return nil, fmt.Errorf("send auth: %w", err)
		}
	}
	return conn, nil
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debug("ws frame ignored", "err", err)
			continue
		}
		if !c.emit(ctx, Message{Envelope: env}) {
			return ctx.Err()
		}
	}
}

// drop forgets conn if it is still current and closes it.
func (c *WSClient) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *WSClient) emit(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or the connection changes.
func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send writes one request. It fails fast with ErrNotConnected while
// disconnected.
func (c *WSClient) Send(env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("send %s: %w", env.Type, ErrNotConnected)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		// The read loop notices the broken connection and reconnects.
		conn.Close()
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// WaitConnected blocks until a connection is up, ctx ends, or the configured
// connect wait elapses.
func (c *WSClient) WaitConnected(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.wait)
	defer cancel()
	for {
		c.mu.Lock()
		if c.conn != nil {
			c.mu.Unlock()
			return nil
		}
		ready := c.ready
		c.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())
		}
	}
}

// Connected reports whether a connection is currently up.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Epoch returns the number of connections established so far.
func (c *WSClient) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}
