// Package mux ties the transport, the session registry, the render surface
// and the reconnection coordinator together behind one controller.
package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/agent-racer/termplex/internal/client"
	"github.com/agent-racer/termplex/internal/logx"
	"github.com/agent-racer/termplex/internal/notify"
	"github.com/agent-racer/termplex/internal/protocol"
	"github.com/agent-racer/termplex/internal/reconnect"
	"github.com/agent-racer/termplex/internal/session"
	"github.com/agent-racer/termplex/internal/surface"
)

// ErrNoActiveSession is returned by operations that need an active session.
var ErrNoActiveSession = errors.New("no active session")

// Transport is the connection the controller drives.
type Transport interface {
	Send(env protocol.Envelope) error
	WaitConnected(ctx context.Context) error
	Events() <-chan client.Event

	// Epoch identifies the current connection.
	Epoch() uint64
}

// API is the REST side of the server.
type API interface {
	ListSessions(ctx context.Context) (protocol.SessionListing, error)
	RenameSession(ctx context.Context, id, name string) error
}

// Config wires a Controller. Transport and Surface are required.
type Config struct {
	Transport Transport
	API       API
	Surface   surface.Surface
	Metrics   surface.Metrics

	// Chrome is the surface height, in pixels, taken by the tab bar and
	// status line outside fullscreen.
	Chrome int

	ReattachTimeout time.Duration
	NewConsumer     session.ConsumerFactory
	NewID           func() string
	Logger          pslog.Logger
}

// Controller routes transport events into the registry and exposes the user
// operations. Transport events are handled on the goroutine running Run.
type Controller struct {
	transport   Transport
	api         API
	registry    *session.Registry
	negotiator  *surface.Negotiator
	binder      *surface.Binder
	coordinator *reconnect.Coordinator
	notes       *notify.Queue
	changes     chan struct{}
	log         pslog.Logger
	connected   atomic.Bool

	mu         sync.Mutex
	window     surface.PixelSize
	fullscreen bool
	chrome     int
}

// New builds a controller and its collaborators.
func New(cfg Config) *Controller {
	c := &Controller{
		transport: cfg.Transport,
		api:       cfg.API,
		notes:     notify.NewQueue(64),
		changes:   make(chan struct{}, 1),
		log:       logx.OrDiscard(cfg.Logger),
		chrome:    max(cfg.Chrome, 0),
	}
	var persister session.Persister
	if cfg.API != nil {
		persister = cfg.API
	}
	c.registry = session.NewRegistry(session.Config{
		Transport:   cfg.Transport,
		Persister:   persister,
		Notifier:    c.notes,
		NewConsumer: cfg.NewConsumer,
		NewID:       cfg.NewID,
		Logger:      c.log,
	})
	c.negotiator = surface.NewNegotiator(cfg.Metrics, cfg.Transport, c.registry, c.log)
	c.binder = surface.NewBinder(cfg.Surface, c.negotiator)
	c.coordinator = reconnect.New(reconnect.Config{
		Registry: c.registry,
		Sender:   cfg.Transport,
		Notifier: c.notes,
		Timeout:  cfg.ReattachTimeout,
		Logger:   c.log,
		Changed:  c.signal,
	})
	return c
}

// Changes fires after any state change the UI may want to render.
func (c *Controller) Changes() <-chan struct{} { return c.changes }

// Notifications delivers non-fatal, user-facing messages.
func (c *Controller) Notifications() <-chan notify.Notification { return c.notes.C() }

// Registry exposes the session registry for read access.
func (c *Controller) Registry() *session.Registry { return c.registry }

// Connected reports whether the transport is up.
func (c *Controller) Connected() bool { return c.connected.Load() }

// Fullscreen reports whether the surface hides the chrome.
func (c *Controller) Fullscreen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fullscreen
}

// Run drains transport events until the event stream closes or ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	events := c.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.handle(ev)
			c.signal()
		}
	}
}

func (c *Controller) handle(ev client.Event) {
	switch ev := ev.(type) {
	case client.Connected:
		if c.superseded(ev.Epoch) {
			return
		}
		c.connected.Store(true)
		c.coordinator.Connected(ev.Epoch)
		if ev.Epoch > 1 {
			c.notify(notify.LevelInfo, "", "reconnected")
		}
	case client.Disconnected:
		if c.superseded(ev.Epoch) {
			return
		}
		c.connected.Store(false)
		c.coordinator.Disconnected()
		c.notify(notify.LevelWarn, "", "connection lost, reconnecting")
	case client.Message:
		c.handleMessage(ev.Envelope)
	}
}

// superseded reports whether a connection event belongs to an older
// connection. Events queue up while the transport flaps; only the current
// connection's events are replayed into the coordinator.
func (c *Controller) superseded(epoch uint64) bool {
	current := c.transport.Epoch()
	if epoch == current {
		return false
	}
	c.log.Debug("stale connection event dropped", "epoch", epoch, "current", current)
	return true
}

func (c *Controller) handleMessage(env protocol.Envelope) {
	id := env.SessionID
	log := logx.WithSession(c.log, id)
	switch env.Type {
	case protocol.MsgOutput:
		var p protocol.OutputPayload
		if err := env.Decode(&p); err != nil {
			log.Warn("bad output frame", "err", err)
			return
		}
		c.registry.WriteOutput(id, []byte(p.Data), p.Historical)

	case protocol.MsgCreated:
		if !c.registry.MarkCreated(id) {
			log.Debug("created ack ignored")
		}

	case protocol.MsgClosed:
		var p protocol.ClosedPayload
		_ = env.Decode(&p)
		s := c.registry.Get(id)
		if s == nil {
			return
		}
		c.coordinator.Forget(id)
		if err := c.registry.Forget(id); err != nil {
			return
		}
		c.rebindAfterRemoval(s)
		msg := fmt.Sprintf("%s ended", s.Name())
		if p.Reason != "" {
			msg += ": " + p.Reason
		}
		c.notify(notify.LevelInfo, id, msg)

	case protocol.MsgReattached:
		c.coordinator.Reattached(id)

	case protocol.MsgReattachFailed:
		var p protocol.ReattachFailedPayload
		_ = env.Decode(&p)
		c.coordinator.ReattachFailed(id, p.Reason)

	case protocol.MsgResizeAck:
		var p protocol.ResizePayload
		if err := env.Decode(&p); err != nil {
			log.Warn("bad resize_ack frame", "err", err)
			return
		}
		s := c.registry.Get(id)
		if s == nil {
			return
		}
		if cols, rows := s.Grid(); cols != p.Cols || rows != p.Rows {
			log.Warn("server grid differs", "local", fmt.Sprintf("%dx%d", cols, rows), "server", fmt.Sprintf("%dx%d", p.Cols, p.Rows))
		}

	case protocol.MsgError:
		var p protocol.ErrorPayload
		if err := env.Decode(&p); err != nil || p.Message == "" {
			p.Message = "server error"
		}
		c.notify(notify.LevelError, id, p.Message)

	default:
		log.Debug("unhandled frame", "type", string(env.Type))
	}
}

// Startup hydrates the registry from the server listing.
func (c *Controller) Startup(ctx context.Context) error {
	if c.api == nil {
		return nil
	}
	listing, err := c.api.ListSessions(ctx)
	if err != nil {
		c.notify(notify.LevelWarn, "", "could not load existing sessions: "+err.Error())
		return fmt.Errorf("list sessions: %w", err)
	}
	inserted := c.registry.Hydrate(listing)
	if len(inserted) == 0 {
		return nil
	}
	if active := c.registry.Active(); active != nil {
		c.bind(active)
	}
	ids := make([]string, len(inserted))
	for i, s := range inserted {
		ids[i] = s.ID()
	}
	c.coordinator.Track(ids...)
	c.signal()
	return nil
}

// NewSession creates a session sized for the current surface and shows it.
func (c *Controller) NewSession(ctx context.Context, name, workingDir string) (*session.Session, error) {
	grid := c.negotiator.Target(c.surfaceSize())
	s, err := c.registry.Create(ctx, session.CreateOptions{
		Name:       name,
		WorkingDir: workingDir,
		Cols:       grid.Cols,
		Rows:       grid.Rows,
	})
	if err != nil {
		return nil, err
	}
	c.bind(s)
	c.signal()
	return s, nil
}

// CloseSession closes id and shows whichever session becomes active.
func (c *Controller) CloseSession(id string) error {
	s := c.registry.Get(id)
	if s == nil {
		return fmt.Errorf("close %s: %w", id, session.ErrNotFound)
	}
	c.coordinator.Forget(id)
	if err := c.registry.Close(id); err != nil {
		return err
	}
	c.rebindAfterRemoval(s)
	c.signal()
	return nil
}

// CloseActive closes the active session.
func (c *Controller) CloseActive() error {
	s := c.registry.Active()
	if s == nil {
		return ErrNoActiveSession
	}
	return c.CloseSession(s.ID())
}

// Switch makes id active. Switching to the active session does nothing.
func (c *Controller) Switch(id string) error {
	changed, err := c.registry.SwitchActive(id)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	c.bind(c.registry.Get(id))
	c.signal()
	return nil
}

// Next activates the session after the active one, wrapping around.
func (c *Controller) Next() error { return c.step(1) }

// Prev activates the session before the active one, wrapping around.
func (c *Controller) Prev() error { return c.step(-1) }

func (c *Controller) step(offset int) error {
	id := c.registry.Neighbor(offset)
	if id == "" {
		return ErrNoActiveSession
	}
	return c.Switch(id)
}

// Rename renames id locally and persists the new name.
func (c *Controller) Rename(ctx context.Context, id, name string) error {
	err := c.registry.Rename(ctx, id, name)
	c.signal()
	return err
}

// Input sends keystrokes to the active session.
func (c *Controller) Input(data []byte) error {
	s := c.registry.Active()
	if s == nil {
		return ErrNoActiveSession
	}
	env, err := protocol.New(protocol.MsgInput, s.ID(), protocol.InputPayload{Data: string(data)})
	if err != nil {
		return err
	}
	return c.transport.Send(env)
}

// Resize records the window size and refits the active session.
func (c *Controller) Resize(window surface.PixelSize) {
	c.mu.Lock()
	c.window = window
	c.mu.Unlock()
	c.refit(true)
}

// SetFullscreen toggles the chrome and refits.
func (c *Controller) SetFullscreen(on bool) {
	c.mu.Lock()
	if c.fullscreen == on {
		c.mu.Unlock()
		return
	}
	c.fullscreen = on
	c.mu.Unlock()
	c.refit(true)
	c.signal()
}

// ApplyDisplay swaps the display metrics and renegotiates the grid.
func (c *Controller) ApplyDisplay(m surface.Metrics) error {
	if err := c.negotiator.SetMetrics(m); err != nil {
		c.notify(notify.LevelWarn, "", err.Error())
		return err
	}
	c.refit(false)
	c.signal()
	return nil
}

// SetReattachTimeout changes the reattach acknowledgement timeout.
func (c *Controller) SetReattachTimeout(d time.Duration) {
	c.coordinator.SetTimeout(d)
}

// Retry re-sends reattach for id.
func (c *Controller) Retry(id string) error {
	err := c.coordinator.Retry(id)
	c.signal()
	return err
}

// Shutdown stops timers and disposes every session without contacting the
// server; the server keeps the processes for a later attach.
func (c *Controller) Shutdown() {
	c.coordinator.Stop()
	c.binder.Unbind()
	n := c.registry.Clear()
	c.log.Info("controller shut down", "sessions", n)
}

func (c *Controller) surfaceSize() surface.PixelSize {
	c.mu.Lock()
	defer c.mu.Unlock()
	px := c.window
	if !c.fullscreen {
		px.Height = max(px.Height-c.chrome, 0)
	}
	return px
}

func (c *Controller) refit(resized bool) {
	px := c.surfaceSize()
	var (
		ok  bool
		err error
	)
	if resized {
		_, ok, err = c.binder.Resize(px)
	} else {
		_, ok, err = c.binder.Refit()
	}
	if ok && err != nil {
		c.log.Debug("refit not reported", "err", err)
	}
}

func (c *Controller) bind(s *session.Session) {
	if s == nil {
		return
	}
	c.binder.SetSize(c.surfaceSize())
	if _, err := c.binder.Bind(s); err != nil {
		logx.WithSession(c.log, s.ID()).Debug("bind fit not reported", "err", err)
	}
}

// rebindAfterRemoval shows the new active session when removed was bound.
func (c *Controller) rebindAfterRemoval(removed *session.Session) {
	if c.binder.Current() != removed {
		return
	}
	if next := c.registry.Active(); next != nil {
		c.bind(next)
		return
	}
	c.binder.Unbind()
}

func (c *Controller) notify(level notify.Level, id, msg string) {
	c.notes.Notify(notify.Notification{Level: level, SessionID: id, Message: msg})
}

func (c *Controller) signal() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}
