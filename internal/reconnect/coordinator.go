// Package reconnect re-subscribes every known session after the transport
// comes back, since the server forgets listeners across a drop.
package reconnect

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/agent-racer/termplex/internal/logx"
	"github.com/agent-racer/termplex/internal/notify"
	"github.com/agent-racer/termplex/internal/protocol"
	"github.com/agent-racer/termplex/internal/session"
)

// DefaultTimeout bounds how long a reattach may stay unacknowledged.
const DefaultTimeout = 5 * time.Second

// ErrTimeout marks a reattach that was never acknowledged.
var ErrTimeout = errors.New("reattach timed out")

// Sender dispatches requests on the current connection.
type Sender interface {
	Send(env protocol.Envelope) error
}

// Config wires a Coordinator.
type Config struct {
	Registry *session.Registry
	Sender   Sender
	Notifier notify.Notifier
	Timeout  time.Duration
	Logger   pslog.Logger

	// Changed is called after the coordinator changes a session's state
	// outside of a caller's goroutine (timeouts).
	Changed func()
}

type attempt struct {
	epoch uint64
	timer *time.Timer
}

// Coordinator replays reattach and resize for every session on each connect
// and tracks the acknowledgements.
type Coordinator struct {
	registry *session.Registry
	sender   Sender
	notifier notify.Notifier
	log      pslog.Logger
	changed  func()

	mu        sync.Mutex
	timeout   time.Duration
	epoch     uint64
	connected bool
	pending   map[string]*attempt
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		registry: cfg.Registry,
		sender:   cfg.Sender,
		notifier: cfg.Notifier,
		log:      logx.OrDiscard(cfg.Logger),
		changed:  cfg.Changed,
		timeout:  cfg.Timeout,
		pending:  make(map[string]*attempt),
	}
	if c.notifier == nil {
		c.notifier = notify.Discard
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.changed == nil {
		c.changed = func() {}
	}
	return c
}

// SetTimeout changes the timeout used by later reattach attempts.
func (c *Coordinator) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Connected handles a new connection epoch. Every live session gets one
// reattach followed by a resize carrying its negotiated grid. Sessions
// already awaiting a reattach sent in this epoch, and sessions whose create
// request went out on it, are skipped. It returns the number of reattach
// requests sent.
func (c *Coordinator) Connected(epoch uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch > c.epoch {
		c.epoch = epoch
	}
	c.connected = true

	sent := 0
	for _, s := range c.registry.All() {
		if !s.State().Live() || c.coveredLocked(s) {
			continue
		}
		if err := c.reattachLocked(s); err != nil {
			c.log.Warn("reattach replay interrupted", "epoch", c.epoch, "sent", sent, "err", err)
			break
		}
		sent++
	}
	c.log.Info("reattach replayed", "epoch", c.epoch, "sessions", sent)
	return sent
}

// Track reattaches sessions that appeared while already connected, such as
// sessions hydrated after the first connect. It does nothing while
// disconnected; the next Connected covers them.
func (c *Coordinator) Track(ids ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return 0
	}
	sent := 0
	for _, id := range ids {
		s := c.registry.Get(id)
		if s == nil || !s.State().Live() || c.coveredLocked(s) {
			continue
		}
		if err := c.reattachLocked(s); err != nil {
			break
		}
		sent++
	}
	return sent
}

// Disconnected cancels outstanding timers and marks pending and attached
// sessions detached.
func (c *Coordinator) Disconnected() {
	c.mu.Lock()
	c.connected = false
	for id, a := range c.pending {
		a.timer.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if n := c.registry.DetachAll(); n > 0 {
		c.log.Info("sessions detached", "count", n)
	}
}

// Reattached records the server's acknowledgement. Late acknowledgements for
// stale sessions are accepted.
func (c *Coordinator) Reattached(id string) bool {
	c.mu.Lock()
	if a, ok := c.pending[id]; ok {
		a.timer.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !c.registry.SetState(id, session.StateAttached) {
		return false
	}
	logx.WithSession(c.log, id).Info("session reattached")
	return true
}

// ReattachFailed marks the session stale and warns. The session stays in the
// registry so the user can retry or close it.
func (c *Coordinator) ReattachFailed(id, reason string) bool {
	c.mu.Lock()
	if a, ok := c.pending[id]; ok {
		a.timer.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return c.markStale(id, reason)
}

// Retry re-sends reattach for a session, typically a stale one.
func (c *Coordinator) Retry(id string) error {
	s := c.registry.Get(id)
	if s == nil {
		return fmt.Errorf("retry %s: %w", id, session.ErrNotFound)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.pending[id]; ok {
		a.timer.Stop()
		delete(c.pending, id)
	}
	if err := c.reattachLocked(s); err != nil {
		c.notifier.Notify(notify.Notification{Level: notify.LevelError, SessionID: id, Message: "retry failed: " + err.Error()})
		return fmt.Errorf("retry %s: %w", id, err)
	}
	c.registry.SetState(id, session.StateDetached)
	return nil
}

// Forget drops any outstanding attempt for id.
func (c *Coordinator) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.pending[id]; ok {
		a.timer.Stop()
		delete(c.pending, id)
	}
}

// Awaiting reports whether a reattach for id is outstanding.
func (c *Coordinator) Awaiting(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// Stop cancels every timer.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, a := range c.pending {
		a.timer.Stop()
		delete(c.pending, id)
	}
	c.connected = false
}

// coveredLocked reports whether the current connection already carries a
// request that subscribes s.
func (c *Coordinator) coveredLocked(s *session.Session) bool {
	if a, ok := c.pending[s.ID()]; ok && a.epoch == c.epoch {
		return true
	}
	return s.State() == session.StatePending && s.CreateEpoch() == c.epoch
}

func (c *Coordinator) reattachLocked(s *session.Session) error {
	id := s.ID()
	env, err := protocol.New(protocol.MsgReattach, id, nil)
	if err != nil {
		return err
	}
	if err := c.sender.Send(env); err != nil {
		return err
	}
	cols, rows := s.Grid()
	resize, err := protocol.New(protocol.MsgResize, id, protocol.ResizePayload{Cols: cols, Rows: rows})
	if err != nil {
		return err
	}
	if err := c.sender.Send(resize); err != nil {
		return err
	}

	a := &attempt{epoch: c.epoch}
	a.timer = time.AfterFunc(c.timeout, func() { c.expire(id, a) })
	c.pending[id] = a
	logx.WithSession(c.log, id).Debug("reattach sent", "epoch", c.epoch, "cols", cols, "rows", rows)
	return nil
}

func (c *Coordinator) expire(id string, a *attempt) {
	c.mu.Lock()
	if c.pending[id] != a {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	timeout := c.timeout
	c.mu.Unlock()

	if c.markStale(id, ErrTimeout.Error()+" after "+timeout.String()) {
		c.changed()
	}
}

func (c *Coordinator) markStale(id, reason string) bool {
	if !c.registry.SetState(id, session.StateStale) {
		return false
	}
	logx.WithSession(c.log, id).Warn("session reattach failed", "reason", reason)
	msg := "reconnect failed"
	if reason != "" {
		msg += ": " + reason
	}
	c.notifier.Notify(notify.Notification{Level: notify.LevelWarn, SessionID: id, Message: msg})
	return true
}
