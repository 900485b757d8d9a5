package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/agent-racer/termplex/internal/logx"
	"github.com/agent-racer/termplex/internal/notify"
	"github.com/agent-racer/termplex/internal/protocol"
)

// MaxNameLength bounds display names.
const MaxNameLength = 64

var (
	// ErrNotFound is returned for operations on unknown session ids.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidOptions is returned when a request fails local validation.
	// No request reaches the transport in that case.
	ErrInvalidOptions = errors.New("invalid session options")
)

// Transport is the part of the connection the registry needs.
type Transport interface {
	// Send dispatches one request. It fails fast when disconnected.
	Send(env protocol.Envelope) error

	// WaitConnected blocks until the transport is connected or ctx ends.
	WaitConnected(ctx context.Context) error

	// Epoch identifies the current connection.
	Epoch() uint64
}

// Persister stores renamed sessions server-side.
type Persister interface {
	RenameSession(ctx context.Context, id, name string) error
}

// CreateOptions describes a new session.
type CreateOptions struct {
	Name       string
	WorkingDir string
	Cols       int
	Rows       int
	Options    map[string]string
}

func (o CreateOptions) validate() error {
	if o.Cols <= 0 || o.Rows <= 0 {
		return fmt.Errorf("%w: grid %dx%d", ErrInvalidOptions, o.Cols, o.Rows)
	}
	if len(strings.TrimSpace(o.Name)) > MaxNameLength {
		return fmt.Errorf("%w: name longer than %d", ErrInvalidOptions, MaxNameLength)
	}
	return nil
}

// Config wires a Registry to its collaborators. Transport is required; the
// rest fall back to sensible defaults.
type Config struct {
	Transport   Transport
	Persister   Persister
	Notifier    notify.Notifier
	NewConsumer ConsumerFactory
	NewID       func() string
	Logger      pslog.Logger
}

// Registry is the ordered collection of sessions and the sole mutator of
// their lifecycle state. At most one session is active at a time.
type Registry struct {
	mu       sync.RWMutex
	sessions []*Session
	byID     map[string]*Session
	created  int

	// dispatching holds sessions whose create request is being written.
	// Acks and output for them are applied before they are inserted.
	dispatching map[string]*Session

	transport   Transport
	persister   Persister
	notifier    notify.Notifier
	newConsumer ConsumerFactory
	newID       func() string
	log         pslog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		byID:        make(map[string]*Session),
		dispatching: make(map[string]*Session),
		transport:   cfg.Transport,
		persister:   cfg.Persister,
		notifier:    cfg.Notifier,
		newConsumer: cfg.NewConsumer,
		newID:       cfg.NewID,
		log:         logx.OrDiscard(cfg.Logger),
	}
	if r.notifier == nil {
		r.notifier = notify.Discard
	}
	if r.newConsumer == nil {
		r.newConsumer = NewScreenConsumer
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

// Create validates opts, waits for the transport, dispatches a create request
// and, once dispatched, inserts the new session as the only active one. The
// session is routable from the moment the request is written, before the
// server acknowledges it. The registry lock is not held across the write.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := r.transport.WaitConnected(ctx); err != nil {
		r.notify(notify.LevelError, "", "cannot create terminal: not connected")
		return nil, fmt.Errorf("create session: %w", err)
	}

	id := r.newID()
	name := strings.TrimSpace(opts.Name)

	r.mu.Lock()
	r.created++
	if name == "" {
		name = fmt.Sprintf("Terminal %d", r.created)
	}
	s := newSession(id, name, opts.WorkingDir, r.newConsumer(opts.Rows, opts.Cols), opts.Cols, opts.Rows)
	s.setState(StatePending)
	s.createEpoch = r.transport.Epoch()
	r.dispatching[id] = s
	r.mu.Unlock()

	env, err := protocol.New(protocol.MsgCreate, id, protocol.CreatePayload{
		Name:       name,
		Cols:       opts.Cols,
		Rows:       opts.Rows,
		WorkingDir: opts.WorkingDir,
		Options:    opts.Options,
	})
	if err == nil {
		err = r.transport.Send(env)
	}

	r.mu.Lock()
	delete(r.dispatching, id)
	if err != nil {
		r.mu.Unlock()
		s.setState(StateClosed)
		s.consumer.Dispose()
		r.log.Warn("session create dispatch failed", "err", err)
		r.notify(notify.LevelError, "", "cannot create terminal: "+err.Error())
		return nil, fmt.Errorf("create session: %w", err)
	}
	r.insertLocked(s)
	r.activateLocked(s)
	r.mu.Unlock()

	logx.WithSession(r.log, id).Info("session created", "name", name, "cols", opts.Cols, "rows", opts.Rows)
	return s, nil
}

// Close disposes the session's consumer, asks the server to release it and
// removes it. If it was active, the most recently added remaining session
// becomes active.
func (r *Registry) Close(id string) error {
	s, _, err := r.remove(id)
	if err != nil {
		return err
	}
	log := logx.WithSession(r.log, id)
	env, err := protocol.New(protocol.MsgClose, id, nil)
	if err == nil {
		err = r.transport.Send(env)
	}
	if err != nil {
		log.Warn("session close dispatch failed", "err", err)
		r.notify(notify.LevelWarn, id, "close request not delivered: "+err.Error())
	}
	log.Info("session closed", "name", s.Name())
	return nil
}

// Forget removes a session the server already released. No request is sent.
func (r *Registry) Forget(id string) error {
	_, _, err := r.remove(id)
	return err
}

func (r *Registry) remove(id string) (*Session, bool, error) {
	r.mu.Lock()
	s, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("close %s: %w", id, ErrNotFound)
	}
	wasActive := s.Active()
	for i, candidate := range r.sessions {
		if candidate == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			break
		}
	}
	delete(r.byID, id)
	s.setActive(false)
	s.setState(StateClosed)
	if wasActive && len(r.sessions) > 0 {
		r.sessions[len(r.sessions)-1].setActive(true)
	}
	r.mu.Unlock()

	s.consumer.Dispose()
	return s, wasActive, nil
}

// SwitchActive makes id the active session. It reports whether anything
// changed; switching to the already active session is a no-op.
func (r *Registry) SwitchActive(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return false, fmt.Errorf("switch to %s: %w", id, ErrNotFound)
	}
	if s.Active() {
		return false, nil
	}
	r.activateLocked(s)
	return true, nil
}

// Rename updates the display name locally, then persists it. A persistence
// failure is surfaced as a notification and returned, but the local name is
// kept.
func (r *Registry) Rename(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidOptions, MaxNameLength)
	}
	s := r.Get(id)
	if s == nil {
		return fmt.Errorf("rename %s: %w", id, ErrNotFound)
	}
	s.setName(name)

	if r.persister == nil {
		return nil
	}
	if err := r.persister.RenameSession(ctx, id, name); err != nil {
		logx.WithSession(r.log, id).Warn("session rename not persisted", "name", name, "err", err)
		r.notify(notify.LevelWarn, id, "rename not saved: "+err.Error())
		return fmt.Errorf("persist rename: %w", err)
	}
	return nil
}

// Hydrate inserts sessions reported by the server at startup. Active entries
// take precedence over saved entries with the same id, and ids already in the
// registry are skipped. Inserted sessions start detached; the last one
// inserted becomes active.
func (r *Registry) Hydrate(listing protocol.SessionListing) []*Session {
	seen := make(map[string]bool)
	var merged []protocol.SessionInfo
	for _, group := range [][]protocol.SessionInfo{listing.Active, listing.Saved} {
		for _, info := range group {
			if info.ID == "" || seen[info.ID] {
				continue
			}
			seen[info.ID] = true
			merged = append(merged, info)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var inserted []*Session
	for _, info := range merged {
		if _, exists := r.byID[info.ID]; exists {
			continue
		}
		cols, rows := info.Cols, info.Rows
		if cols <= 0 || rows <= 0 {
			cols, rows = 80, 24
		}
		name := info.Name
		if name == "" {
			name = info.ID
		}
		s := newSession(info.ID, name, info.WorkingDir, r.newConsumer(rows, cols), cols, rows)
		s.setState(StateDetached)
		r.insertLocked(s)
		inserted = append(inserted, s)
	}
	if len(inserted) > 0 {
		r.activateLocked(inserted[len(inserted)-1])
	}
	r.log.Info("sessions hydrated", "active", len(listing.Active), "saved", len(listing.Saved), "inserted", len(inserted))
	return inserted
}

// WriteOutput routes output to the session's consumer. Historical output
// clears the consumer first. Output for unknown ids is dropped.
func (r *Registry) WriteOutput(id string, data []byte, historical bool) bool {
	s := r.route(id)
	if s == nil {
		return false
	}
	if historical {
		s.consumer.Reset()
	}
	if _, err := s.consumer.Write(data); err != nil {
		logx.WithSession(r.log, id).Warn("session output write failed", "err", err)
	}
	return true
}

// MarkCreated moves a pending session to attached. It returns false for
// unknown ids and for sessions that are no longer pending, so late or
// duplicate acknowledgements are ignored.
func (r *Registry) MarkCreated(id string) bool {
	s := r.route(id)
	if s == nil || s.State() != StatePending {
		return false
	}
	s.setState(StateAttached)
	return true
}

// SetState moves a live session to state. Closed sessions and unknown ids
// are left alone.
func (r *Registry) SetState(id string, state State) bool {
	if state == StateClosed {
		return false
	}
	s := r.Get(id)
	if s == nil {
		return false
	}
	s.setState(state)
	return true
}

// DetachAll marks every pending or attached session detached after a
// transport drop. It returns how many changed.
func (r *Registry) DetachAll() int {
	n := 0
	for _, s := range r.All() {
		switch s.State() {
		case StatePending, StateAttached:
			s.setState(StateDetached)
			n++
		}
	}
	return n
}

// SetGrid records the grid last reported to the server for id.
func (r *Registry) SetGrid(id string, cols, rows int) bool {
	s := r.Get(id)
	if s == nil {
		return false
	}
	s.setGrid(cols, rows)
	return true
}

// Clear disposes and removes every session without contacting the server.
// Used when the transport is torn down for good.
func (r *Registry) Clear() int {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = nil
	r.byID = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.setActive(false)
		s.setState(StateClosed)
		s.consumer.Dispose()
	}
	return len(sessions)
}

// Get returns the session with id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// route finds the target of a server frame, including a session whose create
// request is still being written.
func (r *Registry) route(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byID[id]; ok {
		return s
	}
	return r.dispatching[id]
}

// Active returns the active session, or nil when the registry is empty.
func (r *Registry) Active() *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Active() {
			return s
		}
	}
	return nil
}

// All returns the sessions in insertion order. The returned slice is a copy.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, len(r.sessions))
	copy(result, r.sessions)
	return result
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Neighbor returns the id of the session offset positions away from the
// active one, wrapping around. It returns "" when the registry is empty.
func (r *Registry) Neighbor(offset int) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.sessions)
	if n == 0 {
		return ""
	}
	idx := 0
	for i, s := range r.sessions {
		if s.Active() {
			idx = i
			break
		}
	}
	idx = ((idx+offset)%n + n) % n
	return r.sessions[idx].id
}

func (r *Registry) insertLocked(s *Session) {
	r.sessions = append(r.sessions, s)
	r.byID[s.id] = s
}

func (r *Registry) activateLocked(target *Session) {
	for _, s := range r.sessions {
		s.setActive(s == target)
	}
}

func (r *Registry) notify(level notify.Level, id, msg string) {
	r.notifier.Notify(notify.Notification{Level: level, SessionID: id, Message: msg})
}
