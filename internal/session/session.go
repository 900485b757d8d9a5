// Package session keeps the client-side registry of terminal sessions that
// share one transport connection.
package session

import (
	"sync"
	"time"
)

// State is a session's lifecycle state as observed by the client.
type State string

const (
	StateUnattached State = "unattached"
	StatePending    State = "pending"
	StateAttached   State = "attached"
	StateDetached   State = "detached"
	StateStale      State = "stale"
	StateClosed     State = "closed"
)

// Live reports whether the session still exists on the client.
func (s State) Live() bool {
	return s != StateClosed && s != ""
}

// Session is one logical terminal. Fields are only mutated by the Registry;
// other components read them through the accessors.
type Session struct {
	id         string
	workingDir string
	consumer   Consumer
	createdAt  time.Time

	// createEpoch is the connection the create request went out on. Zero for
	// sessions this client did not create.
	createEpoch uint64

	mu     sync.RWMutex
	name   string
	cols   int
	rows   int
	active bool
	state  State
}

func newSession(id, name, workingDir string, consumer Consumer, cols, rows int) *Session {
	return &Session{
		id:         id,
		name:       name,
		workingDir: workingDir,
		consumer:   consumer,
		createdAt:  time.Now(),
		cols:       cols,
		rows:       rows,
		state:      StateUnattached,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// WorkingDir returns the directory the session was started in.
func (s *Session) WorkingDir() string { return s.workingDir }

// CreateEpoch returns the connection epoch the create request was sent on,
// or zero for hydrated sessions.
func (s *Session) CreateEpoch() uint64 { return s.createEpoch }

// Consumer returns the session's output consumer.
func (s *Session) Consumer() Consumer { return s.consumer }

// Name returns the display name.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Grid returns the last negotiated grid size.
func (s *Session) Grid() (cols, rows int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cols, s.rows
}

// Active reports whether this session owns the render surface.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info is a point-in-time copy of a session for rendering.
type Info struct {
	ID     string
	Name   string
	Cols   int
	Rows   int
	Active bool
	State  State
}

// Info snapshots the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:     s.id,
		Name:   s.name,
		Cols:   s.cols,
		Rows:   s.rows,
		Active: s.active,
		State:  s.state,
	}
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

func (s *Session) setGrid(cols, rows int) {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
}

func (s *Session) setActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
