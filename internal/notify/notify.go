// Package notify carries non-fatal, user-facing notifications from the session
// layer to whatever renders them.
package notify

import (
	"fmt"
	"sync"
	"time"
)

// Level grades a notification.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Notification is a single user-visible message. SessionID is empty for
// messages not tied to one session.
type Notification struct {
	Level     Level
	SessionID string
	Message   string
	At        time.Time
}

func (n Notification) String() string {
	if n.SessionID == "" {
		return fmt.Sprintf("[%s] %s", n.Level, n.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", n.Level, n.SessionID, n.Message)
}

// Notifier receives notifications. Implementations must not block.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

// Notify calls f.
func (f NotifierFunc) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Notifier = NotifierFunc(func(Notification) {})

// Queue is a bounded notification queue. When full, the oldest entry is
// dropped so the newest message always gets through.
type Queue struct {
	mu sync.Mutex
	ch chan Notification
}

// NewQueue creates a queue holding up to size notifications.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 32
	}
	return &Queue{ch: make(chan Notification, size)}
}

// Notify enqueues n, stamping it when At is zero.
func (q *Queue) Notify(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.ch <- n:
			return
		default:
		}
		select {
		case <-q.ch:
		default:
		}
	}
}

// C returns the receive side of the queue.
func (q *Queue) C() <-chan Notification {
	return q.ch
}

// Recorder keeps every notification in memory. Tests use it to assert on
// what was surfaced.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

// Notify records n.
func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Count returns how many notifications at level were recorded.
func (r *Recorder) Count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, item := range r.items {
		if item.Level == level {
			n++
		}
	}
	return n
}
