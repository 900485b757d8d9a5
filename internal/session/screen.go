package session

import (
	"io"
	"sync"

	"github.com/vito/midterm"
)

// Grid limits enforced by Screen. Requests outside these bounds snap to the
// nearest allowed value.
const (
	MaxCols = 500
	MaxRows = 200
)

// Consumer accumulates a session's output stream and owns its character grid.
type Consumer interface {
	io.Writer

	// Reset drops everything written so far, keeping the grid size.
	Reset()

	// Resize asks for a new grid. The consumer may snap to different values;
	// Size reports what it actually adopted.
	Resize(rows, cols int)
	Size() (rows, cols int)

	// Render writes the current screen, escape sequences included. With
	// cursor set, the cursor cell is drawn in reverse video unless the
	// program hid it.
	Render(w io.Writer, cursor bool) error

	// Dispose releases the consumer. Later writes are discarded.
	Dispose()
}

// ConsumerFactory builds a consumer for a new session.
type ConsumerFactory func(rows, cols int) Consumer

// Screen wraps midterm.Terminal with a mutex for thread-safe access.
// All reads and writes to the terminal must go through this wrapper.
type Screen struct {
	mu       sync.Mutex
	term     *midterm.Terminal
	disposed bool
}

// NewScreen creates a new thread-safe screen with the given dimensions.
func NewScreen(rows, cols int) *Screen {
	rows, cols = clampGrid(rows, cols)
	return &Screen{term: newTerminal(rows, cols)}
}

// newTerminal starts with the cursor shown, as a real terminal does until
// the program sends DECTCEM reset.
func newTerminal(rows, cols int) *midterm.Terminal {
	t := midterm.NewTerminal(rows, cols)
	t.CursorVisible = true
	return t
}

// NewScreenConsumer is a ConsumerFactory backed by Screen.
func NewScreenConsumer(rows, cols int) Consumer {
	return NewScreen(rows, cols)
}

// Write writes data to the terminal buffer. Thread-safe.
func (s *Screen) Write(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return len(data), nil
	}
	return s.term.Write(data)
}

// Reset replaces the terminal with a blank one of the same size.
func (s *Screen) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = newTerminal(s.term.Height, s.term.Width)
}

// Resize changes the terminal dimensions, clamped to MaxRows x MaxCols.
func (s *Screen) Resize(rows, cols int) {
	rows, cols = clampGrid(rows, cols)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term.Resize(rows, cols)
}

// Size returns the terminal size.
func (s *Screen) Size() (rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term.Height, s.term.Width
}

// Render writes the terminal content to w. Thread-safe.
func (s *Screen) Render(w io.Writer, cursor bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.term.Height <= 0 || s.term.Width <= 0 {
		return nil
	}
	visible := s.term.CursorVisible
	s.term.CursorVisible = visible && cursor
	defer func() { s.term.CursorVisible = visible }()
	return s.term.Render(w)
}

// Dispose marks the screen unusable.
func (s *Screen) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
}

func clampGrid(rows, cols int) (int, int) {
	rows = min(max(rows, 1), MaxRows)
	cols = min(max(cols, 1), MaxCols)
	return rows, cols
}
