package server

import (
	"sync"
	"unicode/utf8"
)

// DefaultHistoryBytes is the per-session scrollback kept for replay.
const DefaultHistoryBytes = 256 * 1024

// History is a fixed-size circular buffer of raw terminal output. Escape
// sequences are kept so a replay reproduces the screen. The oldest bytes are
// overwritten once the buffer is full.
type History struct {
	mu    sync.Mutex
	buf   []byte
	pos   int
	total uint64
}

// NewHistory creates a buffer holding up to capacity bytes. A non-positive
// capacity disables history.
func NewHistory(capacity int) *History {
	if capacity < 0 {
		capacity = 0
	}
	return &History{buf: make([]byte, capacity)}
}

// Write appends data, overwriting the oldest bytes when full.
func (h *History) Write(data []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(data)
	h.total += uint64(n)
	size := len(h.buf)
	if size == 0 {
		return n, nil
	}
	if len(data) > size {
		data = data[len(data)-size:]
	}
	for len(data) > 0 {
		c := copy(h.buf[h.pos:], data)
		h.pos = (h.pos + c) % size
		data = data[c:]
	}
	return n, nil
}

// Bytes returns a copy of the retained output, oldest first. Once the buffer
// has wrapped, a partial rune at the start is dropped.
func (h *History) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	size := len(h.buf)
	stored := int(min(h.total, uint64(size)))
	out := make([]byte, stored)
	if stored < size {
		copy(out, h.buf[:stored])
		return out
	}
	n := copy(out, h.buf[h.pos:])
	copy(out[n:], h.buf[:h.pos])
	skip := 0
	for skip < len(out) && skip < utf8.UTFMax-1 && !utf8.RuneStart(out[skip]) {
		skip++
	}
	return out[skip:]
}

// Total returns the number of bytes ever written.
func (h *History) Total() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}
