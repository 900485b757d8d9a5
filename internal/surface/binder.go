package surface

import (
	"io"
	"sync"

	"github.com/agent-racer/termplex/internal/session"
)

// Surface is the single place a session's output is shown.
type Surface interface {
	Attach(c session.Consumer)
	Detach()
	Focus()
}

// Binder is the only component allowed to touch the Surface. It keeps the
// active session's consumer attached and fitted.
type Binder struct {
	mu         sync.Mutex
	surface    Surface
	negotiator *Negotiator
	current    *session.Session
	size       PixelSize
}

// NewBinder creates a binder for surface.
func NewBinder(surface Surface, negotiator *Negotiator) *Binder {
	return &Binder{surface: surface, negotiator: negotiator}
}

// Bind shows s on the surface and fits it. Rebinding the current session only
// refits. Until the surface size is known the fit is deferred to Resize.
func (b *Binder) Bind(s *session.Session) (Grid, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != s {
		if b.current != nil {
			b.surface.Detach()
		}
		b.surface.Attach(s.Consumer())
		b.current = s
	}
	b.surface.Focus()
	if !b.size.Known() {
		return Grid{}, nil
	}
	return b.negotiator.Fit(s, b.size)
}

// Unbind clears the surface.
func (b *Binder) Unbind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return
	}
	b.surface.Detach()
	b.current = nil
}

// Current returns the bound session, or nil.
func (b *Binder) Current() *session.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Size returns the last surface size passed to Resize.
func (b *Binder) Size() PixelSize {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// SetSize records the surface size without refitting.
func (b *Binder) SetSize(px PixelSize) {
	b.mu.Lock()
	b.size = px
	b.mu.Unlock()
}

// Resize records the new surface size and refits the bound session. It
// reports false when nothing was fitted.
func (b *Binder) Resize(px PixelSize) (Grid, bool, error) {
	b.mu.Lock()
	b.size = px
	b.mu.Unlock()
	return b.Refit()
}

// Refit fits the bound session to the current surface size. It reports
// false when nothing is bound or the size is unknown.
func (b *Binder) Refit() (Grid, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || !b.size.Known() {
		return Grid{}, false, nil
	}
	g, err := b.negotiator.Fit(b.current, b.size)
	return g, true, err
}

// Viewport is a Surface for terminal UIs. The UI reads it while rendering.
type Viewport struct {
	mu       sync.RWMutex
	consumer session.Consumer
	focused  bool
}

// Attach implements Surface.
func (v *Viewport) Attach(c session.Consumer) {
	v.mu.Lock()
	v.consumer = c
	v.focused = false
	v.mu.Unlock()
}

// Detach implements Surface.
func (v *Viewport) Detach() {
	v.mu.Lock()
	v.consumer = nil
	v.focused = false
	v.mu.Unlock()
}

// Focus implements Surface.
func (v *Viewport) Focus() {
	v.mu.Lock()
	v.focused = v.consumer != nil
	v.mu.Unlock()
}

// Focused reports whether an attached consumer has focus.
func (v *Viewport) Focused() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.focused
}

// Attached reports whether a consumer is attached.
func (v *Viewport) Attached() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.consumer != nil
}

// Render writes the attached consumer's screen to w. The cursor is drawn
// only while the consumer has focus.
func (v *Viewport) Render(w io.Writer) error {
	v.mu.RLock()
	c, focused := v.consumer, v.focused
	v.mu.RUnlock()
	if c == nil {
		return nil
	}
	return c.Render(w, focused)
}
