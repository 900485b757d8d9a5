// Package surface owns the single render surface and the character-grid
// negotiation between it, the active session's consumer and the server.
package surface

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"pkt.systems/pslog"

	"github.com/agent-racer/termplex/internal/logx"
	"github.com/agent-racer/termplex/internal/protocol"
	"github.com/agent-racer/termplex/internal/session"
)

// PixelSize is the visible size of the surface.
type PixelSize struct {
	Width  int
	Height int
}

// Known reports whether the surface has been measured.
func (p PixelSize) Known() bool { return p.Width > 0 && p.Height > 0 }

// Grid is a character grid.
type Grid struct {
	Cols int
	Rows int
}

func (g Grid) String() string { return fmt.Sprintf("%dx%d", g.Cols, g.Rows) }

// Metrics describe the fixed-pitch cell and the minimum grids.
type Metrics struct {
	FontSize       float64
	LineHeight     float64
	CharWidthRatio float64

	// Surfaces narrower than CompactBreakpoint pixels use CompactMin.
	CompactBreakpoint int
	CompactMin        Grid
	DesktopMin        Grid
}

// WebMetrics approximate a 14px monospace font in a browser.
func WebMetrics() Metrics {
	return Metrics{
		FontSize:          14,
		LineHeight:        1.2,
		CharWidthRatio:    0.6,
		CompactBreakpoint: 768,
		CompactMin:        Grid{Cols: 20, Rows: 5},
		DesktopMin:        Grid{Cols: 80, Rows: 24},
	}
}

// CellMetrics measure the surface in character cells, as a terminal UI does.
func CellMetrics() Metrics {
	return Metrics{
		FontSize:          1,
		LineHeight:        1,
		CharWidthRatio:    1,
		CompactBreakpoint: 80,
		CompactMin:        Grid{Cols: 20, Rows: 5},
		DesktopMin:        Grid{Cols: 80, Rows: 24},
	}
}

// Validate rejects metrics that would produce an empty or infinite cell.
func (m Metrics) Validate() error {
	if m.FontSize <= 0 || m.LineHeight <= 0 || m.CharWidthRatio <= 0 {
		return errors.New("font_size, line_height and char_width must be positive")
	}
	if m.CompactMin.Cols <= 0 || m.CompactMin.Rows <= 0 || m.DesktopMin.Cols <= 0 || m.DesktopMin.Rows <= 0 {
		return errors.New("minimum grids must be positive")
	}
	return nil
}

// Cell returns the cell width and height in pixels.
func (m Metrics) Cell() (w, h float64) {
	return m.FontSize * m.CharWidthRatio, m.FontSize * m.LineHeight
}

// Sender dispatches resize reports.
type Sender interface {
	Send(env protocol.Envelope) error
}

// GridRecorder stores the negotiated grid. session.Registry implements it.
type GridRecorder interface {
	SetGrid(id string, cols, rows int) bool
}

// Negotiator turns a pixel size into a grid, applies it to a consumer and
// reports what the consumer actually adopted.
type Negotiator struct {
	mu      sync.RWMutex
	metrics Metrics

	sender   Sender
	recorder GridRecorder
	log      pslog.Logger
}

// NewNegotiator creates a negotiator. Invalid metrics fall back to CellMetrics.
func NewNegotiator(metrics Metrics, sender Sender, recorder GridRecorder, log pslog.Logger) *Negotiator {
	if metrics.Validate() != nil {
		metrics = CellMetrics()
	}
	return &Negotiator{
		metrics:  metrics,
		sender:   sender,
		recorder: recorder,
		log:      logx.OrDiscard(log),
	}
}

// Metrics returns the metrics in use.
func (n *Negotiator) Metrics() Metrics {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.metrics
}

// SetMetrics swaps the metrics. Callers refit afterwards.
func (n *Negotiator) SetMetrics(m Metrics) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("display metrics: %w", err)
	}
	n.mu.Lock()
	n.metrics = m
	n.mu.Unlock()
	return nil
}

// Target computes the clamped grid for px.
func (n *Negotiator) Target(px PixelSize) Grid {
	m := n.Metrics()
	cellW, cellH := m.Cell()
	g := Grid{
		Cols: int(math.Floor(float64(max(px.Width, 0)) / cellW)),
		Rows: int(math.Floor(float64(max(px.Height, 0)) / cellH)),
	}
	minimum := m.DesktopMin
	if px.Width < m.CompactBreakpoint {
		minimum = m.CompactMin
	}
	g.Cols = max(g.Cols, minimum.Cols)
	g.Rows = max(g.Rows, minimum.Rows)
	return g
}

// Fit applies the target grid for px to the session's consumer, records the
// size the consumer settled on and reports that size to the server.
func (n *Negotiator) Fit(s *session.Session, px PixelSize) (Grid, error) {
	target := n.Target(px)
	consumer := s.Consumer()
	consumer.Resize(target.Rows, target.Cols)
	rows, cols := consumer.Size()
	actual := Grid{Cols: cols, Rows: rows}

	if n.recorder != nil {
		n.recorder.SetGrid(s.ID(), actual.Cols, actual.Rows)
	}
	log := logx.WithSession(n.log, s.ID())
	if actual != target {
		log.Debug("consumer snapped grid", "target", target.String(), "actual", actual.String())
	}
	if err := n.Report(s.ID(), actual); err != nil {
		log.Warn("resize report failed", "grid", actual.String(), "err", err)
		return actual, err
	}
	return actual, nil
}

// Report sends a resize for id without touching its consumer.
func (n *Negotiator) Report(id string, g Grid) error {
	env, err := protocol.New(protocol.MsgResize, id, protocol.ResizePayload{Cols: g.Cols, Rows: g.Rows})
	if err != nil {
		return err
	}
	if err := n.sender.Send(env); err != nil {
		return fmt.Errorf("report resize: %w", err)
	}
	return nil
}
