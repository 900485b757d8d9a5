// Package status renders the tab bar and status line above a terminal.
package status

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"

	"github.com/agent-racer/termplex/internal/notify"
	"github.com/agent-racer/termplex/internal/session"
	"github.com/agent-racer/termplex/internal/theme"
)

// MaxTitleWidth caps a single tab title, in terminal cells.
const MaxTitleWidth = 20

// Model holds the status bar state.
type Model struct {
	Connected bool
	Sessions  []session.Info
	Last      *notify.Notification
	Hint      string
	Width     int
}

// New creates a status bar model.
func New() Model {
	return Model{Hint: "ctrl+b ? help"}
}

// Title returns the tab title for s, truncated to MaxTitleWidth cells.
func Title(s session.Info) string {
	name := s.Name
	if name == "" && len(s.ID) >= 8 {
		name = s.ID[:8]
	}
	return runewidth.Truncate(name, MaxTitleWidth, "…")
}

// Tabs renders one line with a tab per session.
func (m Model) Tabs() string {
	width := max(m.Width, 20)
	if len(m.Sessions) == 0 {
		return theme.StyleDimmed.Width(width).Render(" no sessions, ctrl+b c to create one")
	}
	parts := make([]string, 0, len(m.Sessions))
	for i, s := range m.Sessions {
		glyph := lipgloss.NewStyle().Foreground(theme.StateColor(s.State)).Render(theme.StateGlyph(s.State))
		label := fmt.Sprintf("%d:%s", i+1, Title(s))
		style := theme.StyleTab
		if s.Active {
			style = theme.StyleActiveTab
		}
		parts = append(parts, glyph+style.Render(label))
	}
	return ansi.Truncate(strings.Join(parts, " "), width, "…")
}

// View renders the status line: connection, active session, last
// notification and the key hint.
func (m Model) View() string {
	width := max(m.Width, 20)

	var connStr string
	if m.Connected {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● connected")
	} else {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ reconnecting")
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr
	for _, s := range m.Sessions {
		if !s.Active {
			continue
		}
		content += sep + fmt.Sprintf("%s %dx%d %s", Title(s), s.Cols, s.Rows, s.State)
		break
	}
	if m.Last != nil {
		note := runewidth.Truncate(m.Last.Message, max(width/2, 10), "…")
		content += sep + lipgloss.NewStyle().Foreground(theme.LevelColor(m.Last.Level)).Render(note)
	}
	if m.Hint != "" {
		content += sep + theme.StyleDimmed.Render(m.Hint)
	}

	return lipgloss.NewStyle().
		Width(width).
		Render(ansi.Truncate(content, width, "…"))
}
