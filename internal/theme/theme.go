// Package theme provides the Lip Gloss color palette and reusable styles
// for the termplex TUI. It imports only the session package for state names.
package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/termplex/internal/notify"
	"github.com/agent-racer/termplex/internal/session"
)

// Session state colors.
var (
	ColorAttached   = lipgloss.Color("#22c55e")
	ColorPending    = lipgloss.Color("#7c3aed")
	ColorDetached   = lipgloss.Color("#d97706")
	ColorStale      = lipgloss.Color("#dc2626")
	ColorUnattached = lipgloss.Color("#4b5563")
	ColorDefault    = lipgloss.Color("#9ca3af")
)

// UI chrome colors.
var (
	ColorBorder    = lipgloss.Color("#4b5563")
	ColorDimmed    = lipgloss.Color("#6b7280")
	ColorBright    = lipgloss.Color("#f9fafb")
	ColorBg        = lipgloss.Color("#111827")
	ColorActiveTab = lipgloss.Color("#2563eb")
	ColorHealthy   = lipgloss.Color("#22c55e")
	ColorWarning   = lipgloss.Color("#d97706")
	ColorDanger    = lipgloss.Color("#dc2626")
)

// StateColor returns the Lip Gloss color for a session state.
func StateColor(state session.State) lipgloss.Color {
	switch state {
	case session.StateAttached:
		return ColorAttached
	case session.StatePending:
		return ColorPending
	case session.StateDetached:
		return ColorDetached
	case session.StateStale:
		return ColorStale
	case session.StateUnattached:
		return ColorUnattached
	default:
		return ColorDefault
	}
}

// StateGlyph returns a Unicode glyph representing a session state.
func StateGlyph(state session.State) string {
	switch state {
	case session.StateAttached:
		return "●"
	case session.StatePending:
		return "◎"
	case session.StateDetached:
		return "◌"
	case session.StateStale:
		return "✗"
	case session.StateUnattached:
		return "○"
	default:
		return "·"
	}
}

// LevelColor returns the color for a notification level.
func LevelColor(level notify.Level) lipgloss.Color {
	switch level {
	case notify.LevelError:
		return ColorDanger
	case notify.LevelWarn:
		return ColorWarning
	default:
		return ColorDimmed
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleTab = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(ColorDefault)

	StyleActiveTab = lipgloss.NewStyle().
			Padding(0, 1).
			Bold(true).
			Foreground(ColorBright).
			Background(ColorActiveTab)

	StylePrompt = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright).
			Background(ColorBorder)
)
