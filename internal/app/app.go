// Package app is the Bubble Tea front end: a tab bar, the active terminal and
// a status line, driven by a mux.Controller.
package app

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/termplex/internal/mux"
	"github.com/agent-racer/termplex/internal/notify"
	"github.com/agent-racer/termplex/internal/session"
	"github.com/agent-racer/termplex/internal/surface"
	"github.com/agent-racer/termplex/internal/theme"
	"github.com/agent-racer/termplex/internal/views/status"
)

// ChromeRows is the number of rows the tab bar and status line take outside
// fullscreen. Pass it as mux.Config.Chrome with cell metrics.
const ChromeRows = 2

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayHelp
	OverlayRename
)

type changedMsg struct{}

type noteMsg notify.Notification

type opDoneMsg struct {
	op  string
	err error
}

// Options configures the root model.
type Options struct {
	// WorkingDir is where new sessions start. Empty means the server default.
	WorkingDir string
}

// Model is the root Bubble Tea model.
type Model struct {
	ctl      *mux.Controller
	viewport *surface.Viewport
	ctx      context.Context
	cancel   context.CancelFunc
	opts     Options

	keys    KeyMap
	width   int
	height  int
	prefix  bool
	overlay Overlay

	rename   textinput.Model
	renameID string
	help     string

	statusBar status.Model
}

// New creates the root model. viewport must be the Surface the controller
// was built with.
func New(ctl *mux.Controller, viewport *surface.Viewport, opts Options) Model {
	ctx, cancel := context.WithCancel(context.Background())
	ti := textinput.New()
	ti.Prompt = "rename: "
	ti.CharLimit = session.MaxNameLength
	ti.Width = 40
	return Model{
		ctl:       ctl,
		viewport:  viewport,
		ctx:       ctx,
		cancel:    cancel,
		opts:      opts,
		keys:      DefaultKeyMap(),
		rename:    ti,
		statusBar: status.New(),
	}
}

// Init loads existing sessions and starts listening for controller updates.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.run("startup", func() error { return m.ctl.Startup(m.ctx) }),
		m.waitForChange(),
		m.waitForNotification(),
	)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.ctl.Resize(surface.PixelSize{Width: msg.Width, Height: msg.Height})
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case changedMsg:
		m.refresh()
		return m, m.waitForChange()

	case noteMsg:
		n := notify.Notification(msg)
		m.statusBar.Last = &n
		return m, m.waitForNotification()

	case opDoneMsg:
		if msg.err != nil && !errors.Is(msg.err, context.Canceled) {
			m.statusBar.Last = &notify.Notification{Level: notify.LevelWarn, Message: msg.op + ": " + msg.err.Error()}
		}
		m.refresh()
		return m, nil
	}

	if m.overlay == OverlayRename {
		var cmd tea.Cmd
		m.rename, cmd = m.rename.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.overlay {
	case OverlayHelp:
		if key.Matches(msg, m.keys.Escape, m.keys.Help, m.keys.Quit) {
			m.overlay = OverlayNone
		}
		return m, nil
	case OverlayRename:
		return m.handleRenameKey(msg)
	}

	if m.prefix {
		m.prefix = false
		return m.handlePrefixed(msg)
	}
	if key.Matches(msg, m.keys.Prefix) {
		m.prefix = true
		return m, nil
	}

	data := keyBytes(msg)
	if len(data) == 0 {
		return m, nil
	}
	if err := m.ctl.Input(data); err != nil && !errors.Is(err, mux.ErrNoActiveSession) {
		m.statusBar.Last = &notify.Notification{Level: notify.LevelWarn, Message: "input: " + err.Error()}
	}
	return m, nil
}

func (m Model) handlePrefixed(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Prefix):
		// Prefix twice sends the prefix itself.
		_ = m.ctl.Input(keyBytes(msg))
		return m, nil

	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.New):
		wd := m.opts.WorkingDir
		return m, m.run("new session", func() error {
			_, err := m.ctl.NewSession(m.ctx, "", wd)
			return err
		})

	case key.Matches(msg, m.keys.Close):
		m.report("close", m.ctl.CloseActive())

	case key.Matches(msg, m.keys.Next):
		m.report("next", m.ctl.Next())

	case key.Matches(msg, m.keys.Prev):
		m.report("previous", m.ctl.Prev())

	case key.Matches(msg, m.keys.Jump):
		idx := int(msg.Runes[0] - '1')
		all := m.ctl.Registry().All()
		if idx < len(all) {
			m.report("switch", m.ctl.Switch(all[idx].ID()))
		}

	case key.Matches(msg, m.keys.Retry):
		if s := m.ctl.Registry().Active(); s != nil {
			m.report("retry", m.ctl.Retry(s.ID()))
		}

	case key.Matches(msg, m.keys.Fullscreen):
		m.ctl.SetFullscreen(!m.ctl.Fullscreen())

	case key.Matches(msg, m.keys.Rename):
		s := m.ctl.Registry().Active()
		if s == nil {
			return m, nil
		}
		m.overlay = OverlayRename
		m.renameID = s.ID()
		m.rename.SetValue(s.Name())
		m.rename.CursorEnd()
		return m, m.rename.Focus()

	case key.Matches(msg, m.keys.Help):
		m.overlay = OverlayHelp
		m.help = renderHelp(m.keys, m.width)
	}
	m.refresh()
	return m, nil
}

func (m Model) handleRenameKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Escape):
		m.overlay = OverlayNone
		m.rename.Blur()
		return m, nil
	case key.Matches(msg, m.keys.Confirm):
		m.overlay = OverlayNone
		m.rename.Blur()
		id, name := m.renameID, strings.TrimSpace(m.rename.Value())
		if name == "" {
			return m, nil
		}
		return m, m.run("rename", func() error { return m.ctl.Rename(m.ctx, id, name) })
	}
	var cmd tea.Cmd
	m.rename, cmd = m.rename.Update(msg)
	return m, cmd
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.overlay == OverlayHelp {
		return m.help
	}

	body := m.renderTerminal()
	if m.ctl.Fullscreen() {
		return body
	}

	bottom := m.statusBar.View()
	switch {
	case m.overlay == OverlayRename:
		bottom = theme.StylePrompt.Width(m.width).Render(m.rename.View())
	case m.prefix:
		bottom = theme.StylePrompt.Width(m.width).Render("prefix: c new  x close  n/p switch  r rename  ? help")
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.statusBar.Tabs(), body, bottom)
}

func (m Model) renderTerminal() string {
	rows := m.height
	if !m.ctl.Fullscreen() {
		rows = max(rows-ChromeRows, 1)
	}
	var b strings.Builder
	if m.viewport.Attached() {
		_ = m.viewport.Render(&b)
	}
	body := strings.TrimRight(b.String(), "\n")
	if body == "" && !m.viewport.Attached() {
		hint := "  no active session"
		if m.ctl.Registry().Len() == 0 {
			hint = "  no sessions, ctrl+b c opens one"
		}
		body = theme.StyleDimmed.Render(hint)
	}
	return lipgloss.NewStyle().Height(rows).MaxHeight(rows).Render(body)
}

// refresh copies controller state into the status bar.
func (m *Model) refresh() {
	all := m.ctl.Registry().All()
	infos := make([]session.Info, len(all))
	for i, s := range all {
		infos[i] = s.Info()
	}
	m.statusBar.Sessions = infos
	m.statusBar.Connected = m.ctl.Connected()
}

func (m *Model) report(op string, err error) {
	if err == nil || errors.Is(err, mux.ErrNoActiveSession) {
		return
	}
	m.statusBar.Last = &notify.Notification{Level: notify.LevelWarn, Message: op + ": " + err.Error()}
}

// run executes a blocking controller call off the update loop.
func (m Model) run(op string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{op: op, err: fn()}
	}
}

func (m Model) waitForChange() tea.Cmd {
	changes := m.ctl.Changes()
	ctx := m.ctx
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			return changedMsg{}
		}
	}
}

func (m Model) waitForNotification() tea.Cmd {
	notes := m.ctl.Notifications()
	ctx := m.ctx
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return nil
		case n := <-notes:
			return noteMsg(n)
		}
	}
}
