package app

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the keyboard bindings. Everything except Prefix is only
// matched on the key that follows the prefix; other keys go to the terminal.
type KeyMap struct {
	Prefix     key.Binding
	New        key.Binding
	Close      key.Binding
	Next       key.Binding
	Prev       key.Binding
	Rename     key.Binding
	Retry      key.Binding
	Fullscreen key.Binding
	Help       key.Binding
	Quit       key.Binding
	Escape     key.Binding
	Confirm    key.Binding
	Jump       key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Prefix: key.NewBinding(
			key.WithKeys("ctrl+b"),
			key.WithHelp("ctrl+b", "prefix"),
		),
		New: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "new session"),
		),
		Close: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "close session"),
		),
		Next: key.NewBinding(
			key.WithKeys("n", "right"),
			key.WithHelp("n/→", "next session"),
		),
		Prev: key.NewBinding(
			key.WithKeys("p", "left"),
			key.WithHelp("p/←", "previous session"),
		),
		Rename: key.NewBinding(
			key.WithKeys("r", ","),
			key.WithHelp("r", "rename session"),
		),
		Retry: key.NewBinding(
			key.WithKeys("R"),
			key.WithHelp("R", "retry reattach"),
		),
		Fullscreen: key.NewBinding(
			key.WithKeys("f"),
			key.WithHelp("f", "toggle fullscreen"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "d"),
			key.WithHelp("q/d", "quit (sessions keep running)"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "close overlay"),
		),
		Confirm: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "confirm"),
		),
		Jump: key.NewBinding(
			key.WithKeys("1", "2", "3", "4", "5", "6", "7", "8", "9"),
			key.WithHelp("1-9", "jump to session"),
		),
	}
}

// prefixed lists the bindings shown in the help overlay.
func (k KeyMap) prefixed() []key.Binding {
	return []key.Binding{k.New, k.Close, k.Next, k.Prev, k.Jump, k.Rename, k.Retry, k.Fullscreen, k.Help, k.Quit}
}
