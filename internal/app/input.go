package app

import tea "github.com/charmbracelet/bubbletea"

// keySequences maps non-printing keys to the bytes a VT100-style terminal
// sends for them.
var keySequences = map[tea.KeyType]string{
	tea.KeyUp:       "\x1b[A",
	tea.KeyDown:     "\x1b[B",
	tea.KeyRight:    "\x1b[C",
	tea.KeyLeft:     "\x1b[D",
	tea.KeyShiftTab: "\x1b[Z",
	tea.KeyHome:     "\x1b[H",
	tea.KeyEnd:      "\x1b[F",
	tea.KeyPgUp:     "\x1b[5~",
	tea.KeyPgDown:   "\x1b[6~",
	tea.KeyDelete:   "\x1b[3~",
	tea.KeyInsert:   "\x1b[2~",
	tea.KeySpace:    " ",
	tea.KeyF1:       "\x1bOP",
	tea.KeyF2:       "\x1bOQ",
	tea.KeyF3:       "\x1bOR",
	tea.KeyF4:       "\x1bOS",
	tea.KeyF5:       "\x1b[15~",
	tea.KeyF6:       "\x1b[17~",
	tea.KeyF7:       "\x1b[18~",
	tea.KeyF8:       "\x1b[19~",
	tea.KeyF9:       "\x1b[20~",
	tea.KeyF10:      "\x1b[21~",
	tea.KeyF11:      "\x1b[23~",
	tea.KeyF12:      "\x1b[24~",
}

// keyBytes translates a key press into terminal input. It returns nil for
// keys with no byte representation.
func keyBytes(msg tea.KeyMsg) []byte {
	var out string
	switch {
	case msg.Type == tea.KeyRunes:
		out = string(msg.Runes)
		if msg.Paste {
			out = "\x1b[200~" + out + "\x1b[201~"
		}
	case msg.Type >= 0 && msg.Type < 32, msg.Type == tea.KeyBackspace:
		// Control characters map to themselves.
		out = string(rune(msg.Type))
	default:
		seq, ok := keySequences[msg.Type]
		if !ok {
			return nil
		}
		out = seq
	}
	if msg.Alt {
		out = "\x1b" + out
	}
	return []byte(out)
}
