package status

import (
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"

	"github.com/agent-racer/termplex/internal/notify"
	"github.com/agent-racer/termplex/internal/session"
)

func TestTitle(t *testing.T) {
	tests := []struct {
		name string
		info session.Info
		want string
	}{
		{name: "short name", info: session.Info{ID: "abcdef123", Name: "shell"}, want: "shell"},
		{name: "empty name uses id prefix", info: session.Info{ID: "abcdef123456"}, want: "abcdef12"},
		{name: "long name truncated", info: session.Info{Name: strings.Repeat("x", 40)}, want: strings.Repeat("x", MaxTitleWidth-1) + "…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Title(tt.info); got != tt.want {
				t.Errorf("Title() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTitleWideRunes(t *testing.T) {
	got := Title(session.Info{Name: strings.Repeat("界", 30)})
	if w := runewidth.StringWidth(got); w > MaxTitleWidth {
		t.Errorf("title width = %d, want <= %d", w, MaxTitleWidth)
	}
}

func TestTabsListsSessions(t *testing.T) {
	m := New()
	m.Width = 80
	m.Sessions = []session.Info{
		{ID: "s1", Name: "build", State: session.StateAttached},
		{ID: "s2", Name: "logs", State: session.StateStale, Active: true},
	}
	tabs := ansi.Strip(m.Tabs())
	for _, want := range []string{"1:build", "2:logs", "✗"} {
		if !strings.Contains(tabs, want) {
			t.Errorf("tabs %q missing %q", tabs, want)
		}
	}
}

func TestTabsFitWidth(t *testing.T) {
	m := New()
	m.Width = 30
	for i := 0; i < 10; i++ {
		m.Sessions = append(m.Sessions, session.Info{ID: "s", Name: "terminal"})
	}
	if w := ansi.StringWidth(m.Tabs()); w > 30 {
		t.Errorf("tabs width = %d, want <= 30", w)
	}
}

func TestViewShowsConnectionAndNotification(t *testing.T) {
	m := New()
	m.Width = 120
	m.Sessions = []session.Info{{ID: "s1", Name: "build", Cols: 80, Rows: 24, Active: true, State: session.StateAttached}}
	m.Last = &notify.Notification{Level: notify.LevelWarn, Message: "connection lost"}

	v := ansi.Strip(m.View())
	for _, want := range []string{"reconnecting", "build 80x24 attached", "connection lost"} {
		if !strings.Contains(v, want) {
			t.Errorf("status %q missing %q", v, want)
		}
	}

	m.Connected = true
	if v := ansi.Strip(m.View()); !strings.Contains(v, "connected") || strings.Contains(v, "reconnecting") {
		t.Errorf("connected status wrong: %q", v)
	}
}
