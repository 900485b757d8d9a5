package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(NewViper(filepath.Join(t.TempDir(), "absent.yaml")))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := Defaults()
	if cfg.Server.URL != d.Server.URL {
		t.Errorf("Server.URL = %q", cfg.Server.URL)
	}
	if cfg.Timeouts.Reattach != 5*time.Second || cfg.Timeouts.ConnectWait != 5*time.Second {
		t.Errorf("Timeouts = %+v", cfg.Timeouts)
	}
	if cfg.Display.Metrics() != d.Display.Metrics() {
		t.Errorf("Display = %+v", cfg.Display)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  url: wss://term.example.com/ws
  token: abc
display:
  font_size: 14
  line_height: 1.2
  char_width: 0.6
  compact_breakpoint: 768
timeouts:
  reattach: 2s
  reconnect_max: 10s
serve:
  history_bytes: 1024
`)
	cfg, err := Load(NewViper(path))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.URL != "wss://term.example.com/ws" || cfg.Server.Token != "abc" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Timeouts.Reattach != 2*time.Second || cfg.Timeouts.ReconnectMax != 10*time.Second {
		t.Errorf("Timeouts = %+v", cfg.Timeouts)
	}
	m := cfg.Display.Metrics()
	if m.FontSize != 14 || m.CompactBreakpoint != 768 || m.DesktopMin.Cols != 80 {
		t.Errorf("Metrics = %+v", m)
	}
	if cfg.Serve.HistoryBytes != 1024 {
		t.Errorf("HistoryBytes = %d", cfg.Serve.HistoryBytes)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TERMPLEX_SERVER_TOKEN", "from-env")
	t.Setenv("TERMPLEX_TIMEOUTS_REATTACH", "9s")
	cfg, err := Load(NewViper(filepath.Join(t.TempDir(), "absent.yaml")))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Token != "from-env" {
		t.Errorf("Server.Token = %q", cfg.Server.Token)
	}
	if cfg.Timeouts.Reattach != 9*time.Second {
		t.Errorf("Timeouts.Reattach = %v", cfg.Timeouts.Reattach)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"http url", "server:\n  url: http://host/ws\n"},
		{"zero font", "display:\n  font_size: 0\n"},
		{"backoff inverted", "timeouts:\n  reconnect_base: 10s\n  reconnect_max: 1s\n"},
		{"bad yaml", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(NewViper(writeConfig(t, tt.body))); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWatcherSignalsOnWrite(t *testing.T) {
	path := writeConfig(t, "server:\n  token: one\n")
	w, err := NewWatcher(path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	changes, err := w.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-changes:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(100 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte("server:\n  token: two\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change signal after write")
	}
	cfg, err := Load(NewViper(path))
	if err != nil || cfg.Server.Token != "two" {
		t.Errorf("reloaded token = %q, %v", cfg.Server.Token, err)
	}
}
