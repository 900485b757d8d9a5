// Package config loads termplex settings from a YAML file, TERMPLEX_*
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agent-racer/termplex/internal/surface"
)

// EnvPrefix is the prefix for environment overrides, e.g. TERMPLEX_SERVER_URL.
const EnvPrefix = "TERMPLEX"

// Config is the complete termplex configuration.
type Config struct {
	Server   ServerConfig  `mapstructure:"server"`
	Display  DisplayConfig `mapstructure:"display"`
	Timeouts TimeoutConfig `mapstructure:"timeouts"`
	Log      LogConfig     `mapstructure:"log"`
	Serve    ServeConfig   `mapstructure:"serve"`
}

// ServerConfig points the client at a server.
type ServerConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// DisplayConfig sizes the character cell and the minimum grids.
type DisplayConfig struct {
	FontSize          float64 `mapstructure:"font_size"`
	LineHeight        float64 `mapstructure:"line_height"`
	CharWidth         float64 `mapstructure:"char_width"`
	CompactBreakpoint int     `mapstructure:"compact_breakpoint"`
	CompactMinCols    int     `mapstructure:"compact_min_cols"`
	CompactMinRows    int     `mapstructure:"compact_min_rows"`
	DesktopMinCols    int     `mapstructure:"desktop_min_cols"`
	DesktopMinRows    int     `mapstructure:"desktop_min_rows"`
}

// Metrics converts the display section for the resize negotiator.
func (d DisplayConfig) Metrics() surface.Metrics {
	return surface.Metrics{
		FontSize:          d.FontSize,
		LineHeight:        d.LineHeight,
		CharWidthRatio:    d.CharWidth,
		CompactBreakpoint: d.CompactBreakpoint,
		CompactMin:        surface.Grid{Cols: d.CompactMinCols, Rows: d.CompactMinRows},
		DesktopMin:        surface.Grid{Cols: d.DesktopMinCols, Rows: d.DesktopMinRows},
	}
}

// TimeoutConfig holds the transport and reattach timings.
type TimeoutConfig struct {
	ConnectWait   time.Duration `mapstructure:"connect_wait"`
	Reattach      time.Duration `mapstructure:"reattach"`
	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max"`
}

// LogConfig controls the log destination. An empty File logs to stderr.
type LogConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// ServeConfig configures the reference server.
type ServeConfig struct {
	Addr         string `mapstructure:"addr"`
	Shell        string `mapstructure:"shell"`
	StateFile    string `mapstructure:"state_file"`
	HistoryBytes int    `mapstructure:"history_bytes"`
	Token        string `mapstructure:"token"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	cells := surface.CellMetrics()
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return Config{
		Server: ServerConfig{URL: "ws://127.0.0.1:7681/ws"},
		Display: DisplayConfig{
			FontSize:          cells.FontSize,
			LineHeight:        cells.LineHeight,
			CharWidth:         cells.CharWidthRatio,
			CompactBreakpoint: cells.CompactBreakpoint,
			CompactMinCols:    cells.CompactMin.Cols,
			CompactMinRows:    cells.CompactMin.Rows,
			DesktopMinCols:    cells.DesktopMin.Cols,
			DesktopMinRows:    cells.DesktopMin.Rows,
		},
		Timeouts: TimeoutConfig{
			ConnectWait:   5 * time.Second,
			Reattach:      5 * time.Second,
			ReconnectBase: time.Second,
			ReconnectMax:  30 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Serve: ServeConfig{
			Addr:         "127.0.0.1:7681",
			Shell:        shell,
			StateFile:    defaultStateFile(),
			HistoryBytes: 256 * 1024,
		},
	}
}

// DefaultConfigPath returns ~/.config/termplex/config.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", "termplex", "config.yaml"), nil
}

func defaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "termplex-sessions.yaml"
	}
	return filepath.Join(dir, "termplex", "sessions.yaml")
}

// NewViper returns a viper instance with defaults and environment overrides
// registered. Callers may bind flags before calling Load.
func NewViper(path string) *viper.Viper {
	d := Defaults()
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.url", d.Server.URL)
	v.SetDefault("server.token", d.Server.Token)
	v.SetDefault("display.font_size", d.Display.FontSize)
	v.SetDefault("display.line_height", d.Display.LineHeight)
	v.SetDefault("display.char_width", d.Display.CharWidth)
	v.SetDefault("display.compact_breakpoint", d.Display.CompactBreakpoint)
	v.SetDefault("display.compact_min_cols", d.Display.CompactMinCols)
	v.SetDefault("display.compact_min_rows", d.Display.CompactMinRows)
	v.SetDefault("display.desktop_min_cols", d.Display.DesktopMinCols)
	v.SetDefault("display.desktop_min_rows", d.Display.DesktopMinRows)
	v.SetDefault("timeouts.connect_wait", d.Timeouts.ConnectWait)
	v.SetDefault("timeouts.reattach", d.Timeouts.Reattach)
	v.SetDefault("timeouts.reconnect_base", d.Timeouts.ReconnectBase)
	v.SetDefault("timeouts.reconnect_max", d.Timeouts.ReconnectMax)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("serve.addr", d.Serve.Addr)
	v.SetDefault("serve.shell", d.Serve.Shell)
	v.SetDefault("serve.state_file", d.Serve.StateFile)
	v.SetDefault("serve.history_bytes", d.Serve.HistoryBytes)
	v.SetDefault("serve.token", d.Serve.Token)
	return v
}

// Load reads the config file behind v, if it exists, and decodes the result.
func Load(v *viper.Viper) (Config, error) {
	if path := v.ConfigFileUsed(); path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Log.File = expandHome(cfg.Log.File)
	cfg.Serve.StateFile = expandHome(cfg.Serve.StateFile)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot default away.
func (c Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("server.url must be a ws:// or wss:// URL, got %q", c.Server.URL)
	}
	if err := c.Display.Metrics().Validate(); err != nil {
		return fmt.Errorf("display: %w", err)
	}
	t := c.Timeouts
	if t.ConnectWait <= 0 || t.Reattach <= 0 || t.ReconnectBase <= 0 || t.ReconnectMax < t.ReconnectBase {
		return errors.New("timeouts must be positive and reconnect_max must not be below reconnect_base")
	}
	if c.Serve.HistoryBytes < 0 {
		return errors.New("serve.history_bytes must not be negative")
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
