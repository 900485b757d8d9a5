package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"pkt.systems/psi"
	"pkt.systems/pslog"

	"github.com/agent-racer/termplex/internal/config"
	"github.com/agent-racer/termplex/internal/logx"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("termplex command failed")
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "termplex",
		Short:         "Multiplex terminal sessions over one connection",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().String("config", "", "config file (default ~/.config/termplex/config.yaml)")
	root.PersistentFlags().String("log-level", "", "log level: info or debug")
	root.PersistentFlags().String("log-file", "", "write logs to this file")

	attach := newAttachCmd()
	// A bare "termplex" attaches.
	root.RunE = attach.RunE
	root.Flags().AddFlagSet(attach.Flags())

	root.AddCommand(attach)
	root.AddCommand(newServeCmd())
	root.AddCommand(newSessionsCmd())
	return root
}

// bindings maps config keys to flag names.
type bindings map[string]string

var commonBindings = bindings{
	"log.level": "log-level",
	"log.file":  "log-file",
}

var clientBindings = bindings{
	"server.url":   "url",
	"server.token": "token",
}

// loadConfig resolves the config path, binds the command's flags over the
// keys in b and loads the result.
func loadConfig(cmd *cobra.Command, b bindings) (config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			return config.Config{}, "", err
		}
		path = p
	}
	v := config.NewViper(path)
	for _, set := range []bindings{commonBindings, b} {
		for key, name := range set {
			flag := cmd.Flags().Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return config.Config{}, "", fmt.Errorf("bind --%s: %w", name, err)
			}
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, "", err
	}
	return cfg, path, nil
}

// openLog opens cfg's log file, or fallback when none is configured. The
// returned function closes the file.
func openLog(cfg config.LogConfig, fallback string) (pslog.Logger, func(), error) {
	path := cfg.File
	if path == "" {
		path = fallback
	}
	if path == "" {
		return logx.New(os.Stderr, cfg.Level), func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return logx.New(f, cfg.Level), func() { _ = f.Close() }, nil
}

// defaultClientLog is where the TUI logs when no file is configured, since
// it owns the terminal.
func defaultClientLog() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "termplex.log")
	}
	return filepath.Join(dir, "termplex", "termplex.log")
}
