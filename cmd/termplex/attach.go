package main

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/agent-racer/termplex/internal/app"
	"github.com/agent-racer/termplex/internal/client"
	"github.com/agent-racer/termplex/internal/config"
	"github.com/agent-racer/termplex/internal/mux"
	"github.com/agent-racer/termplex/internal/surface"
)

func newAttachCmd() *cobra.Command {
	var workDir string
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Open the terminal UI and attach to the server's sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(cmd, workDir)
		},
	}
	addClientFlags(cmd)
	cmd.Flags().StringVarP(&workDir, "dir", "C", "", "working directory for new sessions")
	return cmd
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", "", "WebSocket URL of the termplex server")
	cmd.Flags().String("token", "", "auth token, if the server requires one")
}

func runAttach(cmd *cobra.Command, workDir string) error {
	cfg, path, err := loadConfig(cmd, clientBindings)
	if err != nil {
		return err
	}
	logger, closeLog, err := openLog(cfg.Log, defaultClientLog())
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithCancel(pslog.ContextWithLogger(cmd.Context(), logger))
	defer cancel()

	base, err := client.BaseURL(cfg.Server.URL)
	if err != nil {
		return err
	}
	ws := client.NewWSClient(client.Options{
		URL:           cfg.Server.URL,
		Token:         cfg.Server.Token,
		ReconnectBase: cfg.Timeouts.ReconnectBase,
		ReconnectMax:  cfg.Timeouts.ReconnectMax,
		ConnectWait:   cfg.Timeouts.ConnectWait,
		Logger:        logger.With("component", "ws"),
	})
	viewport := &surface.Viewport{}
	ctl := mux.New(mux.Config{
		Transport:       ws,
		API:             client.NewHTTPClient(base, cfg.Server.Token),
		Surface:         viewport,
		Metrics:         cfg.Display.Metrics(),
		Chrome:          app.ChromeRows,
		ReattachTimeout: cfg.Timeouts.Reattach,
		Logger:          logger,
	})
	defer ctl.Shutdown()

	go func() { _ = ws.Run(ctx) }()
	go func() { _ = ctl.Run(ctx) }()

	reload := func() (config.Config, error) {
		cfg, _, err := loadConfig(cmd, clientBindings)
		return cfg, err
	}
	stop := watchConfig(ctx, path, reload, ctl, logger)
	defer stop()

	logger.Info("attaching", "url", cfg.Server.URL)
	p := tea.NewProgram(
		app.New(ctl, viewport, app.Options{WorkingDir: workDir}),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("run ui: %w", err)
	}
	return nil
}

// watchConfig re-applies display metrics and the reattach timeout whenever
// the config file changes. The returned function stops watching.
func watchConfig(ctx context.Context, path string, reload func() (config.Config, error), ctl *mux.Controller, logger pslog.Logger) func() {
	w, err := config.NewWatcher(path, 0)
	if err != nil {
		logger.Warn("config watch disabled", "err", err)
		return func() {}
	}
	changes, err := w.Start()
	if err != nil {
		_ = w.Stop()
		logger.Warn("config watch disabled", "path", path, "err", err)
		return func() {}
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				cfg, err := reload()
				if err != nil {
					logger.Warn("config reload failed", "err", err)
					continue
				}
				if err := ctl.ApplyDisplay(cfg.Display.Metrics()); err != nil {
					continue
				}
				ctl.SetReattachTimeout(cfg.Timeouts.Reattach)
				logger.Info("config reloaded", "path", path)
			}
		}
	}()
	return func() { _ = w.Stop() }
}
