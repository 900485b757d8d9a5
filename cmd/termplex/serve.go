package main

import (
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/agent-racer/termplex/internal/server"
)

var serveBindings = bindings{
	"serve.addr":          "addr",
	"serve.shell":         "shell",
	"serve.state_file":    "state-file",
	"serve.history_bytes": "history-bytes",
	"serve.token":         "token",
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a termplex server hosting PTY sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, serveBindings)
			if err != nil {
				return err
			}
			logger := pslog.Ctx(cmd.Context())
			if cfg.Log.File != "" {
				l, closeLog, err := openLog(cfg.Log, "")
				if err != nil {
					return err
				}
				defer closeLog()
				logger = l
			}

			store, err := server.OpenSavedStore(cfg.Serve.StateFile)
			if err != nil {
				return err
			}
			srv := server.New(server.Options{
				Token:        cfg.Serve.Token,
				Shell:        cfg.Serve.Shell,
				HistoryBytes: cfg.Serve.HistoryBytes,
				Store:        store,
				Logger:       logger,
			})
			if cfg.Serve.Token == "" {
				logger.Warn("serving without a token; any local client can attach")
			}
			ctx := pslog.ContextWithLogger(cmd.Context(), logger)
			return srv.ListenAndServe(ctx, cfg.Serve.Addr)
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().String("shell", "", "command to run in new sessions")
	cmd.Flags().String("state-file", "", "where saved sessions are kept")
	cmd.Flags().Int("history-bytes", 0, "per-session output kept for replay")
	cmd.Flags().String("token", "", "require this token from clients")
	return cmd
}
