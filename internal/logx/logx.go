// Package logx holds small pslog helpers shared by the client and server.
package logx

import (
	"io"
	"strings"

	"pkt.systems/pslog"
)

// New builds a structured logger writing to w. level accepts "debug"; anything
// else logs at info.
func New(w io.Writer, level string) pslog.Logger {
	minLevel := pslog.InfoLevel
	if strings.EqualFold(strings.TrimSpace(level), "debug") {
		minLevel = pslog.DebugLevel
	}
	return pslog.NewWithOptions(w, pslog.Options{
		Mode:     pslog.ModeStructured,
		NoColor:  true,
		MinLevel: minLevel,
	})
}

// Discard returns a logger that drops everything.
func Discard() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true})
}

// OrDiscard returns log, or a discarding logger when log is nil.
func OrDiscard(log pslog.Logger) pslog.Logger {
	if log == nil {
		return Discard()
	}
	return log
}

// WithSession annotates the logger with a terminal session id when available.
func WithSession(log pslog.Logger, sessionID string) pslog.Logger {
	if sessionID != "" {
		log = log.With("session", sessionID)
	}
	return log
}
