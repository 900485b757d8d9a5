// Package server is a small reference termplex server: it hosts PTY sessions,
// multiplexes them over one WebSocket per client and exposes the session
// listing over REST.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/agent-racer/termplex/internal/logx"
	"github.com/agent-racer/termplex/internal/protocol"
)

const (
	authTimeout   = 10 * time.Second
	maxNameLength = 64
)

// Options configure a Server.
type Options struct {
	Token        string
	Shell        string
	HistoryBytes int
	Store        *SavedStore
	Launcher     Launcher
	Logger       pslog.Logger
}

// Server hosts terminal sessions.
type Server struct {
	token        string
	shell        string
	historyBytes int
	store        *SavedStore
	launcher     Launcher
	log          pslog.Logger
	upgrader     websocket.Upgrader

	mu        sync.RWMutex
	terminals map[string]*terminal
	conns     map[*conn]struct{}
}

// New creates a server. A nil Store keeps saved sessions in memory and a nil
// Launcher uses PTYLauncher.
func New(opts Options) *Server {
	s := &Server{
		token:        opts.Token,
		shell:        opts.Shell,
		historyBytes: opts.HistoryBytes,
		store:        opts.Store,
		launcher:     opts.Launcher,
		log:          logx.OrDiscard(opts.Logger),
		terminals:    make(map[string]*terminal),
		conns:        make(map[*conn]struct{}),
	}
	if s.shell == "" {
		s.shell = "/bin/sh"
	}
	if s.historyBytes == 0 {
		s.historyBytes = DefaultHistoryBytes
	}
	if s.store == nil {
		s.store, _ = OpenSavedStore("")
	}
	if s.launcher == nil {
		s.launcher = PTYLauncher{}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: checkOrigin}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(securityHeaders)
	r.Get("/ws", s.handleWS)
	r.Route("/api/sessions", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/", s.handleList)
		r.Put("/{id}/name", s.handleRename)
	})
	return r
}

// ListenAndServe serves Handler on addr until ctx ends, then shuts down the
// listener and every session.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close kills every session process and disconnects every client. Saved
// sessions stay on disk and respawn on the next reattach.
func (s *Server) Close() {
	s.mu.Lock()
	terminals := make([]*terminal, 0, len(s.terminals))
	for _, t := range s.terminals {
		t.mu.Lock()
		t.closing = true
		t.mu.Unlock()
		terminals = append(terminals, t)
	}
	s.terminals = make(map[string]*terminal)
	conns := s.conns
	s.conns = make(map[*conn]struct{})
	s.mu.Unlock()

	for _, t := range terminals {
		_ = t.proc.Close()
	}
	for c := range conns {
		c.close()
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.token {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.token
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	listing := protocol.SessionListing{
		Active: []protocol.SessionInfo{},
		Saved:  []protocol.SessionInfo{},
	}
	live := make(map[string]bool)
	for _, t := range s.liveTerminals() {
		info := t.info()
		live[info.ID] = true
		if info.PID > 0 {
			if !processAlive(info.PID) {
				continue
			}
			if name := commandName(info.PID); name != "" {
				info.Command = name
			}
		}
		listing.Active = append(listing.Active, info)
	}
	for _, saved := range s.store.All() {
		if live[saved.ID] {
			continue
		}
		listing.Saved = append(listing.Saved, protocol.SessionInfo{
			ID:         saved.ID,
			Name:       saved.Name,
			WorkingDir: saved.WorkingDir,
			Cols:       saved.Cols,
			Rows:       saved.Rows,
			CreatedAt:  saved.CreatedAt,
			Command:    saved.Command,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listing)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req protocol.RenameRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > maxNameLength {
		http.Error(w, fmt.Sprintf("name must be 1-%d characters", maxNameLength), http.StatusBadRequest)
		return
	}

	found := false
	if t := s.terminal(id); t != nil {
		t.setName(name)
		found = true
	}
	ok, err := s.store.Rename(id, name)
	if err != nil {
		logx.WithSession(s.log, id).Error("persist rename failed", "err", err)
		http.Error(w, "could not save name", http.StatusInternalServerError)
		return
	}
	if !found && !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	logx.WithSession(s.log, id).Info("session renamed", "name", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	authed := s.authorize(r)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	log := s.log.With("remote", r.RemoteAddr)
	c := newConn(ws, log)

	if !authed && !s.authenticate(c) {
		c.reply(protocol.MsgError, "", protocol.ErrorPayload{Message: "unauthorized"})
		time.AfterFunc(time.Second, c.close)
		log.Warn("ws client rejected")
		return
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	log.Info("ws client connected")

	defer func() {
		s.disconnect(c)
		log.Info("ws client disconnected")
	}()
	ctx := pslog.ContextWithLogger(r.Context(), log)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.reply(protocol.MsgError, "", protocol.ErrorPayload{Message: "malformed frame"})
			continue
		}
		s.dispatch(ctx, c, env)
	}
}

// authenticate waits for an auth frame carrying the server token.
func (s *Server) authenticate(c *conn) bool {
	c.ws.SetReadDeadline(time.Now().Add(authTimeout))
	defer c.ws.SetReadDeadline(time.Time{})
	var env protocol.Envelope
	if err := c.ws.ReadJSON(&env); err != nil || env.Type != protocol.MsgAuth {
		return false
	}
	var p protocol.AuthPayload
	if err := env.Decode(&p); err != nil {
		return false
	}
	return s.token != "" && p.Token == s.token
}

func (s *Server) disconnect(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	terminals := make([]*terminal, 0, len(s.terminals))
	for _, t := range s.terminals {
		terminals = append(terminals, t)
	}
	s.mu.Unlock()
	for _, t := range terminals {
		t.detach(c)
	}
	c.close()
}

func (s *Server) dispatch(ctx context.Context, c *conn, env protocol.Envelope) {
	id := env.SessionID
	log := logx.WithSession(c.log, id)
	if env.Type != protocol.MsgAuth && id == "" {
		c.reply(protocol.MsgError, "", protocol.ErrorPayload{Message: fmt.Sprintf("%s: missing sessionId", env.Type)})
		return
	}

	switch env.Type {
	case protocol.MsgAuth:
		// Already authenticated by query or header.

	case protocol.MsgCreate:
		var p protocol.CreatePayload
		if err := env.Decode(&p); err != nil {
			c.reply(protocol.MsgError, id, protocol.ErrorPayload{Message: err.Error()})
			return
		}
		if err := s.create(ctx, c, id, p); err != nil {
			log.Warn("create failed", "err", err)
			c.reply(protocol.MsgError, id, protocol.ErrorPayload{Message: err.Error()})
		}

	case protocol.MsgInput:
		var p protocol.InputPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		if t := s.terminal(id); t != nil {
			if _, err := t.proc.Write([]byte(p.Data)); err != nil {
				log.Debug("input write failed", "err", err)
			}
		}

	case protocol.MsgResize:
		var p protocol.ResizePayload
		if err := env.Decode(&p); err != nil {
			return
		}
		t := s.terminal(id)
		if t == nil {
			return
		}
		cols, rows, err := t.resize(p.Cols, p.Rows)
		if err != nil {
			c.reply(protocol.MsgError, id, protocol.ErrorPayload{Message: "resize: " + err.Error()})
			return
		}
		if err := s.store.Put(t.saved()); err != nil {
			log.Warn("persist resize failed", "err", err)
		}
		c.reply(protocol.MsgResizeAck, id, protocol.ResizePayload{Cols: cols, Rows: rows})

	case protocol.MsgClose:
		s.closeTerminal(id)

	case protocol.MsgReattach:
		s.reattach(ctx, c, id)

	default:
		c.reply(protocol.MsgError, id, protocol.ErrorPayload{Message: fmt.Sprintf("unknown message type %q", env.Type)})
	}
}

func (s *Server) create(ctx context.Context, c *conn, id string, p protocol.CreatePayload) error {
	if p.Cols <= 0 || p.Rows <= 0 {
		return fmt.Errorf("invalid grid %dx%d", p.Cols, p.Rows)
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = "Terminal"
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("name longer than %d", maxNameLength)
	}
	command := s.shell
	if cmd := strings.TrimSpace(p.Options["command"]); cmd != "" {
		command = cmd
	}
	saved := SavedSession{
		ID:         id,
		Name:       name,
		WorkingDir: p.WorkingDir,
		Command:    command,
		Cols:       p.Cols,
		Rows:       p.Rows,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := s.spawn(ctx, saved, c); err != nil {
		return err
	}
	if err := s.store.Put(saved); err != nil {
		logx.WithSession(s.log, id).Warn("persist session failed", "err", err)
	}
	c.reply(protocol.MsgCreated, id, protocol.CreatedPayload{Name: name})
	return nil
}

func (s *Server) reattach(ctx context.Context, c *conn, id string) {
	t := s.terminal(id)
	if t == nil {
		saved, ok := s.store.Get(id)
		if !ok {
			c.reply(protocol.MsgReattachFailed, id, protocol.ReattachFailedPayload{Reason: "unknown session"})
			return
		}
		var err error
		t, err = s.spawn(ctx, saved, nil)
		if err != nil {
			logx.WithSession(s.log, id).Warn("respawn failed", "err", err)
			c.reply(protocol.MsgReattachFailed, id, protocol.ReattachFailedPayload{Reason: err.Error()})
			return
		}
		logx.WithSession(s.log, id).Info("saved session respawned")
	}
	t.attach(c)
}

// spawn launches the process for saved and registers it.
func (s *Server) spawn(ctx context.Context, saved SavedSession, listener *conn) (*terminal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.terminals[saved.ID]; exists {
		return nil, errors.New("session already exists")
	}
	fields := strings.Fields(saved.Command)
	if len(fields) == 0 {
		fields = []string{s.shell}
	}
	proc, err := s.launcher.Launch(ctx, LaunchSpec{
		Command:    fields[0],
		Args:       fields[1:],
		WorkingDir: saved.WorkingDir,
		Env:        []string{"TERMPLEX_SESSION=" + saved.ID},
		Cols:       saved.Cols,
		Rows:       saved.Rows,
	})
	if err != nil {
		return nil, err
	}
	t := &terminal{
		id:         saved.ID,
		command:    saved.Command,
		workingDir: saved.WorkingDir,
		createdAt:  saved.CreatedAt,
		proc:       proc,
		history:    NewHistory(s.historyBytes),
		name:       saved.Name,
		cols:       saved.Cols,
		rows:       saved.Rows,
		listener:   listener,
	}
	s.terminals[saved.ID] = t
	go t.pump(s.exited)
	logx.WithSession(s.log, saved.ID).Info("session started", "command", saved.Command, "pid", proc.PID())
	return t, nil
}

func (s *Server) terminal(id string) *terminal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminals[id]
}

func (s *Server) liveTerminals() []*terminal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*terminal, 0, len(s.terminals))
	for _, t := range s.terminals {
		out = append(out, t)
	}
	return out
}

// closeTerminal ends a session at the client's request. It is forgotten
// entirely, including its saved entry.
func (s *Server) closeTerminal(id string) {
	s.mu.Lock()
	t := s.terminals[id]
	delete(s.terminals, id)
	s.mu.Unlock()

	if err := s.store.Delete(id); err != nil {
		logx.WithSession(s.log, id).Warn("delete saved session failed", "err", err)
	}
	if t == nil {
		return
	}
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()
	_ = t.proc.Close()
	logx.WithSession(s.log, id).Info("session closed")
}

// exited runs when a session's process ends on its own.
func (s *Server) exited(t *terminal, err error) {
	s.mu.Lock()
	if s.terminals[t.id] == t {
		delete(s.terminals, t.id)
	}
	s.mu.Unlock()

	t.mu.Lock()
	closing := t.closing
	listener := t.listener
	t.listener = nil
	t.mu.Unlock()
	if closing {
		return
	}

	if derr := s.store.Delete(t.id); derr != nil {
		logx.WithSession(s.log, t.id).Warn("delete saved session failed", "err", derr)
	}
	reason := "exited"
	if err != nil {
		reason = err.Error()
	}
	logx.WithSession(s.log, t.id).Info("session exited", "reason", reason)
	if listener != nil {
		listener.reply(protocol.MsgClosed, t.id, protocol.ClosedPayload{Reason: reason})
	}
}
