package mux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/agent-racer/termplex/internal/client"
	"github.com/agent-racer/termplex/internal/notify"
	"github.com/agent-racer/termplex/internal/protocol"
	"github.com/agent-racer/termplex/internal/session"
	"github.com/agent-racer/termplex/internal/surface"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []protocol.Envelope
	events chan client.Event
	epoch  atomic.Uint64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan client.Event, 16)}
}

func (f *fakeTransport) Send(env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) WaitConnected(context.Context) error { return nil }
func (f *fakeTransport) Events() <-chan client.Event         { return f.events }
func (f *fakeTransport) Epoch() uint64                       { return f.epoch.Load() }

// connect moves the transport to epoch and queues the matching event.
func (f *fakeTransport) connect(epoch uint64) {
	f.epoch.Store(epoch)
	f.events <- client.Connected{Epoch: epoch}
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

func (f *fakeTransport) frames(t protocol.MessageType) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range f.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type fakeAPI struct {
	listing protocol.SessionListing
	err     error
}

func (f *fakeAPI) ListSessions(context.Context) (protocol.SessionListing, error) {
	return f.listing, f.err
}

func (f *fakeAPI) RenameSession(context.Context, string, string) error { return f.err }

func newTestController(t *testing.T, api API) (*Controller, *fakeTransport, *surface.Viewport) {
	t.Helper()
	transport := newFakeTransport()
	viewport := &surface.Viewport{}
	n := 0
	c := New(Config{
		Transport:       transport,
		API:             api,
		Surface:         viewport,
		Metrics:         surface.CellMetrics(),
		Chrome:          1,
		ReattachTimeout: time.Minute,
		NewID: func() string {
			n++
			return fmt.Sprintf("s%d", n)
		},
	})
	c.Resize(surface.PixelSize{Width: 80, Height: 25})
	t.Cleanup(c.Shutdown)
	return c, transport, viewport
}

func runController(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func screenText(t *testing.T, s *session.Session) string {
	t.Helper()
	var b strings.Builder
	if err := s.Consumer().Render(&b, false); err != nil {
		t.Fatalf("Render: %v", err)
	}
	return strings.TrimRight(ansi.Strip(b.String()), " \r\n")
}

func decodeResize(t *testing.T, env protocol.Envelope) protocol.ResizePayload {
	t.Helper()
	var p protocol.ResizePayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return p
}

func TestCreateSwitchCloseScenario(t *testing.T) {
	c, transport, viewport := newTestController(t, nil)
	ctx := context.Background()

	s1, err := c.NewSession(ctx, "", "")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	reg := c.Registry()
	if reg.Len() != 1 || reg.Active() != s1 {
		t.Fatalf("expected one active session")
	}
	if cols, rows := s1.Grid(); cols != 80 || rows != 24 {
		t.Errorf("Grid() = %dx%d, want 80x24", cols, rows)
	}
	creates := transport.frames(protocol.MsgCreate)
	if len(creates) != 1 {
		t.Fatalf("create frames = %d", len(creates))
	}
	if !viewport.Attached() || !viewport.Focused() {
		t.Errorf("new session not shown")
	}

	transport.reset()
	if err := c.Switch(s1.ID()); err != nil {
		t.Fatal(err)
	}
	if n := len(transport.frames(protocol.MsgResize)); n != 0 {
		t.Errorf("switch to active session sent %d resize", n)
	}

	if err := c.CloseSession(s1.ID()); err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 0 || reg.Active() != nil {
		t.Errorf("registry not empty")
	}
	closes := transport.frames(protocol.MsgClose)
	if len(closes) != 1 || closes[0].SessionID != "s1" {
		t.Errorf("close frames = %+v", closes)
	}
	if viewport.Attached() {
		t.Errorf("surface still attached after last close")
	}
}

func TestSwitchSendsExactlyOneResize(t *testing.T) {
	c, transport, _ := newTestController(t, nil)
	ctx := context.Background()
	s1, _ := c.NewSession(ctx, "one", "")
	s2, _ := c.NewSession(ctx, "two", "")
	if err := c.Switch(s1.ID()); err != nil {
		t.Fatal(err)
	}

	c.Resize(surface.PixelSize{Width: 120, Height: 41})
	transport.reset()

	if err := c.Switch(s2.ID()); err != nil {
		t.Fatal(err)
	}
	if s1.Active() || !s2.Active() {
		t.Fatalf("s2 should be the only active session")
	}
	resizes := transport.frames(protocol.MsgResize)
	if len(resizes) != 1 || resizes[0].SessionID != s2.ID() {
		t.Fatalf("resize frames = %+v, want one for s2", resizes)
	}
	if p := decodeResize(t, resizes[0]); p.Cols != 120 || p.Rows != 40 {
		t.Errorf("resize = %+v, want 120x40", p)
	}
}

func TestFullscreenReclaimsChrome(t *testing.T) {
	c, transport, _ := newTestController(t, nil)
	s, _ := c.NewSession(context.Background(), "", "")
	c.Resize(surface.PixelSize{Width: 100, Height: 31})
	transport.reset()

	c.SetFullscreen(true)
	resizes := transport.frames(protocol.MsgResize)
	if len(resizes) != 1 {
		t.Fatalf("resize frames = %d", len(resizes))
	}
	if p := decodeResize(t, resizes[0]); p.Rows != 31 {
		t.Errorf("fullscreen rows = %d, want 31", p.Rows)
	}
	if _, rows := s.Grid(); rows != 31 {
		t.Errorf("recorded rows = %d", rows)
	}
	c.SetFullscreen(true)
	if len(transport.frames(protocol.MsgResize)) != 1 {
		t.Error("repeated fullscreen toggle refitted")
	}
}

func TestCloseActivePromotesLastAndRebinds(t *testing.T) {
	c, transport, viewport := newTestController(t, nil)
	ctx := context.Background()
	s1, _ := c.NewSession(ctx, "", "")
	s2, _ := c.NewSession(ctx, "", "")
	s3, _ := c.NewSession(ctx, "", "")
	if err := c.Switch(s2.ID()); err != nil {
		t.Fatal(err)
	}
	transport.reset()

	if err := c.CloseActive(); err != nil {
		t.Fatal(err)
	}
	if c.Registry().Active() != s3 {
		t.Fatalf("active = %v, want s3", c.Registry().Active())
	}
	resizes := transport.frames(protocol.MsgResize)
	if len(resizes) != 1 || resizes[0].SessionID != s3.ID() {
		t.Errorf("resize frames after close = %+v", resizes)
	}
	if !viewport.Attached() {
		t.Error("surface not rebound")
	}
	_ = s1
}

func TestInputTargetsActiveSession(t *testing.T) {
	c, transport, _ := newTestController(t, nil)
	if err := c.Input([]byte("ls\r")); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Input without session = %v", err)
	}
	s, _ := c.NewSession(context.Background(), "", "")
	if err := c.Input([]byte("ls\r")); err != nil {
		t.Fatal(err)
	}
	inputs := transport.frames(protocol.MsgInput)
	if len(inputs) != 1 || inputs[0].SessionID != s.ID() {
		t.Fatalf("input frames = %+v", inputs)
	}
	var p protocol.InputPayload
	_ = inputs[0].Decode(&p)
	if p.Data != "ls\r" {
		t.Errorf("input data = %q", p.Data)
	}
}

func TestNextPrevWrap(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	ctx := context.Background()
	s1, _ := c.NewSession(ctx, "", "")
	s2, _ := c.NewSession(ctx, "", "")
	if err := c.Next(); err != nil {
		t.Fatal(err)
	}
	if !s1.Active() {
		t.Errorf("Next from last should wrap to first")
	}
	if err := c.Prev(); err != nil {
		t.Fatal(err)
	}
	if !s2.Active() {
		t.Errorf("Prev from first should wrap to last")
	}
}

func TestEventRouting(t *testing.T) {
	c, transport, _ := newTestController(t, nil)
	runController(t, c)
	s, _ := c.NewSession(context.Background(), "", "")

	send := func(typ protocol.MessageType, id string, payload any) {
		env, err := protocol.New(typ, id, payload)
		if err != nil {
			t.Fatal(err)
		}
		transport.events <- client.Message{Envelope: env}
	}

	send(protocol.MsgOutput, s.ID(), protocol.OutputPayload{Data: "A", Historical: true})
	send(protocol.MsgOutput, s.ID(), protocol.OutputPayload{Data: "B"})
	send(protocol.MsgCreated, s.ID(), protocol.CreatedPayload{Name: "x"})
	send(protocol.MsgCreated, "ghost", protocol.CreatedPayload{Name: "x"})
	waitFor(t, func() bool { return s.State() == session.StateAttached }, "created not applied")
	if got := screenText(t, s); got != "AB" {
		t.Errorf("screen = %q, want AB", got)
	}

	send(protocol.MsgError, s.ID(), protocol.ErrorPayload{Message: "boom"})
	select {
	case n := <-c.Notifications():
		if n.Level != notify.LevelError || n.Message != "boom" {
			t.Errorf("notification = %v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification for error frame")
	}

	transport.reset()
	send(protocol.MsgClosed, s.ID(), protocol.ClosedPayload{Reason: "exited"})
	waitFor(t, func() bool { return c.Registry().Len() == 0 }, "closed event did not remove session")
	if n := len(transport.frames(protocol.MsgClose)); n != 0 {
		t.Errorf("server close echoed %d close requests", n)
	}
}

func TestReconnectReplay(t *testing.T) {
	api := &fakeAPI{listing: protocol.SessionListing{
		Active: []protocol.SessionInfo{{ID: "a", Name: "a", Cols: 80, Rows: 24}},
		Saved:  []protocol.SessionInfo{{ID: "b", Name: "b", Cols: 80, Rows: 24}},
	}}
	c, transport, _ := newTestController(t, api)
	if err := c.Startup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.Registry().Len() != 2 || c.Registry().Active().ID() != "b" {
		t.Fatalf("hydrate failed")
	}
	runController(t, c)
	transport.reset()

	transport.connect(1)
	waitFor(t, func() bool { return len(transport.frames(protocol.MsgReattach)) == 2 }, "reattach not replayed")
	waitFor(t, func() bool { return c.Connected() }, "not marked connected")

	ack, _ := protocol.New(protocol.MsgReattached, "a", nil)
	fail, _ := protocol.New(protocol.MsgReattachFailed, "b", protocol.ReattachFailedPayload{Reason: "gone"})
	transport.events <- client.Message{Envelope: ack}
	transport.events <- client.Message{Envelope: fail}
	reg := c.Registry()
	waitFor(t, func() bool {
		return reg.Get("a").State() == session.StateAttached && reg.Get("b").State() == session.StateStale
	}, "acks not applied")

	transport.events <- client.Disconnected{Epoch: 1, Err: errors.New("eof")}
	waitFor(t, func() bool { return reg.Get("a").State() == session.StateDetached }, "drop not applied")

	transport.reset()
	transport.connect(2)
	waitFor(t, func() bool { return len(transport.frames(protocol.MsgReattach)) == 2 }, "second replay missing")
}

func TestFlappingConnectionReattachesOnce(t *testing.T) {
	api := &fakeAPI{listing: protocol.SessionListing{
		Active: []protocol.SessionInfo{{ID: "a", Name: "a", Cols: 80, Rows: 24}},
	}}
	c, transport, _ := newTestController(t, api)
	if err := c.Startup(context.Background()); err != nil {
		t.Fatal(err)
	}
	transport.reset()

	// The first connection dropped and the second came up before any event
	// was handled.
	transport.epoch.Store(2)
	transport.events <- client.Connected{Epoch: 1}
	transport.events <- client.Disconnected{Epoch: 1, Err: errors.New("eof")}
	transport.events <- client.Connected{Epoch: 2}
	ack, _ := protocol.New(protocol.MsgReattached, "a", nil)
	transport.events <- client.Message{Envelope: ack}
	runController(t, c)

	reg := c.Registry()
	waitFor(t, func() bool { return reg.Get("a").State() == session.StateAttached }, "ack not applied")
	if n := len(transport.frames(protocol.MsgReattach)); n != 1 {
		t.Errorf("reattach frames = %d, want 1", n)
	}
	if n := len(transport.frames(protocol.MsgResize)); n != 1 {
		t.Errorf("resize frames = %d, want 1", n)
	}
	if !c.Connected() {
		t.Error("not marked connected")
	}
}

func TestStartupWaitsForWindowSize(t *testing.T) {
	api := &fakeAPI{listing: protocol.SessionListing{
		Active: []protocol.SessionInfo{{ID: "a", Name: "a", Cols: 80, Rows: 24}},
	}}
	transport := newFakeTransport()
	viewport := &surface.Viewport{}
	c := New(Config{
		Transport: transport,
		API:       api,
		Surface:   viewport,
		Metrics:   surface.CellMetrics(),
		Chrome:    1,
	})
	t.Cleanup(c.Shutdown)

	if err := c.Startup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !viewport.Attached() {
		t.Fatal("hydrated session not shown")
	}
	if n := len(transport.frames(protocol.MsgResize)); n != 0 {
		t.Fatalf("resize sent before the window size was known: %d", n)
	}

	c.Resize(surface.PixelSize{Width: 120, Height: 41})
	resizes := transport.frames(protocol.MsgResize)
	if len(resizes) != 1 {
		t.Fatalf("resize frames = %d, want 1", len(resizes))
	}
	if p := decodeResize(t, resizes[0]); p.Cols != 120 || p.Rows != 40 {
		t.Errorf("resize = %+v, want 120x40", p)
	}
}

func TestStartupFailureNotifies(t *testing.T) {
	c, _, _ := newTestController(t, &fakeAPI{err: errors.New("refused")})
	if err := c.Startup(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	select {
	case n := <-c.Notifications():
		if n.Level != notify.LevelWarn {
			t.Errorf("level = %s", n.Level)
		}
	default:
		t.Fatal("no notification")
	}
}

func TestApplyDisplayRefits(t *testing.T) {
	c, transport, _ := newTestController(t, nil)
	c.Resize(surface.PixelSize{Width: 200, Height: 61})
	s, _ := c.NewSession(context.Background(), "", "")
	transport.reset()

	m := surface.CellMetrics()
	m.CharWidthRatio = 2
	if err := c.ApplyDisplay(m); err != nil {
		t.Fatal(err)
	}
	if cols, _ := s.Grid(); cols != 100 {
		t.Errorf("cols after display change = %d, want 100", cols)
	}
	if len(transport.frames(protocol.MsgResize)) != 1 {
		t.Errorf("expected one resize after display change")
	}
	if err := c.ApplyDisplay(surface.Metrics{}); err == nil {
		t.Error("invalid metrics accepted")
	}
}
