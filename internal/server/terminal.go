package server

import (
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/agent-racer/termplex/internal/protocol"
)

// conn is one attached client. Frames are queued to a write pump; a client
// that cannot keep up is disconnected and recovers through reattach.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	log  pslog.Logger

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, log pslog.Logger) *conn {
	c := &conn{
		ws:   ws,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		log:  log,
	}
	go c.writePump()
	return c
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		}
	}
}

// emit queues env. It reports false when the connection is gone or too slow.
func (c *conn) emit(env protocol.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn("ws client too slow, disconnecting")
		c.close()
		return false
	}
}

func (c *conn) reply(t protocol.MessageType, id string, payload any) bool {
	env, err := protocol.New(t, id, payload)
	if err != nil {
		return false
	}
	return c.emit(env)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// terminal is a server-side session: a process, its scrollback and at most
// one listening client.
type terminal struct {
	id         string
	command    string
	workingDir string
	createdAt  time.Time
	proc       Process
	history    *History

	mu       sync.Mutex
	name     string
	cols     int
	rows     int
	listener *conn
	closing  bool
}

func (t *terminal) info() protocol.SessionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return protocol.SessionInfo{
		ID:         t.id,
		Name:       t.name,
		WorkingDir: t.workingDir,
		Cols:       t.cols,
		Rows:       t.rows,
		CreatedAt:  t.createdAt,
		PID:        t.proc.PID(),
		Command:    t.command,
	}
}

func (t *terminal) saved() SavedSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return SavedSession{
		ID:         t.id,
		Name:       t.name,
		WorkingDir: t.workingDir,
		Command:    t.command,
		Cols:       t.cols,
		Rows:       t.rows,
		CreatedAt:  t.createdAt,
	}
}

// attach makes c the listener and replays the scrollback to it. Holding the
// lock keeps the replay and live output from interleaving.
func (t *terminal) attach(c *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = c
	c.reply(protocol.MsgReattached, t.id, nil)
	if backlog := t.history.Bytes(); len(backlog) > 0 {
		c.reply(protocol.MsgOutput, t.id, protocol.OutputPayload{Data: string(backlog), Historical: true})
	}
}

func (t *terminal) detach(c *conn) {
	t.mu.Lock()
	if t.listener == c {
		t.listener = nil
	}
	t.mu.Unlock()
}

func (t *terminal) setName(name string) {
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
}

func (t *terminal) resize(cols, rows int) (int, int, error) {
	cols, rows = max(cols, 1), max(rows, 1)
	if err := t.proc.Resize(cols, rows); err != nil {
		return 0, 0, err
	}
	t.mu.Lock()
	t.cols, t.rows = cols, rows
	t.mu.Unlock()
	return cols, rows, nil
}

// pump copies process output into the scrollback and to the listener until
// the process ends.
func (t *terminal) pump(onExit func(*terminal, error)) {
	buf := make([]byte, 32*1024)
	var carry []byte
	for {
		n, err := t.proc.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			data, carry = splitUTF8(data)
			carry = append([]byte(nil), carry...)
			if len(data) > 0 {
				t.publish(data)
			}
		}
		if err != nil {
			break
		}
	}
	onExit(t, t.proc.Wait())
}

func (t *terminal) publish(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.history.Write(data)
	if t.listener != nil {
		t.listener.reply(protocol.MsgOutput, t.id, protocol.OutputPayload{Data: string(data)})
	}
}

// splitUTF8 holds back a trailing partial rune so frames stay valid UTF-8.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i], b[i:]
			}
			break
		}
	}
	return b, nil
}
