// Package shell bridges the coordinator to the desktop shell process
// (tray icon, taskbar buttons) over a single websocket. State pushes
// are one-way and best-effort; button presses come back as intents.
package shell

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avellin/huddle/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

const writeDeadline = 5 * time.Second

type shellFrame struct {
	Type   string           `json:"type"`
	State  *core.ShellState `json:"state,omitempty"`
	Intent core.ShellIntent `json:"intent,omitempty"`
}

const (
	frameState  = "state"
	frameIntent = "intent"
)

// Bridge holds at most one live shell connection. A reconnecting shell
// replaces the previous socket and is immediately redrawn from the last
// pushed state.
type Bridge struct {
	mu     sync.Mutex
	conn   *shellConn
	last   *core.ShellState
	intent func(core.ShellIntent)
}

func NewBridge() *Bridge {
	return &Bridge{}
}

func (b *Bridge) PushState(s core.ShellState) {
	b.mu.Lock()
	b.last = &s
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.sendFrame(shellFrame{Type: frameState, State: &s}); err != nil {
		log.Debug().Err(err).Str("module", "shell").Msg("state push dropped")
	}
}

func (b *Bridge) OnIntent(fn func(core.ShellIntent)) {
	b.mu.Lock()
	b.intent = fn
	b.mu.Unlock()
}

// Attach takes ownership of an upgraded shell socket and serves it
// until it drops. Blocks; the http handler calls it from the request
// goroutine.
func (b *Bridge) Attach(ws *websocket.Conn) {
	conn := &shellConn{conn: ws, send: make(chan []byte, 16)}

	b.mu.Lock()
	old := b.conn
	b.conn = conn
	last := b.last
	b.mu.Unlock()
	if old != nil {
		old.close()
	}

	go conn.writePump()
	if last != nil {
		_ = conn.sendFrame(shellFrame{Type: frameState, State: last})
	}
	log.Info().Str("module", "shell").Msg("shell attached")

	b.readLoop(conn)

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()
	conn.close()
	log.Info().Str("module", "shell").Msg("shell detached")
}

func (b *Bridge) readLoop(conn *shellConn) {
	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}
		var f shellFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Error().Err(err).Str("module", "shell").Msg("bad json")
			continue
		}
		if f.Type != frameIntent {
			log.Warn().Str("module", "shell").Str("type", f.Type).Msg("unknown frame")
			continue
		}
		b.mu.Lock()
		fn := b.intent
		b.mu.Unlock()
		if fn != nil {
			fn(f.Intent)
		}
	}
}

type shellConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *shellConn) sendFrame(f shellFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *shellConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *shellConn) writePump() {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
