package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avellin/huddle/internal/adapters/rtc"
	"github.com/avellin/huddle/internal/adapters/shell"
	"github.com/avellin/huddle/internal/core"
	"github.com/avellin/huddle/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeDeadline = 5 * time.Second

// serveEvents streams coordinator events (state snapshots, toasts,
// video bind hints) to one UI connection until it drops.
func serveEvents(c *gin.Context, ctl Controller) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	defer ws.Close()

	events, cancel := ctl.SubscribeEvents()
	defer cancel()

	// Fresh connections start from the current state.
	snapshot := ctl.Snapshot()
	if err := writeJSON(ws, gin.H{"type": "state", "state": snapshot}); err != nil {
		return
	}

	// Reads only detect the close; frames from the UI are not expected.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range events {
		if err := writeJSON(ws, ev); err != nil {
			log.Debug().Err(err).Str("module", "adapters.http").Msg("events write, dropping connection")
			return
		}
	}
}

// serveMembershipWatch streams live membership snapshots for one room.
func serveMembershipWatch(c *gin.Context, store core.MembershipStore) {
	room := domain.RoomID(c.Param("room"))
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	defer ws.Close()

	updates, cancel, err := store.Watch(c.Request.Context(), room)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Str("room", string(room)).Msg("watch failed")
		return
	}
	defer cancel()

	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for members := range updates {
		if err := writeJSON(ws, gin.H{"room": room, "members": members}); err != nil {
			return
		}
	}
}

// serveShell hands the socket to the shell bridge for its lifetime.
func serveShell(c *gin.Context, bridge *shell.Bridge) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	bridge.Attach(ws)
}

// mediaFrame is the renderer-side signaling envelope.
type mediaFrame struct {
	Type      string                     `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// serveMedia negotiates the renderer's playback peer connection: the
// UI offers, the daemon answers, and new sink tracks push fresh offers.
func serveMedia(c *gin.Context, renderer *rtc.Renderer) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	defer ws.Close()
	defer renderer.Close()

	out := &mediaOut{send: make(chan []byte, 16)}
	defer out.close()
	go func() {
		for data := range out.send {
			_ = ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}()
	trySend := func(v any) {
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		if err := out.trySend(b); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("media signal send")
		}
	}

	renderer.OnOffer(func(offer webrtc.SessionDescription) {
		trySend(mediaFrame{Type: "offer", SDP: &offer})
	})
	renderer.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		trySend(mediaFrame{Type: "candidate", Candidate: &ci})
	})
	defer renderer.OnOffer(nil)
	defer renderer.OnICECandidate(nil)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var f mediaFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("bad media frame")
			continue
		}
		switch f.Type {
		case "offer":
			if f.SDP == nil {
				continue
			}
			answer, err := renderer.HandleOffer(*f.SDP)
			if err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("media offer")
				continue
			}
			trySend(mediaFrame{Type: "answer", SDP: answer})
		case "answer":
			if f.SDP == nil {
				continue
			}
			if err := renderer.HandleAnswer(*f.SDP); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("media answer")
			}
		case "candidate":
			if f.Candidate == nil {
				continue
			}
			if err := renderer.AddICECandidate(*f.Candidate); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("media candidate")
			}
		default:
			log.Warn().Str("module", "adapters.http").Str("type", f.Type).Msg("unknown media frame")
		}
	}
}

type mediaOut struct {
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (o *mediaOut) trySend(b []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New("connection closed")
	}
	select {
	case o.send <- b:
		return nil
	default:
		return errors.New("backpressure")
	}
}

func (o *mediaOut) close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.send)
	}
	o.mu.Unlock()
}

func writeJSON(ws *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := ws.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, b)
}
