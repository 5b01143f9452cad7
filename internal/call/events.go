package call

import (
	"github.com/avellin/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	// EventState carries a fresh session snapshot.
	EventState EventType = "state"
	// EventToast is a user-facing notification.
	EventToast EventType = "toast"
	// EventLocalVideo asks the UI to (un)bind the local self-view, keyed
	// by the local identity.
	EventLocalVideo EventType = "local-video"
	// EventRemoteVideo asks the UI to (un)bind a remote video element,
	// keyed by the publishing user's identity.
	EventRemoteVideo EventType = "remote-video"
)

type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

type Toast struct {
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
}

// Event is what UI surfaces receive over the event stream.
type Event struct {
	Type  EventType     `json:"type"`
	State *Snapshot     `json:"state,omitempty"`
	Toast *Toast        `json:"toast,omitempty"`
	User  domain.UserID `json:"user,omitempty"`
	On    bool          `json:"on,omitempty"`
}

// SubscribeEvents returns a channel of coordinator events. cancel must be
// called when the consumer goes away.
func (c *Coordinator) SubscribeEvents() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// emit fans out to all listeners without blocking; slow consumers drop.
func (c *Coordinator) emit(ev Event) {
	c.listenerMu.RLock()
	for ch := range c.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	c.listenerMu.RUnlock()
}

func (c *Coordinator) emitState() {
	s := c.Snapshot()
	c.emit(Event{Type: EventState, State: &s})
}

func (c *Coordinator) emitLocalVideo(on bool) {
	c.emit(Event{Type: EventLocalVideo, User: c.self, On: on})
}

func (c *Coordinator) emitRemoteVideo(user domain.UserID, on bool) {
	c.emit(Event{Type: EventRemoteVideo, User: user, On: on})
}

func (c *Coordinator) toast(sev Severity, title, body string) {
	switch sev {
	case SeverityError:
		log.Error().Str("module", "call").Str("title", title).Msg(body)
	case SeverityWarn:
		log.Warn().Str("module", "call").Str("title", title).Msg(body)
	default:
		log.Info().Str("module", "call").Str("title", title).Msg(body)
	}
	c.emit(Event{Type: EventToast, Toast: &Toast{Severity: sev, Title: title, Body: body}})
}
