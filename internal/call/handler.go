package call

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avellin/huddle/internal/core"
	"github.com/avellin/huddle/internal/domain"
)

const subscribeTimeout = 15 * time.Second

// roomEvents is the coordinator's single transport subscription for one
// session. It pins the room it was registered on so stray events from a
// torn-down session are ignored.
type roomEvents struct {
	c    *Coordinator
	room core.MediaRoom
}

func (h *roomEvents) TrackPublished(user domain.UserID, kind core.TrackKind) {
	c := h.c
	c.mu.Lock()
	if c.room != h.room || c.state == StateNone {
		c.mu.Unlock()
		return
	}
	mr := c.room
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	rt, err := mr.Subscribe(ctx, user, kind)
	if err != nil {
		log.Warn().Err(err).Str("module", "call").Str("user", string(user)).Str("kind", string(kind)).Msg("subscribe failed")
		return
	}

	switch kind {
	case core.TrackAudio:
		c.mu.Lock()
		if c.room != h.room {
			c.mu.Unlock()
			rt.Stop()
			return
		}
		p := c.remoteLocked(user)
		old := p.audio
		p.audio = rt
		if c.deafened {
			// Volume hits zero before playback starts, closing the race
			// between a new publication and the deafen invariant.
			rt.SetVolume(0)
		}
		c.mu.Unlock()
		if old != nil {
			// Re-publication for the same user replaces the running track.
			old.Stop()
		}
		rt.Play()
	case core.TrackVideo:
		c.mu.Lock()
		if c.room != h.room {
			c.mu.Unlock()
			return
		}
		p := c.remoteLocked(user)
		old := p.video
		p.hasVideo = true
		p.video = rt
		c.mu.Unlock()
		if old != nil {
			old.Stop()
		}
		rt.Play()
		c.emitRemoteVideo(user, true)
	}
	c.emitState()
}

func (h *roomEvents) TrackUnpublished(user domain.UserID, kind core.TrackKind) {
	c := h.c
	c.mu.Lock()
	if c.room != h.room || c.state == StateNone {
		c.mu.Unlock()
		return
	}
	p, ok := c.remotes[user]
	if !ok {
		c.mu.Unlock()
		return
	}
	var stop core.RemoteTrack
	switch kind {
	case core.TrackAudio:
		stop = p.audio
		p.audio = nil
	case core.TrackVideo:
		stop = p.video
		p.video = nil
		p.hasVideo = false
	}
	c.mu.Unlock()

	if stop != nil {
		stop.Stop()
	}
	if kind == core.TrackVideo {
		c.emitRemoteVideo(user, false)
	}
	c.emitState()
}

func (h *roomEvents) ParticipantLeft(user domain.UserID) {
	c := h.c
	c.mu.Lock()
	if c.room != h.room || c.state == StateNone {
		c.mu.Unlock()
		return
	}
	p, ok := c.remotes[user]
	if ok {
		delete(c.remotes, user)
	}
	c.mu.Unlock()

	if ok {
		if p.audio != nil {
			p.audio.Stop()
		}
		if p.video != nil {
			p.video.Stop()
		}
		if p.hasVideo {
			c.emitRemoteVideo(user, false)
		}
	}
	c.emitState()
}

func (h *roomEvents) Disconnected(err error) {
	h.c.dropSession(h.room, err)
}

// remoteLocked returns the participant record for user, creating it on
// first publication.
func (c *Coordinator) remoteLocked(user domain.UserID) *remoteParticipant {
	p, ok := c.remotes[user]
	if !ok {
		p = &remoteParticipant{}
		c.remotes[user] = p
	}
	return p
}
