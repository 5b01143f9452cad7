package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avellin/huddle/internal/core"
	"github.com/avellin/huddle/internal/domain"
)

// Renderer serves subscribed call media to the local UI over a dedicated
// peer connection. The UI negotiates through the control API's media
// socket; tracks added or removed mid-call trigger a fresh offer.
type Renderer struct {
	engine *Engine

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	tracks  map[string]rendererTrack
	onOffer func(webrtc.SessionDescription)
	onICE   func(webrtc.ICECandidateInit)
}

type rendererTrack struct {
	local  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
}

func NewRenderer(engine *Engine) *Renderer {
	return &Renderer{
		engine: engine,
		tracks: make(map[string]rendererTrack),
	}
}

// OnOffer registers the callback carrying renegotiation offers to the
// UI. One consumer at a time; the media socket handler owns it.
func (r *Renderer) OnOffer(fn func(webrtc.SessionDescription)) {
	r.mu.Lock()
	r.onOffer = fn
	r.mu.Unlock()
}

func (r *Renderer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	r.mu.Lock()
	r.onICE = fn
	r.mu.Unlock()
}

// AddSink mints a local track mirroring one remote publication and
// attaches it to the UI connection. The returned release detaches it.
func (r *Renderer) AddSink(user domain.UserID, kind core.TrackKind, codec webrtc.RTPCodecCapability) (Sink, func(), error) {
	local, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind), string(user))
	if err != nil {
		return nil, nil, err
	}

	key := string(user) + "/" + string(kind)
	r.mu.Lock()
	var sender *webrtc.RTPSender
	if r.pc != nil {
		sender, err = r.pc.AddTrack(local)
		if err != nil {
			r.mu.Unlock()
			return nil, nil, err
		}
	}
	r.tracks[key] = rendererTrack{local: local, sender: sender}
	r.mu.Unlock()

	if sender != nil {
		r.renegotiate()
	}

	release := func() {
		r.mu.Lock()
		rt, ok := r.tracks[key]
		delete(r.tracks, key)
		pc := r.pc
		r.mu.Unlock()
		if ok && rt.sender != nil && pc != nil {
			if err := pc.RemoveTrack(rt.sender); err != nil {
				log.Warn().Err(err).Str("module", "rtc").Str("user", string(user)).Msg("remove renderer track")
			} else {
				r.renegotiate()
			}
		}
	}
	return local, release, nil
}

// HandleOffer answers the UI's offer, attaching every live sink track
// to a fresh connection when none exists yet.
func (r *Renderer) HandleOffer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	r.mu.Lock()
	if r.pc == nil {
		pc, err := r.engine.newPeerConnection()
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
			r.mu.Lock()
			fn := r.onICE
			r.mu.Unlock()
			if cand != nil && fn != nil {
				fn(cand.ToJSON())
			}
		})
		for key, rt := range r.tracks {
			sender, err := pc.AddTrack(rt.local)
			if err != nil {
				log.Error().Err(err).Str("module", "rtc").Str("track", key).Msg("attach sink track")
				continue
			}
			r.tracks[key] = rendererTrack{local: rt.local, sender: sender}
		}
		r.pc = pc
	}
	pc := r.pc
	r.mu.Unlock()

	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete
	return pc.LocalDescription(), nil
}

func (r *Renderer) HandleAnswer(answer webrtc.SessionDescription) error {
	r.mu.Lock()
	pc := r.pc
	r.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.SetRemoteDescription(answer)
}

func (r *Renderer) AddICECandidate(ci webrtc.ICECandidateInit) error {
	r.mu.Lock()
	pc := r.pc
	r.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.AddICECandidate(ci)
}

// Close drops the UI connection. Sink tracks survive; the next offer
// reattaches them.
func (r *Renderer) Close() {
	r.mu.Lock()
	pc := r.pc
	r.pc = nil
	for key, rt := range r.tracks {
		r.tracks[key] = rendererTrack{local: rt.local}
	}
	r.mu.Unlock()
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("close renderer connection")
		}
	}
}

func (r *Renderer) renegotiate() {
	r.mu.Lock()
	pc := r.pc
	fn := r.onOffer
	r.mu.Unlock()
	if pc == nil || fn == nil {
		return
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("renderer offer")
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("renderer local description")
		return
	}
	fn(offer)
}
