package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avellin/huddle/internal/core"
	"github.com/avellin/huddle/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

const writeDeadline = 5 * time.Second

type remoteKey struct {
	user domain.UserID
	kind core.TrackKind
}

// Room is one SFU session: a signaling websocket plus a peer
// connection. It is minted per join attempt and dies with the call.
type Room struct {
	engine    *Engine
	signalURL string
	renderer  *Renderer

	mu        sync.Mutex
	handler   core.RoomHandler
	pc        *webrtc.PeerConnection
	conn      *websocket.Conn
	send      chan []byte
	closed    bool
	joined    bool
	remotes   map[remoteKey]*webrtc.TrackRemote
	waiters   map[remoteKey][]chan *webrtc.TrackRemote
	playbacks map[remoteKey]*playbackTrack
	joinRes   chan error
	answers   chan webrtc.SessionDescription
	events    chan func()
	done      chan struct{}
	writeDone chan struct{}

	negMu        sync.Mutex // one offer/answer exchange at a time
	dispatchOnce sync.Once
}

func newRoom(engine *Engine, signalURL string, renderer *Renderer) *Room {
	return &Room{
		engine:    engine,
		signalURL: signalURL,
		renderer:  renderer,
		remotes:   make(map[remoteKey]*webrtc.TrackRemote),
		waiters:   make(map[remoteKey][]chan *webrtc.TrackRemote),
		playbacks: make(map[remoteKey]*playbackTrack),
		joinRes:   make(chan error, 1),
		answers:   make(chan webrtc.SessionDescription, 1),
		events:    make(chan func(), 32),
		done:      make(chan struct{}),
	}
}

func (r *Room) SetHandler(h core.RoomHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

func (r *Room) Join(ctx context.Context, room domain.RoomID, identity domain.UserID) error {
	pc, err := r.engine.newPeerConnection()
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		ci := cand.ToJSON()
		r.sendFrame(frame{Type: frameCandidate, Candidate: &ci})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.onRemoteTrack(track)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("room", string(room)).Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			r.fail(fmt.Errorf("peer connection %s", s))
		}
	})

	// Recvonly transceivers so the first offer carries valid m-lines
	// even before anything is published.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return err
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.signalURL, nil)
	if err != nil {
		_ = pc.Close()
		return err
	}

	r.mu.Lock()
	r.pc = pc
	r.conn = conn
	r.send = make(chan []byte, 32)
	r.writeDone = make(chan struct{})
	r.mu.Unlock()

	go r.writePump(conn)
	go r.readPump(conn)

	r.sendFrame(frame{Type: frameJoin, Room: room, Identity: identity})
	select {
	case err := <-r.joinRes:
		if err != nil {
			r.teardown()
			return err
		}
	case <-ctx.Done():
		r.teardown()
		return ctx.Err()
	}

	if err := r.negotiate(ctx); err != nil {
		r.teardown()
		return err
	}

	r.mu.Lock()
	r.joined = true
	r.mu.Unlock()
	log.Info().Str("module", "rtc").Str("room", string(room)).Msg("room joined")
	return nil
}

func (r *Room) Publish(ctx context.Context, track core.LocalTrack) error {
	ct, ok := track.(*CaptureTrack)
	if !ok {
		return fmt.Errorf("unsupported local track %T", track)
	}
	r.mu.Lock()
	pc := r.pc
	closed := r.closed
	r.mu.Unlock()
	if closed || pc == nil {
		return errors.New("room closed")
	}

	sender, err := pc.AddTrack(ct.track)
	if err != nil {
		return err
	}
	ct.bind(sender)
	return r.negotiate(ctx)
}

func (r *Room) Subscribe(ctx context.Context, user domain.UserID, kind core.TrackKind) (core.RemoteTrack, error) {
	key := remoteKey{user: user, kind: kind}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("room closed")
	}
	src, ok := r.remotes[key]
	if !ok {
		ch := make(chan *webrtc.TrackRemote, 1)
		r.waiters[key] = append(r.waiters[key], ch)
		r.mu.Unlock()
		select {
		case src = <-ch:
			if src == nil {
				return nil, errors.New("room closed")
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		r.mu.Lock()
	}

	var sink Sink
	var release func()
	if r.renderer != nil {
		r.mu.Unlock()
		var err error
		sink, release, err = r.renderer.AddSink(user, kind, src.Codec().RTPCodecCapability)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
	}

	p := newPlaybackTrack(user, kind, src, sink, release)
	if r.closed {
		r.mu.Unlock()
		p.close()
		return nil, errors.New("room closed")
	}
	r.playbacks[key] = p
	r.mu.Unlock()
	return p, nil
}

// Leave closes the session cleanly. The handler sees no Disconnected.
func (r *Room) Leave(ctx context.Context) error {
	r.sendFrame(frame{Type: frameLeave})

	// Drain the write pump so the leave frame actually reaches the SFU
	// before the socket drops.
	r.mu.Lock()
	send, flushed := r.send, r.writeDone
	r.send = nil
	r.mu.Unlock()
	if send != nil {
		close(send)
		if flushed != nil {
			select {
			case <-flushed:
			case <-time.After(writeDeadline):
			case <-ctx.Done():
			}
		}
	}

	r.teardown()
	return nil
}

// negotiate runs one offer/answer exchange with the SFU.
func (r *Room) negotiate(ctx context.Context) error {
	r.negMu.Lock()
	defer r.negMu.Unlock()

	r.mu.Lock()
	pc := r.pc
	r.mu.Unlock()
	if pc == nil {
		return errors.New("room closed")
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	<-gatherComplete

	r.sendFrame(frame{Type: frameOffer, SDP: pc.LocalDescription()})
	select {
	case answer := <-r.answers:
		return pc.SetRemoteDescription(answer)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) onRemoteTrack(track *webrtc.TrackRemote) {
	kind := core.TrackAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = core.TrackVideo
	}
	key := remoteKey{user: domain.UserID(track.StreamID()), kind: kind}
	log.Info().Str("module", "rtc").Str("user", string(key.user)).Str("kind", string(kind)).Msg("remote track")

	r.mu.Lock()
	r.remotes[key] = track
	waiters := r.waiters[key]
	delete(r.waiters, key)
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- track
	}
}

// ---- signaling socket ------------------------------------------------------

func (r *Room) sendFrame(f frame) {
	b, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("marshal frame")
		return
	}
	if err := r.trySend(b); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("type", f.Type).Msg("send frame")
	}
}

func (r *Room) trySend(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.send == nil {
		return errors.New("connection closed")
	}
	select {
	case r.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (r *Room) writePump(conn *websocket.Conn) {
	r.mu.Lock()
	send, done := r.send, r.writeDone
	r.mu.Unlock()
	if done != nil {
		defer close(done)
	}
	for data := range send {
		if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("writePump set deadline")
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("writePump write error")
			return
		}
	}
}

func (r *Room) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.fail(err)
			return
		}
		r.handleFrame(data)
	}
}

func (r *Room) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("bad json")
		return
	}

	r.mu.Lock()
	h := r.handler
	pc := r.pc
	r.mu.Unlock()

	switch f.Type {
	case frameJoined:
		select {
		case r.joinRes <- nil:
		default:
		}
	case frameError:
		err := fmt.Errorf("sfu: %s", f.Reason)
		select {
		case r.joinRes <- err:
		default:
			r.fail(err)
		}
	case frameAnswer:
		if f.SDP == nil {
			return
		}
		select {
		case r.answers <- *f.SDP:
		default:
		}
	case frameOffer:
		if f.SDP == nil || pc == nil {
			return
		}
		// Server-initiated renegotiation, usually a new publication.
		answer, err := r.applyOffer(pc, *f.SDP)
		if err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("apply offer")
			return
		}
		r.sendFrame(frame{Type: frameAnswer, SDP: answer})
	case frameCandidate:
		if f.Candidate == nil || pc == nil {
			return
		}
		if err := pc.AddICECandidate(*f.Candidate); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("add candidate")
		}
	case framePublished:
		// Handler calls run off the read loop: TrackPublished subscribes,
		// and the subscription needs this loop to process the SFU's
		// renegotiation frames.
		if h != nil {
			user, kind := f.User, core.TrackKind(f.Kind)
			r.enqueue(func() { h.TrackPublished(user, kind) })
		}
	case frameUnpublished:
		r.dropPlayback(remoteKey{user: f.User, kind: core.TrackKind(f.Kind)})
		if h != nil {
			user, kind := f.User, core.TrackKind(f.Kind)
			r.enqueue(func() { h.TrackUnpublished(user, kind) })
		}
	case frameLeft:
		r.dropPlayback(remoteKey{user: f.User, kind: core.TrackAudio})
		r.dropPlayback(remoteKey{user: f.User, kind: core.TrackVideo})
		if h != nil {
			user := f.User
			r.enqueue(func() { h.ParticipantLeft(user) })
		}
	default:
		log.Warn().Str("module", "rtc").Str("type", f.Type).Msg("unknown frame")
	}
}

func (r *Room) applyOffer(pc *webrtc.PeerConnection, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	r.negMu.Lock()
	defer r.negMu.Unlock()
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

// enqueue hands a handler callback to the dispatch goroutine, keeping
// callback order while freeing the read loop. A full queue blocks the
// caller until the dispatcher catches up or the room closes; reordering
// would let an unpublish overtake its publish.
func (r *Room) enqueue(fn func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	ch, done := r.events, r.done
	r.mu.Unlock()

	r.dispatchOnce.Do(func() {
		go func() {
			for {
				select {
				case queued := <-ch:
					queued()
				case <-done:
					return
				}
			}
		}()
	})

	select {
	case ch <- fn:
	case <-done:
	}
}

func (r *Room) dropPlayback(key remoteKey) {
	r.mu.Lock()
	p, ok := r.playbacks[key]
	if ok {
		delete(r.playbacks, key)
	}
	delete(r.remotes, key)
	r.mu.Unlock()
	if ok {
		p.close()
	}
}

// fail tears down after a transport error and reports it upstream.
func (r *Room) fail(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	wasJoined := r.joined
	h := r.handler
	r.mu.Unlock()

	r.teardown()
	select {
	case r.joinRes <- err:
	default:
	}
	if wasJoined && h != nil {
		h.Disconnected(err)
	}
}

func (r *Room) teardown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conn, pc := r.conn, r.pc
	if r.send != nil {
		close(r.send)
		r.send = nil
	}
	close(r.done)
	playbacks := r.playbacks
	r.playbacks = make(map[remoteKey]*playbackTrack)
	for key, waiters := range r.waiters {
		for _, ch := range waiters {
			close(ch)
		}
		delete(r.waiters, key)
	}
	r.mu.Unlock()

	for _, p := range playbacks {
		p.close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("close peer connection")
		}
	}
}
