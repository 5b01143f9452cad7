package rtc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"

	"github.com/avellin/huddle/internal/core"
	"github.com/avellin/huddle/internal/domain"
)

// Sink receives the RTP packets of one playing remote track. The
// renderer link implements it with a local static track toward the UI.
type Sink interface {
	WriteRTP(pkt *rtp.Packet) error
}

// discardSink keeps the receiver drained when no renderer is attached.
type discardSink struct{}

func (discardSink) WriteRTP(*rtp.Packet) error { return nil }

// rtpSource is the read side of a subscribed track.
type rtpSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type playState int32

const (
	playIdle playState = iota
	playOk
	playStopped
)

// playbackTrack pumps RTP from a subscribed remote track into its sink.
// The pump always drains the receiver; volume zero and Stop only gate
// the forwarding, never the reads.
type playbackTrack struct {
	user domain.UserID
	kind core.TrackKind
	src  rtpSource
	sink Sink

	state  atomic.Int32
	volume atomic.Int32

	cancel  context.CancelFunc
	release func()
	once    sync.Once
}

func newPlaybackTrack(user domain.UserID, kind core.TrackKind, src rtpSource, sink Sink, release func()) *playbackTrack {
	if sink == nil {
		sink = discardSink{}
	}
	p := &playbackTrack{
		user:    user,
		kind:    kind,
		src:     src,
		sink:    sink,
		release: release,
	}
	p.volume.Store(100)
	return p
}

func (p *playbackTrack) User() domain.UserID  { return p.user }
func (p *playbackTrack) Kind() core.TrackKind { return p.kind }

func (p *playbackTrack) Play() {
	p.state.Store(int32(playOk))
	p.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		go p.pump(ctx)
	})
}

func (p *playbackTrack) Stop() {
	p.state.Store(int32(playStopped))
}

// SetVolume gates forwarding at zero and passes otherwise. Levels
// between 1 and 99 are treated as audible; attenuation happens in the
// renderer.
func (p *playbackTrack) SetVolume(level int) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	p.volume.Store(int32(level))
}

// close tears the pump down for good. Called by the room when the
// publication or the session goes away.
func (p *playbackTrack) close() {
	p.state.Store(int32(playStopped))
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *playbackTrack) pump(ctx context.Context) {
	defer func() {
		if p.release != nil {
			p.release()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := p.src.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("user", string(p.user)).Str("kind", string(p.kind)).Msg("playback read done")
			return
		}
		if playState(p.state.Load()) != playOk {
			continue
		}
		if p.kind == core.TrackAudio && p.volume.Load() == 0 {
			continue
		}
		if err := p.sink.WriteRTP(pkt); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("user", string(p.user)).Msg("playback write error, stopping")
			p.state.Store(int32(playStopped))
		}
	}
}
