package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avellin/huddle/internal/core"
)

// Devices acquires local capture hardware through pion/mediadevices.
type Devices struct {
	engine *Engine
}

func NewDevices(engine *Engine) *Devices {
	return &Devices{engine: engine}
}

func (d *Devices) OpenMicrophone(ctx context.Context) (core.LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: d.engine.selector,
	})
	if err != nil {
		return nil, err
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, errors.New("no audio track captured")
	}
	return newCaptureTrack(core.TrackAudio, tracks[0]), nil
}

func (d *Devices) OpenCamera(ctx context.Context) (core.LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only. Some cameras expose an MJPEG node that
			// produces malformed frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
		Codec: d.engine.selector,
	})
	if err != nil {
		return nil, err
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, errors.New("no video track captured")
	}
	return newCaptureTrack(core.TrackVideo, tracks[0]), nil
}

// CaptureTrack wraps one mediadevices track. Disabling swaps the track
// off its RTP sender instead of closing it, so re-enabling is instant.
type CaptureTrack struct {
	kind  core.TrackKind
	track mediadevices.Track

	mu      sync.Mutex
	enabled bool
	sender  *webrtc.RTPSender
}

func newCaptureTrack(kind core.TrackKind, track mediadevices.Track) *CaptureTrack {
	track.OnEnded(func(err error) {
		if err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("kind", string(kind)).Msg("local track ended")
		}
	})
	return &CaptureTrack{kind: kind, track: track, enabled: true}
}

func (t *CaptureTrack) Kind() core.TrackKind { return t.kind }

func (t *CaptureTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *CaptureTrack) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled == on {
		return
	}
	t.enabled = on
	if t.sender == nil {
		return
	}
	var err error
	if on {
		err = t.sender.ReplaceTrack(t.track)
	} else {
		err = t.sender.ReplaceTrack(nil)
	}
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("kind", string(t.kind)).Msg("replace track")
	}
}

func (t *CaptureTrack) Close() error {
	t.mu.Lock()
	t.sender = nil
	t.mu.Unlock()
	return t.track.Close()
}

// bind attaches the sender created at publish time and applies the
// current enabled state to it.
func (t *CaptureTrack) bind(sender *webrtc.RTPSender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sender = sender
	if !t.enabled {
		if err := sender.ReplaceTrack(nil); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("replace track on bind")
		}
	}
}
