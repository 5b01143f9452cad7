// Package rtc implements the media transport over pion/webrtc: a room
// connection to the SFU with a websocket signaling client, local device
// capture via pion/mediadevices, and per-track playback pumps that feed
// the renderer link.
package rtc

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// Engine bundles the webrtc API configured with the codecs the capture
// side encodes to. Rooms, devices and the renderer link all build their
// peer connections from the same engine so codec capabilities line up.
type Engine struct {
	api      *webrtc.API
	selector *mediadevices.CodecSelector
	cfg      webrtc.Configuration
}

func NewEngine(iceURLs []string) (*Engine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	// The default disconnectedTimeout of 5s drops calls on brief relay
	// hiccups; give ICE room to recover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	servers := make([]webrtc.ICEServer, 0, len(iceURLs))
	for _, u := range iceURLs {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	return &Engine{
		api:      api,
		selector: selector,
		cfg:      webrtc.Configuration{ICEServers: servers},
	}, nil
}

func (e *Engine) newPeerConnection() (*webrtc.PeerConnection, error) {
	return e.api.NewPeerConnection(e.cfg)
}
