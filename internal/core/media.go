// Package core declares the ports the call coordinator speaks through.
// Adapters own transport resources; the coordinator owns session state.
package core

import (
	"context"

	"github.com/avellin/huddle/internal/domain"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// LocalTrack is an exclusively-owned handle to locally captured media.
// SetEnabled(false) pauses transmission without releasing the device;
// Close releases it for good.
type LocalTrack interface {
	Kind() TrackKind
	Enabled() bool
	SetEnabled(on bool)
	Close() error
}

// RemoteTrack is a subscribed remote publication. The transport owns its
// lifetime; the coordinator only holds a reference while the publication
// is live.
type RemoteTrack interface {
	User() domain.UserID
	Kind() TrackKind
	// Play begins rendering (audio playback, or video render binding keyed
	// by the publishing user's id).
	Play()
	// Stop halts rendering without dropping the subscription.
	Stop()
	// SetVolume sets playback volume 0..100. No-op for video tracks.
	SetVolume(level int)
}

// DeviceSource acquires local capture devices.
type DeviceSource interface {
	OpenMicrophone(ctx context.Context) (LocalTrack, error)
	OpenCamera(ctx context.Context) (LocalTrack, error)
}

// RoomHandler receives transport events for one joined room. The handler
// must be registered before Join so no early publication is missed.
type RoomHandler interface {
	TrackPublished(user domain.UserID, kind TrackKind)
	TrackUnpublished(user domain.UserID, kind TrackKind)
	ParticipantLeft(user domain.UserID)
	// Disconnected reports a fatal transport failure while joined.
	Disconnected(err error)
}

// MediaRoom is one transport room connection. Join/Publish/Subscribe/Leave
// may suspend; all are safe to call from a single goroutine at a time.
type MediaRoom interface {
	SetHandler(h RoomHandler)
	Join(ctx context.Context, room domain.RoomID, identity domain.UserID) error
	Publish(ctx context.Context, track LocalTrack) error
	Subscribe(ctx context.Context, user domain.UserID, kind TrackKind) (RemoteTrack, error)
	Leave(ctx context.Context) error
}

// MediaDialer mints a fresh MediaRoom per call attempt.
type MediaDialer interface {
	OpenRoom() MediaRoom
}
