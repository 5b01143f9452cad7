package call

import (
	"sort"

	"github.com/avellin/huddle/internal/core"
	"github.com/avellin/huddle/internal/domain"
)

type State int32

const (
	StateNone State = iota
	StateJoining
	StateActive
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	default:
		return "none"
	}
}

// remoteParticipant tracks one remote member's publications. Track
// references are transport-owned; the coordinator only borrows them.
type remoteParticipant struct {
	hasVideo bool
	audio    core.RemoteTrack
	video    core.RemoteTrack
}

// Snapshot is a read-only view of the session for UI surfaces.
type Snapshot struct {
	State        string               `json:"state"`
	Kind         string               `json:"kind"`
	Room         domain.RoomID        `json:"room,omitempty"`
	MicOn        bool                 `json:"mic_on"`
	VideoOn      bool                 `json:"video_on"`
	Deafened     bool                 `json:"deafened"`
	Participants []domain.Participant `json:"participants"`
}

// Snapshot returns the current session state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	s := Snapshot{
		State:        c.state.String(),
		Kind:         c.kind.String(),
		Room:         c.roomID,
		MicOn:        c.micOn,
		VideoOn:      c.videoOn,
		Deafened:     c.deafened,
		Participants: make([]domain.Participant, 0, len(c.remotes)),
	}
	for user, p := range c.remotes {
		s.Participants = append(s.Participants, domain.Participant{User: user, HasVideo: p.hasVideo})
	}
	sort.Slice(s.Participants, func(i, j int) bool {
		return s.Participants[i].User < s.Participants[j].User
	})
	return s
}
