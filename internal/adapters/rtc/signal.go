package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/avellin/huddle/internal/domain"
)

// frame is the JSON envelope on the signaling socket. Type selects which
// of the optional fields are meaningful.
type frame struct {
	Type string `json:"type"`

	Room     domain.RoomID `json:"room,omitempty"`
	Identity domain.UserID `json:"identity,omitempty"`

	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	User domain.UserID `json:"user,omitempty"`
	Kind string        `json:"kind,omitempty"`

	Reason string `json:"reason,omitempty"`
}

const (
	frameJoin        = "join"
	frameLeave       = "leave"
	frameOffer       = "offer"
	frameAnswer      = "answer"
	frameCandidate   = "candidate"
	frameJoined      = "joined"
	framePublished   = "published"
	frameUnpublished = "unpublished"
	frameLeft        = "left"
	frameError       = "error"
)
