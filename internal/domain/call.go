package domain

// RoomID is an opaque transport rendezvous identifier. A voice channel id and
// a direct-message thread id share the same namespace.
type RoomID string

// CallKind says what a call session is attached to.
type CallKind int

const (
	CallNone CallKind = iota
	CallChannel
	CallDirect
)

func (k CallKind) String() string {
	switch k {
	case CallChannel:
		return "channel"
	case CallDirect:
		return "direct"
	default:
		return "none"
	}
}

// ParseCallKind maps the wire name to a CallKind. Unknown names map to CallNone.
func ParseCallKind(s string) CallKind {
	switch s {
	case "channel":
		return CallChannel
	case "direct":
		return CallDirect
	default:
		return CallNone
	}
}

// Participant is a read-only view of one remote call member for UI snapshots.
type Participant struct {
	User     UserID `json:"user"`
	HasVideo bool   `json:"has_video"`
}
