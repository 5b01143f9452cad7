package core

// ShellState mirrors coordinator state onto the desktop shell's tray and
// taskbar affordances. Push is one-way and best-effort.
type ShellState struct {
	InCall   bool `json:"in_call"`
	MicOn    bool `json:"mic_on"`
	Deafened bool `json:"deafened"`
	VideoOn  bool `json:"video_on"`
}

// ShellIntent is a physical tray/taskbar button press forwarded from the
// shell process.
type ShellIntent string

const (
	IntentToggleMic    ShellIntent = "toggle-mic"
	IntentToggleDeafen ShellIntent = "toggle-deafen"
	IntentToggleVideo  ShellIntent = "toggle-video"
	IntentLeaveCall    ShellIntent = "leave-call"
)

// ShellBridge is the inter-process channel to the desktop shell.
type ShellBridge interface {
	// PushState redraws the shell affordances. Never blocks; lost frames
	// are acceptable.
	PushState(s ShellState)
	// OnIntent registers the handler for incoming button presses.
	OnIntent(fn func(ShellIntent))
}
