// Package call owns the single device-wide call session. The Coordinator
// mediates between UI intents, the desktop shell, the media transport and
// the membership store; it is the only writer of session state.
package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avellin/huddle/internal/core"
	"github.com/avellin/huddle/internal/domain"
)

// Coordinator runs the NONE → JOINING → ACTIVE state machine. Operations
// serialize on mu; suspension points (device open, transport calls, store
// writes) run outside the lock with the pending flag guarding against
// overlapping joins and leaves.
type Coordinator struct {
	self    domain.UserID
	dialer  core.MediaDialer
	devices core.DeviceSource
	store   core.MembershipStore
	shell   core.ShellBridge

	mu          sync.Mutex
	state       State
	pending     bool
	aborted     bool
	kind        domain.CallKind
	roomID      domain.RoomID
	counterpart domain.UserID
	room        core.MediaRoom
	micOn       bool
	videoOn     bool
	deafened    bool
	localAudio  core.LocalTrack
	localVideo  core.LocalTrack
	remotes     map[domain.UserID]*remoteParticipant

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

// New wires a Coordinator to its collaborators. shell may be nil when no
// desktop shell is attached.
func New(self domain.UserID, dialer core.MediaDialer, devices core.DeviceSource, store core.MembershipStore, shell core.ShellBridge) *Coordinator {
	c := &Coordinator{
		self:      self,
		dialer:    dialer,
		devices:   devices,
		store:     store,
		shell:     shell,
		remotes:   make(map[domain.UserID]*remoteParticipant),
		listeners: make(map[chan Event]struct{}),
	}
	if shell != nil {
		shell.OnIntent(c.handleShellIntent)
	}
	return c
}

// Join opens a call session on room. counterpart is the callee of a direct
// call and is ignored for channel calls. Exactly one session may exist per
// process; a second join fails without touching the live one.
func (c *Coordinator) Join(ctx context.Context, kind domain.CallKind, room domain.RoomID, counterpart domain.UserID) error {
	if kind != domain.CallChannel && kind != domain.CallDirect {
		c.toast(SeverityError, "Could not join call", "unknown call kind")
		return ErrUnknownCallKind
	}

	c.mu.Lock()
	if c.pending {
		c.mu.Unlock()
		c.toast(SeverityError, "Call busy", "Another call operation is still in progress.")
		return ErrOperationInProgress
	}
	if c.state != StateNone {
		c.mu.Unlock()
		c.toast(SeverityError, "Already in a call", "Leave the current call to join another.")
		return ErrAlreadyInCall
	}
	mr := c.dialer.OpenRoom()
	c.pending = true
	c.aborted = false
	c.state = StateJoining
	c.kind = kind
	c.roomID = room
	c.counterpart = counterpart
	c.room = mr
	c.mu.Unlock()

	// Listeners go on before the join resolves so a publication from an
	// existing member cannot slip past unobserved.
	mr.SetHandler(&roomEvents{c: c, room: mr})

	if err := mr.Join(ctx, room, c.self); err != nil {
		c.mu.Lock()
		c.resetSessionLocked()
		c.pending = false
		c.mu.Unlock()
		c.pushShell()
		c.emitState()
		c.toast(SeverityError, "Could not join call", err.Error())
		return fmt.Errorf("%w: %v", ErrJoinTransport, err)
	}

	if c.abortRequested() {
		c.unwindJoin(ctx, mr, nil, "", false)
		return nil
	}

	// Mic is on by default; losing the device is a warning, not a failure.
	var audio core.LocalTrack
	if t, err := c.devices.OpenMicrophone(ctx); err != nil {
		c.toast(SeverityWarn, "Microphone unavailable", "Joined with the mic off: "+err.Error())
	} else if err := mr.Publish(ctx, t); err != nil {
		_ = t.Close()
		c.toast(SeverityWarn, "Microphone unavailable", "Joined with the mic off: "+err.Error())
	} else {
		audio = t
	}

	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		c.unwindJoin(ctx, mr, audio, "", false)
		return nil
	}
	c.localAudio = audio
	c.micOn = audio != nil
	c.videoOn = false
	c.deafened = false
	c.mu.Unlock()

	// The membership write lands while the session is still JOINING with
	// pending set, so a concurrent leave aborts the join instead of racing
	// its own RemoveMember against this write.
	memberAdded := true
	if err := c.store.AddMember(ctx, room, c.self); err != nil {
		memberAdded = false
		log.Warn().Err(err).Str("module", "call").Str("room", string(room)).Msg("membership add failed")
		c.toast(SeverityWarn, "Membership update failed", "Others may not see you in this call.")
	}

	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		c.unwindJoin(ctx, mr, audio, room, memberAdded)
		return nil
	}
	c.state = StateActive
	c.pending = false
	c.mu.Unlock()
	c.pushShell()
	c.emitState()

	if kind == domain.CallDirect && counterpart != "" {
		c.inviteCounterpart(ctx, room, counterpart)
	}

	log.Info().Str("module", "call").Str("room", string(room)).Str("kind", kind.String()).Msg("call joined")
	return nil
}

// inviteCounterpart rings the other side of a direct call unless they are
// already in the room.
func (c *Coordinator) inviteCounterpart(ctx context.Context, room domain.RoomID, counterpart domain.UserID) {
	members, err := c.store.Members(ctx, room)
	if err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("membership read failed, skipping invite")
		return
	}
	for _, m := range members {
		if m == counterpart {
			return
		}
	}
	n := domain.NewNotification(c.self, "Incoming Call", fmt.Sprintf("%s is calling you.", c.self))
	if err := c.store.Notify(ctx, counterpart, n); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("to", string(counterpart)).Msg("call invite failed")
	}
}

// Leave tears the session down. Idempotent; never fails from the caller's
// point of view: local state always returns to NONE even when the
// transport leave errors.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.pending && c.state == StateJoining {
		// A join is still in flight. Mark it aborted; the join path
		// unwinds based on what it actually owns by then.
		c.aborted = true
		c.mu.Unlock()
		log.Info().Str("module", "call").Msg("leave requested mid-join, aborting join")
		return nil
	}
	if c.state == StateNone || c.pending {
		c.mu.Unlock()
		return nil
	}
	c.pending = true
	audio, video, mr := c.localAudio, c.localVideo, c.room
	room := c.roomID
	c.resetSessionLocked()
	c.mu.Unlock()

	// UI flips to "not in call" before any transport work happens.
	c.pushShell()
	c.emitState()

	c.release(ctx, mr, audio, video, room, true)

	c.mu.Lock()
	c.pending = false
	c.mu.Unlock()
	log.Info().Str("module", "call").Str("room", string(room)).Msg("call left")
	return nil
}

// ToggleMic flips the mic. With no audio handle yet it acquires and
// publishes one; acquisition failure leaves micEnabled untouched. Turning
// the mic on while deafened clears deafen.
func (c *Coordinator) ToggleMic(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotInCall
	}

	if c.localAudio == nil {
		mr := c.room
		c.mu.Unlock()
		t, err := c.devices.OpenMicrophone(ctx)
		if err != nil {
			c.toast(SeverityWarn, "Microphone unavailable", err.Error())
			return fmt.Errorf("%w: %v", ErrDeviceAcquisition, err)
		}
		if err := mr.Publish(ctx, t); err != nil {
			_ = t.Close()
			c.toast(SeverityWarn, "Microphone unavailable", err.Error())
			return fmt.Errorf("%w: %v", ErrDeviceAcquisition, err)
		}
		c.mu.Lock()
		if c.state != StateActive || c.room != mr {
			// The call ended while the device was opening.
			c.mu.Unlock()
			_ = t.Close()
			return ErrNotInCall
		}
		c.localAudio = t
		c.micOn = true
		c.clearDeafenLocked()
		c.mu.Unlock()
	} else {
		on := !c.micOn
		if on && c.deafened {
			c.clearDeafenLocked()
		}
		c.localAudio.SetEnabled(on)
		c.micOn = on
		c.mu.Unlock()
	}

	c.pushShell()
	c.emitState()
	return nil
}

// ToggleVideo flips the camera. Turning on binds the local self-view keyed
// by the local identity; turning off pauses capture and releases the
// binding, keeping the handle for the rest of the call.
func (c *Coordinator) ToggleVideo(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotInCall
	}

	if c.localVideo == nil {
		mr := c.room
		c.mu.Unlock()
		t, err := c.devices.OpenCamera(ctx)
		if err != nil {
			c.toast(SeverityError, "Camera unavailable", err.Error())
			return fmt.Errorf("%w: %v", ErrDeviceAcquisition, err)
		}
		if err := mr.Publish(ctx, t); err != nil {
			_ = t.Close()
			c.toast(SeverityError, "Camera unavailable", err.Error())
			return fmt.Errorf("%w: %v", ErrDeviceAcquisition, err)
		}
		c.mu.Lock()
		if c.state != StateActive || c.room != mr {
			c.mu.Unlock()
			_ = t.Close()
			return ErrNotInCall
		}
		c.localVideo = t
		c.videoOn = true
		c.mu.Unlock()
		c.emitLocalVideo(true)
	} else {
		on := !c.videoOn
		c.localVideo.SetEnabled(on)
		c.videoOn = on
		c.mu.Unlock()
		c.emitLocalVideo(on)
	}

	c.pushShell()
	c.emitState()
	return nil
}

// ToggleDeafen flips inbound audio suppression. Deafening also mutes the
// mic; the two are never on together.
func (c *Coordinator) ToggleDeafen() error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotInCall
	}
	if c.deafened {
		c.deafened = false
		c.setRemoteVolumesLocked(100)
	} else {
		c.deafened = true
		c.setRemoteVolumesLocked(0)
		if c.micOn {
			c.micOn = false
			if c.localAudio != nil {
				c.localAudio.SetEnabled(false)
			}
		}
	}
	c.mu.Unlock()

	c.pushShell()
	c.emitState()
	return nil
}

// Close leaves any active call and drops all event listeners.
func (c *Coordinator) Close() {
	_ = c.Leave(context.Background())

	c.listenerMu.Lock()
	for ch := range c.listeners {
		close(ch)
	}
	c.listeners = make(map[chan Event]struct{})
	c.listenerMu.Unlock()
}

// dropSession handles a fatal transport failure: same teardown as a
// user-initiated leave, plus an error toast.
func (c *Coordinator) dropSession(room core.MediaRoom, cause error) {
	c.mu.Lock()
	if c.room != room || c.state == StateNone {
		c.mu.Unlock()
		return
	}
	if c.pending {
		c.aborted = true
		c.mu.Unlock()
		return
	}
	c.pending = true
	audio, video := c.localAudio, c.localVideo
	roomID := c.roomID
	c.resetSessionLocked()
	c.mu.Unlock()

	c.pushShell()
	c.emitState()
	msg := "connection lost"
	if cause != nil {
		msg = cause.Error()
	}
	c.toast(SeverityError, "Call disconnected", msg)

	c.release(context.Background(), room, audio, video, roomID, true)

	c.mu.Lock()
	c.pending = false
	c.mu.Unlock()
}

// unwindJoin rolls back an aborted join using only what was actually
// acquired by the time the abort was observed, including the membership
// write when it already landed.
func (c *Coordinator) unwindJoin(ctx context.Context, mr core.MediaRoom, audio core.LocalTrack, room domain.RoomID, dropMembership bool) {
	c.mu.Lock()
	c.resetSessionLocked()
	c.pending = false
	c.mu.Unlock()
	c.pushShell()
	c.emitState()
	c.release(ctx, mr, audio, nil, room, dropMembership)
	log.Info().Str("module", "call").Msg("join aborted, resources released")
}

// release frees owned resources best-effort. Local state has already been
// reset by the caller; nothing here may fail the operation.
func (c *Coordinator) release(ctx context.Context, mr core.MediaRoom, audio, video core.LocalTrack, room domain.RoomID, dropMembership bool) {
	if audio != nil {
		_ = audio.Close()
	}
	if video != nil {
		_ = video.Close()
	}
	if mr != nil {
		if err := mr.Leave(ctx); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("transport leave failed")
		}
	}
	if dropMembership && room != "" {
		if err := c.store.RemoveMember(ctx, room, c.self); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("room", string(room)).Msg("membership remove failed")
		}
	}
}

func (c *Coordinator) abortRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *Coordinator) resetSessionLocked() {
	c.state = StateNone
	c.kind = domain.CallNone
	c.roomID = ""
	c.counterpart = ""
	c.room = nil
	c.micOn = false
	c.videoOn = false
	c.deafened = false
	c.localAudio = nil
	c.localVideo = nil
	c.remotes = make(map[domain.UserID]*remoteParticipant)
	c.aborted = false
}

// clearDeafenLocked lifts deafen and restores remote volumes.
func (c *Coordinator) clearDeafenLocked() {
	if !c.deafened {
		return
	}
	c.deafened = false
	c.setRemoteVolumesLocked(100)
}

func (c *Coordinator) setRemoteVolumesLocked(level int) {
	for _, p := range c.remotes {
		if p.audio != nil {
			p.audio.SetVolume(level)
		}
	}
}

func (c *Coordinator) pushShell() {
	if c.shell == nil {
		return
	}
	c.mu.Lock()
	s := core.ShellState{
		InCall:   c.state == StateActive,
		MicOn:    c.micOn,
		Deafened: c.deafened,
		VideoOn:  c.videoOn,
	}
	c.mu.Unlock()
	c.shell.PushState(s)
}

func (c *Coordinator) handleShellIntent(in core.ShellIntent) {
	ctx := context.Background()
	switch in {
	case core.IntentToggleMic:
		_ = c.ToggleMic(ctx)
	case core.IntentToggleDeafen:
		_ = c.ToggleDeafen()
	case core.IntentToggleVideo:
		_ = c.ToggleVideo(ctx)
	case core.IntentLeaveCall:
		_ = c.Leave(ctx)
	default:
		log.Warn().Str("module", "call").Str("intent", string(in)).Msg("unknown shell intent")
	}
}
