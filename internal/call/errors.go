package call

import "errors"

var (
	// ErrAlreadyInCall is returned when a join is attempted while a
	// session is already active.
	ErrAlreadyInCall = errors.New("already in a call")
	// ErrOperationInProgress is returned when a join or leave is still in
	// flight. Overlapping joins are rejected outright, never queued.
	ErrOperationInProgress = errors.New("call operation in progress")
	// ErrNotInCall is returned for toggles outside an active session.
	ErrNotInCall = errors.New("not in a call")
	// ErrUnknownCallKind is returned for a join with a kind that is
	// neither channel nor direct.
	ErrUnknownCallKind = errors.New("unknown call kind")
	// ErrJoinTransport wraps a failed transport room join. The session is
	// fully rolled back before it is returned.
	ErrJoinTransport = errors.New("transport join failed")
	// ErrDeviceAcquisition wraps a failed mic/camera open or publish.
	// Non-fatal: the call keeps going with the capability off.
	ErrDeviceAcquisition = errors.New("device acquisition failed")
)
