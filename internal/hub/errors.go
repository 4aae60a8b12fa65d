package hub

import "errors"

// Error taxonomy for the communication core. All are returned as typed
// results; none escape as panics.
var (
	// ErrVersionMismatch rejects a handshake whose major protocol version
	// differs from the server's.
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrDeviceUnreachable reports a target with no active connection at
	// dispatch time, or whose connection dropped mid-command.
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrCommandTimeout reports no correlated response within the deadline.
	ErrCommandTimeout = errors.New("command timeout")

	// ErrTransportFailure reports an underlying connection failing
	// mid-operation.
	ErrTransportFailure = errors.New("transport failure")

	// ErrUnauthorized rejects a handshake with a missing or invalid
	// credential.
	ErrUnauthorized = errors.New("unauthorized")
)
