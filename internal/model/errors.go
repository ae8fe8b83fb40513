package model

import "errors"

// Error taxonomy shared by every fleet component. Callers match with errors.Is.
var (
	// ErrNotFound is returned for an unknown agent id, identity or snapshot.
	ErrNotFound = errors.New("not found")

	// ErrStaleWrite means the row changed between read and write.
	ErrStaleWrite = errors.New("stale write")

	// ErrPeerUnreachable means a cluster partition could not be read or
	// written within the bounded wait.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrConfigInvalid marks configuration that cannot be used as given.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrForeignPartition is returned when a node tries to write a
	// partition it does not own.
	ErrForeignPartition = errors.New("partition owned by another node")

	// ErrInvalidTransition is returned for a state change the liveness
	// state machine does not allow, e.g. BUSY on an INACTIVE agent.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidInput marks a request missing required fields.
	ErrInvalidInput = errors.New("invalid input")
)
