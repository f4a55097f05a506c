package emulator

import "errors"

var (
	// ErrPermissionDenied indicates that the rules rejected the access
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDataStale indicates that a conditional write was based on outdated data
	ErrDataStale = errors.New("data is stale")

	// ErrSessionClosed indicates that the session was already closed
	ErrSessionClosed = errors.New("session closed")
)
