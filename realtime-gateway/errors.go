package main

import "errors"

// Error taxonomy. Nothing here is fatal to the process: auth and capacity
// errors terminate only the offending handshake, store and bus errors degrade
// features until the backend recovers.
var (
	ErrAuthFailed       = errors.New("authentication failed")
	ErrCapacityExceeded = errors.New("connection capacity exceeded")
	ErrStoreUnavailable = errors.New("presence store unavailable")
	ErrBusUnavailable   = errors.New("message bus unavailable")
	ErrAccessDenied     = errors.New("room access denied")
)
