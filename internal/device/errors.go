package device

import "errors"

// Sentinel errors for device operations.
// Use errors.Is() to check for these in calling code.
var (
	// ErrDeviceNotFound is returned when no device matches the given id or token.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrUnknownToken is returned for cache operations against a token that
	// has never been seen and cannot be resolved.
	ErrUnknownToken = errors.New("device: unknown token")
)
