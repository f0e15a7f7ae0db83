package protocol

import "errors"

// Sentinel errors for protocol decoding.
// Check with errors.Is(); decode failures are logged and the frame is still
// acknowledged (fail-open), they never close a connection.
var (
	// ErrUnknownCommand indicates a hardware command body matched no known grammar.
	ErrUnknownCommand = errors.New("protocol: unknown hardware command")

	// ErrInvalidPin indicates the pin field was missing or not numeric.
	ErrInvalidPin = errors.New("protocol: invalid pin")

	// ErrInvalidDigitalValue indicates a digital write value other than 0 or 1.
	ErrInvalidDigitalValue = errors.New("protocol: digital value must be 0 or 1")

	// ErrEmptyBody indicates a command frame with no usable payload.
	ErrEmptyBody = errors.New("protocol: empty command body")
)
