// Package protocol implements the binary wire protocol spoken by field
// devices: fixed-header frame encoding/decoding, hardware command parsing,
// and device-info record parsing.
//
// A frame is [type:1][id:2 BE][length:2 BE][body:length]. The decoder is
// stream-oriented: it reports "no frame yet" (not an error) when fewer bytes
// than a complete frame are buffered, so callers can reassemble across
// arbitrary TCP read boundaries.
package protocol
