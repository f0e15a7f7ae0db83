package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// CommandKind enumerates the hardware command variants.
type CommandKind int

// Hardware command kinds.
const (
	VirtualWrite CommandKind = iota
	VirtualRead
	DigitalWrite
	DigitalRead
)

// String returns the short wire mnemonic for the command kind.
func (k CommandKind) String() string {
	switch k {
	case VirtualWrite:
		return "vw"
	case VirtualRead:
		return "vr"
	case DigitalWrite:
		return "dw"
	case DigitalRead:
		return "dr"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// IsWrite reports whether the command mutates pin state.
func (k CommandKind) IsWrite() bool {
	return k == VirtualWrite || k == DigitalWrite
}

// Command is a decoded hardware command.
type Command struct {
	Kind CommandKind

	// Pin is the hardware pin the command addresses.
	Pin int

	// Value is the raw value for write commands; empty for reads.
	Value string
}

// Legacy concatenated grammar, e.g. "vw342" with no separators.
// The pin consumes the leading digit only, so "vw1234" resolves to pin 1,
// value "234". This matches the historical decoder and is ambiguous for
// multi-digit pins; it is asserted as-is in tests and must not be "fixed"
// silently.
var (
	legacyWriteRe = regexp.MustCompile(`^(vw|dw)([0-9])(.+)$`)
	legacyReadRe  = regexp.MustCompile(`^(vr|dr)([0-9]+)$`)
)

// ParseCommand decodes a hardware command frame body.
//
// Decoding priority:
//  1. NUL-delimited fields: "command\x00pin\x00value"
//  2. Fallback: NUL bytes stripped, fields split on whitespace or commas
//  3. Legacy: concatenated form with no separators ("vw342", "vr7")
//
// Digital write values must be "0" or "1"; anything else is a decode failure
// (the frame is still acknowledged by the dispatcher).
func ParseCommand(body []byte) (Command, error) {
	if len(body) == 0 {
		return Command{}, ErrEmptyBody
	}

	// 1. NUL-delimited fields.
	if fields := splitNonEmpty(string(body), "\x00"); len(fields) >= 2 {
		if cmd, err := commandFromFields(fields); err == nil {
			return cmd, nil
		} else if isValueError(err) {
			return Command{}, err
		}
	}

	// 2. Whitespace/comma fallback on the NUL-stripped body.
	stripped := strings.ReplaceAll(string(body), "\x00", " ")
	fields := strings.FieldsFunc(stripped, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ','
	})
	if len(fields) >= 2 {
		if cmd, err := commandFromFields(fields); err == nil {
			return cmd, nil
		} else if isValueError(err) {
			return Command{}, err
		}
	}

	// 3. Legacy concatenated grammar.
	compact := strings.TrimSpace(strings.ReplaceAll(string(body), "\x00", ""))
	if m := legacyWriteRe.FindStringSubmatch(compact); m != nil {
		return buildCommand(m[1], m[2], m[3])
	}
	if m := legacyReadRe.FindStringSubmatch(compact); m != nil {
		return buildCommand(m[1], m[2], "")
	}

	return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, string(body))
}

// commandFromFields builds a command from pre-split [command, pin, value?].
func commandFromFields(fields []string) (Command, error) {
	value := ""
	if len(fields) >= 3 {
		value = fields[2]
	}
	return buildCommand(strings.ToLower(strings.TrimSpace(fields[0])), fields[1], value)
}

// buildCommand validates mnemonic, pin, and value and assembles the Command.
func buildCommand(mnemonic, pinStr, value string) (Command, error) {
	var kind CommandKind
	switch mnemonic {
	case "vw":
		kind = VirtualWrite
	case "vr":
		kind = VirtualRead
	case "dw":
		kind = DigitalWrite
	case "dr":
		kind = DigitalRead
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, mnemonic)
	}

	pin, err := strconv.Atoi(strings.TrimSpace(pinStr))
	if err != nil || pin < 0 {
		return Command{}, fmt.Errorf("%w: %q", ErrInvalidPin, pinStr)
	}

	if kind == DigitalWrite && value != "0" && value != "1" {
		return Command{}, fmt.Errorf("%w: %q", ErrInvalidDigitalValue, value)
	}
	if kind == VirtualWrite && value == "" {
		return Command{}, fmt.Errorf("%w: missing value", ErrUnknownCommand)
	}
	if !kind.IsWrite() {
		value = ""
	}

	return Command{Kind: kind, Pin: pin, Value: value}, nil
}

// isValueError reports whether err is a hard decode failure that should not
// fall through to the next grammar (a recognised command with a bad value).
func isValueError(err error) bool {
	return errors.Is(err, ErrInvalidDigitalValue)
}

// splitNonEmpty splits s on sep and drops empty fields.
func splitNonEmpty(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
