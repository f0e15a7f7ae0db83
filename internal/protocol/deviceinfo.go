package protocol

import (
	"strconv"
	"strings"
)

// DeviceInfo is a decoded device-info announcement.
//
// Devices send their identity shortly after login as NUL-separated
// alternating key/value pairs using short wire keys. Recognised keys map to
// canonical fields; anything else is preserved verbatim in Extra so firmware
// additions survive the hub without a release.
type DeviceInfo struct {
	MCU               string
	FirmwareType      string
	Build             string
	Version           string // hub protocol version reported by the device
	HeartbeatInterval int    // seconds; 0 if not reported
	BufferSize        int    // bytes; 0 if not reported
	DeviceModel       string
	TemplateID        string

	// Extra holds unrecognised keys under their original wire name.
	Extra map[string]string
}

// ParseDeviceInfo decodes a DEVICE_INFO frame body.
//
// The body is split on NUL bytes and consumed two fields at a time as
// key/value pairs. A trailing key with no value is ignored. Parsing never
// fails: malformed numeric values leave the corresponding field at zero.
func ParseDeviceInfo(body []byte) DeviceInfo {
	info := DeviceInfo{Extra: make(map[string]string)}

	fields := splitNonEmpty(string(body), "\x00")
	for i := 0; i+1 < len(fields); i += 2 {
		key := strings.TrimSpace(fields[i])
		value := strings.TrimSpace(fields[i+1])

		switch key {
		case "mcu":
			info.MCU = value
		case "fw-type":
			info.FirmwareType = value
		case "build":
			info.Build = value
		case "iotdatahub":
			info.Version = value
		case "h-beat":
			info.HeartbeatInterval = parseIntOrZero(value)
		case "buff-in":
			info.BufferSize = parseIntOrZero(value)
		case "dev":
			info.DeviceModel = value
		case "tmpl":
			info.TemplateID = value
		default:
			info.Extra[key] = value
		}
	}

	return info
}

// Metadata flattens the record into a metadata map for the device cache.
// Only reported fields appear; zero values are omitted.
func (d DeviceInfo) Metadata() map[string]any {
	m := make(map[string]any)
	if d.MCU != "" {
		m["mcu"] = d.MCU
	}
	if d.FirmwareType != "" {
		m["firmware_type"] = d.FirmwareType
	}
	if d.Build != "" {
		m["build"] = d.Build
	}
	if d.Version != "" {
		m["version"] = d.Version
	}
	if d.HeartbeatInterval > 0 {
		m["heartbeat_interval"] = d.HeartbeatInterval
	}
	if d.BufferSize > 0 {
		m["buffer_size"] = d.BufferSize
	}
	if d.DeviceModel != "" {
		m["device_model"] = d.DeviceModel
	}
	if d.TemplateID != "" {
		m["template_id"] = d.TemplateID
	}
	for k, v := range d.Extra {
		m[k] = v
	}
	return m
}

// parseIntOrZero parses a base-10 integer, returning 0 on any failure.
func parseIntOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
