package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePinEvent records a hardware pin event as time-series telemetry.
//
// This is the primary method for archiving device pin history. The write
// is non-blocking; data is batched and sent asynchronously.
//
// Values that parse as numbers are stored in the "value" field so they can
// be graphed and aggregated. The raw string is always stored alongside,
// since devices may report non-numeric payloads.
//
// Parameters:
//   - deviceID: Unique identifier for the device
//   - pin: The pin number the event applies to
//   - value: The reported value, as sent by the device
//   - command: The command that produced the event (e.g., "vw", "dw")
//
// Example:
//
//	client.WritePinEvent("a1b2c3", 3, "21.5", "vw")
func (c *Client) WritePinEvent(deviceID string, pin int, value string, command string) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]interface{}{
		"raw": value,
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		fields["value"] = f
	}

	point := write.NewPoint(
		"pin_events",
		map[string]string{
			"device_id": deviceID,
			"pin":       strconv.Itoa(pin),
			"command":   command,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteDeviceStatus records an online/offline transition.
//
// Status is stored as a 0/1 gauge so availability can be charted over time.
//
// Parameters:
//   - deviceID: Device identifier
//   - online: true for ONLINE, false for OFFLINE
func (c *Client) WriteDeviceStatus(deviceID string, online bool) {
	if !c.IsConnected() {
		return
	}

	gauge := 0.0
	if online {
		gauge = 1.0
	}

	point := write.NewPoint(
		"device_status",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"online": gauge,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("gateway_stats",
//	    map[string]string{"host": "hub-01"},
//	    map[string]interface{}{"connections": 42, "batches_pending": 3})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
