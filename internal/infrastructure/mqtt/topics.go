package mqtt

import "fmt"

// Topic prefixes for the IoT Data Hub event relay.
//
// All device topics use the flat scheme: iotdatahub/device/{device_id}/{kind}
// so external consumers can subscribe per device or with wildcards.
const (
	// TopicPrefixDevice is the base for all per-device topics.
	TopicPrefixDevice = "iotdatahub/device"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "iotdatahub/system"
)

// Topics provides builders for IoT Data Hub MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	statusTopic := topics.DeviceStatus("a1b2c3")
//	// Returns: "iotdatahub/device/a1b2c3/status"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceStatus returns the topic for device online/offline transitions.
//
// Example: iotdatahub/device/a1b2c3/status
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixDevice, deviceID)
}

// DeviceHardware returns the topic for hardware pin events from a device.
//
// Example: iotdatahub/device/a1b2c3/hardware
func (Topics) DeviceHardware(deviceID string) string {
	return fmt.Sprintf("%s/%s/hardware", TopicPrefixDevice, deviceID)
}

// DevicePin returns the topic for events on a single pin of a device.
// Published alongside DeviceHardware so consumers can filter per pin.
//
// Example: iotdatahub/device/a1b2c3/pin/20
func (Topics) DevicePin(deviceID string, pin int) string {
	return fmt.Sprintf("%s/%s/pin/%d", TopicPrefixDevice, deviceID, pin)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the hub status topic. The LWT message is also
// published here when the hub disconnects unexpectedly.
//
// Example: iotdatahub/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllDeviceStatus returns a pattern matching status transitions for all devices.
//
// Pattern: iotdatahub/device/+/status
func (Topics) AllDeviceStatus() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixDevice)
}

// AllDeviceHardware returns a pattern matching hardware events for all devices.
//
// Pattern: iotdatahub/device/+/hardware
func (Topics) AllDeviceHardware() string {
	return fmt.Sprintf("%s/+/hardware", TopicPrefixDevice)
}

// AllTopics returns a pattern matching all hub topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: iotdatahub/#
func (Topics) AllTopics() string {
	return "iotdatahub/#"
}
