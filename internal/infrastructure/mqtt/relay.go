package mqtt

import (
	"encoding/json"
	"time"
)

// Relay publishes device lifecycle and hardware events onto MQTT.
//
// It exposes the same publish surface as the WebSocket hub so the gateway
// dispatcher and cache can fan out to both without knowing the transport.
// Publishing is best effort: a disconnected broker drops the event and the
// error is logged, never propagated back to the device path.
type Relay struct {
	client *Client
	logger Logger
}

// NewRelay creates a relay over an established client.
func NewRelay(client *Client) *Relay {
	return &Relay{client: client}
}

// SetLogger sets a logger for publish failures.
func (r *Relay) SetLogger(logger Logger) {
	r.logger = logger
}

// hardwareEvent is the payload for device hardware topics.
type hardwareEvent struct {
	DeviceID  string `json:"device_id"`
	Pin       int    `json:"pin"`
	Value     string `json:"value"`
	Command   string `json:"command"`
	Timestamp string `json:"timestamp"`
}

// statusEvent is the payload for device status topics.
type statusEvent struct {
	DeviceID  string `json:"device_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// PublishHardwareData relays a pin event to the device hardware topic and
// the per-pin topic.
func (r *Relay) PublishHardwareData(deviceID string, pin int, value, command string) {
	payload, err := json.Marshal(hardwareEvent{
		DeviceID:  deviceID,
		Pin:       pin,
		Value:     value,
		Command:   command,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		r.logError("marshal hardware event", deviceID, err)
		return
	}

	topics := Topics{}
	if err := r.client.Publish(topics.DeviceHardware(deviceID), payload, byte(r.client.cfg.QoS), false); err != nil {
		r.logError("publish hardware event", deviceID, err)
	}
	if err := r.client.Publish(topics.DevicePin(deviceID, pin), payload, byte(r.client.cfg.QoS), false); err != nil {
		r.logError("publish pin event", deviceID, err)
	}
}

// PublishDeviceStatus relays an online/offline transition to the device
// status topic. Status messages are retained so late subscribers see the
// last known state.
func (r *Relay) PublishDeviceStatus(deviceID string, status string) {
	payload, err := json.Marshal(statusEvent{
		DeviceID:  deviceID,
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		r.logError("marshal status event", deviceID, err)
		return
	}

	if err := r.client.Publish(Topics{}.DeviceStatus(deviceID), payload, byte(r.client.cfg.QoS), true); err != nil {
		r.logError("publish status event", deviceID, err)
	}
}

func (r *Relay) logError(op, deviceID string, err error) {
	if r.logger == nil {
		return
	}
	r.logger.Warn("MQTT relay "+op+" failed", "device_id", deviceID, "error", err)
}
