package device

import "time"

// Status is a device's liveness state.
type Status string

// Device statuses. Transitions are driven only by the protocol dispatcher
// (on traffic) or the heartbeat mechanisms (on silence).
const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
)

// Device represents one field device known to the hub.
// This matches the schema in migrations/20260815_100000_initial_schema.up.sql.
type Device struct {
	// Identity
	ID    string `json:"id"`
	Token string `json:"-"` // authentication token, never serialised outward
	Name  string `json:"name"`

	// Liveness
	Status          Status    `json:"status"`
	LastPing        time.Time `json:"last_ping"`
	LastActivity    time.Time `json:"last_activity"`
	StatusChangedAt time.Time `json:"status_changed_at"`

	// Metadata holds free-form device-info fields (firmware, build,
	// heartbeat interval, ...) merged from DEVICE_INFO announcements.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Widgets configured for this device, keyed by pin.
	Widgets map[int]*Widget `json:"widgets,omitempty"`

	// PinValues is the latest known value per pin, written on every
	// hardware write regardless of widget configuration.
	PinValues map[int]PinValue `json:"pin_values,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Widget binds a pin to its last-known value for dashboard rendering.
type Widget struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name"`
	Pin       int       `json:"pin"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PinValue is the latest observed value on a pin.
type PinValue struct {
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
}

// PinEvent is an immutable history record appended on every hardware write.
type PinEvent struct {
	DeviceID  string    `json:"device_id"`
	Pin       int       `json:"pin"`
	Value     string    `json:"value"`
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

// DeepCopy creates a complete independent copy of the Device.
// All map fields are cloned so modifications to the copy do not affect the
// cached original. Essential for cache isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d

	if d.Metadata != nil {
		cpy.Metadata = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			cpy.Metadata[k] = v
		}
	}

	if d.Widgets != nil {
		cpy.Widgets = make(map[int]*Widget, len(d.Widgets))
		for pin, w := range d.Widgets {
			wc := *w
			cpy.Widgets[pin] = &wc
		}
	}

	if d.PinValues != nil {
		cpy.PinValues = make(map[int]PinValue, len(d.PinValues))
		for pin, v := range d.PinValues {
			cpy.PinValues[pin] = v
		}
	}

	return &cpy
}

// DevicePatch is a partial device update queued for the write-behind flush.
// Nil pointer fields are untouched; Metadata keys merge last-write-wins.
type DevicePatch struct {
	Status   *Status
	LastPing *time.Time
	Name     *string
	Metadata map[string]any
}

// merge folds a newer patch into this one, field-wise last-write-wins.
func (p *DevicePatch) merge(next DevicePatch) {
	if next.Status != nil {
		p.Status = next.Status
	}
	if next.LastPing != nil {
		p.LastPing = next.LastPing
	}
	if next.Name != nil {
		p.Name = next.Name
	}
	if next.Metadata != nil {
		if p.Metadata == nil {
			p.Metadata = make(map[string]any, len(next.Metadata))
		}
		for k, v := range next.Metadata {
			p.Metadata[k] = v
		}
	}
}

// WidgetUpdate is a pending widget value change awaiting flush.
type WidgetUpdate struct {
	Pin       int
	Value     string
	UpdatedAt time.Time
}

// PendingBatch accumulates all unflushed updates for one device.
//
// Merge rule: the device patch coalesces last-write-wins per field; widget
// and pin-event lists concatenate across merges until flushed.
type PendingBatch struct {
	DeviceID string
	Patch    DevicePatch
	Widgets  []WidgetUpdate
	Events   []PinEvent

	// attempts counts failed flushes; the batch is dropped after the limit.
	attempts int
}

// merge folds another batch for the same device into this one.
func (b *PendingBatch) merge(next *PendingBatch) {
	b.Patch.merge(next.Patch)
	b.Widgets = append(b.Widgets, next.Widgets...)
	b.Events = append(b.Events, next.Events...)
}
