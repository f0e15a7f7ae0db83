package gateway

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/iotdatahub/core/internal/device"
	"github.com/iotdatahub/core/internal/infrastructure/logging"
	"github.com/iotdatahub/core/internal/protocol"
	"github.com/iotdatahub/core/internal/session"
)

// PriorityPin is the pin whose writes are persisted synchronously instead of
// joining the batched flush.
const PriorityPin = 20

// priorityMarker is the raw-body substring that also triggers the priority
// path. Both checks are applied; see DESIGN.md.
var priorityMarker = []byte("20")

// loadTimeout bounds the store fallback during login.
const loadTimeout = 5 * time.Second

// Broadcaster is the observer-facing fan-out surface the dispatcher
// publishes into. The api package's hub implements it.
type Broadcaster interface {
	// PublishHardwareData fans a pin update out to the device's subscribers.
	PublishHardwareData(deviceID string, pin int, value, command string)

	// PublishDeviceStatus fans a status transition out to the device's
	// subscribers.
	PublishDeviceStatus(deviceID string, status device.Status)
}

// Dispatcher interprets decoded frames, updates the cache, publishes to
// observers, and issues outbound commands.
//
// Every inbound frame is acknowledged with SUCCESS regardless of processing
// outcome; the embedded clients cannot act on failure codes, so failures go
// to logs and the observer channel instead of the wire.
type Dispatcher struct {
	cache    *device.Cache
	sessions *session.Registry
	hub      Broadcaster
	logger   *logging.Logger

	heartbeatTimeout time.Duration

	// msgID feeds outbound frame ids, wrapping at 65535.
	msgID atomic.Uint32

	done chan struct{}
}

// NewDispatcher creates a dispatcher over the given cache, session registry
// and broadcast hub.
func NewDispatcher(cache *device.Cache, sessions *session.Registry, hub Broadcaster, heartbeatTimeout time.Duration, logger *logging.Logger) *Dispatcher {
	if heartbeatTimeout == 0 {
		heartbeatTimeout = device.DefaultHeartbeatTimeout
	}
	return &Dispatcher{
		cache:            cache,
		sessions:         sessions,
		hub:              hub,
		logger:           logger.With("component", "dispatcher"),
		heartbeatTimeout: heartbeatTimeout,
		done:             make(chan struct{}),
	}
}

// Stop terminates all per-device heartbeat monitors.
func (d *Dispatcher) Stop() {
	close(d.done)
}

// HandleFrame processes one decoded frame from a connection. It always
// queues a SUCCESS response; errors are absorbed into logs.
func (d *Dispatcher) HandleFrame(conn *Connection, f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeLogin:
		d.handleLogin(conn, f)
	case protocol.TypeDeviceInfo:
		d.handleDeviceInfo(conn, f)
	case protocol.TypeHardware:
		d.handleHardware(conn, f)
	case protocol.TypeHardwareSync, protocol.TypePing:
		d.respond(conn, f.ID)
	default:
		d.logger.Debug("acknowledging unhandled frame type",
			"type", f.Type.String(), "id", f.ID)
		d.respond(conn, f.ID)
	}
}

// handleLogin binds the trimmed token to the connection, registers the
// session, seeds the cache entry as online and starts the heartbeat monitor.
func (d *Dispatcher) handleLogin(conn *Connection, f *protocol.Frame) {
	token := strings.TrimSpace(string(f.Body))
	if token == "" {
		d.logger.Warn("login frame with empty token", "remote", conn.RemoteAddr())
		d.respond(conn, f.ID)
		return
	}

	conn.bindToken(token)
	d.sessions.Register(token, conn)

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	dev, err := d.cache.LoadDeviceByToken(ctx, token)
	if err != nil {
		// Fail-open: the session stays registered and the device is
		// acknowledged; cache state catches up on the next frame.
		d.logger.Error("loading device at login failed", "error", err)
		d.respond(conn, f.ID)
		return
	}

	id, cameOnline, err := d.cache.MarkOnline(token)
	if err != nil {
		d.logger.Error("marking device online failed", "device_id", dev.ID, "error", err)
	} else if cameOnline {
		d.hub.PublishDeviceStatus(id, device.StatusOnline)
	}

	d.logger.Info("device logged in",
		"device_id", dev.ID, "remote", conn.RemoteAddr())

	go d.monitor(token, dev.ID, conn)

	d.respond(conn, f.ID)
}

// handleDeviceInfo merges the announcement into the cache and publishes a
// status event. Decode never fails; unauthenticated announcements are
// acknowledged and dropped.
func (d *Dispatcher) handleDeviceInfo(conn *Connection, f *protocol.Frame) {
	defer d.respond(conn, f.ID)

	token := conn.Token()
	if token == "" {
		d.logger.Warn("device info before login", "remote", conn.RemoteAddr())
		return
	}

	info := protocol.ParseDeviceInfo(f.Body)
	id, _, err := d.cache.UpdateDeviceInfo(token, info.Metadata())
	if err != nil {
		d.logger.Error("merging device info failed", "error", err)
		return
	}

	d.hub.PublishDeviceStatus(id, device.StatusOnline)
}

// handleHardware decodes and applies a hardware command. Writes broadcast
// before persisting so live observers read their own writes; reads have no
// cache side effect, the device answers them asynchronously.
func (d *Dispatcher) handleHardware(conn *Connection, f *protocol.Frame) {
	defer d.respond(conn, f.ID)

	token := conn.Token()
	if token == "" {
		d.logger.Warn("hardware frame before login", "remote", conn.RemoteAddr())
		return
	}

	cmd, err := protocol.ParseCommand(f.Body)
	if err != nil {
		d.logger.Warn("undecodable hardware command",
			"error", err, "body_len", len(f.Body))
		return
	}

	if !cmd.Kind.IsWrite() {
		return
	}

	dev, ok := d.cache.GetDeviceByToken(token)
	if !ok {
		d.logger.Warn("hardware write for uncached token")
		return
	}

	d.hub.PublishHardwareData(dev.ID, cmd.Pin, cmd.Value, cmd.Kind.String())

	// A device swept offline during a silent stretch comes back the moment
	// it writes again; observers need that transition.
	if id, cameOnline, err := d.cache.MarkOnline(token); err != nil {
		d.logger.Error("marking device online failed", "device_id", dev.ID, "error", err)
	} else if cameOnline {
		d.hub.PublishDeviceStatus(id, device.StatusOnline)
	}

	immediate := isPriority(cmd.Pin, f.Body)
	if _, err := d.cache.UpdateHardwareData(context.Background(), token, cmd.Pin, cmd.Value, cmd.Kind.String(), immediate); err != nil {
		d.logger.Error("recording hardware write failed",
			"device_id", dev.ID, "pin", cmd.Pin, "error", err)
	}
}

// isPriority reports whether a write takes the synchronous persistence path.
// Both historical triggers are honoured: the designated pin and the literal
// marker anywhere in the raw body.
func isPriority(pin int, body []byte) bool {
	return pin == PriorityPin || bytes.Contains(body, priorityMarker)
}

// respond queues a SUCCESS response frame; failures mean the connection is
// going away and are only logged at debug.
func (d *Dispatcher) respond(conn *Connection, id uint16) {
	if err := conn.WriteFrame(protocol.EncodeResponse(id, protocol.StatusSuccess)); err != nil {
		d.logger.Debug("writing response failed", "id", id, "error", err)
	}
}

// SendCommand delivers a hardware command to the live session for a token.
// Fire and forget: no session means immediate failure, and a write error is
// not retried.
func (d *Dispatcher) SendCommand(token, command string, pin int, value string) error {
	conn, ok := d.sessions.Get(token)
	if !ok {
		return session.ErrNoSession
	}

	body := command + "\x00" + strconv.Itoa(pin)
	if value != "" {
		body += "\x00" + value
	}

	frame := protocol.EncodeFrame(protocol.TypeHardware, d.nextMessageID(), []byte(body))
	if err := conn.WriteFrame(frame); err != nil {
		return fmt.Errorf("writing command frame: %w", err)
	}

	d.logger.Debug("command sent", "command", command, "pin", pin)
	return nil
}

// nextMessageID returns the next outbound frame id, wrapping at 65535.
func (d *Dispatcher) nextMessageID() uint16 {
	return uint16(d.msgID.Add(1))
}

// monitor is the per-device heartbeat check started at login. Every half
// heartbeat timeout it verifies the socket is open and the device has been
// active recently; otherwise it marks the device offline, removes the
// session and stops. It runs redundantly with the cache's global sweep;
// the cache deduplicates the status transition.
func (d *Dispatcher) monitor(token, deviceID string, conn *Connection) {
	ticker := time.NewTicker(d.heartbeatTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			if d.checkLiveness(token, deviceID, conn) {
				return
			}
		}
	}
}

// checkLiveness returns true when the monitor should stop.
func (d *Dispatcher) checkLiveness(token, deviceID string, conn *Connection) bool {
	// A later login rebinds the token. The superseded monitor must stop
	// without touching status; the new connection's monitor owns it now.
	if current, ok := d.sessions.Get(token); ok && current != conn {
		return true
	}

	last, ok := d.cache.LastActivity(deviceID)
	fresh := ok && time.Since(last) < d.heartbeatTimeout

	if conn.IsOpen() && fresh {
		return false
	}

	if d.cache.SetStatus(deviceID, device.StatusOffline) {
		d.logger.Info("device timed out", "device_id", deviceID)
	}
	d.sessions.Unregister(token, conn)
	conn.Close() //nolint:errcheck // already dead or being discarded
	return true
}
