package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/iotdatahub/core/internal/device"
	"github.com/iotdatahub/core/internal/infrastructure/config"
	"github.com/iotdatahub/core/internal/infrastructure/logging"
	"github.com/iotdatahub/core/internal/protocol"
	"github.com/iotdatahub/core/internal/session"
)

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{
		Level:  "error",
		Format: "text",
		Output: "stderr",
	}, "test")
}

// memStore is an in-memory device.Store for dispatcher tests.
type memStore struct {
	mu      sync.Mutex
	devices map[string]*device.Device // by token

	saveCalls   int
	eventRows   int
	patchCalls  int
	widgetCalls int
}

func newMemStore() *memStore {
	return &memStore{devices: make(map[string]*device.Device)}
}

func (m *memStore) seed(d *device.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.Token] = d
}

func (m *memStore) GetByToken(_ context.Context, token string) (*device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[token]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	return d.DeepCopy(), nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.ID == id {
			return d.DeepCopy(), nil
		}
	}
	return nil, device.ErrDeviceNotFound
}

func (m *memStore) Create(_ context.Context, d *device.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.Token] = d.DeepCopy()
	return nil
}

func (m *memStore) UpdateDevice(_ context.Context, _ string, _ device.DevicePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patchCalls++
	return nil
}

func (m *memStore) UpsertWidgetValue(_ context.Context, _ string, _ device.WidgetUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.widgetCalls++
	return nil
}

func (m *memStore) AppendPinEvents(_ context.Context, events []device.PinEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventRows += len(events)
	return nil
}

func (m *memStore) SaveHardwareWrite(_ context.Context, _ string, _ time.Time, _ *device.WidgetUpdate, _ device.PinEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	return nil
}

// fakeHub records broadcast publishes.
type fakeHub struct {
	mu       sync.Mutex
	hardware []hardwareEvent
	statuses []statusEvent
}

type hardwareEvent struct {
	deviceID string
	pin      int
	value    string
	command  string
}

type statusEvent struct {
	deviceID string
	status   device.Status
}

func (h *fakeHub) PublishHardwareData(deviceID string, pin int, value, command string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hardware = append(h.hardware, hardwareEvent{deviceID, pin, value, command})
}

func (h *fakeHub) PublishDeviceStatus(deviceID string, status device.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, statusEvent{deviceID, status})
}

// harness wires a dispatcher over fakes and one piped connection.
type harness struct {
	store      *memStore
	cache      *device.Cache
	sessions   *session.Registry
	hub        *fakeHub
	dispatcher *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := newMemStore()
	store.seed(&device.Device{
		ID:     "dev-1",
		Token:  "token-1",
		Name:   "bench sensor",
		Status: device.StatusOffline,
		Widgets: map[int]*device.Widget{
			3: {ID: "w-1", DeviceID: "dev-1", Name: "temp", Pin: 3},
		},
	})

	cache := device.NewCache(store, device.CacheConfig{})
	sessions := session.NewRegistry()
	hub := &fakeHub{}
	dispatcher := NewDispatcher(cache, sessions, hub, 0, testLogger())
	t.Cleanup(dispatcher.Stop)

	return &harness{store: store, cache: cache, sessions: sessions, hub: hub, dispatcher: dispatcher}
}

// dial creates a piped connection served by the dispatcher and returns the
// client end.
func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	client, _ := h.dialBoth(t)
	return client
}

// dialBoth also exposes the server-side connection for tests that poke at
// the heartbeat monitor directly.
func (h *harness) dialBoth(t *testing.T) (net.Conn, *Connection) {
	t.Helper()

	client, server := net.Pipe()
	conn := newConnection(server, h.dispatcher, testLogger(), nil)
	go conn.serve()
	t.Cleanup(func() {
		client.Close() //nolint:errcheck // test teardown
	})
	return client, conn
}

// readFrame reads one complete frame from the client end.
func readFrame(t *testing.T, conn net.Conn) *protocol.Frame {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}

	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("reading frame header: %v", err)
	}
	body := make([]byte, binary.BigEndian.Uint16(header[3:5]))
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("reading frame body: %v", err)
	}

	frame, _ := protocol.DecodeFrame(append(header, body...))
	if frame == nil {
		t.Fatal("could not decode frame from wire bytes")
	}
	return frame
}

func login(t *testing.T, conn net.Conn, token string) {
	t.Helper()

	if _, err := conn.Write(protocol.EncodeFrame(protocol.TypeLogin, 1, []byte(token))); err != nil {
		t.Fatalf("writing login frame: %v", err)
	}
	resp := readFrame(t, conn)
	if resp.Type != protocol.TypeResponse {
		t.Fatalf("login response type = %v, want RESPONSE", resp.Type)
	}
	if status := binary.BigEndian.Uint16(resp.Body); status != protocol.StatusSuccess {
		t.Fatalf("login status = %d, want %d", status, protocol.StatusSuccess)
	}
}

func TestLoginRegistersSessionAndMarksOnline(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	login(t, conn, "token-1")

	if _, ok := h.sessions.Get("token-1"); !ok {
		t.Error("no session registered after login")
	}

	d, ok := h.cache.GetDeviceByToken("token-1")
	if !ok {
		t.Fatal("device not cached after login")
	}
	if d.Status != device.StatusOnline {
		t.Errorf("Status = %q, want ONLINE", d.Status)
	}

	h.hub.mu.Lock()
	defer h.hub.mu.Unlock()
	if len(h.hub.statuses) != 1 || h.hub.statuses[0].status != device.StatusOnline {
		t.Errorf("status events = %+v, want one ONLINE", h.hub.statuses)
	}
}

func TestLoginReassemblesSplitFrames(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	frame := protocol.EncodeFrame(protocol.TypeLogin, 7, []byte("token-1"))
	for _, b := range frame {
		if _, err := conn.Write([]byte{b}); err != nil {
			t.Fatalf("writing byte: %v", err)
		}
	}

	resp := readFrame(t, conn)
	if resp.ID != 7 {
		t.Errorf("response id = %d, want 7", resp.ID)
	}
	if _, ok := h.sessions.Get("token-1"); !ok {
		t.Error("no session registered after split login")
	}
}

func TestHardwareWritePublishesAndDefers(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	login(t, conn, "token-1")

	// Pin 3, value 7: not the priority pin and no marker in the body.
	body := []byte("vw\x003\x007")
	if _, err := conn.Write(protocol.EncodeFrame(protocol.TypeHardware, 2, body)); err != nil {
		t.Fatalf("writing hardware frame: %v", err)
	}
	resp := readFrame(t, conn)
	if resp.ID != 2 {
		t.Errorf("response id = %d, want 2", resp.ID)
	}

	h.hub.mu.Lock()
	if len(h.hub.hardware) != 1 {
		t.Fatalf("hardware events = %d, want 1", len(h.hub.hardware))
	}
	ev := h.hub.hardware[0]
	h.hub.mu.Unlock()

	if ev.deviceID != "dev-1" || ev.pin != 3 || ev.value != "7" || ev.command != "vw" {
		t.Errorf("hardware event = %+v, want dev-1 pin 3 value 7 vw", ev)
	}

	d, _ := h.cache.GetDevice("dev-1")
	if d.PinValues[3].Value != "7" {
		t.Errorf("cached pin value = %q, want 7", d.PinValues[3].Value)
	}

	// Deferred path: nothing persisted until the flush timer runs.
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if h.store.saveCalls != 0 {
		t.Errorf("immediate saves = %d, want 0 for non-priority pin", h.store.saveCalls)
	}
}

func TestPriorityPinPersistsSynchronously(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	login(t, conn, "token-1")

	body := []byte("vw\x0020\x001")
	if _, err := conn.Write(protocol.EncodeFrame(protocol.TypeHardware, 3, body)); err != nil {
		t.Fatalf("writing hardware frame: %v", err)
	}
	readFrame(t, conn)

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if h.store.saveCalls != 1 {
		t.Errorf("immediate saves = %d, want 1 for priority pin", h.store.saveCalls)
	}
}

func TestMalformedCommandStillAcknowledged(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	login(t, conn, "token-1")

	if _, err := conn.Write(protocol.EncodeFrame(protocol.TypeHardware, 4, []byte("!!nonsense!!"))); err != nil {
		t.Fatalf("writing frame: %v", err)
	}

	resp := readFrame(t, conn)
	if resp.Type != protocol.TypeResponse || resp.ID != 4 {
		t.Errorf("response = type %v id %d, want RESPONSE id 4", resp.Type, resp.ID)
	}

	h.hub.mu.Lock()
	defer h.hub.mu.Unlock()
	if len(h.hub.hardware) != 0 {
		t.Error("malformed command produced a broadcast")
	}
}

func TestUnknownTypeAcknowledged(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	if _, err := conn.Write(protocol.EncodeFrame(protocol.MessageType(99), 5, nil)); err != nil {
		t.Fatalf("writing frame: %v", err)
	}

	resp := readFrame(t, conn)
	if resp.Type != protocol.TypeResponse || resp.ID != 5 {
		t.Errorf("response = type %v id %d, want RESPONSE id 5", resp.Type, resp.ID)
	}
}

func TestPingAcknowledgedWithoutStateChange(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	login(t, conn, "token-1")

	before, _ := h.cache.GetDevice("dev-1")

	if _, err := conn.Write(protocol.EncodeFrame(protocol.TypePing, 6, nil)); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
	readFrame(t, conn)

	after, _ := h.cache.GetDevice("dev-1")
	if !after.LastPing.Equal(before.LastPing) {
		t.Error("ping mutated cache state")
	}
}

func TestSendCommandNoSession(t *testing.T) {
	h := newHarness(t)

	err := h.dispatcher.SendCommand("absent-token", "vw", 5, "1")
	if !errors.Is(err, session.ErrNoSession) {
		t.Errorf("SendCommand() error = %v, want ErrNoSession", err)
	}
}

func TestSendCommandDelivered(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	login(t, conn, "token-1")

	errc := make(chan error, 1)
	go func() {
		errc <- h.dispatcher.SendCommand("token-1", "dw", 5, "1")
	}()

	frame := readFrame(t, conn)
	if err := <-errc; err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}

	if frame.Type != protocol.TypeHardware {
		t.Errorf("frame type = %v, want HARDWARE", frame.Type)
	}
	if string(frame.Body) != "dw\x005\x001" {
		t.Errorf("frame body = %q, want dw\\x005\\x001", frame.Body)
	}
}

func TestSendCommandOmitsEmptyValue(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	login(t, conn, "token-1")

	errc := make(chan error, 1)
	go func() {
		errc <- h.dispatcher.SendCommand("token-1", "vr", 8, "")
	}()

	frame := readFrame(t, conn)
	if err := <-errc; err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if string(frame.Body) != "vr\x008" {
		t.Errorf("frame body = %q, want vr\\x008", frame.Body)
	}
}

func TestSessionTakeoverRoutesToNewestConnection(t *testing.T) {
	h := newHarness(t)

	first := h.dial(t)
	login(t, first, "token-1")

	second := h.dial(t)
	login(t, second, "token-1")

	errc := make(chan error, 1)
	go func() {
		errc <- h.dispatcher.SendCommand("token-1", "vw", 5, "9")
	}()

	frame := readFrame(t, second)
	if err := <-errc; err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if string(frame.Body) != "vw\x005\x009" {
		t.Errorf("frame body = %q, want vw\\x005\\x009", frame.Body)
	}

	// The first connection was closed by the takeover; reads fail rather
	// than deliver the command. net.Pipe's SetReadDeadline itself returns
	// io.ErrClosedPipe once either end is closed, which is the very
	// closure this test asserts.
	if err := first.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	buf := make([]byte, 1)
	if _, err := first.Read(buf); err == nil {
		t.Error("superseded connection still received data")
	}
}

func TestCheckLivenessMarksStaleDeviceOffline(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	login(t, conn, "token-1")

	sessConn, ok := h.sessions.Get("token-1")
	if !ok {
		t.Fatal("no session after login")
	}
	gc, ok := sessConn.(*Connection)
	if !ok {
		t.Fatal("session connection is not a gateway connection")
	}

	// Fresh activity: the monitor keeps running.
	if h.dispatcher.checkLiveness("token-1", "dev-1", gc) {
		t.Fatal("checkLiveness() stopped on a fresh device")
	}

	// Simulate silence past the heartbeat timeout by closing the socket.
	gc.Close() //nolint:errcheck // test teardown path
	if !h.dispatcher.checkLiveness("token-1", "dev-1", gc) {
		t.Fatal("checkLiveness() kept running on a closed socket")
	}

	d, _ := h.cache.GetDevice("dev-1")
	if d.Status != device.StatusOffline {
		t.Errorf("Status = %q, want OFFLINE", d.Status)
	}
	if _, ok := h.sessions.Get("token-1"); ok {
		t.Error("session survived liveness failure")
	}
}

func TestReconnectWithinHeartbeatKeepsDeviceOnline(t *testing.T) {
	h := newHarness(t)

	first, firstConn := h.dialBoth(t)
	login(t, first, "token-1")

	second := h.dial(t)
	login(t, second, "token-1")

	// The superseded connection's monitor ticks after the takeover closed
	// its socket. It must stop without disturbing the new session.
	if !h.dispatcher.checkLiveness("token-1", "dev-1", firstConn) {
		t.Fatal("superseded monitor did not stop")
	}

	d, _ := h.cache.GetDevice("dev-1")
	if d.Status != device.StatusOnline {
		t.Errorf("Status = %q, want ONLINE after reconnect", d.Status)
	}
	if _, ok := h.sessions.Get("token-1"); !ok {
		t.Error("new session evicted by superseded monitor")
	}

	h.hub.mu.Lock()
	defer h.hub.mu.Unlock()
	for _, ev := range h.hub.statuses {
		if ev.status == device.StatusOffline {
			t.Error("spurious OFFLINE broadcast during reconnect")
		}
	}
}

func TestHardwareWriteAfterOfflineRepublishesOnline(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	login(t, conn, "token-1")

	// Sweep-style transition: the device goes quiet and is marked offline
	// while the socket stays up.
	if !h.cache.SetStatus("dev-1", device.StatusOffline) {
		t.Fatal("SetStatus() = false, want a transition")
	}

	if _, err := conn.Write(protocol.EncodeFrame(protocol.TypeHardware, 9, []byte("vw\x003\x0021"))); err != nil {
		t.Fatalf("writing hardware frame: %v", err)
	}
	readFrame(t, conn)

	d, _ := h.cache.GetDevice("dev-1")
	if d.Status != device.StatusOnline {
		t.Errorf("Status = %q, want ONLINE after resumed writes", d.Status)
	}

	h.hub.mu.Lock()
	defer h.hub.mu.Unlock()
	var online int
	for _, ev := range h.hub.statuses {
		if ev.status == device.StatusOnline {
			online++
		}
	}
	if online != 2 {
		t.Errorf("ONLINE broadcasts = %d, want 2 (login and resumption)", online)
	}
}
