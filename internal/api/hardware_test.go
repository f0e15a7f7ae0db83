package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/iotdatahub/core/internal/device"
	"github.com/iotdatahub/core/internal/infrastructure/config"
	"github.com/iotdatahub/core/internal/infrastructure/logging"
	"github.com/iotdatahub/core/internal/session"
)

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{
		Level:  "error",
		Format: "text",
		Output: "stderr",
	}, "test")
}

// stubStore is a minimal device.Store for wiring a cache in API tests.
type stubStore struct {
	mu      sync.Mutex
	devices map[string]*device.Device // by token
}

func newStubStore() *stubStore {
	return &stubStore{devices: make(map[string]*device.Device)}
}

func (s *stubStore) seed(d *device.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.Token] = d
}

func (s *stubStore) GetByToken(_ context.Context, token string) (*device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[token]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	return d.DeepCopy(), nil
}

func (s *stubStore) GetByID(_ context.Context, id string) (*device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.ID == id {
			return d.DeepCopy(), nil
		}
	}
	return nil, device.ErrDeviceNotFound
}

func (s *stubStore) Create(_ context.Context, d *device.Device) error {
	s.seed(d)
	return nil
}

func (s *stubStore) UpdateDevice(context.Context, string, device.DevicePatch) error { return nil }

func (s *stubStore) UpsertWidgetValue(context.Context, string, device.WidgetUpdate) error {
	return nil
}

func (s *stubStore) AppendPinEvents(context.Context, []device.PinEvent) error { return nil }

func (s *stubStore) SaveHardwareWrite(context.Context, string, time.Time, *device.WidgetUpdate, device.PinEvent) error {
	return nil
}

// fakeCommander records dispatched commands.
type fakeCommander struct {
	mu    sync.Mutex
	calls []commandCall
	err   error
}

type commandCall struct {
	token   string
	command string
	pin     int
	value   string
}

func (f *fakeCommander) SendCommand(token, command string, pin int, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, commandCall{token, command, pin, value})
	return nil
}

func (f *fakeCommander) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeSessionConn satisfies session.Conn for registering live sessions.
type fakeSessionConn struct{}

func (fakeSessionConn) WriteFrame([]byte) error { return nil }
func (fakeSessionConn) Close() error            { return nil }

func newTestServer(t *testing.T) (*Server, *fakeCommander) {
	t.Helper()

	store := newStubStore()
	store.seed(&device.Device{
		ID:     "dev-1",
		Token:  "token-1",
		Name:   "bench sensor",
		Status: device.StatusOffline,
		Widgets: map[int]*device.Widget{
			3: {ID: "w-1", DeviceID: "dev-1", Name: "temp", Pin: 3, Value: "20.5"},
		},
	})

	cache := device.NewCache(store, device.CacheConfig{})
	commander := &fakeCommander{}

	s, err := New(Deps{
		Config: config.APIConfig{},
		WS: config.WebSocketConfig{
			MaxMessageSize: 1024,
			PingInterval:   30,
			PongTimeout:    60,
		},
		Logger:    testLogger(),
		Cache:     cache,
		Sessions:  session.NewRegistry(),
		Commander: commander,
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, commander
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshalling request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestControlAPIRejectsDisconnectedDevice(t *testing.T) {
	s, commander := newTestServer(t)
	router := s.buildRouter()

	paths := []struct {
		path string
		body map[string]any
	}{
		{"/hardware/send", map[string]any{"deviceToken": "token-1", "command": "vw", "pin": 3, "value": "1"}},
		{"/hardware/virtual-write", map[string]any{"deviceToken": "token-1", "pin": 3, "value": "1"}},
		{"/hardware/digital-write", map[string]any{"deviceToken": "token-1", "pin": 3, "value": "1"}},
		{"/hardware/read", map[string]any{"deviceToken": "token-1", "pin": 3, "type": "virtual"}},
	}

	for _, tc := range paths {
		rec := postJSON(t, router, tc.path, tc.body)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", tc.path, rec.Code)
		}
	}

	if commander.callCount() != 0 {
		t.Errorf("commander calls = %d, want 0 for disconnected device", commander.callCount())
	}
}

func TestHardwareSendDispatches(t *testing.T) {
	s, commander := newTestServer(t)
	s.sessions.Register("token-1", fakeSessionConn{})
	router := s.buildRouter()

	rec := postJSON(t, router, "/hardware/send", map[string]any{
		"deviceToken": "token-1",
		"command":     "vw",
		"pin":         3,
		"value":       "42",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}

	var resp commandResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshalling response: %v", err)
	}
	if !resp.Success {
		t.Error("success = false, want true")
	}

	commander.mu.Lock()
	defer commander.mu.Unlock()
	if len(commander.calls) != 1 {
		t.Fatalf("commander calls = %d, want 1", len(commander.calls))
	}
	call := commander.calls[0]
	if call.token != "token-1" || call.command != "vw" || call.pin != 3 || call.value != "42" {
		t.Errorf("call = %+v, want token-1 vw 3 42", call)
	}
}

func TestHardwareSendValidation(t *testing.T) {
	s, commander := newTestServer(t)
	s.sessions.Register("token-1", fakeSessionConn{})
	router := s.buildRouter()

	tests := []struct {
		name string
		path string
		body map[string]any
	}{
		{"missing token", "/hardware/send", map[string]any{"command": "vw", "pin": 3, "value": "1"}},
		{"missing pin", "/hardware/send", map[string]any{"deviceToken": "token-1", "command": "vw", "value": "1"}},
		{"negative pin", "/hardware/send", map[string]any{"deviceToken": "token-1", "command": "vw", "pin": -1, "value": "1"}},
		{"unknown command", "/hardware/send", map[string]any{"deviceToken": "token-1", "command": "xx", "pin": 3, "value": "1"}},
		{"write without value", "/hardware/send", map[string]any{"deviceToken": "token-1", "command": "vw", "pin": 3}},
		{"virtual-write without value", "/hardware/virtual-write", map[string]any{"deviceToken": "token-1", "pin": 3}},
		{"digital-write bad value", "/hardware/digital-write", map[string]any{"deviceToken": "token-1", "pin": 3, "value": "5"}},
		{"read bad type", "/hardware/read", map[string]any{"deviceToken": "token-1", "pin": 3, "type": "analogue"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, router, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400, body %s", rec.Code, rec.Body.String())
			}
		})
	}

	if commander.callCount() != 0 {
		t.Errorf("commander calls = %d, want 0 for invalid requests", commander.callCount())
	}
}

func TestDigitalWriteDispatchesBinaryValue(t *testing.T) {
	s, commander := newTestServer(t)
	s.sessions.Register("token-1", fakeSessionConn{})
	router := s.buildRouter()

	rec := postJSON(t, router, "/hardware/digital-write", map[string]any{
		"deviceToken": "token-1",
		"pin":         7,
		"value":       "1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	commander.mu.Lock()
	defer commander.mu.Unlock()
	if len(commander.calls) != 1 || commander.calls[0].command != "dw" {
		t.Errorf("calls = %+v, want one dw dispatch", commander.calls)
	}
}

func TestReadDispatchesWithoutValue(t *testing.T) {
	s, commander := newTestServer(t)
	s.sessions.Register("token-1", fakeSessionConn{})
	router := s.buildRouter()

	rec := postJSON(t, router, "/hardware/read", map[string]any{
		"deviceToken": "token-1",
		"pin":         4,
		"type":        "digital",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	commander.mu.Lock()
	defer commander.mu.Unlock()
	if len(commander.calls) != 1 {
		t.Fatalf("commander calls = %d, want 1", len(commander.calls))
	}
	if call := commander.calls[0]; call.command != "dr" || call.value != "" {
		t.Errorf("call = %+v, want dr with empty value", call)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStatusEndpointReportsCounters(t *testing.T) {
	s, _ := newTestServer(t)
	s.sessions.Register("token-1", fakeSessionConn{})
	router := s.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var status map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("unmarshalling status: %v", err)
	}
	if got, ok := status["sessions_live"].(float64); !ok || got != 1 {
		t.Errorf("sessions_live = %v, want 1", status["sessions_live"])
	}
}
