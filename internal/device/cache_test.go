package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeStore records calls and returns injectable errors.
type fakeStore struct {
	mu sync.Mutex

	devices map[string]*Device // keyed by id
	tokens  map[string]string  // token → id

	created       []*Device
	patches       []DevicePatch
	widgetUpserts []WidgetUpdate
	appendCalls   [][]PinEvent
	saveCalls     int

	failUpdate error
	failAppend error
	failSave   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		devices: make(map[string]*Device),
		tokens:  make(map[string]string),
	}
}

func (f *fakeStore) seed(d *Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[d.ID] = d
	f.tokens[d.Token] = d.ID
}

func (f *fakeStore) GetByToken(_ context.Context, token string) (*Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.tokens[token]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return f.devices[id].DeepCopy(), nil
}

func (f *fakeStore) GetByID(_ context.Context, id string) (*Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return d.DeepCopy(), nil
}

func (f *fakeStore) Create(_ context.Context, d *Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, d.DeepCopy())
	f.devices[d.ID] = d.DeepCopy()
	f.tokens[d.Token] = d.ID
	return nil
}

func (f *fakeStore) UpdateDevice(_ context.Context, _ string, patch DevicePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate != nil {
		return f.failUpdate
	}
	f.patches = append(f.patches, patch)
	return nil
}

func (f *fakeStore) UpsertWidgetValue(_ context.Context, _ string, u WidgetUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.widgetUpserts = append(f.widgetUpserts, u)
	return nil
}

func (f *fakeStore) AppendPinEvents(_ context.Context, events []PinEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAppend != nil {
		return f.failAppend
	}
	f.appendCalls = append(f.appendCalls, events)
	return nil
}

func (f *fakeStore) SaveHardwareWrite(_ context.Context, _ string, _ time.Time, _ *WidgetUpdate, _ PinEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	return f.failSave
}

// newTestCache builds a cache over a seeded fake store without starting the
// background timers; tests drive flush and sweep directly.
func newTestCache(t *testing.T, store *fakeStore) *Cache {
	t.Helper()
	return NewCache(store, CacheConfig{
		RetryBackoff: time.Millisecond,
	})
}

func seedDevice(store *fakeStore) *Device {
	d := &Device{
		ID:     "dev-1",
		Token:  "token-1",
		Name:   "bench sensor",
		Status: StatusOffline,
		Widgets: map[int]*Widget{
			5: {ID: "w-1", DeviceID: "dev-1", Name: "temp", Pin: 5},
		},
		Metadata:  map[string]any{},
		PinValues: map[int]PinValue{},
	}
	store.seed(d)
	return d
}

func TestLoadDeviceByTokenMemoises(t *testing.T) {
	store := newFakeStore()
	seedDevice(store)
	cache := newTestCache(t, store)

	d, err := cache.LoadDeviceByToken(context.Background(), "token-1")
	if err != nil {
		t.Fatalf("LoadDeviceByToken() error = %v", err)
	}
	if d.ID != "dev-1" {
		t.Fatalf("ID = %q, want dev-1", d.ID)
	}

	if _, ok := cache.GetDeviceByToken("token-1"); !ok {
		t.Error("device not memoised after load")
	}
	if _, ok := cache.GetDevice("dev-1"); !ok {
		t.Error("device not reachable by id after load")
	}
}

func TestLoadDeviceByTokenCreatesUnknown(t *testing.T) {
	store := newFakeStore()
	cache := newTestCache(t, store)

	d, err := cache.LoadDeviceByToken(context.Background(), "never-seen-token")
	if err != nil {
		t.Fatalf("LoadDeviceByToken() error = %v", err)
	}
	if d.ID == "" {
		t.Fatal("created device has empty id")
	}
	if d.Status != StatusOffline {
		t.Errorf("Status = %q, want OFFLINE", d.Status)
	}

	store.mu.Lock()
	created := len(store.created)
	store.mu.Unlock()
	if created != 1 {
		t.Errorf("Create calls = %d, want 1", created)
	}

	// The same token resolves to the same device afterwards.
	again, err := cache.LoadDeviceByToken(context.Background(), "never-seen-token")
	if err != nil {
		t.Fatalf("second LoadDeviceByToken() error = %v", err)
	}
	if again.ID != d.ID {
		t.Errorf("second load returned id %q, want %q", again.ID, d.ID)
	}
}

func TestConcurrentLoadsCreateOneDevice(t *testing.T) {
	store := newFakeStore()
	cache := newTestCache(t, store)

	const loaders = 16
	ids := make([]string, loaders)
	var wg sync.WaitGroup
	wg.Add(loaders)
	for i := 0; i < loaders; i++ {
		go func(i int) {
			defer wg.Done()
			d, err := cache.LoadDeviceByToken(context.Background(), "shared-token")
			if err != nil {
				t.Errorf("LoadDeviceByToken() error = %v", err)
				return
			}
			ids[i] = d.ID
		}(i)
	}
	wg.Wait()

	store.mu.Lock()
	created := len(store.created)
	store.mu.Unlock()
	if created != 1 {
		t.Errorf("Create calls = %d, want 1 for concurrent first contact", created)
	}

	for i := 1; i < loaders; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("loader %d got id %q, loader 0 got %q", i, ids[i], ids[0])
		}
	}
}

func TestGetDeviceReturnsIsolatedCopy(t *testing.T) {
	store := newFakeStore()
	seedDevice(store)
	cache := newTestCache(t, store)

	if _, err := cache.LoadDeviceByToken(context.Background(), "token-1"); err != nil {
		t.Fatalf("LoadDeviceByToken() error = %v", err)
	}

	d1, _ := cache.GetDevice("dev-1")
	d1.Metadata["tampered"] = true
	d1.Widgets[5].Value = "999"

	d2, _ := cache.GetDevice("dev-1")
	if _, ok := d2.Metadata["tampered"]; ok {
		t.Error("metadata mutation leaked into cache")
	}
	if d2.Widgets[5].Value == "999" {
		t.Error("widget mutation leaked into cache")
	}
}

func TestMarkOnlineTransitionEdge(t *testing.T) {
	store := newFakeStore()
	seedDevice(store)
	cache := newTestCache(t, store)
	if _, err := cache.LoadDeviceByToken(context.Background(), "token-1"); err != nil {
		t.Fatalf("LoadDeviceByToken() error = %v", err)
	}

	id, cameOnline, err := cache.MarkOnline("token-1")
	if err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}
	if id != "dev-1" || !cameOnline {
		t.Errorf("MarkOnline() = (%q, %v), want (dev-1, true)", id, cameOnline)
	}

	_, cameOnline, err = cache.MarkOnline("token-1")
	if err != nil {
		t.Fatalf("second MarkOnline() error = %v", err)
	}
	if cameOnline {
		t.Error("second MarkOnline() reported a transition")
	}

	if _, _, err := cache.MarkOnline("no-such-token"); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("MarkOnline(unknown) error = %v, want ErrUnknownToken", err)
	}
}

func TestHardwareWritesCoalesceIntoOneBatch(t *testing.T) {
	store := newFakeStore()
	seedDevice(store)
	cache := newTestCache(t, store)
	if _, err := cache.LoadDeviceByToken(context.Background(), "token-1"); err != nil {
		t.Fatalf("LoadDeviceByToken() error = %v", err)
	}

	ctx := context.Background()
	if _, err := cache.UpdateHardwareData(ctx, "token-1", 5, "21.5", "vw", false); err != nil {
		t.Fatalf("first UpdateHardwareData() error = %v", err)
	}
	if _, err := cache.UpdateHardwareData(ctx, "token-1", 5, "22.0", "vw", false); err != nil {
		t.Fatalf("second UpdateHardwareData() error = %v", err)
	}

	if n := cache.PendingBatchCount(); n != 1 {
		t.Fatalf("PendingBatchCount() = %d, want 1", n)
	}

	cache.flushPending()

	store.mu.Lock()
	defer store.mu.Unlock()

	// Both history entries survive coalescing.
	if len(store.appendCalls) != 1 {
		t.Fatalf("AppendPinEvents calls = %d, want 1", len(store.appendCalls))
	}
	events := store.appendCalls[0]
	if len(events) != 2 {
		t.Fatalf("events in batch = %d, want 2", len(events))
	}
	if events[0].Value != "21.5" || events[1].Value != "22.0" {
		t.Errorf("event values = %q, %q, want 21.5, 22.0", events[0].Value, events[1].Value)
	}

	// Widget updates concatenate; the later value is applied last.
	if len(store.widgetUpserts) != 2 {
		t.Fatalf("widget upserts = %d, want 2", len(store.widgetUpserts))
	}
	if last := store.widgetUpserts[1]; last.Value != "22.0" {
		t.Errorf("final widget value = %q, want 22.0", last.Value)
	}
}

func TestHardwareWriteUpdatesPinValueAndWidget(t *testing.T) {
	store := newFakeStore()
	seedDevice(store)
	cache := newTestCache(t, store)
	if _, err := cache.LoadDeviceByToken(context.Background(), "token-1"); err != nil {
		t.Fatalf("LoadDeviceByToken() error = %v", err)
	}

	res, err := cache.UpdateHardwareData(context.Background(), "token-1", 5, "42", "vw", false)
	if err != nil {
		t.Fatalf("UpdateHardwareData() error = %v", err)
	}
	if res.Widget == nil {
		t.Fatal("expected widget result for configured pin")
	}

	// A pin without a widget still records the latest value.
	res, err = cache.UpdateHardwareData(context.Background(), "token-1", 9, "1", "dw", false)
	if err != nil {
		t.Fatalf("UpdateHardwareData() error = %v", err)
	}
	if res.Widget != nil {
		t.Error("unexpected widget result for unconfigured pin")
	}

	d, _ := cache.GetDevice("dev-1")
	if pv := d.PinValues[5]; pv.Value != "42" || pv.Command != "vw" {
		t.Errorf("pin 5 = %+v, want value 42 command vw", pv)
	}
	if pv := d.PinValues[9]; pv.Value != "1" {
		t.Errorf("pin 9 value = %q, want 1", pv.Value)
	}
	if d.Widgets[5].Value != "42" {
		t.Errorf("widget value = %q, want 42", d.Widgets[5].Value)
	}
}

func TestImmediateWriteBypassesBatch(t *testing.T) {
	store := newFakeStore()
	seedDevice(store)
	cache := newTestCache(t, store)
	if _, err := cache.LoadDeviceByToken(context.Background(), "token-1"); err != nil {
		t.Fatalf("LoadDeviceByToken() error = %v", err)
	}

	if _, err := cache.UpdateHardwareData(context.Background(), "token-1", 20, "1", "dw", true); err != nil {
		t.Fatalf("UpdateHardwareData() error = %v", err)
	}

	store.mu.Lock()
	saves := store.saveCalls
	store.mu.Unlock()
	if saves != 1 {
		t.Errorf("SaveHardwareWrite calls = %d, want 1", saves)
	}
	if n := cache.PendingBatchCount(); n != 0 {
		t.Errorf("PendingBatchCount() = %d, want 0 after immediate write", n)
	}
}

func TestImmediateWriteFailureIsFailOpen(t *testing.T) {
	store := newFakeStore()
	seedDevice(store)
	store.failSave = errors.New("disk full")
	cache := newTestCache(t, store)
	if _, err := cache.LoadDeviceByToken(context.Background(), "token-1"); err != nil {
		t.Fatalf("LoadDeviceByToken() error = %v", err)
	}

	// Persistence failure must not surface to the caller.
	res, err := cache.UpdateHardwareData(context.Background(), "token-1", 20, "1", "dw", true)
	if err != nil {
		t.Fatalf("UpdateHardwareData() error = %v", err)
	}
	if res == nil {
		t.Fatal("expected result despite persistence failure")
	}

	// The in-memory view still holds the write.
	d, _ := cache.GetDevice("dev-1")
	if d.PinValues[20].Value != "1" {
		t.Errorf("pin 20 value = %q, want 1", d.PinValues[20].Value)
	}
}

func TestFailedBatchRequeuedThenDropped(t *testing.T) {
	store := newFakeStore()
	seedDevice(store)
	store.failUpdate = errors.New("store unavailable")
	cache := newTestCache(t, store)
	if _, err := cache.LoadDeviceByToken(context.Background(), "token-1"); err != nil {
		t.Fatalf("LoadDeviceByToken() error = %v", err)
	}

	if _, _, err := cache.MarkOnline("token-1"); err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}

	// Two failing flushes keep the batch queued.
	cache.flushPending()
	if n := cache.PendingBatchCount(); n != 1 {
		t.Fatalf("PendingBatchCount() after 1 failure = %d, want 1", n)
	}
	cache.flushPending()
	if n := cache.PendingBatchCount(); n != 1 {
		t.Fatalf("PendingBatchCount() after 2 failures = %d, want 1", n)
	}

	// The third failure hits the attempt limit and drops the batch.
	cache.flushPending()
	if n := cache.PendingBatchCount(); n != 0 {
		t.Errorf("PendingBatchCount() after drop = %d, want 0", n)
	}
}

func TestSweepMarksSilentDeviceOffline(t *testing.T) {
	store := newFakeStore()
	seedDevice(store)
	cache := newTestCache(t, store)
	if _, err := cache.LoadDeviceByToken(context.Background(), "token-1"); err != nil {
		t.Fatalf("LoadDeviceByToken() error = %v", err)
	}

	var notifyMu sync.Mutex
	var notifications []Status
	cache.SetOnStatusChange(func(_ string, status Status) {
		notifyMu.Lock()
		notifications = append(notifications, status)
		notifyMu.Unlock()
	})

	if _, _, err := cache.MarkOnline("token-1"); err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}

	// Backdate the last ping past the heartbeat timeout.
	entry := cache.entryByID("dev-1")
	entry.mu.Lock()
	entry.dev.LastPing = time.Now().UTC().Add(-cache.cfg.HeartbeatTimeout - time.Second)
	entry.mu.Unlock()

	cache.sweep()

	d, _ := cache.GetDevice("dev-1")
	if d.Status != StatusOffline {
		t.Fatalf("Status = %q, want OFFLINE", d.Status)
	}

	// A second sweep must not fire the listener again.
	cache.sweep()

	notifyMu.Lock()
	defer notifyMu.Unlock()
	if len(notifications) != 1 {
		t.Fatalf("status notifications = %d, want exactly 1", len(notifications))
	}
	if notifications[0] != StatusOffline {
		t.Errorf("notification = %q, want OFFLINE", notifications[0])
	}
}

func TestSweepIgnoresFreshDevices(t *testing.T) {
	store := newFakeStore()
	seedDevice(store)
	cache := newTestCache(t, store)
	if _, err := cache.LoadDeviceByToken(context.Background(), "token-1"); err != nil {
		t.Fatalf("LoadDeviceByToken() error = %v", err)
	}
	if _, _, err := cache.MarkOnline("token-1"); err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}

	cache.sweep()

	d, _ := cache.GetDevice("dev-1")
	if d.Status != StatusOnline {
		t.Errorf("Status = %q, want ONLINE for recently active device", d.Status)
	}
}

func TestSetStatusReportsTransitionOnce(t *testing.T) {
	store := newFakeStore()
	seedDevice(store)
	cache := newTestCache(t, store)
	if _, err := cache.LoadDeviceByToken(context.Background(), "token-1"); err != nil {
		t.Fatalf("LoadDeviceByToken() error = %v", err)
	}
	if _, _, err := cache.MarkOnline("token-1"); err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}

	if !cache.SetStatus("dev-1", StatusOffline) {
		t.Error("first SetStatus() = false, want true")
	}
	if cache.SetStatus("dev-1", StatusOffline) {
		t.Error("second SetStatus() = true, want false")
	}
	if cache.SetStatus("missing-device", StatusOffline) {
		t.Error("SetStatus(missing) = true, want false")
	}
}

func TestCleanupFlushesPending(t *testing.T) {
	store := newFakeStore()
	seedDevice(store)
	cache := newTestCache(t, store)
	if _, err := cache.LoadDeviceByToken(context.Background(), "token-1"); err != nil {
		t.Fatalf("LoadDeviceByToken() error = %v", err)
	}

	cache.Start()
	if _, err := cache.UpdateHardwareData(context.Background(), "token-1", 5, "7", "vw", false); err != nil {
		t.Fatalf("UpdateHardwareData() error = %v", err)
	}
	cache.Cleanup()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.appendCalls) == 0 {
		t.Error("pending events not flushed on Cleanup")
	}
}
