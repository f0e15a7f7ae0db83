package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Logger defines the logging interface used by the Cache.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Default cache timings and limits.
const (
	// DefaultFlushInterval is how often pending batches are drained.
	DefaultFlushInterval = 2 * time.Second

	// DefaultSweepInterval is the cadence of the global heartbeat sweep.
	DefaultSweepInterval = 10 * time.Second

	// DefaultHeartbeatTimeout is how long a device may stay silent before
	// the sweep marks it OFFLINE.
	DefaultHeartbeatTimeout = 30 * time.Second

	// defaultDevicePhaseTimeout bounds the device/widget flush transaction.
	defaultDevicePhaseTimeout = 15 * time.Second

	// defaultHistoryPhaseTimeout bounds the history append transaction.
	defaultHistoryPhaseTimeout = 10 * time.Second

	// defaultMaxFlushAttempts is how many flush ticks a failing batch
	// survives before it is dropped with an error log.
	defaultMaxFlushAttempts = 3

	// defaultRetryBackoff is the initial backoff for immediate-path retries.
	defaultRetryBackoff = 500 * time.Millisecond
)

// CacheConfig holds cache timing configuration. Zero values take defaults.
type CacheConfig struct {
	FlushInterval       time.Duration
	SweepInterval       time.Duration
	HeartbeatTimeout    time.Duration
	DevicePhaseTimeout  time.Duration
	HistoryPhaseTimeout time.Duration
	MaxFlushAttempts    int
	RetryBackoff        time.Duration
}

func (c *CacheConfig) applyDefaults() {
	if c.FlushInterval == 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.DevicePhaseTimeout == 0 {
		c.DevicePhaseTimeout = defaultDevicePhaseTimeout
	}
	if c.HistoryPhaseTimeout == 0 {
		c.HistoryPhaseTimeout = defaultHistoryPhaseTimeout
	}
	if c.MaxFlushAttempts == 0 {
		c.MaxFlushAttempts = defaultMaxFlushAttempts
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
}

// StatusListener is notified on every device status transition the cache
// performs (heartbeat sweep, per-connection monitor via SetStatus).
type StatusListener func(deviceID string, status Status)

// HardwareResult describes the cache-side effects of a hardware write.
type HardwareResult struct {
	DeviceID string

	// Widget is non-nil when a widget is configured for the written pin.
	Widget *WidgetUpdate
}

// Cache is the authoritative in-memory device store with write-behind
// persistence and heartbeat-based liveness detection.
//
// Reads on the hot path never touch the durable store. Mutations update the
// cache in place, then either persist synchronously (priority path) or
// coalesce into a per-device PendingBatch drained by the flush timer.
//
// There is no backpressure: if the durable store is slow, pending batches
// grow without bound. This is an accepted, monitored capacity risk.
//
// All public methods are thread-safe.
type Cache struct {
	store  Store
	cfg    CacheConfig
	logger Logger

	// mu guards the lookup maps only; each entry has its own lock.
	mu      sync.RWMutex
	devices map[string]*deviceEntry // id → entry
	tokens  map[string]string       // token → id

	pendingMu sync.Mutex
	pending   map[string]*PendingBatch // deviceID → batch

	listenerMu     sync.RWMutex
	onStatusChange StatusListener

	// loads collapses concurrent store lookups for the same token; without
	// it two first-contact connections could mint two devices for one token.
	loads singleflight.Group

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// deviceEntry wraps a cached device with its own lock so updates for
// different devices do not serialise on the cache-wide lock.
type deviceEntry struct {
	mu  sync.Mutex
	dev *Device
}

// NewCache creates a device cache backed by the given store.
// Call Start to begin the flush and sweep timers.
func NewCache(store Store, cfg CacheConfig) *Cache {
	cfg.applyDefaults()
	return &Cache{
		store:   store,
		cfg:     cfg,
		logger:  noopLogger{},
		devices: make(map[string]*deviceEntry),
		tokens:  make(map[string]string),
		pending: make(map[string]*PendingBatch),
		done:    make(chan struct{}),
	}
}

// SetLogger sets the logger for the cache.
func (c *Cache) SetLogger(logger Logger) {
	c.logger = logger
}

// SetOnStatusChange registers the status transition listener.
// Must be called before Start.
func (c *Cache) SetOnStatusChange(fn StatusListener) {
	c.listenerMu.Lock()
	c.onStatusChange = fn
	c.listenerMu.Unlock()
}

// Start launches the flush and heartbeat sweep timers.
func (c *Cache) Start() {
	c.wg.Add(2)
	go c.flushLoop()
	go c.sweepLoop()
	c.logger.Info("device cache started",
		"flush_interval", c.cfg.FlushInterval.String(),
		"sweep_interval", c.cfg.SweepInterval.String(),
		"heartbeat_timeout", c.cfg.HeartbeatTimeout.String(),
	)
}

// Cleanup stops both timers and performs one best-effort final flush.
func (c *Cache) Cleanup() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
	c.flushPending()
	c.logger.Info("device cache stopped")
}

// GetDevice returns a deep-copied snapshot of a cached device.
// This is the synchronous, cache-only accessor for hot paths; it never
// touches the durable store.
func (c *Cache) GetDevice(id string) (*Device, bool) {
	entry := c.entryByID(id)
	if entry == nil {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.dev.DeepCopy(), true
}

// GetDeviceByToken is the cache-only token lookup.
func (c *Cache) GetDeviceByToken(token string) (*Device, bool) {
	entry := c.entryByToken(token)
	if entry == nil {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.dev.DeepCopy(), true
}

// LoadDeviceByToken resolves a token to a device, falling back to the
// durable store and memoising on miss. Unknown tokens create a device
// lazily so first-contact hardware can start reporting before it has been
// registered through the admin surface.
func (c *Cache) LoadDeviceByToken(ctx context.Context, token string) (*Device, error) {
	if d, ok := c.GetDeviceByToken(token); ok {
		return d, nil
	}

	v, err, _ := c.loads.Do(token, func() (any, error) {
		if d, ok := c.GetDeviceByToken(token); ok {
			return d, nil
		}

		d, err := c.store.GetByToken(ctx, token)
		if err != nil {
			if !errors.Is(err, ErrDeviceNotFound) {
				return nil, fmt.Errorf("loading device by token: %w", err)
			}
			d = c.createDevice(ctx, token)
		}
		return c.attach(d), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Device), nil
}

// LoadDevice resolves an id to a device, falling back to the durable store
// and memoising on miss.
func (c *Cache) LoadDevice(ctx context.Context, id string) (*Device, error) {
	if d, ok := c.GetDevice(id); ok {
		return d, nil
	}

	d, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.attach(d), nil
}

// createDevice mints a device for a never-seen token. The insert is
// best-effort: a store failure leaves the device cache-only and is repaired
// by the next successful flush of its pending batch.
func (c *Cache) createDevice(ctx context.Context, token string) *Device {
	now := time.Now().UTC()
	d := &Device{
		ID:        uuid.New().String(),
		Token:     token,
		Name:      "device-" + shortToken(token),
		Status:    StatusOffline,
		Metadata:  make(map[string]any),
		Widgets:   make(map[int]*Widget),
		PinValues: make(map[int]PinValue),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := c.store.Create(ctx, d); err != nil {
		c.logger.Error("creating device row failed, continuing in-memory",
			"device_id", d.ID, "error", err)
	} else {
		c.logger.Info("device created for new token", "device_id", d.ID)
	}
	return d
}

// attach memoises a device and returns a snapshot.
// An existing entry for the same id wins (concurrent load race).
func (c *Cache) attach(d *Device) *Device {
	if d.Metadata == nil {
		d.Metadata = make(map[string]any)
	}
	if d.Widgets == nil {
		d.Widgets = make(map[int]*Widget)
	}
	if d.PinValues == nil {
		d.PinValues = make(map[int]PinValue)
	}

	c.mu.Lock()
	entry, ok := c.devices[d.ID]
	if !ok {
		entry = &deviceEntry{dev: d}
		c.devices[d.ID] = entry
	}
	c.tokens[d.Token] = d.ID
	c.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.dev.DeepCopy()
}

// MarkOnline records traffic from a device: status ONLINE, last ping and
// activity stamped now. Returns the device id and whether this call
// performed the OFFLINE→ONLINE transition.
func (c *Cache) MarkOnline(token string) (string, bool, error) {
	entry := c.entryByToken(token)
	if entry == nil {
		return "", false, ErrUnknownToken
	}

	now := time.Now().UTC()

	entry.mu.Lock()
	d := entry.dev
	cameOnline := d.Status != StatusOnline
	d.Status = StatusOnline
	d.LastPing = now
	d.LastActivity = now
	if cameOnline {
		d.StatusChangedAt = now
	}
	id := d.ID
	entry.mu.Unlock()

	status := StatusOnline
	c.enqueue(id, &PendingBatch{
		DeviceID: id,
		Patch:    DevicePatch{Status: &status, LastPing: &now},
	})

	return id, cameOnline, nil
}

// UpdateDeviceInfo merges a device-info announcement into the cached device:
// status ONLINE, metadata merged, activity stamped. The durable write is
// queued into the pending batch, never performed inline.
func (c *Cache) UpdateDeviceInfo(token string, metadata map[string]any) (string, bool, error) {
	entry := c.entryByToken(token)
	if entry == nil {
		return "", false, ErrUnknownToken
	}

	now := time.Now().UTC()

	entry.mu.Lock()
	d := entry.dev
	cameOnline := d.Status != StatusOnline
	d.Status = StatusOnline
	d.LastPing = now
	d.LastActivity = now
	d.StatusChangedAt = now
	for k, v := range metadata {
		d.Metadata[k] = v
	}
	id := d.ID
	entry.mu.Unlock()

	if cameOnline {
		c.logger.Debug("device came online via device info", "device_id", id)
	}

	status := StatusOnline
	c.enqueue(id, &PendingBatch{
		DeviceID: id,
		Patch:    DevicePatch{Status: &status, LastPing: &now, Metadata: metadata},
	})

	return id, cameOnline, nil
}

// UpdateHardwareData records a hardware write: latest pin value, history
// entry, and the bound widget (if any). When immediate is set the write is
// persisted synchronously in one transaction (priority path); otherwise it
// joins the device's pending batch for the next flush tick.
func (c *Cache) UpdateHardwareData(ctx context.Context, token string, pin int, value, command string, immediate bool) (*HardwareResult, error) {
	entry := c.entryByToken(token)
	if entry == nil {
		return nil, ErrUnknownToken
	}

	now := time.Now().UTC()

	entry.mu.Lock()
	d := entry.dev
	d.LastPing = now
	d.LastActivity = now
	d.PinValues[pin] = PinValue{Value: value, Timestamp: now, Command: command}

	var widget *WidgetUpdate
	if w, ok := d.Widgets[pin]; ok {
		w.Value = value
		w.UpdatedAt = now
		widget = &WidgetUpdate{Pin: pin, Value: value, UpdatedAt: now}
	}
	id := d.ID
	entry.mu.Unlock()

	event := PinEvent{DeviceID: id, Pin: pin, Value: value, Command: command, Timestamp: now}
	result := &HardwareResult{DeviceID: id, Widget: widget}

	if immediate {
		if err := c.saveImmediate(ctx, id, now, widget, event); err != nil {
			// Fail-open: the in-memory view already holds the write and
			// observers were notified; only durability suffered.
			c.logger.Error("priority write persistence failed", "device_id", id, "pin", pin, "error", err)
		}
		return result, nil
	}

	batch := &PendingBatch{
		DeviceID: id,
		Patch:    DevicePatch{LastPing: &now},
		Events:   []PinEvent{event},
	}
	if widget != nil {
		batch.Widgets = []WidgetUpdate{*widget}
	}
	c.enqueue(id, batch)

	return result, nil
}

// saveImmediate persists a priority write with bounded retries.
func (c *Cache) saveImmediate(ctx context.Context, id string, lastPing time.Time, widget *WidgetUpdate, event PinEvent) error {
	backoff := c.cfg.RetryBackoff
	var err error

	for attempt := 1; attempt <= c.cfg.MaxFlushAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, c.cfg.DevicePhaseTimeout)
		err = c.store.SaveHardwareWrite(opCtx, id, lastPing, widget, event)
		cancel()
		if err == nil {
			return nil
		}

		if attempt < c.cfg.MaxFlushAttempts {
			c.logger.Warn("priority write failed, retrying",
				"device_id", id, "attempt", attempt, "backoff", backoff.String(), "error", err)
			select {
			case <-time.After(backoff):
			case <-c.done:
				return err
			}
			backoff *= 2
		}
	}
	return err
}

// SetStatus transitions a device's status, used by the heartbeat mechanisms.
// Returns true only when an actual transition happened; the status listener
// fires exactly once per transition even when the per-connection monitor and
// the global sweep race.
func (c *Cache) SetStatus(id string, status Status) bool {
	entry := c.entryByID(id)
	if entry == nil {
		return false
	}

	now := time.Now().UTC()

	entry.mu.Lock()
	changed := entry.dev.Status != status
	if changed {
		entry.dev.Status = status
		entry.dev.StatusChangedAt = now
	}
	entry.mu.Unlock()

	if !changed {
		return false
	}

	c.logger.Info("device status changed", "device_id", id, "status", string(status))

	st := status
	c.enqueue(id, &PendingBatch{DeviceID: id, Patch: DevicePatch{Status: &st}})
	c.notifyStatus(id, status)
	return true
}

// LastActivity returns the device's last cache-touching traffic timestamp.
func (c *Cache) LastActivity(id string) (time.Time, bool) {
	entry := c.entryByID(id)
	if entry == nil {
		return time.Time{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.dev.LastActivity, true
}

// DeviceCount returns the number of cached devices.
func (c *Cache) DeviceCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.devices)
}

// PendingBatchCount returns the number of devices with unflushed batches.
// Exposed for capacity monitoring: there is no backpressure on this queue.
func (c *Cache) PendingBatchCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// entryByID resolves a cache entry without taking the entry lock.
func (c *Cache) entryByID(id string) *deviceEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.devices[id]
}

// entryByToken resolves a cache entry through the token map.
func (c *Cache) entryByToken(token string) *deviceEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.tokens[token]
	if !ok {
		return nil
	}
	return c.devices[id]
}

// enqueue merges a batch into the device's pending batch.
func (c *Cache) enqueue(id string, batch *PendingBatch) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if existing, ok := c.pending[id]; ok {
		existing.merge(batch)
		return
	}
	c.pending[id] = batch
}

// notifyStatus invokes the status listener if one is registered.
func (c *Cache) notifyStatus(id string, status Status) {
	c.listenerMu.RLock()
	fn := c.onStatusChange
	c.listenerMu.RUnlock()
	if fn != nil {
		fn(id, status)
	}
}

// flushLoop drains pending batches on a fixed interval.
func (c *Cache) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.flushPending()
		}
	}
}

// flushPending drains all pending batches. Failed batches are re-queued for
// the next tick (at-least-once: duplicate history rows are possible after a
// partial success) and dropped after MaxFlushAttempts with an error log.
func (c *Cache) flushPending() {
	c.pendingMu.Lock()
	batches := c.pending
	c.pending = make(map[string]*PendingBatch)
	c.pendingMu.Unlock()

	for id, batch := range batches {
		if err := c.persistBatch(batch); err != nil {
			batch.attempts++
			if batch.attempts >= c.cfg.MaxFlushAttempts {
				c.logger.Error("dropping batch after repeated flush failures",
					"device_id", id, "attempts", batch.attempts,
					"events", len(batch.Events), "error", err)
				continue
			}

			c.logger.Warn("batch flush failed, re-queued",
				"device_id", id, "attempt", batch.attempts, "error", err)

			// Newer updates may have arrived while we were flushing;
			// merge the failed batch back underneath them.
			c.pendingMu.Lock()
			if newer, ok := c.pending[id]; ok {
				batch.merge(newer)
			}
			c.pending[id] = batch
			c.pendingMu.Unlock()
		}
	}
}

// persistBatch writes one device's coalesced updates: device patch and
// widget values first, then the history append, each in its own bounded
// transaction.
func (c *Cache) persistBatch(batch *PendingBatch) error {
	devCtx, cancel := context.WithTimeout(context.Background(), c.cfg.DevicePhaseTimeout)
	defer cancel()

	if !batchPatchEmpty(batch.Patch) {
		if err := c.store.UpdateDevice(devCtx, batch.DeviceID, batch.Patch); err != nil {
			return fmt.Errorf("device phase: %w", err)
		}
	}
	for _, u := range batch.Widgets {
		if err := c.store.UpsertWidgetValue(devCtx, batch.DeviceID, u); err != nil {
			return fmt.Errorf("widget phase: %w", err)
		}
	}

	if len(batch.Events) > 0 {
		histCtx, cancel := context.WithTimeout(context.Background(), c.cfg.HistoryPhaseTimeout)
		defer cancel()

		if err := c.store.AppendPinEvents(histCtx, batch.Events); err != nil {
			return fmt.Errorf("history phase: %w", err)
		}
	}

	return nil
}

// batchPatchEmpty reports whether a device patch carries no fields.
func batchPatchEmpty(p DevicePatch) bool {
	return p.Status == nil && p.LastPing == nil && p.Name == nil && p.Metadata == nil
}

// sweepLoop is the global heartbeat sweep: it independently scans all cached
// devices and marks any silent beyond the heartbeat timeout as OFFLINE. It
// runs alongside the per-connection monitors; SetStatus deduplicates the
// transition when both fire.
func (c *Cache) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep marks silent online devices offline.
func (c *Cache) sweep() {
	cutoff := time.Now().UTC().Add(-c.cfg.HeartbeatTimeout)

	c.mu.RLock()
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		entry := c.entryByID(id)
		if entry == nil {
			continue
		}

		entry.mu.Lock()
		stale := entry.dev.Status == StatusOnline && entry.dev.LastPing.Before(cutoff)
		entry.mu.Unlock()

		if stale {
			c.SetStatus(id, StatusOffline)
		}
	}
}

// shortToken returns a stable prefix of a token for display names.
func shortToken(token string) string {
	const n = 8
	if len(token) <= n {
		return token
	}
	return token[:n]
}
