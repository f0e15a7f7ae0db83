package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store defines the narrow durable-store contract the hub consumes.
//
// The relational schema and query engine behind it are an external concern;
// the hub only looks devices up, patches them, upserts widget values, and
// appends history rows. Operations are not guaranteed idempotent under retry:
// the flush path is at-least-once, so duplicate pin_events rows are possible
// after a partial failure.
type Store interface {
	// GetByToken retrieves a device (with widgets) by authentication token.
	// Returns ErrDeviceNotFound if no device has this token.
	GetByToken(ctx context.Context, token string) (*Device, error)

	// GetByID retrieves a device (with widgets) by id.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// Create inserts a new device row.
	Create(ctx context.Context, d *Device) error

	// UpdateDevice applies a partial update to status, last ping, name,
	// and metadata. Metadata keys merge into the stored map.
	UpdateDevice(ctx context.Context, id string, patch DevicePatch) error

	// UpsertWidgetValue stores the latest value for the widget bound to a
	// pin. Devices without a widget on that pin are a no-op.
	UpsertWidgetValue(ctx context.Context, deviceID string, u WidgetUpdate) error

	// AppendPinEvents appends history rows for hardware writes.
	AppendPinEvents(ctx context.Context, events []PinEvent) error

	// SaveHardwareWrite persists a priority-path write: device liveness,
	// widget value, and history row in one transaction.
	SaveHardwareWrite(ctx context.Context, id string, lastPing time.Time, u *WidgetUpdate, ev PinEvent) error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
// The db parameter should be an open SQLite connection with migrations applied.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// GetByToken retrieves a device by its authentication token.
func (s *SQLiteStore) GetByToken(ctx context.Context, token string) (*Device, error) {
	query := `
		SELECT id, token, name, status, last_ping, status_changed_at,
			metadata, created_at, updated_at
		FROM devices
		WHERE token = ?`

	return s.getDevice(ctx, query, token)
}

// GetByID retrieves a device by id.
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*Device, error) {
	query := `
		SELECT id, token, name, status, last_ping, status_changed_at,
			metadata, created_at, updated_at
		FROM devices
		WHERE id = ?`

	return s.getDevice(ctx, query, id)
}

// getDevice runs a single-device query and attaches its widgets.
func (s *SQLiteStore) getDevice(ctx context.Context, query string, arg any) (*Device, error) {
	row := s.db.QueryRowContext(ctx, query, arg)

	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device: %w", err)
	}

	if err := s.loadWidgets(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// scanDevice reads one device row.
func scanDevice(row *sql.Row) (*Device, error) {
	var d Device
	var metadataJSON sql.NullString
	var lastPing, statusChanged sql.NullTime

	err := row.Scan(&d.ID, &d.Token, &d.Name, &d.Status, &lastPing,
		&statusChanged, &metadataJSON, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if lastPing.Valid {
		d.LastPing = lastPing.Time
	}
	if statusChanged.Valid {
		d.StatusChangedAt = statusChanged.Time
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &d.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling metadata: %w", err)
		}
	}

	return &d, nil
}

// loadWidgets attaches all widgets for a device, keyed by pin.
func (s *SQLiteStore) loadWidgets(ctx context.Context, d *Device) error {
	query := `
		SELECT id, name, pin, value, updated_at
		FROM widgets
		WHERE device_id = ?
		ORDER BY pin`

	rows, err := s.db.QueryContext(ctx, query, d.ID)
	if err != nil {
		return fmt.Errorf("querying widgets: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	d.Widgets = make(map[int]*Widget)
	for rows.Next() {
		var w Widget
		var value sql.NullString
		var updatedAt sql.NullTime

		if err := rows.Scan(&w.ID, &w.Name, &w.Pin, &value, &updatedAt); err != nil {
			return fmt.Errorf("scanning widget: %w", err)
		}
		w.DeviceID = d.ID
		if value.Valid {
			w.Value = value.String
		}
		if updatedAt.Valid {
			w.UpdatedAt = updatedAt.Time
		}
		d.Widgets[w.Pin] = &w
	}
	return rows.Err()
}

// Create inserts a new device row.
func (s *SQLiteStore) Create(ctx context.Context, d *Device) error {
	metadataJSON, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}

	query := `
		INSERT INTO devices (id, token, name, status, last_ping,
			status_changed_at, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, query, d.ID, d.Token, d.Name, string(d.Status),
		nullableTime(d.LastPing), nullableTime(d.StatusChangedAt),
		string(metadataJSON), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// UpdateDevice applies a partial update to an existing device row.
// Metadata is read-merged-written so unrelated keys survive.
func (s *SQLiteStore) UpdateDevice(ctx context.Context, id string, patch DevicePatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if patch.Status != nil {
		sets = append(sets, "status = ?", "status_changed_at = ?")
		args = append(args, string(*patch.Status), time.Now().UTC())
	}
	if patch.LastPing != nil {
		sets = append(sets, "last_ping = ?")
		args = append(args, *patch.LastPing)
	}
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Metadata != nil {
		merged, err := s.mergeMetadata(ctx, id, patch.Metadata)
		if err != nil {
			return err
		}
		sets = append(sets, "metadata = ?")
		args = append(args, merged)
	}

	args = append(args, id)
	query := "UPDATE devices SET " + strings.Join(sets, ", ") + " WHERE id = ?"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// mergeMetadata merges patch keys into the stored metadata JSON.
func (s *SQLiteStore) mergeMetadata(ctx context.Context, id string, patch map[string]any) (string, error) {
	var current sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT metadata FROM devices WHERE id = ?", id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrDeviceNotFound
		}
		return "", fmt.Errorf("reading metadata: %w", err)
	}

	merged := make(map[string]any)
	if current.Valid && current.String != "" {
		//nolint:errcheck // corrupt stored metadata degrades to patch-only
		json.Unmarshal([]byte(current.String), &merged)
	}
	for k, v := range patch {
		merged[k] = v
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("marshalling metadata: %w", err)
	}
	return string(out), nil
}

// UpsertWidgetValue stores the latest value for the widget on a pin.
func (s *SQLiteStore) UpsertWidgetValue(ctx context.Context, deviceID string, u WidgetUpdate) error {
	return upsertWidgetValue(ctx, s.db, deviceID, u)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertWidgetValue(ctx context.Context, db execer, deviceID string, u WidgetUpdate) error {
	query := `
		UPDATE widgets
		SET value = ?, updated_at = ?
		WHERE device_id = ? AND pin = ?`

	if _, err := db.ExecContext(ctx, query, u.Value, u.UpdatedAt, deviceID, u.Pin); err != nil {
		return fmt.Errorf("updating widget value: %w", err)
	}
	return nil
}

// AppendPinEvents appends hardware-write history rows.
func (s *SQLiteStore) AppendPinEvents(ctx context.Context, events []PinEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := appendPinEvents(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit()
}

func appendPinEvents(ctx context.Context, db execer, events []PinEvent) error {
	query := `
		INSERT INTO pin_events (device_id, pin, value, command, ts)
		VALUES (?, ?, ?, ?, ?)`

	for _, ev := range events {
		if _, err := db.ExecContext(ctx, query, ev.DeviceID, ev.Pin, ev.Value, ev.Command, ev.Timestamp); err != nil {
			return fmt.Errorf("appending pin event: %w", err)
		}
	}
	return nil
}

// SaveHardwareWrite persists a priority-path write in one transaction:
// device liveness, widget value (if a widget exists for the pin), and the
// history row commit or roll back together.
func (s *SQLiteStore) SaveHardwareWrite(ctx context.Context, id string, lastPing time.Time, u *WidgetUpdate, ev PinEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query := `
		UPDATE devices
		SET status = ?, last_ping = ?, updated_at = ?
		WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, string(StatusOnline), lastPing, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("updating device liveness: %w", err)
	}

	if u != nil {
		if err := upsertWidgetValue(ctx, tx, id, *u); err != nil {
			return err
		}
	}

	if err := appendPinEvents(ctx, tx, []PinEvent{ev}); err != nil {
		return err
	}

	return tx.Commit()
}

// nullableTime converts a zero time to NULL for storage.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
