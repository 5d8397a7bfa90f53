package dali

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/icecap85/vdcd/internal/infrastructure/database"
)

// DeviceRecord is a persisted device.
type DeviceRecord struct {
	DeviceID     string
	BridgeID     string
	Name         string
	ShortAddress ShortAddress
	Level        float64
	MinLevel     float64
	FadeTime     int
	Present      bool
	LastSeen     time.Time
}

// DeviceRegistry persists devices and their last known state.
// It is optional; without it the bridge starts from the device file only.
type DeviceRegistry interface {
	// EnsureDevice creates the device or updates name and address,
	// keeping persisted state.
	EnsureDevice(ctx context.Context, rec DeviceRecord) error

	// ListDevices returns the devices of a bridge ordered by short address.
	ListDevices(ctx context.Context, bridgeID string) ([]DeviceRecord, error)

	// SaveState stores level, fade time and presence of a device.
	SaveState(ctx context.Context, rec DeviceRecord) error

	// DeleteDevice forgets a device.
	DeleteDevice(ctx context.Context, deviceID string) error

	// RecordError stores a failed bus command.
	RecordError(ctx context.Context, bridgeID, deviceID, command string, cause error) error
}

// Registry is the SQLite DeviceRegistry over the dali_devices table.
type Registry struct {
	db  *database.DB
	now func() time.Time
}

// NewRegistry creates a registry. The schema comes from the embedded
// migrations.
func NewRegistry(db *database.DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

const timeLayout = time.RFC3339Nano

// EnsureDevice implements DeviceRegistry.
func (r *Registry) EnsureDevice(ctx context.Context, rec DeviceRecord) error {
	if err := rec.ShortAddress.Validate(); err != nil {
		return err
	}
	now := r.now().UTC().Format(timeLayout)

	// A device moved to a new id at the same address replaces the old row.
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM dali_devices WHERE bridge_id = ? AND short_address = ? AND device_id != ?`,
		rec.BridgeID, int(rec.ShortAddress), rec.DeviceID); err != nil {
		return fmt.Errorf("clearing short address %s: %w", rec.ShortAddress, err)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dali_devices (device_id, bridge_id, name, short_address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			bridge_id = excluded.bridge_id,
			name = excluded.name,
			short_address = excluded.short_address,
			updated_at = excluded.updated_at`,
		rec.DeviceID, rec.BridgeID, rec.Name, int(rec.ShortAddress), now, now)
	if err != nil {
		return fmt.Errorf("upserting device %s: %w", rec.DeviceID, err)
	}
	return nil
}

// ListDevices implements DeviceRegistry.
func (r *Registry) ListDevices(ctx context.Context, bridgeID string) ([]DeviceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device_id, bridge_id, name, short_address, level, min_level, fade_time, present, last_seen
		FROM dali_devices WHERE bridge_id = ? ORDER BY short_address`, bridgeID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceRecord
	for rows.Next() {
		var rec DeviceRecord
		var addr int
		var present int
		var lastSeen sql.NullString
		if err := rows.Scan(&rec.DeviceID, &rec.BridgeID, &rec.Name, &addr,
			&rec.Level, &rec.MinLevel, &rec.FadeTime, &present, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		rec.ShortAddress = ShortAddress(addr) // #nosec G115 -- CHECK constraint keeps it in 0-63
		rec.Present = present != 0
		if lastSeen.Valid {
			rec.LastSeen, _ = time.Parse(timeLayout, lastSeen.String) //nolint:errcheck // written by SaveState
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return out, nil
}

// SaveState implements DeviceRegistry.
func (r *Registry) SaveState(ctx context.Context, rec DeviceRecord) error {
	var lastSeen any
	if !rec.LastSeen.IsZero() {
		lastSeen = rec.LastSeen.UTC().Format(timeLayout)
	}
	present := 0
	if rec.Present {
		present = 1
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE dali_devices
		SET level = ?, min_level = ?, fade_time = ?, present = ?, last_seen = COALESCE(?, last_seen), updated_at = ?
		WHERE device_id = ?`,
		rec.Level, rec.MinLevel, rec.FadeTime, present, lastSeen,
		r.now().UTC().Format(timeLayout), rec.DeviceID)
	if err != nil {
		return fmt.Errorf("saving state of %s: %w", rec.DeviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports
		return fmt.Errorf("%w: %s", ErrUnknownDevice, rec.DeviceID)
	}
	return nil
}

// DeleteDevice implements DeviceRegistry.
func (r *Registry) DeleteDevice(ctx context.Context, deviceID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM dali_devices WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("deleting device %s: %w", deviceID, err)
	}
	return nil
}

// RecordError implements DeviceRegistry.
func (r *Registry) RecordError(ctx context.Context, bridgeID, deviceID, command string, cause error) error {
	if cause == nil {
		return errors.New("recording bus error: nil cause")
	}
	var dev any
	if deviceID != "" {
		dev = deviceID
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bus_errors (bridge_id, device_id, command, error, occurred_at)
		VALUES (?, ?, ?, ?, ?)`,
		bridgeID, dev, command, cause.Error(), r.now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("recording bus error: %w", err)
	}
	return nil
}
