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

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// GetBySlug retrieves a device by its unique slug.
	GetBySlug(ctx context.Context, slug string) (*Device, error)

	// List retrieves devices matching the filter. A zero Filter returns
	// every device, ordered by name.
	List(ctx context.Context, filter Filter) ([]Device, error)

	// Create inserts a new device.
	// Returns ErrExists if a device with the same ID or slug already exists.
	Create(ctx context.Context, device *Device) error

	// Update modifies an existing device.
	// Returns ErrNotFound if the device does not exist.
	Update(ctx context.Context, device *Device) error

	// Delete removes a device by ID. Readings and command history cascade
	// at the schema level.
	Delete(ctx context.Context, id string) error

	// UpdateStatus updates only the status fields of a device.
	// Optimised for frequent changes from the connection manager.
	UpdateStatus(ctx context.Context, id string, status Status, changedAt time.Time) error

	// UpdateLastSeen records a heartbeat or successful exchange.
	UpdateLastSeen(ctx context.Context, id string, seen time.Time) error

	// PatchMapping merges a partial mapping document into the stored
	// mapping without replacing unrelated keys.
	PatchMapping(ctx context.Context, id string, patch Mapping) error

	// SetEnabled flips the administrative enabled flag.
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

const deviceColumns = `id, name, slug, facility_id, zone, kind, protocol, address,
		mapping, status, status_changed_at, enabled, last_seen,
		manufacturer, model, firmware_version, tags, created_at, updated_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return device, nil
}

// GetBySlug retrieves a device by its unique slug.
func (r *SQLiteRepository) GetBySlug(ctx context.Context, slug string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE slug = ?`

	row := r.db.QueryRowContext(ctx, query, slug)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying device by slug: %w", err)
	}
	return device, nil
}

// List retrieves devices matching the filter.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices`

	var conds []string
	var args []any
	if filter.FacilityID != "" {
		conds = append(conds, "facility_id = ?")
		args = append(args, filter.FacilityID)
	}
	if filter.Zone != "" {
		conds = append(conds, "zone = ?")
		args = append(args, filter.Zone)
	}
	if filter.Protocol != "" {
		conds = append(conds, "protocol = ?")
		args = append(args, string(filter.Protocol))
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Enabled != nil {
		conds = append(conds, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY name"

	devices, err := r.queryDevices(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	// Tags are stored as a JSON array; filter in Go rather than in SQL.
	if filter.Tag != "" {
		filtered := devices[:0]
		for i := range devices {
			if (Filter{Tag: filter.Tag}).Matches(&devices[i]) {
				filtered = append(filtered, devices[i])
			}
		}
		devices = filtered
	}

	return devices, nil
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, device *Device) error {
	addressJSON, err := json.Marshal(device.Address)
	if err != nil {
		return fmt.Errorf("marshalling address: %w", err)
	}

	mappingJSON, err := json.Marshal(device.Mapping)
	if err != nil {
		return fmt.Errorf("marshalling mapping: %w", err)
	}

	tagsJSON, err := json.Marshal(device.Tags)
	if err != nil {
		return fmt.Errorf("marshalling tags: %w", err)
	}

	// Set timestamps if not set
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := `
		INSERT INTO devices (
			id, name, slug, facility_id, zone, kind, protocol, address,
			mapping, status, status_changed_at, enabled, last_seen,
			manufacturer, model, firmware_version, tags, created_at, updated_at
		) VALUES (
			?, ?, ?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?
		)`

	_, err = r.db.ExecContext(ctx, query,
		device.ID,
		device.Name,
		device.Slug,
		device.FacilityID,
		nullableString(device.Zone),
		string(device.Kind),
		string(device.Protocol),
		string(addressJSON),
		string(mappingJSON),
		string(device.Status),
		nullableTime(device.StatusChangedAt),
		boolToInt(device.Enabled),
		nullableTime(device.LastSeen),
		nullableString(device.Manufacturer),
		nullableString(device.Model),
		nullableString(device.FirmwareVersion),
		string(tagsJSON),
		device.CreatedAt.Format(time.RFC3339),
		device.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	return nil
}

// Update modifies an existing device.
func (r *SQLiteRepository) Update(ctx context.Context, device *Device) error {
	addressJSON, err := json.Marshal(device.Address)
	if err != nil {
		return fmt.Errorf("marshalling address: %w", err)
	}

	mappingJSON, err := json.Marshal(device.Mapping)
	if err != nil {
		return fmt.Errorf("marshalling mapping: %w", err)
	}

	tagsJSON, err := json.Marshal(device.Tags)
	if err != nil {
		return fmt.Errorf("marshalling tags: %w", err)
	}

	device.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE devices SET
			name = ?, slug = ?, facility_id = ?, zone = ?, kind = ?,
			protocol = ?, address = ?, mapping = ?, status = ?,
			status_changed_at = ?, enabled = ?, last_seen = ?,
			manufacturer = ?, model = ?, firmware_version = ?, tags = ?,
			updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		device.Name,
		device.Slug,
		device.FacilityID,
		nullableString(device.Zone),
		string(device.Kind),
		string(device.Protocol),
		string(addressJSON),
		string(mappingJSON),
		string(device.Status),
		nullableTime(device.StatusChangedAt),
		boolToInt(device.Enabled),
		nullableTime(device.LastSeen),
		nullableString(device.Manufacturer),
		nullableString(device.Model),
		nullableString(device.FirmwareVersion),
		string(tagsJSON),
		device.UpdatedAt.Format(time.RFC3339),
		device.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrExists
		}
		return fmt.Errorf("updating device: %w", err)
	}

	return requireRowAffected(result, "updating device")
}

// Delete removes a device by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return requireRowAffected(result, "deleting device")
}

// UpdateStatus updates only the status fields of a device.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id string, status Status, changedAt time.Time) error {
	query := `
		UPDATE devices SET
			status = ?, status_changed_at = ?, updated_at = ?
		WHERE id = ?`

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx, query,
		string(status),
		changedAt.UTC().Format(time.RFC3339),
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	return requireRowAffected(result, "updating device status")
}

// UpdateLastSeen records a heartbeat or successful exchange.
func (r *SQLiteRepository) UpdateLastSeen(ctx context.Context, id string, seen time.Time) error {
	query := `UPDATE devices SET last_seen = ?, updated_at = ? WHERE id = ?`

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx, query,
		seen.UTC().Format(time.RFC3339),
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("updating device last_seen: %w", err)
	}
	return requireRowAffected(result, "updating device last_seen")
}

// PatchMapping merges a partial mapping document into the stored mapping
// using SQLite's json_patch, so concurrent writers touching different
// keys never clobber each other.
func (r *SQLiteRepository) PatchMapping(ctx context.Context, id string, patch Mapping) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshalling mapping patch: %w", err)
	}

	query := `
		UPDATE devices SET
			mapping = json_patch(mapping, ?), updated_at = ?
		WHERE id = ?`

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx, query, string(patchJSON), now, id)
	if err != nil {
		return fmt.Errorf("patching device mapping: %w", err)
	}
	return requireRowAffected(result, "patching device mapping")
}

// SetEnabled flips the administrative enabled flag.
func (r *SQLiteRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE devices SET enabled = ?, updated_at = ? WHERE id = ?`

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx, query, boolToInt(enabled), now, id)
	if err != nil {
		return fmt.Errorf("setting device enabled: %w", err)
	}
	return requireRowAffected(result, "setting device enabled")
}

// queryDevices runs a multi-row query and scans all results.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDeviceFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device rows: %w", err)
	}

	return devices, nil
}

// requireRowAffected maps a zero-rows-affected result to ErrNotFound.
func requireRowAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice scans a single row into a Device.
func scanDevice(row *sql.Row) (*Device, error) {
	return scanDeviceRow(row)
}

// scanDeviceFromRows scans a rows result into a Device.
func scanDeviceFromRows(rows *sql.Rows) (*Device, error) {
	return scanDeviceRow(rows)
}

// scanDeviceRow scans a row or rows result into a Device.
func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var d Device
	var zone sql.NullString
	var statusChangedAt, lastSeen sql.NullString
	var manufacturer, model, firmwareVersion sql.NullString
	var addressJSON, mappingJSON, tagsJSON string
	var enabled int
	var createdAt, updatedAt string
	var kind, protocol, status string

	err := scanner.Scan(
		&d.ID,
		&d.Name,
		&d.Slug,
		&d.FacilityID,
		&zone,
		&kind,
		&protocol,
		&addressJSON,
		&mappingJSON,
		&status,
		&statusChangedAt,
		&enabled,
		&lastSeen,
		&manufacturer,
		&model,
		&firmwareVersion,
		&tagsJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Kind = Kind(kind)
	d.Protocol = Protocol(protocol)
	d.Status = Status(status)
	d.Enabled = enabled != 0

	if zone.Valid {
		d.Zone = &zone.String
	}
	if manufacturer.Valid {
		d.Manufacturer = &manufacturer.String
	}
	if model.Valid {
		d.Model = &model.String
	}
	if firmwareVersion.Valid {
		d.FirmwareVersion = &firmwareVersion.String
	}

	if statusChangedAt.Valid {
		t, err := time.Parse(time.RFC3339, statusChangedAt.String)
		if err == nil {
			d.StatusChangedAt = &t
		}
	}
	if lastSeen.Valid {
		t, err := time.Parse(time.RFC3339, lastSeen.String)
		if err == nil {
			d.LastSeen = &t
		}
	}

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	if err := json.Unmarshal([]byte(addressJSON), &d.Address); err != nil {
		return nil, fmt.Errorf("unmarshalling address: %w", err)
	}
	if err := json.Unmarshal([]byte(mappingJSON), &d.Mapping); err != nil {
		return nil, fmt.Errorf("unmarshalling mapping: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &d.Tags); err != nil {
		return nil, fmt.Errorf("unmarshalling tags: %w", err)
	}

	return &d, nil
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
