package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for reading persistence. The store is
// append-only: there is no update and no single-row delete.
type Repository interface {
	// Append inserts a batch of readings in one transaction.
	Append(ctx context.Context, readings []Reading) error

	// Query retrieves readings matching the filter, ordered by
	// observation time ascending.
	Query(ctx context.Context, filter Filter) ([]Reading, error)

	// DeleteBefore removes readings observed before the cutoff.
	// Retention only; returns the number of rows removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// timeLayout is a fixed-width RFC3339 form so stored timestamps sort
// lexicographically, sub-second precision included.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed reading store.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Append inserts a batch of readings in one transaction, so a batch is
// either fully stored or not at all.
func (r *SQLiteRepository) Append(ctx context.Context, readings []Reading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO readings (id, device_id, sensor_type, value, unit, quality, ts, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for i := range readings {
		rd := &readings[i]
		_, err := stmt.ExecContext(ctx,
			rd.ID,
			rd.DeviceID,
			rd.SensorType,
			rd.Value,
			rd.Unit,
			string(rd.Quality),
			rd.TS.UTC().Format(timeLayout),
			rd.ReceivedAt.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("inserting reading %s: %w", rd.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing append tx: %w", err)
	}
	return nil
}

// Query retrieves readings matching the filter, ordered by observation
// time ascending.
func (r *SQLiteRepository) Query(ctx context.Context, filter Filter) ([]Reading, error) {
	query := `
		SELECT id, device_id, sensor_type, value, unit, quality, ts, received_at
		FROM readings`

	var conds []string
	var args []any
	if filter.DeviceID != "" {
		conds = append(conds, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.SensorType != "" {
		conds = append(conds, "sensor_type = ?")
		args = append(args, filter.SensorType)
	}
	if !filter.From.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, filter.From.UTC().Format(timeLayout))
	}
	if !filter.To.IsZero() {
		conds = append(conds, "ts < ?")
		args = append(args, filter.To.UTC().Format(timeLayout))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close()

	var readings []Reading
	for rows.Next() {
		var rd Reading
		var quality, ts, receivedAt string
		if err := rows.Scan(&rd.ID, &rd.DeviceID, &rd.SensorType, &rd.Value,
			&rd.Unit, &quality, &ts, &receivedAt); err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}
		rd.Quality = Quality(quality)
		rd.TS, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing reading ts: %w", err)
		}
		rd.ReceivedAt, err = time.Parse(time.RFC3339Nano, receivedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing reading received_at: %w", err)
		}
		readings = append(readings, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating readings: %w", err)
	}

	return readings, nil
}

// DeleteBefore removes readings observed before the cutoff.
func (r *SQLiteRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM readings WHERE ts < ?",
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("deleting old readings: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting old readings: rows affected: %w", err)
	}
	return affected, nil
}
