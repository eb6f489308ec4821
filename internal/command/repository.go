package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Repository defines the interface for command audit persistence. Every
// command is recorded at submission and updated as it moves through its
// lifecycle, so the table is a complete actuation history.
type Repository interface {
	// Create records a newly queued command.
	Create(ctx context.Context, cmd *Command) error

	// GetByID retrieves a command by ID.
	GetByID(ctx context.Context, id string) (*Command, error)

	// MarkInFlight moves a command from queued to in_flight.
	MarkInFlight(ctx context.Context, id string) error

	// Finish records a command's terminal state, result and error.
	Finish(ctx context.Context, id string, status Status, result map[string]any, errMsg string, completedAt time.Time) error

	// History retrieves a device's commands, newest first.
	History(ctx context.Context, deviceID string, limit int) ([]Command, error)
}

// timeLayout is a fixed-width RFC3339 form so stored timestamps sort
// lexicographically, sub-second precision included.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// defaultHistoryLimit caps History queries that pass no limit.
const defaultHistoryLimit = 100

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed command store.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const commandColumns = "id, device_id, name, params, priority, status, result, error, created_at, completed_at"

// Create records a newly queued command.
func (r *SQLiteRepository) Create(ctx context.Context, cmd *Command) error {
	params, err := json.Marshal(cmd.Params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}
	if cmd.Params == nil {
		params = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO commands (id, device_id, name, params, priority, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID,
		cmd.DeviceID,
		cmd.Name,
		string(params),
		string(cmd.Priority),
		string(cmd.Status),
		cmd.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}
	return nil
}

// GetByID retrieves a command by ID.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Command, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+commandColumns+" FROM commands WHERE id = ?", id)
	cmd, err := scanCommandRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return cmd, nil
}

// MarkInFlight moves a command from queued to in_flight.
func (r *SQLiteRepository) MarkInFlight(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE commands SET status = ? WHERE id = ?",
		string(StatusInFlight), id)
	if err != nil {
		return fmt.Errorf("marking command in flight: %w", err)
	}
	return requireRowAffected(result, id)
}

// Finish records a command's terminal state.
func (r *SQLiteRepository) Finish(ctx context.Context, id string, status Status, result map[string]any, errMsg string, completedAt time.Time) error {
	var resultJSON any
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshaling result: %w", err)
		}
		resultJSON = string(data)
	}
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, result = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		string(status),
		resultJSON,
		errVal,
		completedAt.UTC().Format(timeLayout),
		id,
	)
	if err != nil {
		return fmt.Errorf("finishing command: %w", err)
	}
	return requireRowAffected(res, id)
}

// History retrieves a device's commands, newest first.
func (r *SQLiteRepository) History(ctx context.Context, deviceID string, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+commandColumns+` FROM commands
		WHERE device_id = ? ORDER BY created_at DESC LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying command history: %w", err)
	}
	defer rows.Close()

	var commands []Command
	for rows.Next() {
		cmd, err := scanCommandRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		commands = append(commands, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return commands, nil
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan logic.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommandRow(row rowScanner) (*Command, error) {
	var cmd Command
	var params, priority, status, createdAt string
	var result, errMsg, completedAt sql.NullString

	err := row.Scan(
		&cmd.ID,
		&cmd.DeviceID,
		&cmd.Name,
		&params,
		&priority,
		&status,
		&result,
		&errMsg,
		&createdAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(params), &cmd.Params); err != nil {
		return nil, fmt.Errorf("parsing command params: %w", err)
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &cmd.Result); err != nil {
			return nil, fmt.Errorf("parsing command result: %w", err)
		}
	}
	cmd.Priority = Priority(priority)
	cmd.Status = Status(status)
	cmd.Error = errMsg.String

	cmd.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing command created_at: %w", err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing command completed_at: %w", err)
		}
		cmd.CompletedAt = &t
	}

	return &cmd, nil
}

func requireRowAffected(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
