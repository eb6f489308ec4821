package command

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders commands within a device queue. Higher priorities are
// dispatched first; commands of equal priority run in submission order.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// rank maps a priority to its dispatch order, lowest first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	return p.rank() < 4
}

// Status is a command's lifecycle state.
//
// A command is in_flight from the moment it is handed to its device
// until the device acknowledges it; the acknowledgement itself completes
// the command, so there is no separate sent or acknowledged state in the
// audit trail.
//
// Every command ends in exactly one of the terminal states: completed,
// failed, timed_out or cancelled. A timed-out command is never retried
// automatically; the device may have acted on it, so retrying is an
// operator decision.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal returns true if the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Command is one actuation request for a device.
type Command struct {
	ID       string         `json:"id"`
	DeviceID string         `json:"device_id"`
	Name     string         `json:"name"`
	Params   map[string]any `json:"params,omitempty"`
	Priority Priority       `json:"priority"`
	Status   Status         `json:"status"`

	// Result holds the device-reported outcome for completed commands.
	Result map[string]any `json:"result,omitempty"`
	// Error describes the failure for failed, timed-out and cancelled
	// commands.
	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// maxNameLength bounds the command name.
const maxNameLength = 100

// Validate checks the submitted fields. ID, status and timestamps are
// assigned by the dispatcher and are not the caller's concern.
func (c *Command) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidCommand)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCommand)
	}
	if len(c.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidCommand, maxNameLength)
	}
	if c.Priority != "" && !c.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidCommand, c.Priority)
	}
	return nil
}

// newCommandID generates a unique command identifier.
func newCommandID() string {
	return uuid.New().String()
}
