package command

import "errors"

var (
	// ErrInvalidCommand indicates the submitted command failed validation.
	ErrInvalidCommand = errors.New("command: invalid command")

	// ErrNotFound indicates no command exists with the given ID.
	ErrNotFound = errors.New("command: not found")

	// ErrQueueFull indicates the device's queue is at capacity.
	ErrQueueFull = errors.New("command: queue full")

	// ErrStopped indicates the dispatcher has shut down.
	ErrStopped = errors.New("command: dispatcher stopped")

	// ErrNotCancellable indicates the command already left the queue.
	ErrNotCancellable = errors.New("command: not cancellable")
)
