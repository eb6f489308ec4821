package command

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the dispatcher.
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

// Executor carries a command to its device and waits for the device's
// acknowledgement. The connection manager satisfies this.
type Executor interface {
	Execute(ctx context.Context, cmd *Command) (map[string]any, error)
}

// Recorder receives command outcome counts. The metrics collector
// satisfies this.
type Recorder interface {
	RecordCommand(status, priority string)
}

// noopRecorder is a recorder that does nothing.
type noopRecorder struct{}

func (noopRecorder) RecordCommand(string, string) {}

// repoTimeout bounds audit writes made from worker goroutines, which have
// no caller context to inherit.
const repoTimeout = 5 * time.Second

// Dispatcher queues commands per device and delivers them one at a time.
//
// Each device gets its own queue and worker goroutine, so one slow device
// never holds up another, and a device never has more than one command in
// flight. Within a queue, higher-priority commands dispatch first and
// equal priorities dispatch in submission order.
//
// Submit never waits for dispatch: it records the command, enqueues it
// and returns. When a queue is at capacity the submission is rejected
// with ErrQueueFull rather than blocking the caller.
type Dispatcher struct {
	repo       Repository
	exec       Executor
	logger     Logger
	recorder   Recorder
	ackTimeout time.Duration
	capacity   int

	mu      sync.Mutex
	workers map[string]*deviceWorker
	seq     uint64
	closed  bool

	// now is the clock, swappable in tests.
	now func() time.Time
}

// deviceWorker owns one device's queue and dispatch loop.
type deviceWorker struct {
	pending  priorityQueue
	reserved int

	wake   chan struct{}
	cancel context.CancelFunc
	ctx    context.Context
	done   chan struct{}
}

// depth counts queued commands plus submissions mid-flight between their
// capacity check and enqueue.
func (w *deviceWorker) depth() int {
	return w.pending.Len() + w.reserved
}

// NewDispatcher creates a command dispatcher. ackTimeout is how long a
// dispatched command may wait for acknowledgement before it is marked
// timed_out; capacity bounds each device's queue.
func NewDispatcher(repo Repository, exec Executor, ackTimeout time.Duration, capacity int) *Dispatcher {
	if ackTimeout <= 0 {
		ackTimeout = 30 * time.Second
	}
	if capacity <= 0 {
		capacity = 256
	}
	return &Dispatcher{
		repo:       repo,
		exec:       exec,
		logger:     noopLogger{},
		recorder:   noopRecorder{},
		ackTimeout: ackTimeout,
		capacity:   capacity,
		workers:    make(map[string]*deviceWorker),
		now:        time.Now,
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// SetRecorder sets the outcome recorder for the dispatcher.
func (d *Dispatcher) SetRecorder(recorder Recorder) {
	d.recorder = recorder
}

// Submit validates, records and enqueues a command, returning it with its
// assigned ID. Priority defaults to medium. Submit does not wait for the
// command to dispatch.
func (d *Dispatcher) Submit(ctx context.Context, cmd *Command) (*Command, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	queued := &Command{
		ID:        newCommandID(),
		DeviceID:  cmd.DeviceID,
		Name:      cmd.Name,
		Params:    cmd.Params,
		Priority:  cmd.Priority,
		Status:    StatusQueued,
		CreatedAt: d.now().UTC(),
	}
	if queued.Priority == "" {
		queued.Priority = PriorityMedium
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrStopped
	}
	w := d.ensureWorkerLocked(queued.DeviceID)
	if w.depth() >= d.capacity {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: device %s at %d pending", ErrQueueFull, queued.DeviceID, d.capacity)
	}
	// Hold a slot while the audit row is written outside the lock
	w.reserved++
	d.mu.Unlock()

	if err := d.repo.Create(ctx, queued); err != nil {
		d.mu.Lock()
		w.reserved--
		d.mu.Unlock()
		return nil, fmt.Errorf("recording command: %w", err)
	}

	d.mu.Lock()
	w.reserved--
	// The device may have been drained, or the dispatcher closed, while
	// the row was written. Its worker is gone; enqueueing now would leave
	// the command queued forever.
	if d.closed || d.workers[queued.DeviceID] != w {
		d.mu.Unlock()
		if err := d.finish(queued, StatusCancelled, nil, "device removed during submit"); err != nil {
			d.logger.Error("failed to record cancelled command",
				"command_id", queued.ID, "error", err)
		}
		return nil, fmt.Errorf("%w: device %s", ErrStopped, queued.DeviceID)
	}
	w.pending.push(queued, d.seq)
	d.seq++
	d.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}

	d.logger.Debug("command queued",
		"command_id", queued.ID,
		"device_id", queued.DeviceID,
		"name", queued.Name,
		"priority", string(queued.Priority))

	result := *queued
	return &result, nil
}

// Cancel removes a queued command before it dispatches. Commands already
// in flight or finished return ErrNotCancellable.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	cmd, err := d.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	w := d.workers[cmd.DeviceID]
	var removed *Command
	if w != nil {
		removed = w.pending.remove(id)
	}
	d.mu.Unlock()

	if removed == nil {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, cmd.Status)
	}
	return d.finish(removed, StatusCancelled, nil, "cancelled before dispatch")
}

// Drain cancels a device's pending commands and stops its worker. Used
// when a device is removed; returns the number of commands cancelled.
func (d *Dispatcher) Drain(ctx context.Context, deviceID string) int {
	d.mu.Lock()
	w := d.workers[deviceID]
	if w == nil {
		d.mu.Unlock()
		return 0
	}
	delete(d.workers, deviceID)
	pending := w.pending.drain()
	d.mu.Unlock()

	w.cancel()
	<-w.done

	for _, cmd := range pending {
		if err := d.finish(cmd, StatusCancelled, nil, "device removed"); err != nil {
			d.logger.Error("failed to record cancelled command",
				"command_id", cmd.ID, "error", err)
		}
	}

	if len(pending) > 0 {
		d.logger.Info("drained command queue",
			"device_id", deviceID, "cancelled", len(pending))
	}
	return len(pending)
}

// QueueDepth returns the number of commands waiting for a device.
func (d *Dispatcher) QueueDepth(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w := d.workers[deviceID]; w != nil {
		return w.depth()
	}
	return 0
}

// History retrieves a device's command history, newest first.
func (d *Dispatcher) History(ctx context.Context, deviceID string, limit int) ([]Command, error) {
	return d.repo.History(ctx, deviceID, limit)
}

// Get retrieves a command by ID.
func (d *Dispatcher) Get(ctx context.Context, id string) (*Command, error) {
	return d.repo.GetByID(ctx, id)
}

// Close stops all workers and cancels everything still queued.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	workers := d.workers
	d.workers = make(map[string]*deviceWorker)
	d.mu.Unlock()

	for deviceID, w := range workers {
		d.mu.Lock()
		pending := w.pending.drain()
		d.mu.Unlock()

		w.cancel()
		<-w.done

		for _, cmd := range pending {
			if err := d.finish(cmd, StatusCancelled, nil, "dispatcher shutdown"); err != nil {
				d.logger.Error("failed to record cancelled command",
					"command_id", cmd.ID, "device_id", deviceID, "error", err)
			}
		}
	}
}

// ensureWorkerLocked returns the device's worker, starting one if needed.
// Caller holds d.mu.
func (d *Dispatcher) ensureWorkerLocked(deviceID string) *deviceWorker {
	if w, ok := d.workers[deviceID]; ok {
		return w
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &deviceWorker{
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	d.workers[deviceID] = w
	go d.run(deviceID, w)
	return w
}

// run is the per-device dispatch loop. Commands leave the queue one at a
// time, so a device never has two commands in flight.
func (d *Dispatcher) run(deviceID string, w *deviceWorker) {
	defer close(w.done)
	for {
		d.mu.Lock()
		cmd := w.pending.pop()
		d.mu.Unlock()

		if cmd == nil {
			select {
			case <-w.wake:
				continue
			case <-w.ctx.Done():
				return
			}
		}

		d.dispatch(w.ctx, cmd)

		if w.ctx.Err() != nil {
			return
		}
	}
}

// dispatch delivers one command and records its outcome. A command whose
// acknowledgement never arrives is marked timed_out and left alone: the
// device may have acted on it, so retrying is up to the operator.
func (d *Dispatcher) dispatch(ctx context.Context, cmd *Command) {
	repoCtx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	err := d.repo.MarkInFlight(repoCtx, cmd.ID)
	cancel()
	if err != nil {
		d.logger.Error("failed to mark command in flight",
			"command_id", cmd.ID, "error", err)
	}

	execCtx, cancelExec := context.WithTimeout(ctx, d.ackTimeout)
	result, execErr := d.exec.Execute(execCtx, cmd)
	timedOut := execCtx.Err() == context.DeadlineExceeded
	cancelExec()

	var status Status
	var errMsg string
	switch {
	case execErr == nil:
		status = StatusCompleted
	case ctx.Err() != nil:
		status = StatusCancelled
		errMsg = "device removed during dispatch"
	case timedOut:
		status = StatusTimedOut
		errMsg = fmt.Sprintf("no acknowledgement within %s", d.ackTimeout)
	default:
		status = StatusFailed
		errMsg = execErr.Error()
	}

	if err := d.finish(cmd, status, result, errMsg); err != nil {
		d.logger.Error("failed to record command outcome",
			"command_id", cmd.ID, "status", string(status), "error", err)
	}

	d.logger.Debug("command dispatched",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"status", string(status))
}

// finish records a terminal state for a command.
func (d *Dispatcher) finish(cmd *Command, status Status, result map[string]any, errMsg string) error {
	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()
	d.recorder.RecordCommand(string(status), string(cmd.Priority))
	return d.repo.Finish(ctx, cmd.ID, status, result, errMsg, d.now().UTC())
}
