package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hortiva/hortiva-core/internal/adapter"
	"github.com/hortiva/hortiva-core/internal/device"
)

// actor owns one device's connection and its reconnect loop. All calls
// on the underlying Conn go through ioMu, so the Conn only ever sees one
// goroutine at a time.
type actor struct {
	m   *Manager
	dev *device.Device

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// ioMu serializes calls on the current connection.
	ioMu sync.Mutex

	mu          sync.Mutex
	conn        adapter.Conn
	lost        chan struct{}
	lostClosed  bool
	attempts    int
	failures    []time.Time
	ioErrors    int
	lastError   string
	connectedAt time.Time
}

func newActor(m *Manager, dev *device.Device) *actor {
	ctx, cancel := context.WithCancel(context.Background())
	return &actor{
		m:      m,
		dev:    dev,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// run is the actor's connect-serve-reconnect loop. It returns when the
// actor is cancelled or the retry budget is exhausted.
func (a *actor) run() {
	defer close(a.done)
	defer a.dropConn()

	consecutive := 0
	for {
		if a.ctx.Err() != nil {
			return
		}

		ad, err := a.m.adapters.Lookup(a.dev.Protocol)
		if err != nil {
			// No adapter can serve this device; registration should have
			// caught it, so treat it as a fault needing operator attention.
			a.setLastError(err)
			a.m.reportStatus(a.ctx, a.dev.ID, device.StatusError, a.m.now().UTC())
			return
		}

		connectCtx, cancelConnect := context.WithTimeout(a.ctx, a.m.settings.IOTimeout)
		c, err := ad.Connect(connectCtx, a.dev)
		cancelConnect()
		a.noteAttempt()
		a.m.recorder.RecordConnectAttempt(string(a.dev.Protocol), err == nil)

		now := a.m.now().UTC()
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.setLastError(err)

			// A non-transient connect error means the address or mapping
			// is wrong; retrying cannot fix it.
			if !adapter.Transient(err) {
				a.m.reportStatus(a.ctx, a.dev.ID, device.StatusError, now)
				a.m.logger.Error("device configuration fault",
					"device_id", a.dev.ID,
					"protocol", string(a.dev.Protocol),
					"error", err)
				return
			}

			failures := a.noteConnectFailure(now)
			a.m.logger.Warn("device connect failed",
				"device_id", a.dev.ID,
				"protocol", string(a.dev.Protocol),
				"window_failures", failures,
				"error", err)

			if failures >= a.m.settings.RetryBudget {
				a.m.reportStatus(a.ctx, a.dev.ID, device.StatusError, now)
				a.m.logger.Error("retry budget exhausted",
					"device_id", a.dev.ID,
					"budget", a.m.settings.RetryBudget,
					"window", a.m.settings.RetryWindow.String())
				return
			}

			delay := a.m.backoffDelay(consecutive)
			consecutive++
			select {
			case <-time.After(delay):
			case <-a.ctx.Done():
				return
			}
			continue
		}

		consecutive = 0
		a.adoptConn(c, now)
		a.m.reportStatus(a.ctx, a.dev.ID, device.StatusOnline, now)
		if err := a.m.registry.Touch(a.ctx, a.dev.ID, now); err != nil {
			a.m.logger.Debug("touch failed", "device_id", a.dev.ID, "error", err)
		}
		a.m.logger.Info("device connected",
			"device_id", a.dev.ID, "protocol", string(a.dev.Protocol))

		a.serve()

		a.dropConn()
		if a.ctx.Err() != nil {
			return
		}
		a.m.reportStatus(a.ctx, a.dev.ID, device.StatusOffline, a.m.now().UTC())
		a.m.logger.Warn("device connection lost", "device_id", a.dev.ID)
	}
}

// serve polls the device on the heartbeat interval until the connection
// is lost or the actor is cancelled.
func (a *actor) serve() {
	a.mu.Lock()
	lost := a.lost
	a.mu.Unlock()

	ticker := time.NewTicker(a.m.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-lost:
			return
		case <-ticker.C:
			a.pollOnce()
		}
	}
}

// pollOnce runs one heartbeat poll, feeding samples to the sink and
// refreshing the device's last-contact time.
func (a *actor) pollOnce() {
	c := a.currentConn()
	if c == nil {
		return
	}

	callCtx, cancel := context.WithTimeout(a.ctx, a.m.settings.IOTimeout)
	started := a.m.now()
	a.ioMu.Lock()
	samples, err := c.Poll(callCtx)
	a.ioMu.Unlock()
	cancel()
	a.m.recorder.RecordPoll(string(a.dev.Protocol), a.m.now().Sub(started))

	if err != nil {
		a.noteIOError(err)
		return
	}
	a.noteIOSuccess()

	now := a.m.now().UTC()
	if err := a.m.registry.Touch(a.ctx, a.dev.ID, now); err != nil {
		a.m.logger.Debug("touch failed", "device_id", a.dev.ID, "error", err)
	}
	if a.m.sink != nil && len(samples) > 0 {
		a.m.sink(a.dev.ID, samples)
	}
}

// read fetches one point over the live connection.
func (a *actor) read(ctx context.Context, point string) (adapter.Sample, error) {
	c := a.currentConn()
	if c == nil {
		return adapter.Sample{}, ErrUnavailable
	}

	callCtx, cancel := context.WithTimeout(ctx, a.m.settings.IOTimeout)
	defer cancel()

	a.ioMu.Lock()
	sample, err := c.Read(callCtx, point)
	a.ioMu.Unlock()

	if err != nil {
		a.noteIOError(err)
		return adapter.Sample{}, err
	}
	a.noteIOSuccess()
	if err := a.m.registry.Touch(ctx, a.dev.ID, a.m.now().UTC()); err != nil {
		a.m.logger.Debug("touch failed", "device_id", a.dev.ID, "error", err)
	}
	return sample, nil
}

// write sends one value over the live connection.
func (a *actor) write(ctx context.Context, point string, value float64) error {
	c := a.currentConn()
	if c == nil {
		return ErrUnavailable
	}

	callCtx, cancel := context.WithTimeout(ctx, a.m.settings.IOTimeout)
	defer cancel()

	a.ioMu.Lock()
	err := c.Write(callCtx, point, value)
	a.ioMu.Unlock()

	if err != nil {
		a.noteIOError(err)
		return err
	}
	a.noteIOSuccess()
	if err := a.m.registry.Touch(ctx, a.dev.ID, a.m.now().UTC()); err != nil {
		a.m.logger.Debug("touch failed", "device_id", a.dev.ID, "error", err)
	}
	return nil
}

// adoptConn installs a fresh connection and resets per-connection state.
func (a *actor) adoptConn(c adapter.Conn, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conn = c
	a.lost = make(chan struct{})
	a.lostClosed = false
	a.ioErrors = 0
	a.lastError = ""
	a.connectedAt = at
}

// dropConn closes and clears the current connection, if any.
func (a *actor) dropConn() {
	a.mu.Lock()
	c := a.conn
	a.conn = nil
	if a.lost != nil && !a.lostClosed {
		close(a.lost)
		a.lostClosed = true
	}
	a.mu.Unlock()

	if c != nil {
		if err := c.Close(); err != nil {
			a.m.logger.Debug("connection close failed", "device_id", a.dev.ID, "error", err)
		}
	}
}

// markLost wakes the serve loop so the actor reconnects.
func (a *actor) markLost() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lost != nil && !a.lostClosed {
		close(a.lost)
		a.lostClosed = true
	}
}

func (a *actor) currentConn() adapter.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *actor) noteAttempt() {
	a.mu.Lock()
	a.attempts++
	a.mu.Unlock()
}

// noteConnectFailure records a failed connect and returns the number of
// failures inside the rolling retry window.
func (a *actor) noteConnectFailure(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, now)
	a.pruneFailuresLocked(now)
	return len(a.failures)
}

// pruneFailuresLocked drops failures older than the retry window.
// Caller holds a.mu.
func (a *actor) pruneFailuresLocked(now time.Time) {
	cutoff := now.Add(-a.m.settings.RetryWindow)
	kept := a.failures[:0]
	for _, t := range a.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.failures = kept
}

// noteIOError tracks a failed device call. A dead connection wakes the
// reconnect loop; repeated transient failures degrade the device, and a
// non-transient failure degrades it at once since retries will not
// clear a protocol or mapping fault.
func (a *actor) noteIOError(err error) {
	if errors.Is(err, adapter.ErrNotConnected) {
		a.mu.Lock()
		a.lastError = err.Error()
		a.mu.Unlock()
		a.markLost()
		return
	}

	a.mu.Lock()
	a.lastError = err.Error()
	threshold := a.m.settings.DegradedErrorThreshold
	wasBelow := a.ioErrors < threshold
	if adapter.Transient(err) {
		a.ioErrors++
	} else {
		a.ioErrors = threshold
	}
	degraded := wasBelow && a.ioErrors >= threshold
	a.mu.Unlock()

	if degraded {
		a.m.reportStatus(a.ctx, a.dev.ID, device.StatusDegraded, a.m.now().UTC())
		a.m.logger.Warn("device degraded",
			"device_id", a.dev.ID,
			"consecutive_errors", a.m.settings.DegradedErrorThreshold)
	}
}

// noteIOSuccess clears the failure streak, promoting a degraded device
// back to online.
func (a *actor) noteIOSuccess() {
	a.mu.Lock()
	recovered := a.ioErrors >= a.m.settings.DegradedErrorThreshold
	a.ioErrors = 0
	a.lastError = ""
	a.mu.Unlock()

	if recovered {
		a.m.reportStatus(a.ctx, a.dev.ID, device.StatusOnline, a.m.now().UTC())
		a.m.logger.Info("device recovered", "device_id", a.dev.ID)
	}
}

func (a *actor) setLastError(err error) {
	a.mu.Lock()
	a.lastError = err.Error()
	a.mu.Unlock()
}

func (a *actor) stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneFailuresLocked(a.m.now().UTC())

	s := Stats{
		Tracked:         true,
		Connected:       a.conn != nil,
		ConnectAttempts: a.attempts,
		WindowFailures:  len(a.failures),
		LastError:       a.lastError,
	}
	if a.conn != nil && !a.connectedAt.IsZero() {
		at := a.connectedAt
		s.ConnectedAt = &at
	}
	return s
}
