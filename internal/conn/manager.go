package conn

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hortiva/hortiva-core/internal/adapter"
	"github.com/hortiva/hortiva-core/internal/command"
	"github.com/hortiva/hortiva-core/internal/device"
)

// Logger defines the logging interface used by the connection layer.
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

// DeviceRegistry is the interface the manager needs from the device
// package: lookups, status reporting and last-contact tracking.
type DeviceRegistry interface {
	Get(ctx context.Context, id string) (*device.Device, error)
	ApplyStatus(ctx context.Context, id string, status device.Status, observedAt time.Time) error
	Touch(ctx context.Context, id string, seen time.Time) error
}

// SampleSink receives samples collected by the poll loop. The telemetry
// ingestor is wired in through a sink closure.
type SampleSink func(deviceID string, samples []adapter.Sample)

// StatusSink receives every status transition the manager successfully
// applies. The time-series mirror is wired in through a sink closure.
type StatusSink func(deviceID string, status device.Status, observedAt time.Time)

// Recorder receives connection activity counts. The metrics collector
// satisfies this.
type Recorder interface {
	RecordConnectAttempt(protocol string, success bool)
	RecordPoll(protocol string, duration time.Duration)
	SetDevicesTracked(count int)
}

// noopRecorder is a recorder that does nothing.
type noopRecorder struct{}

func (noopRecorder) RecordConnectAttempt(string, bool) {}
func (noopRecorder) RecordPoll(string, time.Duration)  {}
func (noopRecorder) SetDevicesTracked(int)             {}

// Settings holds the connection tuning knobs.
type Settings struct {
	// HeartbeatInterval is the poll cadence per device.
	HeartbeatInterval time.Duration
	// FreshnessWindow is how long a device may stay silent before it is
	// marked offline.
	FreshnessWindow time.Duration
	// DegradedErrorThreshold is the number of consecutive call failures
	// that mark a connected device degraded.
	DegradedErrorThreshold int
	// RetryWindow is the rolling window over which connect failures count
	// against the budget.
	RetryWindow time.Duration
	// RetryBudget is the maximum connect failures per window before the
	// device is marked error.
	RetryBudget int
	// BackoffBase and BackoffCap bound the reconnect delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// IOTimeout is the deadline applied to every outbound device call.
	IOTimeout time.Duration
}

func (s *Settings) applyDefaults() {
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 30 * time.Second
	}
	if s.FreshnessWindow <= 0 {
		s.FreshnessWindow = 3 * s.HeartbeatInterval
	}
	if s.DegradedErrorThreshold <= 0 {
		s.DegradedErrorThreshold = 3
	}
	if s.RetryWindow <= 0 {
		s.RetryWindow = 5 * time.Minute
	}
	if s.RetryBudget <= 0 {
		s.RetryBudget = 10
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = time.Second
	}
	if s.BackoffCap <= 0 {
		s.BackoffCap = 60 * time.Second
	}
	if s.IOTimeout <= 0 {
		s.IOTimeout = 10 * time.Second
	}
}

// Stats describes one device's connection state.
type Stats struct {
	Tracked         bool       `json:"tracked"`
	Connected       bool       `json:"connected"`
	ConnectAttempts int        `json:"connect_attempts"`
	WindowFailures  int        `json:"window_failures"`
	LastError       string     `json:"last_error,omitempty"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
}

// Manager owns the connection actors, one per tracked device, and the
// freshness monitor. It satisfies the dispatcher's Executor so queued
// commands reach devices through their single connection.
type Manager struct {
	adapters   *adapter.Registry
	registry   DeviceRegistry
	settings   Settings
	logger     Logger
	recorder   Recorder
	sink       SampleSink
	statusSink StatusSink

	mu     sync.Mutex
	actors map[string]*actor
	closed bool

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	// now and jitter are swappable in tests.
	now    func() time.Time
	jitter func(max time.Duration) time.Duration
}

// NewManager creates a connection manager. Actors are spawned per device
// via Track; Start launches the freshness monitor.
func NewManager(adapters *adapter.Registry, registry DeviceRegistry, settings Settings) *Manager {
	settings.applyDefaults()
	return &Manager{
		adapters: adapters,
		registry: registry,
		settings: settings,
		logger:   noopLogger{},
		recorder: noopRecorder{},
		actors:   make(map[string]*actor),
		now:      time.Now,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int64N(int64(max)))
		},
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// SetSampleSink attaches a sink that receives every polled sample.
func (m *Manager) SetSampleSink(sink SampleSink) {
	m.sink = sink
}

// SetStatusSink attaches a sink that receives every applied status
// transition.
func (m *Manager) SetStatusSink(sink StatusSink) {
	m.statusSink = sink
}

// SetRecorder sets the activity recorder for the manager.
func (m *Manager) SetRecorder(recorder Recorder) {
	m.recorder = recorder
}

// Start launches the freshness monitor. Actors run independently of it;
// the monitor only watches last-contact times.
func (m *Manager) Start(ctx context.Context) {
	monitorCtx, cancel := context.WithCancel(ctx)
	m.monitorCancel = cancel
	m.monitorDone = make(chan struct{})
	go m.monitor(monitorCtx)
}

// Track spawns a connection actor for the device. Tracking an already
// tracked device whose actor is still running is a no-op; a finished
// actor (retry budget exhausted, then operator reset) is replaced.
func (m *Manager) Track(dev *device.Device) error {
	if !dev.Enabled {
		return fmt.Errorf("%w: device %s is disabled", ErrUnavailable, dev.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if existing, ok := m.actors[dev.ID]; ok {
		select {
		case <-existing.done:
			// finished actor, replace below
		default:
			return nil
		}
	}

	a := newActor(m, dev.DeepCopy())
	m.actors[dev.ID] = a
	m.recorder.SetDevicesTracked(len(m.actors))
	go a.run()

	m.logger.Debug("tracking device", "device_id", dev.ID, "protocol", string(dev.Protocol))
	return nil
}

// Forget stops a device's actor and closes its connection. Used when a
// device is removed or disabled.
func (m *Manager) Forget(deviceID string) {
	m.mu.Lock()
	a := m.actors[deviceID]
	delete(m.actors, deviceID)
	m.recorder.SetDevicesTracked(len(m.actors))
	m.mu.Unlock()

	if a == nil {
		return
	}
	a.cancel()
	<-a.done
	m.logger.Debug("stopped tracking device", "device_id", deviceID)
}

// Read fetches one point from a device through its live connection.
func (m *Manager) Read(ctx context.Context, deviceID, point string) (adapter.Sample, error) {
	a, err := m.actor(deviceID)
	if err != nil {
		return adapter.Sample{}, err
	}
	return a.read(ctx, point)
}

// Write sends one value to a device through its live connection.
func (m *Manager) Write(ctx context.Context, deviceID, point string, value float64) error {
	a, err := m.actor(deviceID)
	if err != nil {
		return err
	}
	return a.write(ctx, point, value)
}

// Execute satisfies command.Executor: it delivers a queued command as a
// point write. The command name is the point; params carry the value.
func (m *Manager) Execute(ctx context.Context, cmd *command.Command) (map[string]any, error) {
	value, ok := numericParam(cmd.Params, "value")
	if !ok {
		return nil, fmt.Errorf("%w: command %s", ErrMissingValue, cmd.Name)
	}
	if err := m.Write(ctx, cmd.DeviceID, cmd.Name, value); err != nil {
		return nil, err
	}
	return map[string]any{"point": cmd.Name, "value": value}, nil
}

// Snapshot reports a device's connection statistics.
func (m *Manager) Snapshot(deviceID string) Stats {
	m.mu.Lock()
	a := m.actors[deviceID]
	m.mu.Unlock()
	if a == nil {
		return Stats{}
	}
	return a.stats()
}

// Close stops the monitor and every actor, closing all connections.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	actors := m.actors
	m.actors = make(map[string]*actor)
	m.recorder.SetDevicesTracked(0)
	m.mu.Unlock()

	if m.monitorCancel != nil {
		m.monitorCancel()
		<-m.monitorDone
	}

	for _, a := range actors {
		a.cancel()
		<-a.done
	}
}

func (m *Manager) actor(deviceID string) (*actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	a, ok := m.actors[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotTracked, deviceID)
	}
	return a, nil
}

// monitor marks devices offline once they have been silent for the
// freshness window. Status reports from actors move devices back online;
// the monitor only ever demotes.
func (m *Manager) monitor(ctx context.Context) {
	defer close(m.monitorDone)

	ticker := time.NewTicker(m.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepStale(ctx)
		}
	}
}

func (m *Manager) sweepStale(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.actors))
	for id := range m.actors {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	now := m.now().UTC()
	for _, id := range ids {
		dev, err := m.registry.Get(ctx, id)
		if err != nil {
			continue
		}
		if dev.Status != device.StatusOnline && dev.Status != device.StatusDegraded {
			continue
		}
		if dev.LastSeen == nil || now.Sub(*dev.LastSeen) <= m.settings.FreshnessWindow {
			continue
		}
		m.reportStatus(ctx, id, device.StatusOffline, now)
		m.logger.Warn("device went silent",
			"device_id", id,
			"last_seen", dev.LastSeen.Format(time.RFC3339),
			"freshness_window", m.settings.FreshnessWindow.String())
	}
}

// reportStatus applies a status observation, quietly dropping reports
// the registry rejects as stale or out of order.
func (m *Manager) reportStatus(ctx context.Context, deviceID string, status device.Status, observedAt time.Time) {
	err := m.registry.ApplyStatus(ctx, deviceID, status, observedAt)
	if err == nil {
		if m.statusSink != nil {
			m.statusSink(deviceID, status, observedAt)
		}
		return
	}
	if errors.Is(err, device.ErrStaleStatus) || errors.Is(err, device.ErrInvalidTransition) {
		m.logger.Debug("status report dropped",
			"device_id", deviceID, "status", string(status), "reason", err.Error())
		return
	}
	m.logger.Error("failed to apply device status",
		"device_id", deviceID, "status", string(status), "error", err)
}

// backoffDelay computes the full-jitter reconnect delay for the given
// consecutive-failure count.
func (m *Manager) backoffDelay(consecutive int) time.Duration {
	max := m.settings.BackoffBase
	for i := 0; i < consecutive && max < m.settings.BackoffCap; i++ {
		max *= 2
	}
	if max > m.settings.BackoffCap {
		max = m.settings.BackoffCap
	}
	return m.jitter(max)
}

// numericParam extracts a float64 parameter, accepting the integer forms
// JSON decoding and literal Go maps produce.
func numericParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
