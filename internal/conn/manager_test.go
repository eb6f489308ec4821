package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hortiva/hortiva-core/internal/adapter"
	"github.com/hortiva/hortiva-core/internal/command"
	"github.com/hortiva/hortiva-core/internal/device"
)

// fakeRegistry records status reports and last-contact touches.
type fakeRegistry struct {
	mu       sync.Mutex
	devices  map[string]*device.Device
	statuses []device.Status
	touches  int
}

func newFakeRegistry(devs ...*device.Device) *fakeRegistry {
	r := &fakeRegistry{devices: make(map[string]*device.Device)}
	for _, d := range devs {
		r.devices[d.ID] = d
	}
	return r
}

func (r *fakeRegistry) Get(_ context.Context, id string) (*device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, device.ErrNotFound
	}
	return d.DeepCopy(), nil
}

func (r *fakeRegistry) ApplyStatus(_ context.Context, id string, status device.Status, observedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.Status = status
		at := observedAt
		d.StatusChangedAt = &at
	}
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *fakeRegistry) Touch(_ context.Context, id string, seen time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		at := seen
		d.LastSeen = &at
	}
	r.touches++
	return nil
}

func (r *fakeRegistry) lastStatus() device.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

func (r *fakeRegistry) sawStatus(want device.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s == want {
			return true
		}
	}
	return false
}

// fakeConn is a scriptable device connection.
type fakeConn struct {
	mu       sync.Mutex
	pollErr  error
	writeErr error
	samples  []adapter.Sample
	writes   map[string]float64
	closed   bool
}

func (c *fakeConn) Read(_ context.Context, point string) (adapter.Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.samples {
		if s.Point == point {
			return s, nil
		}
	}
	return adapter.Sample{}, adapter.ErrTimeout
}

func (c *fakeConn) Write(_ context.Context, point string, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.writes == nil {
		c.writes = make(map[string]float64)
	}
	c.writes[point] = value
	return nil
}

func (c *fakeConn) Poll(_ context.Context) ([]adapter.Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pollErr != nil {
		return nil, c.pollErr
	}
	return c.samples, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) setPollErr(err error) {
	c.mu.Lock()
	c.pollErr = err
	c.mu.Unlock()
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeAdapter hands out fakeConns, consuming scripted connect errors
// first.
type fakeAdapter struct {
	mu          sync.Mutex
	connectErrs []error
	conns       []*fakeConn
}

func (a *fakeAdapter) Protocol() device.Protocol { return device.ProtocolModbusTCP }

func (a *fakeAdapter) Connect(_ context.Context, _ *device.Device) (adapter.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.connectErrs) > 0 {
		err := a.connectErrs[0]
		a.connectErrs = a.connectErrs[1:]
		return nil, err
	}
	c := &fakeConn{samples: []adapter.Sample{{Point: "air_temp", Value: 23.5, Unit: "celsius"}}}
	a.conns = append(a.conns, c)
	return c, nil
}

func (a *fakeAdapter) connCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

func (a *fakeAdapter) conn(i int) *fakeConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= len(a.conns) {
		return nil
	}
	return a.conns[i]
}

// fakeConnRecorder counts recorded connection activity.
type fakeConnRecorder struct {
	mu       sync.Mutex
	attempts map[string]int
	polls    int
	tracked  int
}

func (r *fakeConnRecorder) RecordConnectAttempt(_ string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts == nil {
		r.attempts = make(map[string]int)
	}
	if success {
		r.attempts["success"]++
	} else {
		r.attempts["failure"]++
	}
}

func (r *fakeConnRecorder) RecordPoll(string, time.Duration) {
	r.mu.Lock()
	r.polls++
	r.mu.Unlock()
}

func (r *fakeConnRecorder) SetDevicesTracked(count int) {
	r.mu.Lock()
	r.tracked = count
	r.mu.Unlock()
}

func (r *fakeConnRecorder) attemptCount(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[outcome]
}

func (r *fakeConnRecorder) pollCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polls
}

func (r *fakeConnRecorder) trackedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracked
}

func testDevice() *device.Device {
	return &device.Device{
		ID:         "dev-1",
		Name:       "Zone 1 Climate Sensor",
		Slug:       "zone-1-climate-sensor",
		FacilityID: "facility-1",
		Kind:       device.KindClimateSensor,
		Protocol:   device.ProtocolModbusTCP,
		Status:     device.StatusDiscovering,
		Enabled:    true,
	}
}

func testSettings() Settings {
	return Settings{
		HeartbeatInterval:      5 * time.Millisecond,
		FreshnessWindow:        20 * time.Millisecond,
		DegradedErrorThreshold: 2,
		RetryWindow:            time.Second,
		RetryBudget:            3,
		BackoffBase:            time.Millisecond,
		BackoffCap:             4 * time.Millisecond,
		IOTimeout:              100 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, fa *fakeAdapter, reg *fakeRegistry) *Manager {
	t.Helper()
	adapters := adapter.NewRegistry()
	if err := adapters.Register(fa); err != nil {
		t.Fatalf("registering adapter: %v", err)
	}
	m := NewManager(adapters, reg, testSettings())
	m.jitter = func(time.Duration) time.Duration { return 0 }
	t.Cleanup(m.Close)
	return m
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTrackConnectsAndReportsOnline(t *testing.T) {
	dev := testDevice()
	reg := newFakeRegistry(dev)
	fa := &fakeAdapter{}
	m := newTestManager(t, fa, reg)

	if err := m.Track(dev); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	waitFor(t, "online status", func() bool { return reg.lastStatus() == device.StatusOnline })
	waitFor(t, "last seen touch", func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return reg.touches > 0
	})

	stats := m.Snapshot(dev.ID)
	if !stats.Connected {
		t.Error("Snapshot().Connected = false, want true")
	}
	if stats.ConnectAttempts != 1 {
		t.Errorf("ConnectAttempts = %d, want 1", stats.ConnectAttempts)
	}
}

func TestTrackRejectsDisabledDevice(t *testing.T) {
	dev := testDevice()
	dev.Enabled = false
	m := newTestManager(t, &fakeAdapter{}, newFakeRegistry(dev))

	if err := m.Track(dev); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Track(disabled) error = %v, want ErrUnavailable", err)
	}
}

func TestReconnectWithBackoff(t *testing.T) {
	dev := testDevice()
	reg := newFakeRegistry(dev)
	fa := &fakeAdapter{connectErrs: []error{adapter.ErrConnectionRefused, adapter.ErrTimeout}}
	m := newTestManager(t, fa, reg)

	if err := m.Track(dev); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	waitFor(t, "online after retries", func() bool { return reg.lastStatus() == device.StatusOnline })

	stats := m.Snapshot(dev.ID)
	if stats.ConnectAttempts != 3 {
		t.Errorf("ConnectAttempts = %d, want 3", stats.ConnectAttempts)
	}
	if stats.WindowFailures != 2 {
		t.Errorf("WindowFailures = %d, want 2", stats.WindowFailures)
	}
}

func TestRetryBudgetExhaustionMarksError(t *testing.T) {
	dev := testDevice()
	reg := newFakeRegistry(dev)
	fa := &fakeAdapter{connectErrs: []error{
		adapter.ErrConnectionRefused,
		adapter.ErrConnectionRefused,
		adapter.ErrConnectionRefused,
		adapter.ErrConnectionRefused,
	}}
	m := newTestManager(t, fa, reg)

	if err := m.Track(dev); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	waitFor(t, "error status", func() bool { return reg.lastStatus() == device.StatusError })

	// Budget is 3: the actor must stop there, not burn the fourth script
	// entry.
	time.Sleep(20 * time.Millisecond)
	stats := m.Snapshot(dev.ID)
	if stats.ConnectAttempts != 3 {
		t.Errorf("ConnectAttempts = %d, want 3 (no attempts after budget)", stats.ConnectAttempts)
	}
	if stats.LastError == "" {
		t.Error("expected LastError to be recorded")
	}
}

func TestPollFeedsSink(t *testing.T) {
	dev := testDevice()
	reg := newFakeRegistry(dev)
	fa := &fakeAdapter{}
	m := newTestManager(t, fa, reg)

	var mu sync.Mutex
	var got []adapter.Sample
	m.SetSampleSink(func(deviceID string, samples []adapter.Sample) {
		mu.Lock()
		defer mu.Unlock()
		if deviceID == dev.ID {
			got = append(got, samples...)
		}
	})

	if err := m.Track(dev); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	waitFor(t, "polled samples", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Point != "air_temp" || got[0].Value != 23.5 {
		t.Errorf("sample = %+v, want air_temp=23.5", got[0])
	}
}

func TestDegradedThenRecovers(t *testing.T) {
	dev := testDevice()
	reg := newFakeRegistry(dev)
	fa := &fakeAdapter{}
	m := newTestManager(t, fa, reg)

	if err := m.Track(dev); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	waitFor(t, "connection", func() bool { return fa.connCount() == 1 })

	fa.conn(0).setPollErr(adapter.ErrTimeout)
	waitFor(t, "degraded status", func() bool { return reg.lastStatus() == device.StatusDegraded })

	fa.conn(0).setPollErr(nil)
	waitFor(t, "recovery", func() bool { return reg.lastStatus() == device.StatusOnline })
}

func TestConnectionLossTriggersReconnect(t *testing.T) {
	dev := testDevice()
	reg := newFakeRegistry(dev)
	fa := &fakeAdapter{}
	m := newTestManager(t, fa, reg)

	if err := m.Track(dev); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	waitFor(t, "first connection", func() bool { return fa.connCount() == 1 })

	fa.conn(0).setPollErr(adapter.ErrNotConnected)

	waitFor(t, "offline report", func() bool { return reg.sawStatus(device.StatusOffline) })
	waitFor(t, "reconnection", func() bool { return fa.connCount() == 2 })
	waitFor(t, "back online", func() bool { return reg.lastStatus() == device.StatusOnline })

	if !fa.conn(0).isClosed() {
		t.Error("expected the lost connection to be closed")
	}
}

func TestReadWriteAndExecute(t *testing.T) {
	dev := testDevice()
	reg := newFakeRegistry(dev)
	fa := &fakeAdapter{}
	m := newTestManager(t, fa, reg)

	if err := m.Track(dev); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	waitFor(t, "connection", func() bool { return fa.connCount() == 1 })

	ctx := context.Background()
	sample, err := m.Read(ctx, dev.ID, "air_temp")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if sample.Value != 23.5 {
		t.Errorf("Read() value = %v, want 23.5", sample.Value)
	}

	result, err := m.Execute(ctx, &command.Command{
		DeviceID: dev.ID,
		Name:     "vent_position",
		Params:   map[string]any{"value": 75.0},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result["value"] != 75.0 {
		t.Errorf("Execute() result = %v, want value=75", result)
	}
	if got := fa.conn(0).writes["vent_position"]; got != 75.0 {
		t.Errorf("written value = %v, want 75", got)
	}

	if _, err := m.Execute(ctx, &command.Command{DeviceID: dev.ID, Name: "vent_position"}); !errors.Is(err, ErrMissingValue) {
		t.Errorf("Execute(no value) error = %v, want ErrMissingValue", err)
	}
	if _, err := m.Read(ctx, "ghost", "air_temp"); !errors.Is(err, ErrNotTracked) {
		t.Errorf("Read(untracked) error = %v, want ErrNotTracked", err)
	}
}

func TestFreshnessMonitorMarksSilentDeviceOffline(t *testing.T) {
	dev := testDevice()
	reg := newFakeRegistry(dev)
	fa := &fakeAdapter{}
	m := newTestManager(t, fa, reg)

	// Polls fail quietly, so nothing refreshes last-seen after connect.
	settings := testSettings()
	settings.DegradedErrorThreshold = 1000
	m.settings = settings

	m.Start(context.Background())
	if err := m.Track(dev); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	waitFor(t, "connection", func() bool { return fa.connCount() == 1 })
	fa.conn(0).setPollErr(adapter.ErrTimeout)

	waitFor(t, "offline after silence", func() bool { return reg.sawStatus(device.StatusOffline) })
}

func TestConfigFaultStopsRetrying(t *testing.T) {
	dev := testDevice()
	reg := newFakeRegistry(dev)
	fa := &fakeAdapter{connectErrs: []error{adapter.ErrUnsupported}}
	m := newTestManager(t, fa, reg)

	if err := m.Track(dev); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	waitFor(t, "error status", func() bool { return reg.lastStatus() == device.StatusError })

	// A mapping fault is not connectivity: the actor must stop without
	// retrying against the budget.
	time.Sleep(20 * time.Millisecond)
	stats := m.Snapshot(dev.ID)
	if stats.ConnectAttempts != 1 {
		t.Errorf("ConnectAttempts = %d, want 1", stats.ConnectAttempts)
	}
	if fa.connCount() != 0 {
		t.Errorf("connCount = %d, want 0", fa.connCount())
	}
}

func TestProtocolFaultDegradesImmediately(t *testing.T) {
	dev := testDevice()
	reg := newFakeRegistry(dev)
	fa := &fakeAdapter{}
	m := newTestManager(t, fa, reg)

	if err := m.Track(dev); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	waitFor(t, "connection", func() bool { return fa.connCount() == 1 })
	waitFor(t, "online status", func() bool { return reg.sawStatus(device.StatusOnline) })

	// Threshold is 2, but one protocol violation is enough: retrying a
	// malformed exchange cannot clear it.
	fa.conn(0).setWriteErr(adapter.ErrProtocolViolation)
	if err := m.Write(context.Background(), dev.ID, "vent_position", 50); err == nil {
		t.Fatal("Write() should fail")
	}
	if !reg.sawStatus(device.StatusDegraded) {
		t.Error("expected a single protocol violation to degrade the device")
	}
}

func TestActivityReachesRecorder(t *testing.T) {
	dev := testDevice()
	reg := newFakeRegistry(dev)
	fa := &fakeAdapter{connectErrs: []error{adapter.ErrTimeout}}
	m := newTestManager(t, fa, reg)

	rec := &fakeConnRecorder{}
	m.SetRecorder(rec)

	if err := m.Track(dev); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if got := rec.trackedCount(); got != 1 {
		t.Errorf("tracked = %d after Track, want 1", got)
	}

	waitFor(t, "online status", func() bool { return reg.lastStatus() == device.StatusOnline })
	if got := rec.attemptCount("failure"); got != 1 {
		t.Errorf("failed attempts = %d, want 1", got)
	}
	if got := rec.attemptCount("success"); got != 1 {
		t.Errorf("successful attempts = %d, want 1", got)
	}
	waitFor(t, "recorded polls", func() bool { return rec.pollCount() > 0 })

	m.Forget(dev.ID)
	if got := rec.trackedCount(); got != 0 {
		t.Errorf("tracked = %d after Forget, want 0", got)
	}
}

func TestStatusSinkSeesTransitions(t *testing.T) {
	dev := testDevice()
	reg := newFakeRegistry(dev)
	fa := &fakeAdapter{}
	m := newTestManager(t, fa, reg)

	var mu sync.Mutex
	var seen []device.Status
	m.SetStatusSink(func(deviceID string, status device.Status, _ time.Time) {
		mu.Lock()
		defer mu.Unlock()
		if deviceID == dev.ID {
			seen = append(seen, status)
		}
	})

	if err := m.Track(dev); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	waitFor(t, "online transition in sink", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range seen {
			if s == device.StatusOnline {
				return true
			}
		}
		return false
	})
}

func TestForgetClosesConnection(t *testing.T) {
	dev := testDevice()
	reg := newFakeRegistry(dev)
	fa := &fakeAdapter{}
	m := newTestManager(t, fa, reg)

	if err := m.Track(dev); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	waitFor(t, "connection", func() bool { return fa.connCount() == 1 })

	m.Forget(dev.ID)

	if !fa.conn(0).isClosed() {
		t.Error("expected connection to be closed after Forget")
	}
	if _, err := m.Read(context.Background(), dev.ID, "air_temp"); !errors.Is(err, ErrNotTracked) {
		t.Errorf("Read after Forget error = %v, want ErrNotTracked", err)
	}
}
