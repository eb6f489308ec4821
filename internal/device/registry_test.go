package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// MockRepository is a test implementation of Repository.
type MockRepository struct {
	mu      sync.Mutex
	devices map[string]*Device
	// For testing error paths
	createErr       error
	updateErr       error
	deleteErr       error
	updateStatusErr error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		devices: make(map[string]*Device),
	}
}

func (m *MockRepository) GetByID(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.devices[id]; ok {
		return d.DeepCopy(), nil
	}
	return nil, ErrNotFound
}

func (m *MockRepository) GetBySlug(_ context.Context, slug string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devices {
		if d.Slug == slug {
			return d.DeepCopy(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockRepository) List(_ context.Context, filter Filter) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		if filter.Matches(d) {
			devices = append(devices, *d.DeepCopy())
		}
	}
	return devices, nil
}

func (m *MockRepository) Create(_ context.Context, device *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.devices[device.ID]; ok {
		return ErrExists
	}
	for _, d := range m.devices {
		if d.Slug == device.Slug {
			return ErrExists
		}
	}
	device.CreatedAt = time.Now().UTC()
	device.UpdatedAt = device.CreatedAt
	m.devices[device.ID] = device.DeepCopy()
	return nil
}

func (m *MockRepository) Update(_ context.Context, device *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.devices[device.ID]; !ok {
		return ErrNotFound
	}
	device.UpdatedAt = time.Now().UTC()
	m.devices[device.ID] = device.DeepCopy()
	return nil
}

func (m *MockRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.devices[id]; !ok {
		return ErrNotFound
	}
	delete(m.devices, id)
	return nil
}

func (m *MockRepository) UpdateStatus(_ context.Context, id string, status Status, changedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateStatusErr != nil {
		return m.updateStatusErr
	}
	d, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	changedAt = changedAt.UTC()
	d.StatusChangedAt = &changedAt
	return nil
}

func (m *MockRepository) UpdateLastSeen(_ context.Context, id string, seen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	seen = seen.UTC()
	d.LastSeen = &seen
	return nil
}

func (m *MockRepository) PatchMapping(_ context.Context, id string, patch Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	if d.Mapping == nil {
		d.Mapping = make(Mapping, len(patch))
	}
	for k, v := range patch {
		d.Mapping[k] = v
	}
	return nil
}

func (m *MockRepository) SetEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.Enabled = enabled
	return nil
}

func testDevice() *Device {
	return &Device{
		Name:       "Zone A Climate Sensor",
		FacilityID: "facility-1",
		Kind:       KindClimateSensor,
		Protocol:   ProtocolModbusTCP,
		Address:    Address{"host": "10.0.0.10", "port": 502.0, "unit_id": 1.0},
	}
}

func TestRegisterGeneratesIDAndSlug(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), nil)

	d := testDevice()
	if err := reg.Register(context.Background(), d); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if d.ID == "" {
		t.Error("expected generated ID")
	}
	if d.Slug != "zone-a-climate-sensor" {
		t.Errorf("slug = %q, want %q", d.Slug, "zone-a-climate-sensor")
	}
	if d.Status != StatusDiscovering {
		t.Errorf("status = %q, want discovering", d.Status)
	}
	if !d.Enabled {
		t.Error("expected device enabled after registration")
	}
}

func TestRegisterRejectsUnsupportedProtocol(t *testing.T) {
	supports := func(p Protocol) bool { return p == ProtocolModbusTCP }
	reg := NewRegistry(NewMockRepository(), supports)

	d := testDevice()
	d.Protocol = ProtocolBACnetIP
	err := reg.Register(context.Background(), d)
	if !errors.Is(err, ErrUnsupportedProtocol) {
		t.Fatalf("err = %v, want ErrUnsupportedProtocol", err)
	}
}

func TestRegisterRejectsInvalidDevice(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), nil)

	tests := []struct {
		name   string
		mutate func(*Device)
	}{
		{"missing name", func(d *Device) { d.Name = "" }},
		{"missing facility", func(d *Device) { d.FacilityID = "" }},
		{"missing address", func(d *Device) { d.Address = nil }},
		{"unknown kind", func(d *Device) { d.Kind = "teleporter" }},
		{"unknown protocol", func(d *Device) { d.Protocol = "carrier-pigeon" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDevice()
			tt.mutate(d)
			if err := reg.Register(context.Background(), d); !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestRegisterDuplicateSlug(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), nil)

	if err := reg.Register(context.Background(), testDevice()); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := reg.Register(context.Background(), testDevice())
	if !errors.Is(err, ErrExists) {
		t.Fatalf("err = %v, want ErrExists", err)
	}
}

func TestGetReturnsDeepCopy(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), nil)

	d := testDevice()
	if err := reg.Register(context.Background(), d); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := reg.Get(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Mutating the returned copy must not affect later reads
	got.Address["host"] = "tampered"
	got.Name = "tampered"

	again, err := reg.Get(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if again.Name == "tampered" || again.Address["host"] == "tampered" {
		t.Error("cache was mutated through a returned copy")
	}
}

func TestGetNotFound(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), nil)

	_, err := reg.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListFilters(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), nil)
	ctx := context.Background()

	sensor := testDevice()
	if err := reg.Register(ctx, sensor); err != nil {
		t.Fatalf("Register sensor: %v", err)
	}

	valve := testDevice()
	valve.Name = "Row 3 Irrigation Valve"
	valve.Kind = KindIrrigationValve
	valve.Protocol = ProtocolMQTT
	valve.Address = Address{"gateway": "irr-gw-01"}
	valve.Tags = []string{"row-3"}
	if err := reg.Register(ctx, valve); err != nil {
		t.Fatalf("Register valve: %v", err)
	}

	all, err := reg.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}

	byKind, err := reg.List(ctx, Filter{Kind: KindIrrigationValve})
	if err != nil {
		t.Fatalf("List by kind: %v", err)
	}
	if len(byKind) != 1 || byKind[0].ID != valve.ID {
		t.Errorf("kind filter returned %d devices", len(byKind))
	}

	byTag, err := reg.List(ctx, Filter{Tag: "row-3"})
	if err != nil {
		t.Fatalf("List by tag: %v", err)
	}
	if len(byTag) != 1 || byTag[0].ID != valve.ID {
		t.Errorf("tag filter returned %d devices", len(byTag))
	}

	byProto, err := reg.List(ctx, Filter{Protocol: ProtocolModbusTCP})
	if err != nil {
		t.Fatalf("List by protocol: %v", err)
	}
	if len(byProto) != 1 || byProto[0].ID != sensor.ID {
		t.Errorf("protocol filter returned %d devices", len(byProto))
	}
}

func TestApplyStatusLifecycle(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), nil)
	ctx := context.Background()

	d := testDevice()
	if err := reg.Register(ctx, d); err != nil {
		t.Fatalf("Register: %v", err)
	}

	base := time.Now().UTC()
	steps := []struct {
		status Status
		at     time.Time
	}{
		{StatusOnline, base.Add(1 * time.Second)},
		{StatusDegraded, base.Add(2 * time.Second)},
		{StatusOnline, base.Add(3 * time.Second)},
		{StatusOffline, base.Add(4 * time.Second)},
		{StatusOnline, base.Add(5 * time.Second)},
	}

	for _, step := range steps {
		if err := reg.ApplyStatus(ctx, d.ID, step.status, step.at); err != nil {
			t.Fatalf("ApplyStatus(%s): %v", step.status, err)
		}
	}

	got, err := reg.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusOnline {
		t.Errorf("status = %q, want online", got.Status)
	}
}

func TestApplyStatusRejectsInvalidTransition(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), nil)
	ctx := context.Background()

	d := testDevice()
	if err := reg.Register(ctx, d); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// discovering -> degraded is not a legal move
	err := reg.ApplyStatus(ctx, d.ID, StatusDegraded, time.Now().UTC().Add(time.Second))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestApplyStatusDiscardsStaleUpdates(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), nil)
	ctx := context.Background()

	d := testDevice()
	if err := reg.Register(ctx, d); err != nil {
		t.Fatalf("Register: %v", err)
	}

	later := time.Now().UTC().Add(10 * time.Second)
	if err := reg.ApplyStatus(ctx, d.ID, StatusOnline, later); err != nil {
		t.Fatalf("ApplyStatus online: %v", err)
	}

	// An offline observation from before the online one must not win
	err := reg.ApplyStatus(ctx, d.ID, StatusOffline, later.Add(-5*time.Second))
	if !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("err = %v, want ErrStaleStatus", err)
	}

	got, _ := reg.Get(ctx, d.ID)
	if got.Status != StatusOnline {
		t.Errorf("status = %q, want online after stale discard", got.Status)
	}
}

func TestErrorStateIsTerminalUntilReset(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), nil)
	ctx := context.Background()

	d := testDevice()
	if err := reg.Register(ctx, d); err != nil {
		t.Fatalf("Register: %v", err)
	}

	now := time.Now().UTC()
	if err := reg.ApplyStatus(ctx, d.ID, StatusError, now.Add(time.Second)); err != nil {
		t.Fatalf("ApplyStatus error: %v", err)
	}

	// No automatic transition may leave error
	for _, next := range []Status{StatusOnline, StatusOffline, StatusDegraded, StatusDiscovering} {
		err := reg.ApplyStatus(ctx, d.ID, next, now.Add(time.Minute))
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("ApplyStatus(error -> %s) = %v, want ErrInvalidTransition", next, err)
		}
	}

	// Operator reset is the only way out
	if err := reg.Reset(ctx, d.ID); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	got, _ := reg.Get(ctx, d.ID)
	if got.Status != StatusDiscovering {
		t.Errorf("status after reset = %q, want discovering", got.Status)
	}
}

func TestResetRequiresErrorState(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), nil)
	ctx := context.Background()

	d := testDevice()
	if err := reg.Register(ctx, d); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := reg.Reset(ctx, d.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestUpdatePreservesConnectivityState(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), nil)
	ctx := context.Background()

	d := testDevice()
	if err := reg.Register(ctx, d); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.ApplyStatus(ctx, d.ID, StatusOnline, time.Now().UTC().Add(time.Second)); err != nil {
		t.Fatalf("ApplyStatus: %v", err)
	}

	updated := d.DeepCopy()
	updated.Name = "Zone A Climate Sensor (recalibrated)"
	updated.Status = StatusOffline // Caller attempts to smuggle in a status change
	if err := reg.Update(ctx, updated); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := reg.Get(ctx, d.ID)
	if got.Status != StatusOnline {
		t.Errorf("status = %q, want online preserved through Update", got.Status)
	}
}

func TestRemove(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), nil)
	ctx := context.Background()

	d := testDevice()
	if err := reg.Register(ctx, d); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Remove(ctx, d.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := reg.Get(ctx, d.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Remove = %v, want ErrNotFound", err)
	}
	if err := reg.Remove(ctx, d.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Remove = %v, want ErrNotFound", err)
	}
}

func TestConcurrentStatusReportsConverge(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), nil)
	ctx := context.Background()

	d := testDevice()
	if err := reg.Register(ctx, d); err != nil {
		t.Fatalf("Register: %v", err)
	}

	base := time.Now().UTC()
	if err := reg.ApplyStatus(ctx, d.ID, StatusOnline, base); err != nil {
		t.Fatalf("ApplyStatus: %v", err)
	}

	// Fire interleaved online/offline reports with increasing observation
	// times; whatever order they land in, the newest must win.
	var wg sync.WaitGroup
	final := base.Add(100 * time.Millisecond)
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		status := StatusOffline
		if i%2 == 0 {
			status = StatusOnline
		}
		at := base.Add(time.Duration(i) * 10 * time.Millisecond)
		go func() {
			defer wg.Done()
			// Stale and invalid-transition rejections are expected here
			_ = reg.ApplyStatus(ctx, d.ID, status, at)
		}()
	}
	wg.Wait()

	if err := reg.ApplyStatus(ctx, d.ID, StatusOnline, final.Add(time.Second)); err != nil &&
		!errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("final ApplyStatus: %v", err)
	}

	got, _ := reg.Get(ctx, d.ID)
	if got.Status == StatusError || !got.Status.Valid() {
		t.Errorf("unexpected final status %q", got.Status)
	}
}

func TestGetStats(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), nil)
	ctx := context.Background()

	sensor := testDevice()
	if err := reg.Register(ctx, sensor); err != nil {
		t.Fatalf("Register: %v", err)
	}
	valve := testDevice()
	valve.Name = "Row 1 Valve"
	valve.Kind = KindIrrigationValve
	if err := reg.Register(ctx, valve); err != nil {
		t.Fatalf("Register valve: %v", err)
	}

	stats := reg.GetStats()
	if stats.TotalDevices != 2 {
		t.Errorf("TotalDevices = %d, want 2", stats.TotalDevices)
	}
	if stats.ByKind[KindClimateSensor] != 1 || stats.ByKind[KindIrrigationValve] != 1 {
		t.Errorf("ByKind = %v", stats.ByKind)
	}
	if stats.ByStatus[StatusDiscovering] != 2 {
		t.Errorf("ByStatus = %v", stats.ByStatus)
	}
}
