package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
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

// ProtocolChecker reports whether an adapter is available for a protocol.
// The adapter registry satisfies this; injecting the check keeps this
// package free of an adapter dependency.
type ProtocolChecker func(Protocol) bool

// Registry provides device management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups,
// plus the device status state machine.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by cache-invalidating CRUD operations.
//
// All public methods are thread-safe. Status changes for a single device
// are serialised through a per-device mutex so concurrent reports from
// the connection manager and the freshness monitor cannot interleave.
type Registry struct {
	repo     Repository
	supports ProtocolChecker
	cache    map[string]*Device // Cached devices by ID
	cacheMu  sync.RWMutex       // Protects cache

	statusMu sync.Mutex             // Protects statusLocks
	locks    map[string]*sync.Mutex // Per-device status serialisation

	logger Logger
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; supports gates registration on
// adapter availability. A nil supports accepts every known protocol.
func NewRegistry(repo Repository, supports ProtocolChecker) *Registry {
	if supports == nil {
		supports = func(Protocol) bool { return true }
	}
	return &Registry{
		repo:     repo,
		supports: supports,
		cache:    make(map[string]*Device),
		locks:    make(map[string]*sync.Mutex),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx, Filter{})
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	// Clear and rebuild cache with deep copies
	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i]
		r.cache[d.ID] = d.DeepCopy()
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// Register validates and persists a new device. The device starts in the
// discovering state. Returns ErrUnsupportedProtocol when no adapter is
// registered for the device's protocol, ErrExists on an ID or slug
// collision.
func (r *Registry) Register(ctx context.Context, device *Device) error {
	if device == nil {
		return ErrInvalid
	}

	// Generate ID and slug if not provided
	if device.ID == "" {
		device.ID = GenerateID()
	}
	if device.Slug == "" {
		device.Slug = GenerateSlug(device.Name)
	}

	if err := ValidateDevice(device); err != nil {
		return err
	}

	if !r.supports(device.Protocol) {
		return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, device.Protocol)
	}

	// Fresh registrations always start in discovering, regardless of
	// what the caller filled in.
	now := time.Now().UTC()
	device.Status = StatusDiscovering
	device.StatusChangedAt = &now
	device.Enabled = true
	device.LastSeen = nil

	if err := r.repo.Create(ctx, device); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device registered",
		"id", device.ID, "name", device.Name,
		"protocol", device.Protocol, "kind", device.Kind)
	return nil
}

// Get retrieves a device by ID.
// Returns ErrNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) Get(ctx context.Context, id string) (*Device, error) {
	// Try cache first
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if ok {
		// Return a deep copy to prevent external mutation of cache
		return cached.DeepCopy(), nil
	}

	// Fall back to repository (might be a new device not yet cached)
	device, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[id] = device.DeepCopy()
	r.cacheMu.Unlock()

	return device, nil
}

// GetBySlug retrieves a device by slug.
func (r *Registry) GetBySlug(ctx context.Context, slug string) (*Device, error) {
	r.cacheMu.RLock()
	for _, d := range r.cache {
		if d.Slug == slug {
			cpy := d.DeepCopy()
			r.cacheMu.RUnlock()
			return cpy, nil
		}
	}
	r.cacheMu.RUnlock()

	return r.repo.GetBySlug(ctx, slug)
}

// List retrieves devices matching the filter.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) List(ctx context.Context, filter Filter) ([]Device, error) {
	r.cacheMu.RLock()
	if len(r.cache) > 0 {
		devices := make([]Device, 0, len(r.cache))
		for _, d := range r.cache {
			if filter.Matches(d) {
				devices = append(devices, *d.DeepCopy())
			}
		}
		r.cacheMu.RUnlock()
		return devices, nil
	}
	r.cacheMu.RUnlock()

	return r.repo.List(ctx, filter)
}

// Update modifies an existing device definition.
// It validates the device and persists the changes. Status fields are
// preserved from the stored record; use ApplyStatus for status changes.
func (r *Registry) Update(ctx context.Context, device *Device) error {
	existing, err := r.Get(ctx, device.ID)
	if err != nil {
		return err
	}

	// Regenerate slug if name changed and slug wasn't explicitly set
	if device.Name != existing.Name && device.Slug == existing.Slug {
		device.Slug = GenerateSlug(device.Name)
	}

	if err := ValidateDevice(device); err != nil {
		return err
	}

	if device.Protocol != existing.Protocol && !r.supports(device.Protocol) {
		return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, device.Protocol)
	}

	// Connectivity state belongs to the state machine, not to callers.
	device.Status = existing.Status
	device.StatusChangedAt = existing.StatusChangedAt
	device.LastSeen = existing.LastSeen
	device.Enabled = existing.Enabled
	device.CreatedAt = existing.CreatedAt

	if err := r.repo.Update(ctx, device); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device updated", "id", device.ID, "name", device.Name)
	return nil
}

// PatchMapping merges a partial mapping document into the stored mapping.
func (r *Registry) PatchMapping(ctx context.Context, id string, patch Mapping) error {
	if err := r.repo.PatchMapping(ctx, id, patch); err != nil {
		return err
	}

	// The merged document lives in SQLite; reload it rather than
	// re-implementing json_patch in Go.
	device, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[id] = device.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Debug("device mapping patched", "id", id)
	return nil
}

// Remove deletes a device. Readings and command history cascade at the
// schema level; the caller is responsible for tearing down the device's
// connection and queue first.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.statusMu.Lock()
	delete(r.locks, id)
	r.statusMu.Unlock()

	r.logger.Info("device removed", "id", id)
	return nil
}

// ApplyStatus reports an observed connectivity state for a device.
//
// observedAt is when the underlying event happened, not when the report
// arrived. Reports older than the currently applied status are rejected
// with ErrStaleStatus, which makes concurrent reporters safe: whatever
// order their updates land in, the device converges on the most recent
// observation.
//
// Transitions not permitted by the state machine return
// ErrInvalidTransition. In particular nothing leaves the error state
// here; that requires Reset.
func (r *Registry) ApplyStatus(ctx context.Context, id string, status Status, observedAt time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, status)
	}

	mu := r.statusLock(id)
	mu.Lock()
	defer mu.Unlock()

	device, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	observedAt = observedAt.UTC()
	if device.StatusChangedAt != nil && observedAt.Before(*device.StatusChangedAt) {
		return fmt.Errorf("%w: observed %s, current status set %s",
			ErrStaleStatus, observedAt.Format(time.RFC3339), device.StatusChangedAt.Format(time.RFC3339))
	}

	if device.Status == status {
		// No-op, but still fresh: don't touch status_changed_at.
		return nil
	}

	if !device.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, device.Status, status)
	}

	if err := r.repo.UpdateStatus(ctx, id, status, observedAt); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		updated.Status = status
		updated.StatusChangedAt = &observedAt
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	r.logger.Info("device status changed",
		"id", id, "from", device.Status, "to", status)
	return nil
}

// Reset is the operator escape hatch from the error state. The device
// returns to discovering and the connection manager may try again.
// Resetting a device not in error is an invalid transition.
func (r *Registry) Reset(ctx context.Context, id string) error {
	mu := r.statusLock(id)
	mu.Lock()
	defer mu.Unlock()

	device, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	if device.Status != StatusError {
		return fmt.Errorf("%w: reset from %s", ErrInvalidTransition, device.Status)
	}

	now := time.Now().UTC()
	if err := r.repo.UpdateStatus(ctx, id, StatusDiscovering, now); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		updated.Status = StatusDiscovering
		updated.StatusChangedAt = &now
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	r.logger.Info("device reset", "id", id)
	return nil
}

// Touch records a heartbeat or successful exchange at the given time.
// The freshness monitor uses last_seen to decide when a device has gone
// silent.
func (r *Registry) Touch(ctx context.Context, id string, seen time.Time) error {
	seen = seen.UTC()
	if err := r.repo.UpdateLastSeen(ctx, id, seen); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		// Never move last_seen backwards
		if cached.LastSeen == nil || seen.After(*cached.LastSeen) {
			updated := cached.DeepCopy()
			updated.LastSeen = &seen
			r.cache[id] = updated
		}
	}
	r.cacheMu.Unlock()

	return nil
}

// SetEnabled flips the administrative enabled flag. Disabled devices
// keep their registration but the connection manager leaves them alone.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := r.repo.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		updated.Enabled = enabled
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	r.logger.Info("device enabled flag set", "id", id, "enabled", enabled)
	return nil
}

// Count returns the number of cached devices.
func (r *Registry) Count() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices int
	ByKind       map[Kind]int
	ByProtocol   map[Protocol]int
	ByStatus     map[Status]int
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{
		TotalDevices: len(r.cache),
		ByKind:       make(map[Kind]int),
		ByProtocol:   make(map[Protocol]int),
		ByStatus:     make(map[Status]int),
	}

	for _, d := range r.cache {
		stats.ByKind[d.Kind]++
		stats.ByProtocol[d.Protocol]++
		stats.ByStatus[d.Status]++
	}

	return stats
}

// statusLock returns the mutex serialising status changes for a device.
func (r *Registry) statusLock(id string) *sync.Mutex {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()

	mu, ok := r.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[id] = mu
	}
	return mu
}
