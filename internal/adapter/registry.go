package adapter

import (
	"fmt"
	"sync"

	"github.com/hortiva/hortiva-core/internal/device"
)

// Registry maps protocol tags to adapter implementations. Adapters are
// registered once at startup; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	adapters map[device.Protocol]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[device.Protocol]Adapter),
	}
}

// Register adds an adapter. Returns ErrAlreadyRegistered if the protocol
// is already claimed.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	proto := a.Protocol()
	if _, ok := r.adapters[proto]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, proto)
	}
	r.adapters[proto] = a
	return nil
}

// Lookup returns the adapter for a protocol.
func (r *Registry) Lookup(proto device.Protocol) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[proto]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for %s", ErrUnsupported, proto)
	}
	return a, nil
}

// Supports reports whether an adapter is registered for the protocol.
// Satisfies device.ProtocolChecker.
func (r *Registry) Supports(proto device.Protocol) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[proto]
	return ok
}

// Protocols returns the registered protocol tags.
func (r *Registry) Protocols() []device.Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()

	protos := make([]device.Protocol, 0, len(r.adapters))
	for p := range r.adapters {
		protos = append(protos, p)
	}
	return protos
}
