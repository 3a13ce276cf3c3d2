package registry

import (
	"context"
	"sync"
)

// DeviceRegistry answers whether a device is registered and active. The
// roster itself is owned by an external registration service; the engine only
// consults it before accepting a submission.
type DeviceRegistry interface {
	IsKnownAndActive(ctx context.Context, deviceID string) (bool, error)
}

// StaticRegistry is an in-memory registry for tests and single-node setups.
type StaticRegistry struct {
	mu      sync.RWMutex
	devices map[string]bool // deviceID -> active
}

// NewStaticRegistry creates a registry pre-populated with active devices.
func NewStaticRegistry(deviceIDs ...string) *StaticRegistry {
	devices := make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		devices[id] = true
	}
	return &StaticRegistry{devices: devices}
}

func (r *StaticRegistry) IsKnownAndActive(ctx context.Context, deviceID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[deviceID], nil
}

// SetActive registers a device or toggles its active flag.
func (r *StaticRegistry) SetActive(deviceID string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[deviceID] = active
}
