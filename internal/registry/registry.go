package registry

import "sync"

// Registry maps a device ID to its single live connection handle.
//
// The value type is generic so the registry does not depend on the device
// package; the broker instantiates it as Registry[*device.Conn]. Values must
// be comparable because Remove deletes by identity.
type Registry[C comparable] struct {
	mu    sync.Mutex
	conns map[string]C
}

func New[C comparable]() *Registry[C] {
	return &Registry[C]{conns: make(map[string]C)}
}

// Register inserts conn as the live connection for deviceID, overwriting any
// existing entry. It returns the displaced connection (if any) so the caller
// can force-close it; the registry never closes connections itself.
func (r *Registry[C]) Register(deviceID string, conn C) (prev C, displaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, displaced = r.conns[deviceID]
	r.conns[deviceID] = conn
	return prev, displaced
}

// Lookup returns the current live connection for deviceID.
func (r *Registry[C]) Lookup(deviceID string) (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[deviceID]
	return conn, ok
}

// Remove deletes the entry for deviceID only if it still holds conn. A stale
// cleanup racing a reconnect must not delete the newer connection, so removal
// is identity-matched. It reports whether an entry was removed.
func (r *Registry[C]) Remove(deviceID string, conn C) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.conns[deviceID]
	if !ok || cur != conn {
		return false
	}
	delete(r.conns, deviceID)
	return true
}

// Len returns the number of registered devices.
func (r *Registry[C]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Snapshot returns the currently registered connections. The slice is a copy;
// entries may be displaced or removed by the time the caller uses them.
func (r *Registry[C]) Snapshot() []C {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]C, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
