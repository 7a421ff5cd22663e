package registry

import "sync"

// InFlight is the set of device IDs currently engaged in an exclusive
// signaling exchange (a paired relay session or a one-shot bridge round trip).
//
// TryAcquire is an atomic check-and-insert: a second concurrent exchange for
// the same device fails immediately rather than queueing. Holders must call
// Release on every exit path.
type InFlight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{ids: make(map[string]struct{})}
}

// TryAcquire marks deviceID as mid-exchange. It reports false, without
// blocking, if an exchange is already in flight for that device.
func (f *InFlight) TryAcquire(deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, held := f.ids[deviceID]; held {
		return false
	}
	f.ids[deviceID] = struct{}{}
	return true
}

// Release unconditionally clears the in-flight mark for deviceID.
func (f *InFlight) Release(deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, deviceID)
}

// Contains reports whether deviceID is currently mid-exchange.
func (f *InFlight) Contains(deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, held := f.ids[deviceID]
	return held
}
