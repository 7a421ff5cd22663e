package metrics

import "sync"

// Broker event counter names.
const (
	DeviceRegistered      = "device_registered"
	DeviceDisplaced       = "device_displaced"
	DeviceRejectedBusy    = "device_rejected_busy"
	DeviceLivenessTimeout = "device_liveness_timeout"
	DeviceDisconnected    = "device_disconnected"

	AuthFailure = "auth_failure"

	RelaySessionStarted   = "relay_session_started"
	RelayRejectedBusy     = "relay_rejected_busy"
	RelayRejectedNotFound = "relay_rejected_not_found"
	RelayMessageDropped   = "relay_message_dropped"
	RelayRateLimited      = "relay_rate_limited"

	BridgeExchangeOK       = "bridge_exchange_ok"
	BridgeExchangeTimeout  = "bridge_exchange_timeout"
	BridgeExchangeGone     = "bridge_exchange_device_gone"
	BridgeExchangeAborted  = "bridge_exchange_aborted"
	BridgeRejectedBusy     = "bridge_rejected_busy"
	BridgeRejectedNotFound = "bridge_rejected_not_found"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists so broker components stay testable without a metrics backend;
// the counters are exported in Prometheus text format by PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
