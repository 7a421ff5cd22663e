// Package device manages the broker side of KVM device connections: the
// WebSocket upgrade and authentication path, the single live connection per
// device, protocol-level ping liveness, and the exclusive inbound-message
// claim that signaling exchanges attach while they own a device.
package device
