// Package signaling relays WebRTC negotiation traffic between operator
// clients and registered KVM devices.
//
// Two exchange shapes exist: a long-lived paired WebSocket session that
// forwards offers, answers and ICE candidates until either side disconnects,
// and a one-shot HTTP call that performs a single offer/answer round trip
// over the device's socket. Both shapes serialize on the per-device in-flight
// lock and reference the device socket through an exclusive claim.
//
// SDP and ICE payloads are opaque here; the relay inspects only the message
// tag and forwards payload bytes verbatim.
package signaling
