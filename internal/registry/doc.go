// Package registry holds the broker's in-memory connection state: the table
// of live device connections and the in-flight set that serializes signaling
// exchanges per device.
//
// Both structures are lifecycle-scoped services constructed at process start;
// nothing here is persisted. A broker restart loses all entries and devices
// are expected to reconnect.
package registry
