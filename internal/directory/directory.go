// Package directory is the broker's boundary to the device directory service,
// which owns device records and ownership. The broker only reports liveness
// transitions; device deletion flows the other way, as a forced disconnect on
// the device hub.
package directory

import (
	"context"
	"log/slog"
	"time"
)

type Directory interface {
	// TouchLastSeen records when a device's connection was last alive. Called
	// from connection teardown; failures are logged, never propagated, since
	// teardown must complete regardless.
	TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error
}

// LogDirectory is the stand-in used when no directory service is wired; it
// records last-seen transitions in the broker log only.
type LogDirectory struct {
	Log *slog.Logger
}

func (d LogDirectory) TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("device last seen", "device_id", deviceID, "at", at.UTC().Format(time.RFC3339))
	return nil
}
