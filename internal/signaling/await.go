package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kvmgrid/broker/internal/device"
)

var (
	ErrExchangeTimeout = errors.New("signaling: no device reply within the exchange window")
	ErrDeviceGone      = errors.New("signaling: device connection closed mid-exchange")
	ErrCallerAborted   = errors.New("signaling: caller aborted the exchange")
)

// awaitReply blocks until exactly one of four sources resolves the exchange:
// the next message on the device claim, the timeout channel firing, the
// device connection closing, or the caller's context being cancelled.
//
// A single select guarantees single resolution; the losers carry no state of
// their own, so detaching them is the caller's deferred claim release and
// timer stop. Kept as a dedicated helper because the fan-in is the one piece
// of the bridge that must never fire twice or leak a waiter.
func awaitReply(ctx context.Context, claim *device.Claim, timeout <-chan time.Time) ([]byte, error) {
	select {
	case data := <-claim.Messages():
		return data, nil
	case <-timeout:
		return nil, ErrExchangeTimeout
	case <-claim.ConnClosed():
		if cause := claim.Err(); cause != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceGone, cause)
		}
		return nil, ErrDeviceGone
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCallerAborted, ctx.Err())
	}
}
