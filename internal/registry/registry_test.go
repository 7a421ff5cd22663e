package registry

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistry_RegisterReturnsDisplacedConnection(t *testing.T) {
	r := New[*fakeConn]()

	first := &fakeConn{}
	if prev, displaced := r.Register("dev-1", first); displaced {
		t.Fatalf("Register(first) displaced=%v prev=%v, want no displacement", displaced, prev)
	}

	second := &fakeConn{}
	prev, displaced := r.Register("dev-1", second)
	if !displaced || prev != first {
		t.Fatalf("Register(second) prev=%v displaced=%v, want first connection displaced", prev, displaced)
	}

	got, ok := r.Lookup("dev-1")
	if !ok || got != second {
		t.Fatalf("Lookup after displacement = %v, %v; want second connection", got, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("Len=%d, want 1", r.Len())
	}
}

func TestRegistry_RemoveIsIdentityMatched(t *testing.T) {
	r := New[*fakeConn]()

	old := &fakeConn{}
	r.Register("dev-1", old)
	fresh := &fakeConn{}
	r.Register("dev-1", fresh)

	// A stale teardown for the displaced connection must not evict the newer one.
	if r.Remove("dev-1", old) {
		t.Fatal("Remove(old) succeeded, want identity mismatch")
	}
	if got, ok := r.Lookup("dev-1"); !ok || got != fresh {
		t.Fatalf("Lookup = %v, %v; want fresh connection still registered", got, ok)
	}

	if !r.Remove("dev-1", fresh) {
		t.Fatal("Remove(fresh) failed")
	}
	if _, ok := r.Lookup("dev-1"); ok {
		t.Fatal("Lookup succeeded after Remove")
	}
}

func TestRegistry_AtMostOneEntryUnderConcurrentRegisters(t *testing.T) {
	r := New[*fakeConn]()

	const devices = 8
	const registersPerDevice = 50

	var wg sync.WaitGroup
	for d := 0; d < devices; d++ {
		deviceID := fmt.Sprintf("dev-%d", d)
		for i := 0; i < registersPerDevice; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				conn := &fakeConn{}
				r.Register(deviceID, conn)
				r.Remove(deviceID, conn)
			}()
		}
	}
	wg.Wait()

	if got := r.Len(); got > devices {
		t.Fatalf("Len=%d after concurrent churn, want <= %d", got, devices)
	}
	for d := 0; d < devices; d++ {
		deviceID := fmt.Sprintf("dev-%d", d)
		final := &fakeConn{}
		r.Register(deviceID, final)
		if got, ok := r.Lookup(deviceID); !ok || got != final {
			t.Fatalf("Lookup(%s) = %v, %v; want the last registered connection", deviceID, got, ok)
		}
	}
}

func TestRegistry_LookupSeesRegisterImmediately(t *testing.T) {
	r := New[*fakeConn]()
	conn := &fakeConn{}
	r.Register("dev-1", conn)

	// Register/Lookup serialize on one mutex: a lookup that starts after
	// Register returns must observe the new entry.
	got, ok := r.Lookup("dev-1")
	if !ok || got != conn {
		t.Fatalf("Lookup = %v, %v; want registered connection", got, ok)
	}
}

type fakeConn struct {
	// Nonzero size so distinct allocations have distinct addresses; pointers
	// to zero-size variables may compare equal, which would defeat the
	// identity-matched Remove checks.
	_ [1]byte
}
