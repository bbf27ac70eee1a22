package host

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestGcCollectsIdlePlugin(t *testing.T) {
	var collected atomic.Bool
	gc := NewGc(100*time.Millisecond, func() { collected.Store(true) })
	defer gc.Stop()

	if !waitFor(t, 2*time.Second, collected.Load) {
		t.Error("idle plugin never collected")
	}
}

func TestGcBusyCallPreventsCollection(t *testing.T) {
	var collected atomic.Bool
	gc := NewGc(100*time.Millisecond, func() { collected.Store(true) })
	defer gc.Stop()

	gc.IncBusy()
	time.Sleep(400 * time.Millisecond)
	if collected.Load() {
		t.Fatal("collected while a call was in flight")
	}

	gc.DecBusy()
	if !waitFor(t, 2*time.Second, collected.Load) {
		t.Error("never collected after the call finished")
	}
}

func TestGcCachePinPreventsCollection(t *testing.T) {
	var collected atomic.Bool
	gc := NewGc(100*time.Millisecond, func() { collected.Store(true) })
	defer gc.Stop()

	gc.SetCachePinned(true)
	time.Sleep(400 * time.Millisecond)
	if collected.Load() {
		t.Fatal("collected while the cache held values")
	}

	gc.SetCachePinned(false)
	if !waitFor(t, 2*time.Second, collected.Load) {
		t.Error("never collected after the cache emptied")
	}
}

func TestGcPluginPinPreventsCollection(t *testing.T) {
	var collected atomic.Bool
	gc := NewGc(100*time.Millisecond, func() { collected.Store(true) })
	defer gc.Stop()

	gc.SetPluginPinned(true)
	time.Sleep(400 * time.Millisecond)
	if collected.Load() {
		t.Fatal("collected while the plugin opted out")
	}

	gc.SetPluginPinned(false)
	if !waitFor(t, 2*time.Second, collected.Load) {
		t.Error("never collected after the plugin opted back in")
	}
}

func TestGcTouchResetsIdleClock(t *testing.T) {
	var collected atomic.Bool
	gc := NewGc(300*time.Millisecond, func() { collected.Store(true) })
	defer gc.Stop()

	// Keep touching for longer than the timeout; activity holds it alive.
	for i := 0; i < 8; i++ {
		gc.Touch()
		time.Sleep(50 * time.Millisecond)
	}
	if collected.Load() {
		t.Error("collected despite constant activity")
	}
}

func TestGcCallbackInstalledAfterTimeoutStillFires(t *testing.T) {
	// The callback is installed only once the connection is up, which can
	// take longer than the idle timeout. The sweep must stay armed until
	// then rather than collecting into a nil callback and exiting.
	var collected atomic.Bool
	gc := NewGc(100*time.Millisecond, nil)
	defer gc.Stop()

	time.Sleep(400 * time.Millisecond)
	gc.SetOnCollect(func() { collected.Store(true) })

	if !waitFor(t, 2*time.Second, collected.Load) {
		t.Error("callback installed after the timeout never fired")
	}
}

func TestGcStopIsIdempotent(t *testing.T) {
	gc := NewGc(time.Hour, nil)
	gc.Stop()
	gc.Stop()
}
