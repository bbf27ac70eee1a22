package host

import (
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// DefaultGcTimeout is how long a plugin may sit fully idle before its
// process is reclaimed. Zero disables collection entirely.
const DefaultGcTimeout = 10 * time.Second

// Gc decides when an idle plugin process can be reclaimed. A plugin is
// collectible only when it has no calls in flight, holds nothing in the
// custom value cache, and has not opted out via the GcDisabled option.
// Exceeding the idle timeout in that state triggers the onCollect
// callback exactly once per spawn.
type Gc struct {
	mu           sync.Mutex
	pluginPinned bool  // plugin sent GcDisabled=true
	cachePinned  bool  // custom value cache is non-empty
	busyCalls    int   // calls currently in flight
	lastActivity int64 // nanos of last transition to idle
	timeout      time.Duration
	onCollect    func()
	stopCh       chan struct{}
	stopped      bool
}

// NewGc starts the sweep loop. onCollect runs on the sweep goroutine when
// the idle timeout elapses; it must not block.
func NewGc(timeout time.Duration, onCollect func()) *Gc {
	g := &Gc{
		timeout:      timeout,
		onCollect:    onCollect,
		lastActivity: timecache.CachedTimeNano(),
		stopCh:       make(chan struct{}),
	}
	if timeout > 0 {
		go g.sweep()
	}
	return g
}

func (g *Gc) sweep() {
	// Check at a quarter of the timeout so collection lands within ~25%
	// of the deadline without a busy loop.
	interval := g.timeout / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			if g.tryCollect() {
				return
			}
		}
	}
}

func (g *Gc) tryCollect() bool {
	g.mu.Lock()
	// An unarmed Gc is never collectible: the deadline may elapse while
	// the connection is still being established, and the sweep must keep
	// running so a callback installed afterwards still fires.
	cb := g.onCollect
	collectible := cb != nil && !g.pluginPinned && !g.cachePinned && g.busyCalls == 0 &&
		timecache.CachedTimeNano()-g.lastActivity >= g.timeout.Nanoseconds()
	if collectible {
		g.stopped = true
	}
	g.mu.Unlock()
	if collectible {
		cb()
	}
	return collectible
}

// SetOnCollect arms collection. Until a callback is installed the sweep
// keeps running but never collects.
func (g *Gc) SetOnCollect(cb func()) {
	g.mu.Lock()
	g.onCollect = cb
	g.mu.Unlock()
}

// Touch resets the idle clock without changing any pin state.
func (g *Gc) Touch() {
	g.mu.Lock()
	g.lastActivity = timecache.CachedTimeNano()
	g.mu.Unlock()
}

// IncBusy marks the start of a call; the plugin cannot be collected while
// any call is in flight.
func (g *Gc) IncBusy() {
	g.mu.Lock()
	g.busyCalls++
	g.lastActivity = timecache.CachedTimeNano()
	g.mu.Unlock()
}

// DecBusy marks the end of a call and restarts the idle clock.
func (g *Gc) DecBusy() {
	g.mu.Lock()
	if g.busyCalls > 0 {
		g.busyCalls--
	}
	g.lastActivity = timecache.CachedTimeNano()
	g.mu.Unlock()
}

// SetPluginPinned applies the plugin's GcDisabled option.
func (g *Gc) SetPluginPinned(pinned bool) {
	g.mu.Lock()
	g.pluginPinned = pinned
	g.lastActivity = timecache.CachedTimeNano()
	g.mu.Unlock()
}

// SetCachePinned tracks custom value cache occupancy. Called with true
// before the first entry is inserted and false after the last is removed,
// so the process can never be reclaimed while values reference it.
func (g *Gc) SetCachePinned(pinned bool) {
	g.mu.Lock()
	g.cachePinned = pinned
	g.lastActivity = timecache.CachedTimeNano()
	g.mu.Unlock()
}

// Stop halts the sweep loop. Idempotent.
func (g *Gc) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	g.mu.Unlock()
	close(g.stopCh)
}
