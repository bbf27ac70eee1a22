package host

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	coral "github.com/coralshell/coral"
	"github.com/coralshell/coral/runtime"
)

// pipeConnector builds in-process connections so persistence tests never
// spawn real processes. Each connect serves a fresh plugin instance.
func pipeConnector(spawnCount *atomic.Int32) Connector {
	return func(identity *Identity, provider EngineProvider, gc *Gc, logger *slog.Logger) (*PluginInterface, error) {
		spawnCount.Add(1)
		hostIn, pluginOut := io.Pipe()
		pluginIn, hostOut := io.Pipe()
		go func() {
			_ = runtime.ServeOn(newTestPlugin(), pluginIn, pluginOut, testLogger())
		}()
		return ConnectPluginIO(identity, hostIn, hostOut, provider, gc, logger)
	}
}

func TestPersistentPluginReusesConnection(t *testing.T) {
	identity, _ := NewIdentity("coral_plugin_test", nil)
	var spawns atomic.Int32
	pp := NewPersistentPlugin(identity, newTestEngine(), 0, testLogger())
	pp.SetConnector(pipeConnector(&spawns))

	a, err := pp.GetOrSpawn()
	if err != nil {
		t.Fatalf("GetOrSpawn failed: %v", err)
	}
	b, err := pp.GetOrSpawn()
	if err != nil {
		t.Fatalf("GetOrSpawn failed: %v", err)
	}
	if a != b {
		t.Error("expected the same connection to be reused")
	}
	if spawns.Load() != 1 {
		t.Errorf("expected 1 spawn, got %d", spawns.Load())
	}
	pp.Stop()
}

func TestPersistentPluginRespawnsAfterDeath(t *testing.T) {
	identity, _ := NewIdentity("coral_plugin_test", nil)
	var spawns atomic.Int32
	pp := NewPersistentPlugin(identity, newTestEngine(), 0, testLogger())
	pp.SetConnector(pipeConnector(&spawns))

	a, err := pp.GetOrSpawn()
	if err != nil {
		t.Fatalf("GetOrSpawn failed: %v", err)
	}
	a.Shutdown(NewConnectionClosedError("test", nil))

	b, err := pp.GetOrSpawn()
	if err != nil {
		t.Fatalf("respawn failed: %v", err)
	}
	if a == b {
		t.Error("expected a fresh connection after death")
	}
	if spawns.Load() != 2 {
		t.Errorf("expected 2 spawns, got %d", spawns.Load())
	}

	// The fresh connection works.
	if _, err := b.Metadata(); err != nil {
		t.Errorf("metadata on respawned connection failed: %v", err)
	}
	pp.Stop()
}

func TestPersistentPluginGcCollectsAndRespawns(t *testing.T) {
	identity, _ := NewIdentity("coral_plugin_test", nil)
	var spawns atomic.Int32
	pp := NewPersistentPlugin(identity, newTestEngine(), 150*time.Millisecond, testLogger())
	pp.SetConnector(pipeConnector(&spawns))

	a, err := pp.GetOrSpawn()
	if err != nil {
		t.Fatalf("GetOrSpawn failed: %v", err)
	}
	if _, err := a.Run("test echo", args(), coral.ValueData{Value: coral.IntValue(1)}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Idle long enough for the collector to reclaim the process.
	if !waitFor(t, 3*time.Second, func() bool { return a.Err() != nil }) {
		t.Fatal("idle connection was never collected")
	}
	if errCode(a.Err()) != ErrCodeGarbageCollected {
		t.Errorf("expected %s, got %v", ErrCodeGarbageCollected, a.Err())
	}

	// The next use spawns a fresh process transparently.
	b, err := pp.GetOrSpawn()
	if err != nil {
		t.Fatalf("respawn failed: %v", err)
	}
	if a == b {
		t.Error("expected a fresh connection after collection")
	}
	pp.Stop()
}
