package host

import (
	"log/slog"
	"sync"
	"time"
)

// Connector produces a live connection for a plugin identity. The default
// spawns the executable; tests substitute in-process connections.
type Connector func(identity *Identity, provider EngineProvider, gc *Gc, logger *slog.Logger) (*PluginInterface, error)

// PersistentPlugin keeps one plugin usable across the whole shell
// session. The process is spawned on first use, shared by every command
// the plugin provides, reclaimed by the garbage collector when idle, and
// transparently respawned on the next call after a collection or crash.
type PersistentPlugin struct {
	identity  *Identity
	provider  EngineProvider
	logger    *slog.Logger
	connector Connector
	gcTimeout time.Duration

	mu      sync.Mutex
	current *PluginInterface
}

// NewPersistentPlugin wraps an identity for session-long reuse. gcTimeout
// zero disables idle collection for this plugin.
func NewPersistentPlugin(identity *Identity, provider EngineProvider, gcTimeout time.Duration, logger *slog.Logger) *PersistentPlugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistentPlugin{
		identity:  identity,
		provider:  provider,
		logger:    logger,
		connector: ConnectPlugin,
		gcTimeout: gcTimeout,
	}
}

// SetConnector overrides how connections are established.
func (pp *PersistentPlugin) SetConnector(c Connector) {
	pp.mu.Lock()
	pp.connector = c
	pp.mu.Unlock()
}

// Identity returns the plugin's immutable identity.
func (pp *PersistentPlugin) Identity() *Identity { return pp.identity }

// Name returns the plugin's registered name.
func (pp *PersistentPlugin) Name() string { return pp.identity.Name() }

// GetOrSpawn returns the live connection, spawning a fresh process if
// there is none or the previous one died.
func (pp *PersistentPlugin) GetOrSpawn() (*PluginInterface, error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if pp.current != nil && pp.current.Err() == nil {
		return pp.current, nil
	}

	var gc *Gc
	if pp.gcTimeout > 0 {
		gc = NewGc(pp.gcTimeout, nil)
	}
	pi, err := pp.connector(pp.identity, pp.provider, gc, pp.logger)
	if err != nil {
		if gc != nil {
			gc.Stop()
		}
		return nil, err
	}
	if gc != nil {
		gc.SetOnCollect(func() {
			pp.logger.Debug("collecting idle plugin", "plugin", pp.identity.Name())
			pi.Shutdown(NewGarbageCollectedError(pp.identity.Name()))
		})
	}
	pp.current = pi
	return pi, nil
}

// Running reports whether a live connection currently exists.
func (pp *PersistentPlugin) Running() bool {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return pp.current != nil && pp.current.Err() == nil
}

// Stop tears down the current connection, if any.
func (pp *PersistentPlugin) Stop() {
	pp.mu.Lock()
	current := pp.current
	pp.current = nil
	pp.mu.Unlock()
	if current != nil {
		_ = current.Goodbye()
	}
}
