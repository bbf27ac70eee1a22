package host

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	coral "github.com/coralshell/coral"
	"github.com/xeipuuv/gojsonschema"
)

// RegistryFileVersion is bumped on incompatible layout changes.
const RegistryFileVersion = 1

// registrySchema validates registry files before they are trusted. A file
// that fails validation is rejected rather than partially loaded.
const registrySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "plugins"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "plugins": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "filename"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "filename": {"type": "string", "minLength": 1},
          "shell": {"type": "array", "items": {"type": "string"}},
          "version": {"type": "string"},
          "signatures": {"type": "array", "items": {"type": "object"}}
        }
      }
    }
  }
}`

// RegistryEntry is one persisted plugin registration: enough to resolve
// the plugin's commands at startup without spawning its process.
type RegistryEntry struct {
	Name       string            `json:"name"`
	Filename   string            `json:"filename"`
	Shell      []string          `json:"shell,omitempty"`
	Version    string            `json:"version,omitempty"`
	Signatures []coral.Signature `json:"signatures,omitempty"`
}

// RegistryFile is the on-disk registry document.
type RegistryFile struct {
	Version int             `json:"version"`
	Plugins []RegistryEntry `json:"plugins"`
}

// NewRegistryFile returns an empty registry document.
func NewRegistryFile() *RegistryFile {
	return &RegistryFile{Version: RegistryFileVersion, Plugins: []RegistryEntry{}}
}

// LoadRegistryFile reads and validates the registry at path. A missing
// file is not an error; it yields an empty registry.
func LoadRegistryFile(path string) (*RegistryFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewRegistryFile(), nil
		}
		return nil, NewRegistryError("failed to read registry file", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(registrySchema),
		gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, NewRegistrySchemaError(path, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return nil, NewRegistrySchemaError(path, fmt.Errorf("%s", strings.Join(details, "; ")))
	}

	var reg RegistryFile
	if err := json.Unmarshal(raw, &reg); err != nil {
		return nil, NewRegistrySchemaError(path, err)
	}
	if reg.Version != RegistryFileVersion {
		return nil, NewRegistrySchemaError(path,
			fmt.Errorf("unsupported registry version %d", reg.Version))
	}
	return &reg, nil
}

// Save writes the registry atomically: marshal to a temp file in the same
// directory, then rename over the target. Entries are sorted by name so
// repeated saves diff cleanly.
func (rf *RegistryFile) Save(path string) error {
	sort.Slice(rf.Plugins, func(i, j int) bool {
		return rf.Plugins[i].Name < rf.Plugins[j].Name
	})

	raw, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return NewRegistryError("failed to marshal registry", err)
	}
	raw = append(raw, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return NewRegistryError("failed to create registry directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return NewRegistryError("failed to create temp registry file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return NewRegistryError("failed to write registry file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return NewRegistryError("failed to close registry file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return NewRegistryError("failed to replace registry file", err)
	}
	return nil
}

// Upsert inserts or replaces the entry with the same name.
func (rf *RegistryFile) Upsert(entry RegistryEntry) {
	for i, e := range rf.Plugins {
		if e.Name == entry.Name {
			rf.Plugins[i] = entry
			return
		}
	}
	rf.Plugins = append(rf.Plugins, entry)
}

// Remove deletes the entry with the given name, reporting whether it
// existed.
func (rf *RegistryFile) Remove(name string) bool {
	for i, e := range rf.Plugins {
		if e.Name == name {
			rf.Plugins = append(rf.Plugins[:i], rf.Plugins[i+1:]...)
			return true
		}
	}
	return false
}

// Get looks up an entry by plugin name.
func (rf *RegistryFile) Get(name string) (RegistryEntry, bool) {
	for _, e := range rf.Plugins {
		if e.Name == name {
			return e, true
		}
	}
	return RegistryEntry{}, false
}

// Registry is the in-session plugin table: every registered plugin, its
// persisted signatures, and its persistent (respawnable) process handle.
type Registry struct {
	provider EngineProvider
	config   *Config
	logger   *slog.Logger

	mu      sync.Mutex
	plugins map[string]*PersistentPlugin
	entries map[string]RegistryEntry
}

// NewRegistry creates an empty registry bound to the shell's engine
// provider and configuration.
func NewRegistry(provider EngineProvider, config *Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		provider: provider,
		config:   config,
		logger:   logger,
		plugins:  make(map[string]*PersistentPlugin),
		entries:  make(map[string]RegistryEntry),
	}
}

// LoadFile populates the registry from the persisted registry file at the
// configured path. Entries with invalid filenames are skipped with a
// warning rather than failing the whole load.
func (r *Registry) LoadFile() error {
	rf, err := LoadRegistryFile(r.config.RegistryPath)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range rf.Plugins {
		identity, err := NewIdentity(entry.Filename, entry.Shell)
		if err != nil {
			r.logger.Warn("skipping registry entry with invalid filename",
				"filename", entry.Filename, "error", err)
			continue
		}
		r.entries[entry.Name] = entry
		r.plugins[entry.Name] = NewPersistentPlugin(
			identity, r.provider, r.config.GcTimeoutFor(entry.Name), r.logger)
	}
	return nil
}

// AddPlugin registers a plugin executable: spawn it, interrogate its
// metadata and signatures, record the results, and persist the updated
// registry file. An existing registration with the same name is replaced.
func (r *Registry) AddPlugin(executablePath string, shell []string) (*RegistryEntry, error) {
	identity, err := NewIdentity(executablePath, shell)
	if err != nil {
		return nil, err
	}

	pp := NewPersistentPlugin(identity, r.provider, r.config.GcTimeoutFor(identity.Name()), r.logger)
	pi, err := pp.GetOrSpawn()
	if err != nil {
		return nil, err
	}
	metadata, err := pi.Metadata()
	if err != nil {
		pp.Stop()
		return nil, err
	}
	signatures, err := pi.Signatures()
	if err != nil {
		pp.Stop()
		return nil, err
	}

	entry := RegistryEntry{
		Name:       identity.Name(),
		Filename:   executablePath,
		Shell:      shell,
		Version:    metadata.Version,
		Signatures: signatures,
	}

	r.mu.Lock()
	if old, ok := r.plugins[entry.Name]; ok {
		old.Stop()
	}
	r.plugins[entry.Name] = pp
	r.entries[entry.Name] = entry
	r.mu.Unlock()

	if err := r.persist(); err != nil {
		return nil, err
	}
	r.logger.Info("plugin registered",
		"plugin", entry.Name, "version", entry.Version, "commands", len(signatures))
	return &entry, nil
}

// RemovePlugin unregisters a plugin, stops its process, and persists the
// updated registry file.
func (r *Registry) RemovePlugin(name string) error {
	r.mu.Lock()
	pp, ok := r.plugins[name]
	delete(r.plugins, name)
	delete(r.entries, name)
	r.mu.Unlock()
	if !ok {
		return NewPluginNotFoundError(name)
	}
	pp.Stop()
	return r.persist()
}

// Get returns the persistent handle for a registered plugin.
func (r *Registry) Get(name string) (*PersistentPlugin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pp, ok := r.plugins[name]
	return pp, ok
}

// Entries lists the current registrations sorted by name.
func (r *Registry) Entries() []RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Commands returns a declaration for every command every registered
// plugin provides, ready to drop into the shell's command table.
func (r *Registry) Commands() []coral.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []coral.Command
	for name, entry := range r.entries {
		pp := r.plugins[name]
		for _, sig := range entry.Signatures {
			out = append(out, &PluginDeclaration{plugin: pp, signature: sig})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Shutdown stops every running plugin process.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	plugins := make([]*PersistentPlugin, 0, len(r.plugins))
	for _, pp := range r.plugins {
		plugins = append(plugins, pp)
	}
	r.mu.Unlock()
	for _, pp := range plugins {
		pp.Stop()
	}
}

func (r *Registry) persist() error {
	r.mu.Lock()
	rf := NewRegistryFile()
	for _, entry := range r.entries {
		rf.Upsert(entry)
	}
	r.mu.Unlock()
	return rf.Save(r.config.RegistryPath)
}
