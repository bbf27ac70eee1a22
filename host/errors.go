// errors.go: structured error definitions for the plugin host
package host

import (
	"github.com/agilira/go-errors"
)

// Error codes for the plugin host
const (
	// Process lifecycle errors (100-199)
	ErrCodeSpawnFailure     = "PLUGIN_101"
	ErrCodeNotInPath        = "PLUGIN_102"
	ErrCodeGarbageCollected = "PLUGIN_103"
	ErrCodeCommandFailed    = "PLUGIN_104"
	ErrCodeInvalidName      = "PLUGIN_105"

	// Protocol errors (200-299)
	ErrCodeProtocolDecode     = "PROTO_201"
	ErrCodeConnectionClosed   = "PROTO_202"
	ErrCodeEngineCallRejected = "PROTO_203"
	ErrCodeHandshake          = "PROTO_204"

	// Registry errors (300-399)
	ErrCodeRegistry       = "REGISTRY_301"
	ErrCodeRegistrySchema = "REGISTRY_302"
	ErrCodePluginNotFound = "REGISTRY_303"
)

// Process lifecycle error constructors

func NewSpawnFailureError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeSpawnFailure, "Failed to spawn plugin process").
		WithUserMessage("The plugin executable could not be started").
		WithContext("executable_path", path).
		WithSeverity("error")
}

func NewNotInPathError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeNotInPath, "Plugin executable not found").
		WithUserMessage("The plugin executable does not exist or is not executable").
		WithContext("executable_path", path).
		WithSeverity("error")
}

func NewGarbageCollectedError(name string) *errors.Error {
	return errors.New(ErrCodeGarbageCollected, "Plugin process was reclaimed").
		WithUserMessage("The idle plugin process was stopped by the garbage collector").
		WithContext("plugin_name", name).
		WithSeverity("info")
}

func NewCommandFailedError(name string, command string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeCommandFailed, "Plugin command failed").
		WithUserMessage("The plugin reported an error for this command").
		WithContext("plugin_name", name).
		WithContext("command", command).
		WithSeverity("error")
}

func NewInvalidNameError(filename string) *errors.Error {
	return errors.New(ErrCodeInvalidName, "Invalid plugin filename").
		WithUserMessage("Plugin executables must be named coral_plugin_<name>").
		WithContext("filename", filename).
		WithSeverity("error")
}

// Protocol error constructors

func NewProtocolDecodeError(name string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeProtocolDecode, "Protocol decode failure").
		WithUserMessage("The plugin sent a malformed or unexpected message").
		WithContext("plugin_name", name).
		WithSeverity("error")
}

func NewConnectionClosedError(name string, cause error) *errors.Error {
	err := errors.New(ErrCodeConnectionClosed, "Plugin connection closed").
		WithUserMessage("The plugin process exited or its pipe broke with work outstanding").
		WithContext("plugin_name", name).
		WithSeverity("error")
	if cause != nil {
		return errors.Wrap(cause, ErrCodeConnectionClosed, "Plugin connection closed").
			WithUserMessage("The plugin process exited or its pipe broke with work outstanding").
			WithContext("plugin_name", name).
			WithSeverity("error")
	}
	return err
}

func NewEngineCallRejectedError(name string, reason string) *errors.Error {
	return errors.New(ErrCodeEngineCallRejected, "Engine call rejected: "+reason).
		WithUserMessage("The host declined a nested request from the plugin").
		WithContext("plugin_name", name).
		WithSeverity("warning")
}

func NewHandshakeError(name string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeHandshake, "Plugin handshake failed").
		WithUserMessage("The plugin does not speak a compatible protocol version").
		WithContext("plugin_name", name).
		WithSeverity("error")
}

// Registry error constructors

func NewRegistryError(message string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeRegistry, "Registry error: "+message).
		WithUserMessage("Plugin registry operation failed").
		WithSeverity("error")
}

func NewRegistrySchemaError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeRegistrySchema, "Registry file failed validation").
		WithUserMessage("The registry file does not match the expected schema").
		WithContext("registry_path", path).
		WithSeverity("error")
}

func NewPluginNotFoundError(name string) *errors.Error {
	return errors.New(ErrCodePluginNotFound, "Plugin not found").
		WithUserMessage("No registered plugin has this name").
		WithContext("plugin_name", name).
		WithSeverity("error")
}
