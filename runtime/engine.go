package runtime

import (
	coral "github.com/coralshell/coral"
	"github.com/coralshell/coral/protocol"
)

// EngineInterface lets a running command reach back into the host: read
// configuration and environment, change the environment, and evaluate
// closures the user passed as arguments. It is scoped to the call it was
// handed to and must not be used after the command returns.
type EngineInterface struct {
	srv    *server
	callID protocol.CallID
}

// Config fetches the engine configuration snapshot.
func (e *EngineInterface) Config() (map[string]coral.Value, error) {
	result, err := e.srv.engineCall(e.callID, &protocol.EngineCall{Kind: protocol.EngineGetConfig}, nil)
	if err != nil {
		return nil, err
	}
	if result.value == nil {
		return map[string]coral.Value{}, nil
	}
	return result.value.Record, nil
}

// PluginConfig fetches this plugin's configuration subtree, if the user
// declared one. Returns false when no configuration exists.
func (e *EngineInterface) PluginConfig() (coral.Value, bool, error) {
	result, err := e.srv.engineCall(e.callID, &protocol.EngineCall{Kind: protocol.EngineGetPluginConfig}, nil)
	if err != nil {
		return coral.Value{}, false, err
	}
	if result.value == nil || result.value.IsNothing() {
		return coral.Value{}, false, nil
	}
	return *result.value, true, nil
}

// GetEnvVar reads one environment variable from the caller's scope.
func (e *EngineInterface) GetEnvVar(name string) (coral.Value, bool, error) {
	result, err := e.srv.engineCall(e.callID,
		&protocol.EngineCall{Kind: protocol.EngineGetEnvVar, Name: name}, nil)
	if err != nil {
		return coral.Value{}, false, err
	}
	if result.value == nil || result.value.IsNothing() {
		return coral.Value{}, false, nil
	}
	return *result.value, true, nil
}

// EnvVars reads the caller's whole environment.
func (e *EngineInterface) EnvVars() (map[string]coral.Value, error) {
	result, err := e.srv.engineCall(e.callID, &protocol.EngineCall{Kind: protocol.EngineGetEnvVars}, nil)
	if err != nil {
		return nil, err
	}
	if result.value == nil {
		return map[string]coral.Value{}, nil
	}
	return result.value.Record, nil
}

// AddEnvVar sets an environment variable in the caller's scope.
func (e *EngineInterface) AddEnvVar(name string, value coral.Value) error {
	_, err := e.srv.engineCall(e.callID,
		&protocol.EngineCall{Kind: protocol.EngineAddEnvVar, Name: name, Value: &value}, nil)
	return err
}

// CurrentDir reads the caller's working directory.
func (e *EngineInterface) CurrentDir() (string, error) {
	result, err := e.srv.engineCall(e.callID, &protocol.EngineCall{Kind: protocol.EngineGetCurrentDir}, nil)
	if err != nil {
		return "", err
	}
	if result.value == nil {
		return "", nil
	}
	return result.value.Str, nil
}

// EvalClosure asks the host to evaluate a closure value with the given
// positional arguments and pipeline input, returning its pipeline output.
func (e *EngineInterface) EvalClosure(closure coral.Value, positional []coral.Value, input coral.PipelineData) (coral.PipelineData, error) {
	header, pump, err := protocol.WritePipelineData(input, e.srv.streams, e.srv.allocStreamID)
	if err != nil {
		return nil, err
	}
	ec := &protocol.EngineCall{
		Kind:       protocol.EngineEvalClosure,
		Closure:    &closure,
		Positional: positional,
		Input:      &header,
	}
	result, err := e.srv.engineCall(e.callID, ec, pump)
	if err != nil {
		return nil, err
	}
	if result.data == nil {
		return coral.EmptyData{}, nil
	}
	return result.data, nil
}

// SetGcDisabled pins (true) or unpins (false) the plugin process against
// the host's idle collector.
func (e *EngineInterface) SetGcDisabled(disabled bool) error {
	return e.srv.setGcDisabled(disabled)
}
