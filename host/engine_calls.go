package host

import (
	"fmt"

	coral "github.com/coralshell/coral"
	"github.com/coralshell/coral/protocol"
)

// EngineProvider is what the shell supplies so the host can answer
// engine calls. EvalClosure receives the guarded context it must thread
// through to any command the closure invokes; that is how re-entrant
// calls back into the same plugin connection get detected and refused.
type EngineProvider interface {
	Config() map[string]coral.Value
	PluginConfig(plugin string) (coral.Value, bool)
	GetEnvVar(name string) (coral.Value, bool)
	EnvVars() map[string]coral.Value
	AddEnvVar(name string, value coral.Value) error
	CurrentDir() string
	EvalClosure(ctx coral.EngineContext, closure coral.Value, positional []coral.Value, input coral.PipelineData) (coral.PipelineData, error)
}

// GuardedContext adapts an EngineProvider to the plugin-facing
// EngineContext while remembering which connection it serves. A plugin
// command invoked with a GuardedContext originating from its own
// connection would deadlock the protocol, so declarations refuse it.
type GuardedContext struct {
	provider EngineProvider
	origin   *PluginInterface
}

// Guard wraps a provider for engine calls arriving on pi's connection.
func Guard(provider EngineProvider, pi *PluginInterface) *GuardedContext {
	return &GuardedContext{provider: provider, origin: pi}
}

// Origin is the connection whose engine call this context serves.
func (g *GuardedContext) Origin() *PluginInterface { return g.origin }

func (g *GuardedContext) Config() map[string]coral.Value { return g.provider.Config() }

func (g *GuardedContext) PluginConfig(name string) (coral.Value, bool) {
	return g.provider.PluginConfig(name)
}

func (g *GuardedContext) GetEnvVar(name string) (coral.Value, bool) {
	return g.provider.GetEnvVar(name)
}

func (g *GuardedContext) EnvVars() map[string]coral.Value { return g.provider.EnvVars() }

func (g *GuardedContext) AddEnvVar(name string, value coral.Value) error {
	return g.provider.AddEnvVar(name, value)
}

func (g *GuardedContext) CurrentDir() string { return g.provider.CurrentDir() }

func (g *GuardedContext) EvalClosure(closure coral.Value, positional []coral.Value, input coral.PipelineData) (coral.PipelineData, error) {
	return g.provider.EvalClosure(g, closure, positional, input)
}

// handleEngineCall answers one nested request from the plugin. It runs on
// the connection's reader goroutine: the quick environment lookups are
// answered inline, while EvalClosure moves to its own goroutine because
// it can block on arbitrary shell evaluation (and must not stall the
// reader that its own input stream arrives on).
func (pi *PluginInterface) handleEngineCall(callID protocol.CallID, id protocol.EngineCallID, ec *protocol.EngineCall) {
	pi.mu.Lock()
	_, known := pi.active[callID]
	pi.mu.Unlock()
	if !known {
		pi.respondEngineCall(id, &protocol.EngineCallResponse{
			Error: coral.LabeledErrorFromGo(
				NewEngineCallRejectedError(pi.Name(), fmt.Sprintf("no call %d in flight", callID))),
		})
		return
	}
	if pi.provider == nil {
		pi.respondEngineCall(id, &protocol.EngineCallResponse{
			Error: coral.LabeledErrorFromGo(
				NewEngineCallRejectedError(pi.Name(), "no engine available")),
		})
		return
	}

	switch ec.Kind {
	case protocol.EngineGetConfig:
		v := coral.RecordValue(pi.provider.Config())
		pi.respondEngineCall(id, &protocol.EngineCallResponse{Value: &v})
	case protocol.EngineGetPluginConfig:
		v, ok := pi.provider.PluginConfig(pi.Name())
		if !ok {
			v = coral.NothingValue()
		}
		pi.respondEngineCall(id, &protocol.EngineCallResponse{Value: &v})
	case protocol.EngineGetEnvVar:
		v, ok := pi.provider.GetEnvVar(ec.Name)
		if !ok {
			v = coral.NothingValue()
		}
		pi.respondEngineCall(id, &protocol.EngineCallResponse{Value: &v})
	case protocol.EngineGetEnvVars:
		v := coral.RecordValue(pi.provider.EnvVars())
		pi.respondEngineCall(id, &protocol.EngineCallResponse{Value: &v})
	case protocol.EngineAddEnvVar:
		var value coral.Value
		if ec.Value != nil {
			value = *ec.Value
		}
		if err := pi.provider.AddEnvVar(ec.Name, value); err != nil {
			pi.respondEngineCall(id, &protocol.EngineCallResponse{Error: coral.LabeledErrorFromGo(err)})
			return
		}
		pi.respondEngineCall(id, &protocol.EngineCallResponse{})
	case protocol.EngineGetCurrentDir:
		v := coral.StringValue(pi.provider.CurrentDir())
		pi.respondEngineCall(id, &protocol.EngineCallResponse{Value: &v})
	case protocol.EngineEvalClosure:
		pi.handleEvalClosure(id, ec)
	default:
		pi.respondEngineCall(id, &protocol.EngineCallResponse{
			Error: coral.LabeledErrorFromGo(
				NewEngineCallRejectedError(pi.Name(), fmt.Sprintf("unknown engine call %d", ec.Kind))),
		})
	}
}

func (pi *PluginInterface) handleEvalClosure(id protocol.EngineCallID, ec *protocol.EngineCall) {
	if ec.Closure == nil {
		pi.respondEngineCall(id, &protocol.EngineCallResponse{
			Error: coral.LabeledErrorFromGo(
				NewEngineCallRejectedError(pi.Name(), "eval closure missing closure")),
		})
		return
	}

	// Stream input must be registered here, on the reader goroutine,
	// before any of its chunks can arrive.
	var input coral.PipelineData = coral.EmptyData{}
	if ec.Input != nil {
		var err error
		input, err = protocol.ReadPipelineData(*ec.Input, pi.streams)
		if err != nil {
			pi.respondEngineCall(id, &protocol.EngineCallResponse{Error: coral.LabeledErrorFromGo(err)})
			return
		}
	}

	closure := *ec.Closure
	positional := ec.Positional
	go func() {
		result, err := pi.provider.EvalClosure(Guard(pi.provider, pi), closure, positional, input)
		if err != nil {
			// The evaluation may have failed before touching its input;
			// release the stream so the plugin's pump is not left waiting
			// on credits.
			protocol.DropPipelineData(input)
			pi.respondEngineCall(id, &protocol.EngineCallResponse{Error: coral.LabeledErrorFromGo(err)})
			return
		}
		header, pump, err := protocol.WritePipelineData(result, pi.streams, pi.allocStreamID)
		if err != nil {
			pi.respondEngineCall(id, &protocol.EngineCallResponse{Error: coral.LabeledErrorFromGo(err)})
			return
		}
		pi.respondEngineCall(id, &protocol.EngineCallResponse{Data: &header})
		if pump != nil {
			pump()
		}
	}()
}

func (pi *PluginInterface) respondEngineCall(id protocol.EngineCallID, resp *protocol.EngineCallResponse) {
	if err := pi.writer.WriteEnvelope(protocol.NewEngineCallResponseEnvelope(id, resp)); err != nil {
		pi.logger.Debug("engine call response write failed", "error", err)
	}
}
