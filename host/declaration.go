package host

import (
	coral "github.com/coralshell/coral"
)

// PluginDeclaration makes one plugin command callable through the shell's
// command table. Invoking it spawns the plugin on demand and forwards the
// call over the protocol.
type PluginDeclaration struct {
	plugin    *PersistentPlugin
	signature coral.Signature
}

// NewPluginDeclaration builds a declaration for one persisted signature.
func NewPluginDeclaration(plugin *PersistentPlugin, signature coral.Signature) *PluginDeclaration {
	return &PluginDeclaration{plugin: plugin, signature: signature}
}

func (d *PluginDeclaration) Name() string { return d.signature.Name }

func (d *PluginDeclaration) Signature() coral.Signature { return d.signature }

func (d *PluginDeclaration) Description() string { return d.signature.Description }

// Run forwards the call to the plugin process. A call arriving through a
// GuardedContext from this same plugin's connection means the plugin's
// closure is trying to call back into itself while its Run is still
// blocked on the reader; that would never complete, so it is refused.
func (d *PluginDeclaration) Run(engine coral.EngineContext, call *coral.EvaluatedCall, input coral.PipelineData) (coral.PipelineData, error) {
	pi, err := d.plugin.GetOrSpawn()
	if err != nil {
		return nil, err
	}
	if g, ok := engine.(*GuardedContext); ok && g.Origin() == pi {
		return nil, NewEngineCallRejectedError(d.plugin.Name(),
			"closure would re-enter the plugin connection that is evaluating it")
	}
	if call == nil {
		call = &coral.EvaluatedCall{}
	}
	return pi.Run(d.signature.Name, *call, input)
}
