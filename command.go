package coral

// Command is the capability the command registry expects from anything
// callable, whether built-in or backed by a plugin process. The plugin
// subsystem implements this for every signature a registered plugin
// declares.
type Command interface {
	Name() string
	Signature() Signature
	Description() string
	Run(engine EngineContext, call *EvaluatedCall, input PipelineData) (PipelineData, error)
}

// EngineContext is the host evaluation context a command runs against.
// These operations are exactly the vocabulary a plugin can reach through
// engine calls: configuration, environment, working directory, and closure
// evaluation.
type EngineContext interface {
	// Config returns the current engine configuration snapshot as a record.
	Config() map[string]Value
	// PluginConfig returns the configuration subtree for the named plugin,
	// if the user declared one.
	PluginConfig(pluginName string) (Value, bool)
	// GetEnvVar returns the named environment variable in the caller's
	// scope.
	GetEnvVar(name string) (Value, bool)
	// EnvVars returns all environment variables visible to the caller.
	EnvVars() map[string]Value
	// AddEnvVar sets an environment variable in the caller's scope.
	AddEnvVar(name string, value Value) error
	// CurrentDir returns the caller's working directory.
	CurrentDir() string
	// EvalClosure evaluates a closure value with the given positional
	// arguments and pipeline input.
	EvalClosure(closure Value, positional []Value, input PipelineData) (PipelineData, error)
}
