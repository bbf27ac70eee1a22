package host

import (
	"os"
	"strings"
	"sync"

	coral "github.com/coralshell/coral"
)

// LocalEngineProvider answers engine calls from the host process's own
// environment. It is what standalone tools use; the shell substitutes a
// provider backed by its evaluator, which is also the only provider that
// can honor EvalClosure.
type LocalEngineProvider struct {
	config *Config

	mu       sync.Mutex
	overlays map[string]coral.Value
}

func NewLocalEngineProvider(config *Config) *LocalEngineProvider {
	return &LocalEngineProvider{
		config:   config,
		overlays: make(map[string]coral.Value),
	}
}

func (p *LocalEngineProvider) Config() map[string]coral.Value {
	return map[string]coral.Value{}
}

func (p *LocalEngineProvider) PluginConfig(plugin string) (coral.Value, bool) {
	if p.config == nil {
		return coral.Value{}, false
	}
	override, ok := p.config.Plugins[plugin]
	if !ok {
		return coral.Value{}, false
	}
	return coral.RecordValue(map[string]coral.Value{
		"gc_disabled": coral.BoolValue(override.GcDisabled),
		"gc_timeout":  coral.StringValue(override.GcTimeout),
	}), true
}

func (p *LocalEngineProvider) GetEnvVar(name string) (coral.Value, bool) {
	p.mu.Lock()
	if v, ok := p.overlays[name]; ok {
		p.mu.Unlock()
		return v, true
	}
	p.mu.Unlock()
	if v, ok := os.LookupEnv(name); ok {
		return coral.StringValue(v), true
	}
	return coral.Value{}, false
}

func (p *LocalEngineProvider) EnvVars() map[string]coral.Value {
	out := make(map[string]coral.Value)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = coral.StringValue(kv[i+1:])
		}
	}
	p.mu.Lock()
	for k, v := range p.overlays {
		out[k] = v
	}
	p.mu.Unlock()
	return out
}

// AddEnvVar records the variable in an overlay visible to later lookups;
// the host process's real environment is left alone.
func (p *LocalEngineProvider) AddEnvVar(name string, value coral.Value) error {
	p.mu.Lock()
	p.overlays[name] = value
	p.mu.Unlock()
	return nil
}

func (p *LocalEngineProvider) CurrentDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	return dir
}

// EvalClosure cannot be honored without a shell evaluator.
func (p *LocalEngineProvider) EvalClosure(ctx coral.EngineContext, closure coral.Value, positional []coral.Value, input coral.PipelineData) (coral.PipelineData, error) {
	return nil, coral.NewLabeledError("closure evaluation is not available outside the shell")
}
