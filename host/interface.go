package host

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	coral "github.com/coralshell/coral"
	"github.com/coralshell/coral/protocol"
	"github.com/google/uuid"
)

// pluginState tracks the connection lifecycle.
type pluginState int32

const (
	stateReady pluginState = iota
	stateClosing
	stateDead
)

type callResult struct {
	resp *protocol.CallResponse
	data coral.PipelineData
	err  error
}

// PluginInterface is one live connection to a plugin process. It owns the
// single reader goroutine for the connection, routes responses and stream
// traffic, answers the plugin's engine calls, and caches custom values
// the shell still references.
//
// All exported call methods are safe for concurrent use; responses are
// matched to callers by CallID.
type PluginInterface struct {
	identity *Identity
	logger   *slog.Logger
	provider EngineProvider

	writer  *protocol.EnvelopeWriter
	streams *protocol.StreamManager
	proc    *spawnedProcess

	nextCallID   atomic.Uint64
	nextStreamID atomic.Uint64

	mu      sync.Mutex
	pending map[protocol.CallID]chan callResult
	active  map[protocol.CallID]struct{}
	state   pluginState
	deadErr error

	gc    *Gc
	cache *CustomValueCache

	closeOnce sync.Once
}

// ConnectPlugin spawns the plugin process, performs the handshake, and
// starts the connection's reader goroutine. gc may be nil when collection
// is disabled.
func ConnectPlugin(identity *Identity, provider EngineProvider, gc *Gc, logger *slog.Logger) (*PluginInterface, error) {
	proc, err := identity.Spawn()
	if err != nil {
		return nil, err
	}
	pi, err := connect(identity, proc.stdout, proc.stdin, provider, gc, logger)
	if err != nil {
		proc.kill()
		return nil, err
	}
	pi.proc = proc
	return pi, nil
}

// ConnectPluginIO wires a plugin interface over an existing duplex pipe,
// with no child process. Used for in-process plugins and tests.
func ConnectPluginIO(identity *Identity, r io.Reader, w io.Writer, provider EngineProvider, gc *Gc, logger *slog.Logger) (*PluginInterface, error) {
	return connect(identity, r, w, provider, gc, logger)
}

func connect(identity *Identity, r io.Reader, w io.Writer, provider EngineProvider, gc *Gc, logger *slog.Logger) (*PluginInterface, error) {
	if logger == nil {
		logger = slog.Default()
	}
	writer := protocol.NewEnvelopeWriter(w)
	reader := protocol.NewEnvelopeReader(r)

	remote, err := protocol.HandshakeInitiate(reader, writer)
	if err != nil {
		return nil, NewHandshakeError(identity.Name(), err)
	}
	logger.Debug("plugin handshake complete",
		"plugin", identity.Name(),
		"remote_version", remote.Version)

	pi := &PluginInterface{
		identity: identity,
		logger:   logger.With("plugin", identity.Name()),
		provider: provider,
		writer:   writer,
		streams:  protocol.NewStreamManager(writer),
		pending:  make(map[protocol.CallID]chan callResult),
		active:   make(map[protocol.CallID]struct{}),
		gc:       gc,
	}
	pi.cache = NewCustomValueCache(gc)

	go pi.readLoop(reader)
	return pi, nil
}

// Name is the connected plugin's registered name.
func (pi *PluginInterface) Name() string { return pi.identity.Name() }

// Cache exposes the connection's custom value cache.
func (pi *PluginInterface) Cache() *CustomValueCache { return pi.cache }

// readLoop is the connection's only reader. Every inbound envelope passes
// through here; stream registration for response headers happens on this
// goroutine so it is ordered before the stream's first chunk.
func (pi *PluginInterface) readLoop(reader *protocol.EnvelopeReader) {
	for {
		env, err := reader.ReadEnvelope()
		if err != nil {
			if err == io.EOF {
				pi.Shutdown(NewConnectionClosedError(pi.Name(), nil))
			} else {
				pi.Shutdown(NewProtocolDecodeError(pi.Name(), err))
			}
			return
		}
		if pi.gc != nil {
			pi.gc.Touch()
		}

		switch env.Type {
		case protocol.MessageCallResponse:
			pi.handleResponse(*env.CallID, env.Response)
		case protocol.MessageData:
			if err := pi.streams.HandleData(*env.StreamID, *env.Data); err != nil {
				pi.Shutdown(NewProtocolDecodeError(pi.Name(), err))
				return
			}
		case protocol.MessageEnd:
			if err := pi.streams.HandleEnd(*env.StreamID); err != nil {
				pi.Shutdown(NewProtocolDecodeError(pi.Name(), err))
				return
			}
		case protocol.MessageAck:
			_ = pi.streams.HandleAck(*env.StreamID)
		case protocol.MessageDrop:
			_ = pi.streams.HandleDrop(*env.StreamID)
		case protocol.MessageEngineCall:
			pi.handleEngineCall(*env.CallID, *env.EngineCallID, env.EngineCall)
		case protocol.MessageOption:
			pi.handleOption(env.Option)
		default:
			pi.Shutdown(NewProtocolDecodeError(pi.Name(),
				fmt.Errorf("unexpected %s from plugin", env.Type)))
			return
		}
	}
}

func (pi *PluginInterface) handleResponse(id protocol.CallID, resp *protocol.CallResponse) {
	pi.mu.Lock()
	ch, ok := pi.pending[id]
	delete(pi.pending, id)
	pi.mu.Unlock()
	if !ok {
		pi.logger.Warn("response for unknown call", "call_id", uint64(id))
		return
	}

	result := callResult{resp: resp}
	if resp.Data != nil {
		data, err := protocol.ReadPipelineData(*resp.Data, pi.streams)
		if err != nil {
			result.err = NewProtocolDecodeError(pi.Name(), err)
		} else {
			result.data = data
		}
	}
	ch <- result
}

func (pi *PluginInterface) handleOption(opt *protocol.Option) {
	if opt.GcDisabled != nil && pi.gc != nil {
		pi.gc.SetPluginPinned(*opt.GcDisabled)
		pi.logger.Debug("plugin gc pin changed", "pinned", *opt.GcDisabled)
	}
}

// call performs one request/response exchange. inputPump, when non-nil,
// feeds the input stream after the call envelope is on the wire.
func (pi *PluginInterface) call(body *protocol.PluginCall, inputPump func()) (callResult, error) {
	pi.mu.Lock()
	if pi.state != stateReady {
		err := pi.deadErr
		pi.mu.Unlock()
		if err == nil {
			err = NewConnectionClosedError(pi.Name(), nil)
		}
		return callResult{}, err
	}
	id := protocol.CallID(pi.nextCallID.Add(1))
	ch := make(chan callResult, 1)
	pi.pending[id] = ch
	pi.active[id] = struct{}{}
	pi.mu.Unlock()

	if pi.gc != nil {
		pi.gc.IncBusy()
	}
	defer func() {
		pi.mu.Lock()
		delete(pi.active, id)
		pi.mu.Unlock()
		if pi.gc != nil {
			pi.gc.DecBusy()
		}
	}()

	if err := pi.writer.WriteEnvelope(protocol.NewCallEnvelope(id, body)); err != nil {
		pi.mu.Lock()
		delete(pi.pending, id)
		pi.mu.Unlock()
		return callResult{}, NewConnectionClosedError(pi.Name(), err)
	}
	if inputPump != nil {
		go inputPump()
	}

	result := <-ch
	if result.err != nil {
		return callResult{}, result.err
	}
	return result, nil
}

// Metadata queries the plugin's version metadata.
func (pi *PluginInterface) Metadata() (coral.PluginMetadata, error) {
	result, err := pi.call(&protocol.PluginCall{Kind: protocol.CallMetadata}, nil)
	if err != nil {
		return coral.PluginMetadata{}, err
	}
	if result.resp.Error != nil {
		return coral.PluginMetadata{}, NewCommandFailedError(pi.Name(), "metadata", result.resp.Error)
	}
	if result.resp.Metadata == nil {
		return coral.PluginMetadata{}, NewProtocolDecodeError(pi.Name(),
			fmt.Errorf("metadata response missing body"))
	}
	return *result.resp.Metadata, nil
}

// Signatures queries the signatures of every command the plugin provides.
func (pi *PluginInterface) Signatures() ([]coral.Signature, error) {
	result, err := pi.call(&protocol.PluginCall{Kind: protocol.CallSignature}, nil)
	if err != nil {
		return nil, err
	}
	if result.resp.Error != nil {
		return nil, NewCommandFailedError(pi.Name(), "signature", result.resp.Error)
	}
	return result.resp.Signatures, nil
}

// Run invokes one plugin command with the given pipeline input and
// returns its pipeline output. Custom values appearing in the output are
// recorded in the connection's cache before the caller sees them.
func (pi *PluginInterface) Run(name string, call coral.EvaluatedCall, input coral.PipelineData) (coral.PipelineData, error) {
	header, pump, err := protocol.WritePipelineData(input, pi.streams, pi.allocStreamID)
	if err != nil {
		return nil, NewConnectionClosedError(pi.Name(), err)
	}

	body := &protocol.PluginCall{
		Kind: protocol.CallRun,
		Run:  &protocol.CallInfo{Name: name, Call: call, Input: header},
	}
	result, err := pi.call(body, pump)
	if err != nil {
		return nil, err
	}
	if result.resp.Error != nil {
		return nil, NewCommandFailedError(pi.Name(), name, result.resp.Error)
	}
	if result.data == nil {
		return coral.EmptyData{}, nil
	}
	return pi.trackCustomValues(result.data), nil
}

// CustomValueToBase asks the plugin to render one of its custom values as
// a plain value.
func (pi *PluginInterface) CustomValueToBase(cv coral.CustomValue) (coral.Value, error) {
	op := protocol.OpToBaseValue
	body := &protocol.PluginCall{Kind: protocol.CallCustomValueOp, CustomValue: &cv, Op: &op}
	result, err := pi.call(body, nil)
	if err != nil {
		return coral.Value{}, err
	}
	if result.resp.Error != nil {
		return coral.Value{}, NewCommandFailedError(pi.Name(), "custom value "+cv.Name, result.resp.Error)
	}
	if result.resp.Value == nil {
		return coral.NothingValue(), nil
	}
	return *result.resp.Value, nil
}

// ReleaseCustomValue drops the shell's reference to a cached custom
// value, notifying the plugin if it asked to hear about drops.
func (pi *PluginInterface) ReleaseCustomValue(id uuid.UUID) {
	cv, ok := pi.cache.Remove(id)
	if !ok {
		return
	}
	if !cv.NotifyOnDrop {
		return
	}
	go func() {
		op := protocol.OpDropped
		body := &protocol.PluginCall{Kind: protocol.CallCustomValueOp, CustomValue: &cv, Op: &op}
		if _, err := pi.call(body, nil); err != nil {
			pi.logger.Debug("drop notification failed", "error", err)
		}
	}()
}

// Signal relays a host signal to the plugin. Best effort.
func (pi *PluginInterface) Signal(action protocol.SignalAction) error {
	return pi.writer.WriteEnvelope(protocol.NewSignalEnvelope(action))
}

// goodbyeGracePeriod is how long a plugin gets to drain its in-flight
// calls after Goodbye before its process is killed.
const goodbyeGracePeriod = 2 * time.Second

// Goodbye tells the plugin to drain and exit, closes its stdin, and
// waits out the grace period for a clean exit before tearing the
// connection down.
func (pi *PluginInterface) Goodbye() error {
	pi.mu.Lock()
	if pi.state != stateReady {
		pi.mu.Unlock()
		return nil
	}
	pi.state = stateClosing
	pi.mu.Unlock()

	err := pi.writer.WriteEnvelope(protocol.NewGoodbyeEnvelope())
	if pi.proc != nil {
		pi.proc.drain(goodbyeGracePeriod)
	}
	pi.Shutdown(NewConnectionClosedError(pi.Name(), nil))
	return err
}

// Shutdown fails every pending call and open stream with err, empties the
// custom value cache, and kills the process if one is attached. Safe to
// call more than once; only the first error sticks.
func (pi *PluginInterface) Shutdown(err error) {
	pi.closeOnce.Do(func() {
		pi.mu.Lock()
		pi.state = stateDead
		pi.deadErr = err
		pending := pi.pending
		pi.pending = make(map[protocol.CallID]chan callResult)
		pi.mu.Unlock()

		for _, ch := range pending {
			ch <- callResult{err: err}
		}
		pi.streams.FailAll(err)
		pi.cache.Clear()
		if pi.gc != nil {
			pi.gc.Stop()
		}
		if pi.proc != nil {
			pi.proc.kill()
		}
		pi.logger.Debug("plugin connection closed", "reason", err)
	})
}

// Err reports why the connection died; nil while it is alive.
func (pi *PluginInterface) Err() error {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return pi.deadErr
}

func (pi *PluginInterface) allocStreamID() protocol.StreamID {
	return protocol.StreamID(pi.nextStreamID.Add(1))
}

// trackCustomValues records every custom value in outbound-to-shell data
// in the cache, pinning the process while the shell holds references.
// List streams are re-wrapped so values are tracked as they arrive.
func (pi *PluginInterface) trackCustomValues(data coral.PipelineData) coral.PipelineData {
	switch d := data.(type) {
	case coral.ValueData:
		pi.walkCustomValues(d.Value)
		return d
	case *coral.ListStream:
		out := make(chan coral.Value)
		go func() {
			defer close(out)
			for v := range d.C {
				pi.walkCustomValues(v)
				out <- v
			}
		}()
		return coral.NewListStreamWithErr(out, d.Err)
	default:
		return data
	}
}

func (pi *PluginInterface) walkCustomValues(v coral.Value) {
	switch v.Type {
	case coral.CustomType:
		if v.Custom != nil {
			pi.cache.Insert(*v.Custom)
		}
	case coral.ListType:
		for _, item := range v.List {
			pi.walkCustomValues(item)
		}
	case coral.RecordType:
		for _, item := range v.Record {
			pi.walkCustomValues(item)
		}
	}
}
