// Package runtime is the plugin-side half of the plugin protocol: plugin
// executables build their commands against it and hand control to Serve,
// which speaks to the host over stdin and stdout for the life of the
// process.
package runtime

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	coral "github.com/coralshell/coral"
	"github.com/coralshell/coral/protocol"
)

// Command is one command a plugin provides.
type Command interface {
	Signature() coral.Signature
	Run(engine *EngineInterface, call *coral.EvaluatedCall, input coral.PipelineData) (coral.PipelineData, error)
}

// Plugin is the executable's registration surface.
type Plugin interface {
	Metadata() coral.PluginMetadata
	Commands() []Command
}

// CustomValuePlugin is implemented by plugins that emit custom values.
type CustomValuePlugin interface {
	Plugin
	CustomValueToBase(cv coral.CustomValue) (coral.Value, error)
	CustomValueDropped(cv coral.CustomValue)
}

// SignalHandler is implemented by plugins that react to host signals.
type SignalHandler interface {
	Plugin
	HandleSignal(action protocol.SignalAction)
}

// Serve runs the plugin over the process's stdin and stdout. It returns
// after the host says goodbye or the pipe breaks, with all in-flight
// calls drained.
func Serve(p Plugin) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return ServeOn(p, os.Stdin, os.Stdout, logger)
}

// ServeOn runs the plugin over an explicit pipe pair.
func ServeOn(p Plugin, r io.Reader, w io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	writer := protocol.NewEnvelopeWriter(w)
	reader := protocol.NewEnvelopeReader(r)

	if _, err := protocol.HandshakeAccept(reader, writer); err != nil {
		return err
	}

	commands := make(map[string]Command)
	for _, cmd := range p.Commands() {
		commands[cmd.Signature().Name] = cmd
	}

	srv := &server{
		plugin:        p,
		commands:      commands,
		writer:        writer,
		streams:       protocol.NewStreamManager(writer),
		pendingEngine: make(map[protocol.EngineCallID]chan engineResult),
		logger:        logger,
	}
	return srv.loop(reader)
}

type engineResult struct {
	value *coral.Value
	data  coral.PipelineData
	err   error
}

type server struct {
	plugin   Plugin
	commands map[string]Command
	writer   *protocol.EnvelopeWriter
	streams  *protocol.StreamManager
	logger   *slog.Logger

	nextStreamID     atomic.Uint64
	nextEngineCallID atomic.Uint64

	mu            sync.Mutex
	pendingEngine map[protocol.EngineCallID]chan engineResult

	calls sync.WaitGroup
}

// loop is the plugin's single reader. Call handlers run on their own
// goroutines; everything stream- and correlation-ordered happens here.
func (s *server) loop(reader *protocol.EnvelopeReader) error {
	defer s.calls.Wait()
	for {
		env, err := reader.ReadEnvelope()
		if err != nil {
			s.streams.FailAll(err)
			s.failPendingEngine(err)
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch env.Type {
		case protocol.MessageCall:
			s.dispatchCall(*env.CallID, env.Call)
		case protocol.MessageData:
			if err := s.streams.HandleData(*env.StreamID, *env.Data); err != nil {
				s.logger.Warn("bad stream data", "error", err)
			}
		case protocol.MessageEnd:
			if err := s.streams.HandleEnd(*env.StreamID); err != nil {
				s.logger.Warn("bad stream end", "error", err)
			}
		case protocol.MessageAck:
			_ = s.streams.HandleAck(*env.StreamID)
		case protocol.MessageDrop:
			_ = s.streams.HandleDrop(*env.StreamID)
		case protocol.MessageEngineCallResponse:
			s.handleEngineCallResponse(*env.EngineCallID, env.EngineCallResponse)
		case protocol.MessageSignal:
			if h, ok := s.plugin.(SignalHandler); ok && env.Signal != nil {
				h.HandleSignal(*env.Signal)
			}
		case protocol.MessageGoodbye:
			s.streams.FailAll(io.EOF)
			s.failPendingEngine(io.EOF)
			return nil
		default:
			s.logger.Warn("unexpected message from host", "type", env.Type.String())
		}
	}
}

// dispatchCall registers any input stream on the reader goroutine, then
// hands the call to a worker.
func (s *server) dispatchCall(id protocol.CallID, call *protocol.PluginCall) {
	var input coral.PipelineData = coral.EmptyData{}
	if call.Kind == protocol.CallRun && call.Run != nil {
		data, err := protocol.ReadPipelineData(call.Run.Input, s.streams)
		if err != nil {
			s.respond(id, &protocol.CallResponse{Error: coral.LabeledErrorFromGo(err)})
			return
		}
		input = data
	}

	s.calls.Add(1)
	go func() {
		defer s.calls.Done()
		s.handleCall(id, call, input)
	}()
}

func (s *server) handleCall(id protocol.CallID, call *protocol.PluginCall, input coral.PipelineData) {
	defer func() {
		if r := recover(); r != nil {
			protocol.DropPipelineData(input)
			s.respond(id, &protocol.CallResponse{
				Error: coral.NewLabeledError(fmt.Sprintf("plugin panicked: %v", r)),
			})
		}
	}()

	switch call.Kind {
	case protocol.CallMetadata:
		md := s.plugin.Metadata()
		s.respond(id, &protocol.CallResponse{Metadata: &md})
	case protocol.CallSignature:
		sigs := make([]coral.Signature, 0, len(s.commands))
		for _, cmd := range s.plugin.Commands() {
			sigs = append(sigs, cmd.Signature())
		}
		s.respond(id, &protocol.CallResponse{Signatures: sigs})
	case protocol.CallRun:
		s.handleRun(id, call.Run, input)
	case protocol.CallCustomValueOp:
		s.handleCustomValueOp(id, call)
	default:
		s.respond(id, &protocol.CallResponse{
			Error: coral.NewLabeledError(fmt.Sprintf("unsupported call kind %d", call.Kind)),
		})
	}
}

func (s *server) handleRun(id protocol.CallID, run *protocol.CallInfo, input coral.PipelineData) {
	if run == nil {
		protocol.DropPipelineData(input)
		s.respond(id, &protocol.CallResponse{Error: coral.NewLabeledError("run call missing body")})
		return
	}
	cmd, ok := s.commands[run.Name]
	if !ok {
		// The host may already be pumping stream input for this call;
		// drop it so that pump is not left waiting on credits.
		protocol.DropPipelineData(input)
		s.respond(id, &protocol.CallResponse{
			Error: coral.NewLabeledError(fmt.Sprintf("no such command: %s", run.Name)),
		})
		return
	}

	engine := &EngineInterface{srv: s, callID: id}
	result, err := cmd.Run(engine, &run.Call, input)
	if err != nil {
		protocol.DropPipelineData(input)
		s.respond(id, &protocol.CallResponse{Error: coral.LabeledErrorFromGo(err)})
		return
	}

	header, pump, err := protocol.WritePipelineData(result, s.streams, s.allocStreamID)
	if err != nil {
		s.respond(id, &protocol.CallResponse{Error: coral.LabeledErrorFromGo(err)})
		return
	}
	s.respond(id, &protocol.CallResponse{Data: &header})
	if pump != nil {
		pump()
	}
}

func (s *server) handleCustomValueOp(id protocol.CallID, call *protocol.PluginCall) {
	cvp, ok := s.plugin.(CustomValuePlugin)
	if !ok || call.CustomValue == nil || call.Op == nil {
		s.respond(id, &protocol.CallResponse{
			Error: coral.NewLabeledError("plugin does not support custom values"),
		})
		return
	}
	switch *call.Op {
	case protocol.OpToBaseValue:
		v, err := cvp.CustomValueToBase(*call.CustomValue)
		if err != nil {
			s.respond(id, &protocol.CallResponse{Error: coral.LabeledErrorFromGo(err)})
			return
		}
		s.respond(id, &protocol.CallResponse{Value: &v})
	case protocol.OpDropped:
		cvp.CustomValueDropped(*call.CustomValue)
		s.respond(id, &protocol.CallResponse{})
	default:
		s.respond(id, &protocol.CallResponse{
			Error: coral.NewLabeledError(fmt.Sprintf("unknown custom value op %d", *call.Op)),
		})
	}
}

func (s *server) respond(id protocol.CallID, resp *protocol.CallResponse) {
	if err := s.writer.WriteEnvelope(protocol.NewCallResponseEnvelope(id, resp)); err != nil {
		s.logger.Warn("response write failed", "error", err)
	}
}

func (s *server) allocStreamID() protocol.StreamID {
	return protocol.StreamID(s.nextStreamID.Add(1))
}

// handleEngineCallResponse converts any stream header on the reader
// goroutine, then fulfills the waiting caller.
func (s *server) handleEngineCallResponse(id protocol.EngineCallID, resp *protocol.EngineCallResponse) {
	s.mu.Lock()
	ch, ok := s.pendingEngine[id]
	delete(s.pendingEngine, id)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("engine call response for unknown id", "engine_call_id", uint64(id))
		return
	}

	result := engineResult{value: resp.Value}
	if resp.Error != nil {
		result.err = resp.Error
	} else if resp.Data != nil {
		data, err := protocol.ReadPipelineData(*resp.Data, s.streams)
		if err != nil {
			result.err = err
		} else {
			result.data = data
		}
	}
	ch <- result
}

func (s *server) failPendingEngine(err error) {
	s.mu.Lock()
	pending := s.pendingEngine
	s.pendingEngine = make(map[protocol.EngineCallID]chan engineResult)
	s.mu.Unlock()
	for _, ch := range pending {
		ch <- engineResult{err: err}
	}
}

// engineCall performs one nested request to the host on behalf of callID.
func (s *server) engineCall(callID protocol.CallID, ec *protocol.EngineCall, inputPump func()) (engineResult, error) {
	id := protocol.EngineCallID(s.nextEngineCallID.Add(1))
	ch := make(chan engineResult, 1)
	s.mu.Lock()
	s.pendingEngine[id] = ch
	s.mu.Unlock()

	if err := s.writer.WriteEnvelope(protocol.NewEngineCallEnvelope(callID, id, ec)); err != nil {
		s.mu.Lock()
		delete(s.pendingEngine, id)
		s.mu.Unlock()
		return engineResult{}, err
	}
	if inputPump != nil {
		go inputPump()
	}

	result := <-ch
	if result.err != nil {
		return engineResult{}, result.err
	}
	return result, nil
}

// SetGcDisabled pins or unpins this plugin's process against the host's
// idle collector. Fire and forget.
func (s *server) setGcDisabled(disabled bool) error {
	return s.writer.WriteEnvelope(protocol.NewOptionEnvelope(protocol.Option{GcDisabled: &disabled}))
}
