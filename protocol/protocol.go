// Package protocol defines the envelope messages exchanged between the
// shell host and a plugin process over its stdio pipe pair, the
// length-prefixed CBOR codec for them, and the stream transport that
// carries pipeline data independently of any single call.
package protocol

import (
	"fmt"

	coral "github.com/coralshell/coral"
)

// Identifiers are monotonically assigned per connection and never reused
// for the lifetime of that connection.
type (
	// CallID correlates a plugin call with its eventual response.
	CallID uint64
	// StreamID names an ordered sequence of data chunks, independent of
	// the call that introduced it.
	StreamID uint64
	// EngineCallID identifies a nested plugin-to-host request issued
	// while a CallID is still open.
	EngineCallID uint64
)

const (
	// ProtocolName is sent in the Hello exchange and must match on both
	// sides.
	ProtocolName = "coral-plugin"
	// ProtocolVersion is the semver protocol version of this build.
	ProtocolVersion = "1.2.0"
)

// MessageType discriminates the closed set of envelope variants.
type MessageType uint8

const (
	MessageHello              MessageType = 0 // first message in each direction
	MessageCall               MessageType = 1 // host → plugin
	MessageCallResponse       MessageType = 2 // plugin → host
	MessageData               MessageType = 3 // either direction, stream chunk
	MessageEnd                MessageType = 4 // either direction, stream terminal marker
	MessageDrop               MessageType = 5 // either direction, consumer cancels a stream
	MessageAck                MessageType = 6 // either direction, flow-control credit
	MessageEngineCall         MessageType = 7 // plugin → host, nested request
	MessageEngineCallResponse MessageType = 8 // host → plugin
	MessageOption             MessageType = 9 // plugin → host, e.g. GC pinning
	MessageSignal             MessageType = 10 // host → plugin
	MessageGoodbye            MessageType = 11 // host → plugin, drain and exit
)

func (t MessageType) String() string {
	switch t {
	case MessageHello:
		return "HELLO"
	case MessageCall:
		return "CALL"
	case MessageCallResponse:
		return "CALL_RESPONSE"
	case MessageData:
		return "DATA"
	case MessageEnd:
		return "END"
	case MessageDrop:
		return "DROP"
	case MessageAck:
		return "ACK"
	case MessageEngineCall:
		return "ENGINE_CALL"
	case MessageEngineCallResponse:
		return "ENGINE_CALL_RESPONSE"
	case MessageOption:
		return "OPTION"
	case MessageSignal:
		return "SIGNAL"
	case MessageGoodbye:
		return "GOODBYE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Envelope is one decoded protocol message. Type selects which id and body
// fields are meaningful; the codec enforces the required fields per type.
type Envelope struct {
	Type               MessageType
	CallID             *CallID
	EngineCallID       *EngineCallID
	StreamID           *StreamID
	Hello              *Hello
	Call               *PluginCall
	Response           *CallResponse
	Data               *StreamData
	EngineCall         *EngineCall
	EngineCallResponse *EngineCallResponse
	Option             *Option
	Signal             *SignalAction
}

// Hello opens the byte stream in each direction. Both sides verify the
// protocol name and version compatibility before any other traffic.
type Hello struct {
	Protocol string   `cbor:"protocol"`
	Version  string   `cbor:"version"`
	Features []string `cbor:"features,omitempty"`
}

// LocalHello is the Hello this build sends.
func LocalHello() *Hello {
	return &Hello{Protocol: ProtocolName, Version: ProtocolVersion}
}

// IsCompatibleWith checks whether a peer speaking the remote version can
// talk to this side: same protocol name, same major version, and for the
// unstable 0.x range the minor must match too.
func (h *Hello) IsCompatibleWith(remote *Hello) error {
	if h.Protocol != remote.Protocol {
		return fmt.Errorf("protocol name mismatch: %q vs %q", h.Protocol, remote.Protocol)
	}
	lMaj, lMin, err := parseSemver(h.Version)
	if err != nil {
		return err
	}
	rMaj, rMin, err := parseSemver(remote.Version)
	if err != nil {
		return err
	}
	if lMaj != rMaj || (lMaj == 0 && lMin != rMin) {
		return fmt.Errorf("incompatible protocol versions: local %s, remote %s", h.Version, remote.Version)
	}
	return nil
}

func parseSemver(v string) (major, minor int, err error) {
	var patch int
	if _, err := fmt.Sscanf(v, "%d.%d.%d", &major, &minor, &patch); err != nil {
		return 0, 0, fmt.Errorf("invalid protocol version %q: %w", v, err)
	}
	return major, minor, nil
}

// CallKind discriminates the operations a host can ask of a plugin.
type CallKind uint8

const (
	CallMetadata      CallKind = 0
	CallSignature     CallKind = 1
	CallRun           CallKind = 2
	CallCustomValueOp CallKind = 3
)

func (k CallKind) String() string {
	switch k {
	case CallMetadata:
		return "Metadata"
	case CallSignature:
		return "Signature"
	case CallRun:
		return "Run"
	case CallCustomValueOp:
		return "CustomValueOp"
	default:
		return fmt.Sprintf("CallKind(%d)", uint8(k))
	}
}

// CustomValueOp is an operation on a plugin-owned custom value.
type CustomValueOp uint8

const (
	// OpToBaseValue asks the plugin to render the custom value as a plain
	// shell value.
	OpToBaseValue CustomValueOp = 0
	// OpDropped notifies the plugin that the host released its last
	// reference to the custom value.
	OpDropped CustomValueOp = 1
)

func (op CustomValueOp) String() string {
	switch op {
	case OpToBaseValue:
		return "to_base_value"
	case OpDropped:
		return "dropped"
	default:
		return fmt.Sprintf("custom_value_op(%d)", uint8(op))
	}
}

// CallInfo carries one Run invocation: the command name, the evaluated
// arguments, and the pipeline input (inline or as a stream header).
type CallInfo struct {
	Name  string              `cbor:"name"`
	Call  coral.EvaluatedCall `cbor:"call"`
	Input PipelineDataHeader  `cbor:"input"`
}

// PluginCall is the body of a MessageCall envelope.
type PluginCall struct {
	Kind        CallKind           `cbor:"kind"`
	Run         *CallInfo          `cbor:"run,omitempty"`
	CustomValue *coral.CustomValue `cbor:"custom_value,omitempty"`
	Op          *CustomValueOp     `cbor:"op,omitempty"`
}

// DataHeaderKind discriminates how pipeline data is carried.
type DataHeaderKind uint8

const (
	HeaderEmpty      DataHeaderKind = 0
	HeaderValue      DataHeaderKind = 1
	HeaderListStream DataHeaderKind = 2
	HeaderByteStream DataHeaderKind = 3
)

// PipelineDataHeader is the wire form of pipeline data: either an inline
// value or a reference to a stream whose chunks follow as Data messages.
type PipelineDataHeader struct {
	Kind   DataHeaderKind `cbor:"kind"`
	Value  *coral.Value   `cbor:"value,omitempty"`
	Stream *StreamID      `cbor:"stream,omitempty"`
}

func EmptyHeader() PipelineDataHeader {
	return PipelineDataHeader{Kind: HeaderEmpty}
}

func ValueHeader(v coral.Value) PipelineDataHeader {
	return PipelineDataHeader{Kind: HeaderValue, Value: &v}
}

func ListStreamHeader(id StreamID) PipelineDataHeader {
	return PipelineDataHeader{Kind: HeaderListStream, Stream: &id}
}

func ByteStreamHeader(id StreamID) PipelineDataHeader {
	return PipelineDataHeader{Kind: HeaderByteStream, Stream: &id}
}

// StreamRef returns the stream id embedded in the header, if any.
func (h PipelineDataHeader) StreamRef() (StreamID, bool) {
	if h.Stream == nil {
		return 0, false
	}
	return *h.Stream, true
}

// CallResponse is the body of a MessageCallResponse envelope. Exactly one
// field is set; a Run response with Data referencing a stream means the
// chunks follow under that StreamID.
type CallResponse struct {
	Error      *coral.LabeledError   `cbor:"error,omitempty"`
	Metadata   *coral.PluginMetadata `cbor:"metadata,omitempty"`
	Signatures []coral.Signature     `cbor:"signatures,omitempty"`
	Value      *coral.Value          `cbor:"value,omitempty"`
	Data       *PipelineDataHeader   `cbor:"data,omitempty"`
}

// StreamDataKind discriminates the two chunk payloads.
type StreamDataKind uint8

const (
	StreamList StreamDataKind = 0
	StreamRaw  StreamDataKind = 1
)

// StreamData is one chunk of a stream: a structured value for list
// streams, or a byte slice (or mid-stream error) for byte streams.
type StreamData struct {
	Kind StreamDataKind      `cbor:"kind"`
	List *coral.Value        `cbor:"list,omitempty"`
	Raw  []byte              `cbor:"raw,omitempty"`
	Err  *coral.LabeledError `cbor:"err,omitempty"`
}

func ListData(v coral.Value) StreamData {
	return StreamData{Kind: StreamList, List: &v}
}

func RawData(b []byte) StreamData {
	return StreamData{Kind: StreamRaw, Raw: b}
}

func RawErrData(err *coral.LabeledError) StreamData {
	return StreamData{Kind: StreamRaw, Err: err}
}

// EngineCallKind is the fixed vocabulary of nested plugin-to-host
// requests.
type EngineCallKind uint8

const (
	EngineGetConfig       EngineCallKind = 0
	EngineGetPluginConfig EngineCallKind = 1
	EngineGetEnvVar       EngineCallKind = 2
	EngineGetEnvVars      EngineCallKind = 3
	EngineAddEnvVar       EngineCallKind = 4
	EngineGetCurrentDir   EngineCallKind = 5
	EngineEvalClosure     EngineCallKind = 6
)

func (k EngineCallKind) String() string {
	switch k {
	case EngineGetConfig:
		return "GetConfig"
	case EngineGetPluginConfig:
		return "GetPluginConfig"
	case EngineGetEnvVar:
		return "GetEnvVar"
	case EngineGetEnvVars:
		return "GetEnvVars"
	case EngineAddEnvVar:
		return "AddEnvVar"
	case EngineGetCurrentDir:
		return "GetCurrentDir"
	case EngineEvalClosure:
		return "EvalClosure"
	default:
		return fmt.Sprintf("EngineCall(%d)", uint8(k))
	}
}

// EngineCall is the body of a MessageEngineCall envelope. It is scoped to
// the CallID carried alongside it in the envelope.
type EngineCall struct {
	Kind       EngineCallKind      `cbor:"kind"`
	Name       string              `cbor:"name,omitempty"`
	Value      *coral.Value        `cbor:"value,omitempty"`
	Closure    *coral.Value        `cbor:"closure,omitempty"`
	Positional []coral.Value       `cbor:"positional,omitempty"`
	Input      *PipelineDataHeader `cbor:"input,omitempty"`
}

// EngineCallResponse is the body of a MessageEngineCallResponse envelope.
// All fields nil means the call succeeded with no result (e.g. AddEnvVar).
type EngineCallResponse struct {
	Error *coral.LabeledError `cbor:"error,omitempty"`
	Value *coral.Value        `cbor:"value,omitempty"`
	Data  *PipelineDataHeader `cbor:"data,omitempty"`
}

// Option is a fire-and-forget setting pushed by the plugin.
type Option struct {
	// GcDisabled pins the plugin process against idle collection while
	// true, independent of the host-side custom value cache.
	GcDisabled *bool `cbor:"gc_disabled,omitempty"`
}

// SignalAction relays a host signal to the plugin.
type SignalAction uint8

const (
	SignalInterrupt SignalAction = 0
	SignalReset     SignalAction = 1
)

func (s SignalAction) String() string {
	switch s {
	case SignalInterrupt:
		return "interrupt"
	case SignalReset:
		return "reset"
	default:
		return fmt.Sprintf("signal(%d)", uint8(s))
	}
}

// Envelope constructors. Each produces a fully-formed envelope for one
// message type; the codec rejects anything else.

func NewHelloEnvelope(h *Hello) *Envelope {
	return &Envelope{Type: MessageHello, Hello: h}
}

func NewCallEnvelope(id CallID, call *PluginCall) *Envelope {
	return &Envelope{Type: MessageCall, CallID: &id, Call: call}
}

func NewCallResponseEnvelope(id CallID, resp *CallResponse) *Envelope {
	return &Envelope{Type: MessageCallResponse, CallID: &id, Response: resp}
}

func NewDataEnvelope(id StreamID, data StreamData) *Envelope {
	return &Envelope{Type: MessageData, StreamID: &id, Data: &data}
}

func NewEndEnvelope(id StreamID) *Envelope {
	return &Envelope{Type: MessageEnd, StreamID: &id}
}

func NewDropEnvelope(id StreamID) *Envelope {
	return &Envelope{Type: MessageDrop, StreamID: &id}
}

func NewAckEnvelope(id StreamID) *Envelope {
	return &Envelope{Type: MessageAck, StreamID: &id}
}

func NewEngineCallEnvelope(context CallID, id EngineCallID, call *EngineCall) *Envelope {
	return &Envelope{Type: MessageEngineCall, CallID: &context, EngineCallID: &id, EngineCall: call}
}

func NewEngineCallResponseEnvelope(id EngineCallID, resp *EngineCallResponse) *Envelope {
	return &Envelope{Type: MessageEngineCallResponse, EngineCallID: &id, EngineCallResponse: resp}
}

func NewOptionEnvelope(opt Option) *Envelope {
	return &Envelope{Type: MessageOption, Option: &opt}
}

func NewSignalEnvelope(action SignalAction) *Envelope {
	return &Envelope{Type: MessageSignal, Signal: &action}
}

func NewGoodbyeEnvelope() *Envelope {
	return &Envelope{Type: MessageGoodbye}
}
