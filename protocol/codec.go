package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// WireVersion is the envelope layout version, checked on every decode.
const WireVersion = 1

// Envelope CBOR map keys. The outer envelope uses integer keys to keep
// frames small; the nested body is itself CBOR with named keys.
const (
	keyVersion      = 0 // version (u8, always WireVersion)
	keyType         = 1 // message type (u8)
	keyCallID       = 2 // call id (u64, for CALL/CALL_RESPONSE/ENGINE_CALL)
	keyEngineCallID = 3 // engine call id (u64)
	keyStreamID     = 4 // stream id (u64, for DATA/END/DROP/ACK)
	keyBody         = 5 // body (bstr, CBOR-encoded typed payload)
)

// EncodeEnvelope serializes an envelope to CBOR bytes. Absent ids and an
// absent body omit their keys entirely.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	m := make(map[int]interface{}, 4)
	m[keyVersion] = uint8(WireVersion)
	m[keyType] = uint8(env.Type)

	if env.CallID != nil {
		m[keyCallID] = uint64(*env.CallID)
	}
	if env.EngineCallID != nil {
		m[keyEngineCallID] = uint64(*env.EngineCallID)
	}
	if env.StreamID != nil {
		m[keyStreamID] = uint64(*env.StreamID)
	}

	body, err := encodeBody(env)
	if err != nil {
		return nil, err
	}
	if body != nil {
		m[keyBody] = body
	}

	return cbor.Marshal(m)
}

func encodeBody(env *Envelope) ([]byte, error) {
	var payload interface{}
	switch env.Type {
	case MessageHello:
		if env.Hello == nil {
			return nil, errors.New("HELLO envelope missing body")
		}
		payload = env.Hello
	case MessageCall:
		if env.Call == nil {
			return nil, errors.New("CALL envelope missing body")
		}
		payload = env.Call
	case MessageCallResponse:
		if env.Response == nil {
			return nil, errors.New("CALL_RESPONSE envelope missing body")
		}
		payload = env.Response
	case MessageData:
		if env.Data == nil {
			return nil, errors.New("DATA envelope missing body")
		}
		payload = env.Data
	case MessageEngineCall:
		if env.EngineCall == nil {
			return nil, errors.New("ENGINE_CALL envelope missing body")
		}
		payload = env.EngineCall
	case MessageEngineCallResponse:
		if env.EngineCallResponse == nil {
			return nil, errors.New("ENGINE_CALL_RESPONSE envelope missing body")
		}
		payload = env.EngineCallResponse
	case MessageOption:
		if env.Option == nil {
			return nil, errors.New("OPTION envelope missing body")
		}
		payload = env.Option
	case MessageSignal:
		if env.Signal == nil {
			return nil, errors.New("SIGNAL envelope missing body")
		}
		payload = uint8(*env.Signal)
	case MessageEnd, MessageDrop, MessageAck, MessageGoodbye:
		return nil, nil
	default:
		return nil, fmt.Errorf("cannot encode unknown message type %d", env.Type)
	}
	return cbor.Marshal(payload)
}

// DecodeEnvelope parses CBOR bytes into an envelope, validating the wire
// version, the message type, and the per-type required fields.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var m map[int]cbor.RawMessage
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	var version uint8
	raw, ok := m[keyVersion]
	if !ok {
		return nil, errors.New("missing version (key 0)")
	}
	if err := cbor.Unmarshal(raw, &version); err != nil {
		return nil, fmt.Errorf("invalid version: %w", err)
	}
	if version != WireVersion {
		return nil, fmt.Errorf("unsupported wire version %d, expected %d", version, WireVersion)
	}

	raw, ok = m[keyType]
	if !ok {
		return nil, errors.New("missing message type (key 1)")
	}
	var typ uint8
	if err := cbor.Unmarshal(raw, &typ); err != nil {
		return nil, fmt.Errorf("invalid message type: %w", err)
	}
	if typ > uint8(MessageGoodbye) {
		return nil, fmt.Errorf("unknown message type %d", typ)
	}

	env := &Envelope{Type: MessageType(typ)}

	if raw, ok := m[keyCallID]; ok {
		var id uint64
		if err := cbor.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("invalid call id: %w", err)
		}
		cid := CallID(id)
		env.CallID = &cid
	}
	if raw, ok := m[keyEngineCallID]; ok {
		var id uint64
		if err := cbor.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("invalid engine call id: %w", err)
		}
		eid := EngineCallID(id)
		env.EngineCallID = &eid
	}
	if raw, ok := m[keyStreamID]; ok {
		var id uint64
		if err := cbor.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("invalid stream id: %w", err)
		}
		sid := StreamID(id)
		env.StreamID = &sid
	}

	var body []byte
	if raw, ok := m[keyBody]; ok {
		if err := cbor.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("invalid body: %w", err)
		}
	}

	if err := decodeBody(env, body); err != nil {
		return nil, err
	}
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	return env, nil
}

func decodeBody(env *Envelope, body []byte) error {
	needBody := func() error {
		if body == nil {
			return fmt.Errorf("%s envelope missing body", env.Type)
		}
		return nil
	}
	switch env.Type {
	case MessageHello:
		if err := needBody(); err != nil {
			return err
		}
		env.Hello = new(Hello)
		return cbor.Unmarshal(body, env.Hello)
	case MessageCall:
		if err := needBody(); err != nil {
			return err
		}
		env.Call = new(PluginCall)
		return cbor.Unmarshal(body, env.Call)
	case MessageCallResponse:
		if err := needBody(); err != nil {
			return err
		}
		env.Response = new(CallResponse)
		return cbor.Unmarshal(body, env.Response)
	case MessageData:
		if err := needBody(); err != nil {
			return err
		}
		env.Data = new(StreamData)
		return cbor.Unmarshal(body, env.Data)
	case MessageEngineCall:
		if err := needBody(); err != nil {
			return err
		}
		env.EngineCall = new(EngineCall)
		return cbor.Unmarshal(body, env.EngineCall)
	case MessageEngineCallResponse:
		if err := needBody(); err != nil {
			return err
		}
		env.EngineCallResponse = new(EngineCallResponse)
		return cbor.Unmarshal(body, env.EngineCallResponse)
	case MessageOption:
		if err := needBody(); err != nil {
			return err
		}
		env.Option = new(Option)
		return cbor.Unmarshal(body, env.Option)
	case MessageSignal:
		if err := needBody(); err != nil {
			return err
		}
		var action uint8
		if err := cbor.Unmarshal(body, &action); err != nil {
			return fmt.Errorf("invalid signal body: %w", err)
		}
		s := SignalAction(action)
		env.Signal = &s
		return nil
	default:
		return nil
	}
}

// validateEnvelope checks per-type required correlation ids.
func validateEnvelope(env *Envelope) error {
	switch env.Type {
	case MessageCall, MessageCallResponse:
		if env.CallID == nil {
			return fmt.Errorf("%s envelope missing call id", env.Type)
		}
	case MessageData, MessageEnd, MessageDrop, MessageAck:
		if env.StreamID == nil {
			return fmt.Errorf("%s envelope missing stream id", env.Type)
		}
	case MessageEngineCall:
		if env.CallID == nil || env.EngineCallID == nil {
			return fmt.Errorf("%s envelope missing correlation ids", env.Type)
		}
	case MessageEngineCallResponse:
		if env.EngineCallID == nil {
			return fmt.Errorf("%s envelope missing engine call id", env.Type)
		}
	}
	return nil
}
