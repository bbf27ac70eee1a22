package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Frame size limits. Every envelope travels as a 4-byte big-endian length
// prefix followed by that many CBOR bytes.
const (
	// DefaultMaxFrame caps a single encoded envelope. Pipeline data larger
	// than this must travel as stream chunks.
	DefaultMaxFrame = 3_670_016
	// MaxFrameHardLimit is never exceeded regardless of configuration.
	MaxFrameHardLimit = 16_777_216
	// DefaultChunkSize is the target chunk payload for byte streams, well
	// under the frame cap once envelope overhead is added.
	DefaultChunkSize = 65_536
)

// EnvelopeReader reads length-prefixed CBOR envelopes from a stream. It is
// not safe for concurrent use; each connection owns exactly one reader
// goroutine.
type EnvelopeReader struct {
	reader   io.Reader
	maxFrame int
}

func NewEnvelopeReader(r io.Reader) *EnvelopeReader {
	return &EnvelopeReader{reader: r, maxFrame: DefaultMaxFrame}
}

// SetMaxFrame overrides the per-envelope size cap, clamped to the hard
// limit.
func (er *EnvelopeReader) SetMaxFrame(n int) {
	if n > MaxFrameHardLimit {
		n = MaxFrameHardLimit
	}
	er.maxFrame = n
}

// ReadEnvelope reads and decodes one envelope. io.EOF is returned
// unchanged when the stream ends cleanly between envelopes.
func (er *EnvelopeReader) ReadEnvelope() (*Envelope, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(er.reader, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if int(length) > er.maxFrame {
		return nil, fmt.Errorf("envelope size %d exceeds max frame limit %d", length, er.maxFrame)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(er.reader, buf); err != nil {
		return nil, fmt.Errorf("truncated envelope: %w", err)
	}

	return DecodeEnvelope(buf)
}

// EnvelopeWriter writes length-prefixed CBOR envelopes to a stream. A
// mutex serializes writers so call responses, stream chunks, and engine
// calls from different goroutines never interleave mid-frame.
type EnvelopeWriter struct {
	mu       sync.Mutex
	writer   io.Writer
	maxFrame int
}

func NewEnvelopeWriter(w io.Writer) *EnvelopeWriter {
	return &EnvelopeWriter{writer: w, maxFrame: DefaultMaxFrame}
}

func (ew *EnvelopeWriter) SetMaxFrame(n int) {
	if n > MaxFrameHardLimit {
		n = MaxFrameHardLimit
	}
	ew.mu.Lock()
	ew.maxFrame = n
	ew.mu.Unlock()
}

// WriteEnvelope encodes and writes one envelope atomically.
func (ew *EnvelopeWriter) WriteEnvelope(env *Envelope) error {
	buf, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}

	ew.mu.Lock()
	defer ew.mu.Unlock()

	if len(buf) > ew.maxFrame {
		return fmt.Errorf("encoded envelope size %d exceeds max frame limit %d", len(buf), ew.maxFrame)
	}

	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(buf)))
	if _, err := ew.writer.Write(lengthBuf[:]); err != nil {
		return err
	}
	if _, err := ew.writer.Write(buf); err != nil {
		return err
	}
	return nil
}

// HandshakeInitiate performs the Hello exchange from the host side: send
// our Hello, read the plugin's, and verify compatibility. Must complete
// before any other envelope in either direction.
func HandshakeInitiate(reader *EnvelopeReader, writer *EnvelopeWriter) (*Hello, error) {
	local := LocalHello()
	if err := writer.WriteEnvelope(NewHelloEnvelope(local)); err != nil {
		return nil, fmt.Errorf("failed to write HELLO: %w", err)
	}

	env, err := reader.ReadEnvelope()
	if err != nil {
		return nil, fmt.Errorf("failed to read HELLO: %w", err)
	}
	if env.Type != MessageHello {
		return nil, fmt.Errorf("expected HELLO, got %s", env.Type)
	}
	if err := local.IsCompatibleWith(env.Hello); err != nil {
		return nil, err
	}
	return env.Hello, nil
}

// HandshakeAccept performs the Hello exchange from the plugin side: read
// the host's Hello, verify compatibility, and answer with ours.
func HandshakeAccept(reader *EnvelopeReader, writer *EnvelopeWriter) (*Hello, error) {
	env, err := reader.ReadEnvelope()
	if err != nil {
		return nil, fmt.Errorf("failed to read HELLO: %w", err)
	}
	if env.Type != MessageHello {
		return nil, fmt.Errorf("expected HELLO, got %s", env.Type)
	}

	local := LocalHello()
	if err := local.IsCompatibleWith(env.Hello); err != nil {
		return nil, err
	}
	if err := writer.WriteEnvelope(NewHelloEnvelope(local)); err != nil {
		return nil, fmt.Errorf("failed to write HELLO response: %w", err)
	}
	return env.Hello, nil
}
