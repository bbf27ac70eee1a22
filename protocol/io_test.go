package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

// TEST201: Writer then reader over a buffer restores the envelope
func Test201_write_read_roundtrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewEnvelopeWriter(&buf)
	r := NewEnvelopeReader(&buf)

	if err := w.WriteEnvelope(NewGoodbyeEnvelope()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	env, err := r.ReadEnvelope()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if env.Type != MessageGoodbye {
		t.Errorf("Type mismatch: got %s", env.Type)
	}
}

// TEST202: Reader rejects a frame whose declared length exceeds the limit
func Test202_reject_oversized_frame(t *testing.T) {
	var buf bytes.Buffer
	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(DefaultMaxFrame+1))
	buf.Write(lengthBuf[:])

	r := NewEnvelopeReader(&buf)
	if _, err := r.ReadEnvelope(); err == nil {
		t.Error("expected oversized frame error")
	}
}

// TEST203: Reader surfaces truncation of the payload as an error
func Test203_truncated_payload(t *testing.T) {
	var buf bytes.Buffer
	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], 100)
	buf.Write(lengthBuf[:])
	buf.Write([]byte{0x01, 0x02})

	r := NewEnvelopeReader(&buf)
	if _, err := r.ReadEnvelope(); err == nil {
		t.Error("expected truncation error")
	}
}

// TEST204: Clean EOF between envelopes is io.EOF, not a decorated error
func Test204_clean_eof(t *testing.T) {
	r := NewEnvelopeReader(bytes.NewReader(nil))
	if _, err := r.ReadEnvelope(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

// TEST205: Host and plugin handshakes agree over a pipe pair
func Test205_handshake(t *testing.T) {
	hostIn, pluginOut := io.Pipe()
	pluginIn, hostOut := io.Pipe()

	done := make(chan error, 1)
	go func() {
		_, err := HandshakeAccept(NewEnvelopeReader(pluginIn), NewEnvelopeWriter(pluginOut))
		done <- err
	}()

	remote, err := HandshakeInitiate(NewEnvelopeReader(hostIn), NewEnvelopeWriter(hostOut))
	if err != nil {
		t.Fatalf("HandshakeInitiate failed: %v", err)
	}
	if remote.Protocol != ProtocolName || remote.Version != ProtocolVersion {
		t.Errorf("unexpected remote hello: %+v", remote)
	}
	if err := <-done; err != nil {
		t.Fatalf("HandshakeAccept failed: %v", err)
	}
}

// TEST206: Handshake fails when the peer sends something other than Hello
func Test206_handshake_wrong_first_message(t *testing.T) {
	hostIn, peerOut := io.Pipe()
	peerIn, hostOut := io.Pipe()

	go func() { _, _ = io.Copy(io.Discard, peerIn) }()
	go func() {
		w := NewEnvelopeWriter(peerOut)
		_ = w.WriteEnvelope(NewGoodbyeEnvelope())
	}()

	if _, err := HandshakeInitiate(NewEnvelopeReader(hostIn), NewEnvelopeWriter(hostOut)); err == nil {
		t.Error("expected handshake failure")
	}
}
