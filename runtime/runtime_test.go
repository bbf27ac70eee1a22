package runtime

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	coral "github.com/coralshell/coral"
	"github.com/coralshell/coral/protocol"
)

// fakeHost drives ServeOn directly through the wire protocol.
type fakeHost struct {
	t      *testing.T
	reader *protocol.EnvelopeReader
	writer *protocol.EnvelopeWriter
	done   chan error
}

func startFakeHost(t *testing.T, p Plugin) *fakeHost {
	t.Helper()
	hostIn, pluginOut := io.Pipe()
	pluginIn, hostOut := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- ServeOn(p, pluginIn, pluginOut, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	fh := &fakeHost{
		t:      t,
		reader: protocol.NewEnvelopeReader(hostIn),
		writer: protocol.NewEnvelopeWriter(hostOut),
		done:   done,
	}
	if _, err := protocol.HandshakeInitiate(fh.reader, fh.writer); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	t.Cleanup(func() {
		hostIn.Close()
		hostOut.Close()
	})
	return fh
}

func (fh *fakeHost) send(env *protocol.Envelope) {
	fh.t.Helper()
	if err := fh.writer.WriteEnvelope(env); err != nil {
		fh.t.Fatalf("send failed: %v", err)
	}
}

func (fh *fakeHost) recv() *protocol.Envelope {
	fh.t.Helper()
	env, err := fh.reader.ReadEnvelope()
	if err != nil {
		fh.t.Fatalf("recv failed: %v", err)
	}
	return env
}

type simplePlugin struct{ panicOnRun bool }

func (simplePlugin) Metadata() coral.PluginMetadata {
	return coral.PluginMetadata{Version: "9.9.9"}
}

func (p simplePlugin) Commands() []Command {
	return []Command{upperCmd{panic: p.panicOnRun}}
}

type upperCmd struct{ panic bool }

func (upperCmd) Signature() coral.Signature {
	return coral.NewSignature("upper").WithDescription("Uppercase the input")
}

func (c upperCmd) Run(engine *EngineInterface, call *coral.EvaluatedCall, input coral.PipelineData) (coral.PipelineData, error) {
	if c.panic {
		panic("boom")
	}
	v, err := coral.Collect(input)
	if err != nil {
		return nil, err
	}
	return coral.ValueData{Value: coral.StringValue(strings.ToUpper(v.Str))}, nil
}

func TestServeAnswersMetadata(t *testing.T) {
	fh := startFakeHost(t, simplePlugin{})

	fh.send(protocol.NewCallEnvelope(1, &protocol.PluginCall{Kind: protocol.CallMetadata}))
	env := fh.recv()
	if env.Type != protocol.MessageCallResponse || *env.CallID != 1 {
		t.Fatalf("unexpected envelope %s", env.Type)
	}
	if env.Response.Metadata == nil || env.Response.Metadata.Version != "9.9.9" {
		t.Errorf("metadata mismatch: %+v", env.Response.Metadata)
	}
}

func TestServeAnswersSignatures(t *testing.T) {
	fh := startFakeHost(t, simplePlugin{})

	fh.send(protocol.NewCallEnvelope(1, &protocol.PluginCall{Kind: protocol.CallSignature}))
	env := fh.recv()
	if len(env.Response.Signatures) != 1 || env.Response.Signatures[0].Name != "upper" {
		t.Errorf("signature mismatch: %+v", env.Response.Signatures)
	}
}

func TestServeRunsCommand(t *testing.T) {
	fh := startFakeHost(t, simplePlugin{})

	input := protocol.ValueHeader(coral.StringValue("shout"))
	fh.send(protocol.NewCallEnvelope(2, &protocol.PluginCall{
		Kind: protocol.CallRun,
		Run:  &protocol.CallInfo{Name: "upper", Input: input},
	}))
	env := fh.recv()
	if env.Response.Error != nil {
		t.Fatalf("unexpected error: %v", env.Response.Error)
	}
	if env.Response.Data == nil || env.Response.Data.Kind != protocol.HeaderValue {
		t.Fatalf("expected inline value response, got %+v", env.Response.Data)
	}
	if env.Response.Data.Value.Str != "SHOUT" {
		t.Errorf("unexpected output %s", env.Response.Data.Value.DebugString())
	}
}

func TestServeReportsUnknownCommand(t *testing.T) {
	fh := startFakeHost(t, simplePlugin{})

	fh.send(protocol.NewCallEnvelope(3, &protocol.PluginCall{
		Kind: protocol.CallRun,
		Run:  &protocol.CallInfo{Name: "nope", Input: protocol.EmptyHeader()},
	}))
	env := fh.recv()
	if env.Response.Error == nil || !strings.Contains(env.Response.Error.Msg, "no such command") {
		t.Errorf("expected unknown command error, got %+v", env.Response)
	}
}

func TestServeDropsInputStreamForUnknownCommand(t *testing.T) {
	fh := startFakeHost(t, simplePlugin{})

	fh.send(protocol.NewCallEnvelope(5, &protocol.PluginCall{
		Kind: protocol.CallRun,
		Run:  &protocol.CallInfo{Name: "nope", Input: protocol.ListStreamHeader(1)},
	}))

	// The plugin must both report the error and drop the input stream it
	// will never read, so the host's pump is not left waiting on credits.
	var sawError, sawDrop bool
	for !sawError || !sawDrop {
		env := fh.recv()
		switch env.Type {
		case protocol.MessageCallResponse:
			if env.Response.Error == nil || !strings.Contains(env.Response.Error.Msg, "no such command") {
				t.Fatalf("expected unknown command error, got %+v", env.Response)
			}
			sawError = true
		case protocol.MessageDrop:
			if *env.StreamID != 1 {
				t.Fatalf("drop for unexpected stream %d", *env.StreamID)
			}
			sawDrop = true
		default:
			t.Fatalf("unexpected envelope %s", env.Type)
		}
	}

	// After the drop, chunks still in flight are discarded quietly.
	fh.send(protocol.NewDataEnvelope(1, protocol.ListData(coral.IntValue(1))))
	fh.send(protocol.NewEndEnvelope(1))
	fh.send(protocol.NewCallEnvelope(6, &protocol.PluginCall{Kind: protocol.CallMetadata}))
	env := fh.recv()
	if env.Type != protocol.MessageCallResponse || *env.CallID != 6 {
		t.Fatalf("connection unusable after dropped input: got %s", env.Type)
	}
}

func TestServeRecoversFromPanic(t *testing.T) {
	fh := startFakeHost(t, simplePlugin{panicOnRun: true})

	fh.send(protocol.NewCallEnvelope(4, &protocol.PluginCall{
		Kind: protocol.CallRun,
		Run:  &protocol.CallInfo{Name: "upper", Input: protocol.EmptyHeader()},
	}))
	env := fh.recv()
	if env.Response.Error == nil || !strings.Contains(env.Response.Error.Msg, "panicked") {
		t.Errorf("expected panic error response, got %+v", env.Response)
	}
}

func TestServeStopsOnGoodbye(t *testing.T) {
	fh := startFakeHost(t, simplePlugin{})

	fh.send(protocol.NewGoodbyeEnvelope())
	select {
	case err := <-fh.done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve loop did not stop on goodbye")
	}
}

func TestServeStopsOnEOF(t *testing.T) {
	hostIn, pluginOut := io.Pipe()
	pluginIn, hostOut := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- ServeOn(simplePlugin{}, pluginIn, pluginOut, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()
	reader := protocol.NewEnvelopeReader(hostIn)
	writer := protocol.NewEnvelopeWriter(hostOut)
	if _, err := protocol.HandshakeInitiate(reader, writer); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	hostOut.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean EOF shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve loop did not stop on EOF")
	}
	hostIn.Close()
}
