package protocol

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	coral "github.com/coralshell/coral"
)

// streamPair wires two managers together over an in-memory duplex
// connection with a dispatcher goroutine per direction, mimicking how a
// connection's reader loop routes stream traffic.
type streamPair struct {
	producer *StreamManager
	consumer *StreamManager
	close    func()
}

func newStreamPair(t *testing.T) *streamPair {
	t.Helper()
	toConsumer, fromProducer := io.Pipe()
	toProducer, fromConsumer := io.Pipe()

	producerWriter := NewEnvelopeWriter(fromProducer)
	consumerWriter := NewEnvelopeWriter(fromConsumer)
	pm := NewStreamManager(producerWriter)
	cm := NewStreamManager(consumerWriter)

	dispatch := func(r *EnvelopeReader, sm *StreamManager) {
		for {
			env, err := r.ReadEnvelope()
			if err != nil {
				return
			}
			switch env.Type {
			case MessageData:
				_ = sm.HandleData(*env.StreamID, *env.Data)
			case MessageEnd:
				_ = sm.HandleEnd(*env.StreamID)
			case MessageAck:
				_ = sm.HandleAck(*env.StreamID)
			case MessageDrop:
				_ = sm.HandleDrop(*env.StreamID)
			}
		}
	}
	go dispatch(NewEnvelopeReader(toConsumer), cm)
	go dispatch(NewEnvelopeReader(toProducer), pm)

	return &streamPair{
		producer: pm,
		consumer: cm,
		close: func() {
			toConsumer.Close()
			toProducer.Close()
		},
	}
}

// TEST301: A list stream travels end to end in order
func Test301_list_stream_roundtrip(t *testing.T) {
	pair := newStreamPair(t)
	defer pair.close()

	src := make(chan coral.Value, 3)
	src <- coral.IntValue(1)
	src <- coral.IntValue(2)
	src <- coral.IntValue(3)
	close(src)

	header, pump, err := WritePipelineData(coral.NewListStream(src), pair.producer, func() StreamID { return 1 })
	if err != nil {
		t.Fatalf("WritePipelineData failed: %v", err)
	}

	data, err := ReadPipelineData(header, pair.consumer)
	if err != nil {
		t.Fatalf("ReadPipelineData failed: %v", err)
	}
	go pump()

	values, err := coral.ValuesFromList(data.(*coral.ListStream))
	if err != nil {
		t.Fatalf("ValuesFromList failed: %v", err)
	}
	if len(values) != 3 || values[0].Int != 1 || values[2].Int != 3 {
		t.Errorf("unexpected values: %+v", values)
	}
}

// TEST302: A byte stream travels end to end and re-chunks transparently
func Test302_byte_stream_roundtrip(t *testing.T) {
	pair := newStreamPair(t)
	defer pair.close()

	payload := make([]byte, DefaultChunkSize*2+17)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	pr, pw := io.Pipe()
	go func() {
		pw.Write(payload)
		pw.Close()
	}()

	header, pump, err := WritePipelineData(&coral.ByteStream{Reader: pr}, pair.producer, func() StreamID { return 2 })
	if err != nil {
		t.Fatalf("WritePipelineData failed: %v", err)
	}
	data, err := ReadPipelineData(header, pair.consumer)
	if err != nil {
		t.Fatalf("ReadPipelineData failed: %v", err)
	}
	go pump()

	got, err := io.ReadAll(data.(*coral.ByteStream).Reader)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("length mismatch: expected %d, got %d", len(payload), len(got))
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("byte mismatch at %d", i)
		}
	}
}

// TEST303: A producer blocks once the flow-control window is exhausted
// and resumes as the consumer acknowledges chunks
func Test303_backpressure_window(t *testing.T) {
	pair := newStreamPair(t)
	defer pair.close()

	w, err := pair.producer.NewWriter(3)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	r, err := pair.consumer.Register(3)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	var sent atomic.Int64
	go func() {
		for i := 0; i < DefaultStreamWindow+5; i++ {
			if err := w.Send(ListData(coral.IntValue(int64(i)))); err != nil {
				return
			}
			sent.Add(1)
		}
		w.End()
	}()

	// Without consumption, sends stop at the window.
	deadline := time.Now().Add(time.Second)
	for sent.Load() < DefaultStreamWindow && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := sent.Load(); n != DefaultStreamWindow {
		t.Fatalf("expected %d sends before blocking, got %d", DefaultStreamWindow, n)
	}

	// Consuming releases credits and the rest flows through.
	count := 0
	for {
		_, ok := r.Recv()
		if !ok {
			break
		}
		count++
	}
	if count != DefaultStreamWindow+5 {
		t.Errorf("expected %d chunks, got %d", DefaultStreamWindow+5, count)
	}
}

// TEST304: Dropping a stream makes the producer's Send fail promptly
func Test304_drop_stops_producer(t *testing.T) {
	pair := newStreamPair(t)
	defer pair.close()

	w, err := pair.producer.NewWriter(4)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	r, err := pair.consumer.Register(4)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := w.Send(RawData([]byte("x"))); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	r.Drop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if err := w.Send(RawData([]byte("y"))); errors.Is(err, ErrStreamDropped) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Error("Send never observed the drop")
}

// TEST305: FailAll poisons open readers and blocks new registrations
func Test305_fail_all(t *testing.T) {
	pair := newStreamPair(t)
	defer pair.close()

	r, err := pair.consumer.Register(5)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	boom := errors.New("connection lost")
	pair.consumer.FailAll(boom)

	if _, ok := r.Recv(); ok {
		t.Error("expected closed stream")
	}
	if err := r.Err(); !errors.Is(err, boom) {
		t.Errorf("expected failure error, got %v", err)
	}
	if _, err := pair.consumer.Register(6); err == nil {
		t.Error("expected registration to fail after FailAll")
	}
}

// TEST306: A chunk for an unregistered stream is a protocol violation
func Test306_unknown_stream_chunk(t *testing.T) {
	pair := newStreamPair(t)
	defer pair.close()

	if err := pair.consumer.HandleData(99, RawData([]byte("z"))); err == nil {
		t.Error("expected unknown stream error")
	}
}

// TEST307: Dropping an unconsumed list stream lets the producer's pump
// finish instead of blocking on flow-control credits forever
func Test307_drop_unconsumed_list_stream(t *testing.T) {
	pair := newStreamPair(t)
	defer pair.close()

	src := make(chan coral.Value)
	go func() {
		defer close(src)
		for i := 0; i < DefaultStreamWindow+10; i++ {
			src <- coral.IntValue(int64(i))
		}
	}()

	header, pump, err := WritePipelineData(coral.NewListStream(src), pair.producer, func() StreamID { return 7 })
	if err != nil {
		t.Fatalf("WritePipelineData failed: %v", err)
	}
	data, err := ReadPipelineData(header, pair.consumer)
	if err != nil {
		t.Fatalf("ReadPipelineData failed: %v", err)
	}

	pumpDone := make(chan struct{})
	go func() {
		pump()
		close(pumpDone)
	}()

	// Abandon the stream without reading a single value.
	DropPipelineData(data)

	select {
	case <-pumpDone:
	case <-time.After(2 * time.Second):
		t.Error("producer pump still blocked after the consumer dropped the stream")
	}
}

// TEST308: Chunks racing a Drop are tolerated until the producer's End
// clears the tombstone
func Test308_dropped_stream_tombstone(t *testing.T) {
	sm := NewStreamManager(NewEnvelopeWriter(io.Discard))

	r, err := sm.Register(8)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	r.Drop()

	if err := sm.HandleData(8, RawData([]byte("late"))); err != nil {
		t.Errorf("in-flight chunk after Drop should be discarded, got %v", err)
	}
	if err := sm.HandleEnd(8); err != nil {
		t.Errorf("End after Drop should clear the tombstone, got %v", err)
	}
	if err := sm.HandleData(8, RawData([]byte("gone"))); err == nil {
		t.Error("chunk after End should be an unknown stream error")
	}
}
