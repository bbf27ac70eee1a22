package protocol

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	coral "github.com/coralshell/coral"
)

// DefaultStreamWindow is the flow-control window: a producer may have this
// many unacknowledged chunks in flight before Send blocks.
const DefaultStreamWindow = 32

// ErrStreamDropped is returned from Send after the consumer dropped the
// stream. Producers should stop generating promptly.
var ErrStreamDropped = fmt.Errorf("stream dropped by consumer")

// StreamManager owns all stream state for one connection: inbound readers
// it routes Data/End to, and outbound writers it routes Ack/Drop to. The
// connection's single reader goroutine calls the Handle methods; consumers
// and producers run on their own goroutines.
type StreamManager struct {
	mu      sync.Mutex
	writer  *EnvelopeWriter
	window  int
	readers map[StreamID]*StreamReader
	writers map[StreamID]*StreamWriter
	dead    error
}

func NewStreamManager(w *EnvelopeWriter) *StreamManager {
	return &StreamManager{
		writer:  w,
		window:  DefaultStreamWindow,
		readers: make(map[StreamID]*StreamReader),
		writers: make(map[StreamID]*StreamWriter),
	}
}

// Register creates a reader for an inbound stream announced by a header.
// Must be called before the connection reader goroutine can observe the
// first Data chunk for the id.
func (sm *StreamManager) Register(id StreamID) (*StreamReader, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.dead != nil {
		return nil, sm.dead
	}
	if _, exists := sm.readers[id]; exists {
		return nil, fmt.Errorf("stream %d already registered", id)
	}
	r := &StreamReader{
		id: id,
		sm: sm,
		ch: make(chan StreamData, sm.window),
	}
	sm.readers[id] = r
	return r, nil
}

// NewWriter creates a producer handle for an outbound stream. The full
// credit window is available immediately.
func (sm *StreamManager) NewWriter(id StreamID) (*StreamWriter, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.dead != nil {
		return nil, sm.dead
	}
	if _, exists := sm.writers[id]; exists {
		return nil, fmt.Errorf("stream %d already has a writer", id)
	}
	w := &StreamWriter{
		id:      id,
		sm:      sm,
		writer:  sm.writer,
		credits: make(chan struct{}, sm.window),
		done:    make(chan struct{}),
	}
	for i := 0; i < sm.window; i++ {
		w.credits <- struct{}{}
	}
	sm.writers[id] = w
	return w, nil
}

// HandleData routes one inbound chunk. A chunk for an unknown stream, or
// one that overflows the flow-control window, is a protocol violation.
func (sm *StreamManager) HandleData(id StreamID, data StreamData) error {
	sm.mu.Lock()
	r, ok := sm.readers[id]
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("data for unknown stream %d", id)
	}
	if r.dropped.Load() {
		// Chunks may already be in flight when the Drop crosses them.
		return nil
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.failed.Load() {
		return nil
	}
	select {
	case r.ch <- data:
		return nil
	default:
		return fmt.Errorf("stream %d exceeded flow-control window", id)
	}
}

// HandleEnd marks an inbound stream complete and unregisters it.
func (sm *StreamManager) HandleEnd(id StreamID) error {
	sm.mu.Lock()
	r, ok := sm.readers[id]
	delete(sm.readers, id)
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("end for unknown stream %d", id)
	}
	r.finish(nil)
	return nil
}

// HandleAck returns one flow-control credit to an outbound stream. Acks
// racing a finished writer are ignored.
func (sm *StreamManager) HandleAck(id StreamID) error {
	sm.mu.Lock()
	w, ok := sm.writers[id]
	sm.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case w.credits <- struct{}{}:
	default:
	}
	return nil
}

// HandleDrop tells an outbound stream its consumer went away.
func (sm *StreamManager) HandleDrop(id StreamID) error {
	sm.mu.Lock()
	w, ok := sm.writers[id]
	delete(sm.writers, id)
	sm.mu.Unlock()
	if !ok {
		return nil
	}
	w.markDropped()
	return nil
}

// FailAll poisons every open stream in both directions. Called once when
// the connection dies; subsequent Register/NewWriter calls fail with the
// same error.
func (sm *StreamManager) FailAll(err error) {
	sm.mu.Lock()
	if sm.dead != nil {
		sm.mu.Unlock()
		return
	}
	sm.dead = err
	readers := sm.readers
	writers := sm.writers
	sm.readers = make(map[StreamID]*StreamReader)
	sm.writers = make(map[StreamID]*StreamWriter)
	sm.mu.Unlock()

	for _, r := range readers {
		r.fail(err)
	}
	for _, w := range writers {
		w.markDropped()
	}
}

// StreamReader is the consumer side of one inbound stream.
type StreamReader struct {
	id      StreamID
	sm      *StreamManager
	ch      chan StreamData
	dropped atomic.Bool

	sendMu   sync.Mutex
	doneOnce sync.Once
	failErr  error
	failed   atomic.Bool
}

// Recv returns the next chunk. ok is false when the stream ended; call
// Err afterwards to distinguish normal End from connection death. Each
// received chunk is acknowledged to the producer, keeping the window
// sliding as the consumer makes progress.
func (r *StreamReader) Recv() (StreamData, bool) {
	data, ok := <-r.ch
	if !ok {
		return StreamData{}, false
	}
	// Best effort: if the connection died the producer is gone anyway.
	_ = r.sm.writer.WriteEnvelope(NewAckEnvelope(r.id))
	return data, true
}

// Err reports why the stream terminated; nil after a clean End.
func (r *StreamReader) Err() error {
	if r.failed.Load() {
		return r.failErr
	}
	return nil
}

// Drop tells the producer to stop and discards anything still in flight.
// The reader stays registered as a tombstone so chunks racing the Drop
// are discarded rather than mistaken for a protocol violation; the
// producer's End (or connection death) clears it.
func (r *StreamReader) Drop() {
	if r.dropped.Swap(true) {
		return
	}
	_ = r.sm.writer.WriteEnvelope(NewDropEnvelope(r.id))
	// Drain whatever the reader goroutine buffered before the Drop.
	for {
		select {
		case _, ok := <-r.ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (r *StreamReader) fail(err error) {
	r.finish(err)
}

// finish closes the delivery channel exactly once. The send mutex keeps
// the close ordered against HandleData sends from the reader goroutine,
// since FailAll may run on any goroutine.
func (r *StreamReader) finish(err error) {
	r.doneOnce.Do(func() {
		if err != nil {
			r.failErr = err
		}
		r.sendMu.Lock()
		r.failed.Store(true)
		close(r.ch)
		r.sendMu.Unlock()
	})
}

// StreamWriter is the producer side of one outbound stream.
type StreamWriter struct {
	id      StreamID
	sm      *StreamManager
	writer  *EnvelopeWriter
	credits chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Send writes one chunk, blocking while the flow-control window is
// exhausted. Returns ErrStreamDropped once the consumer cancelled.
func (w *StreamWriter) Send(data StreamData) error {
	select {
	case <-w.done:
		return ErrStreamDropped
	case <-w.credits:
	}
	select {
	case <-w.done:
		return ErrStreamDropped
	default:
	}
	return w.writer.WriteEnvelope(NewDataEnvelope(w.id, data))
}

// End terminates the stream and releases the writer slot. The End
// envelope is sent even after a Drop: the consumer keeps a tombstone for
// the dropped stream until it arrives.
func (w *StreamWriter) End() error {
	w.sm.mu.Lock()
	delete(w.sm.writers, w.id)
	w.sm.mu.Unlock()
	return w.writer.WriteEnvelope(NewEndEnvelope(w.id))
}

func (w *StreamWriter) markDropped() {
	w.once.Do(func() { close(w.done) })
}

// WritePipelineData converts pipeline data into its wire header. Inline
// forms return a nil pump; stream forms return a pump that the caller
// runs on its own goroutine to feed the chunks after the header has been
// sent.
func WritePipelineData(data coral.PipelineData, sm *StreamManager, nextID func() StreamID) (PipelineDataHeader, func(), error) {
	switch d := data.(type) {
	case nil, coral.EmptyData:
		return EmptyHeader(), nil, nil
	case coral.ValueData:
		return ValueHeader(d.Value), nil, nil
	case *coral.ListStream:
		id := nextID()
		w, err := sm.NewWriter(id)
		if err != nil {
			return PipelineDataHeader{}, nil, err
		}
		pump := func() {
			for v := range d.C {
				if err := w.Send(ListData(v)); err != nil {
					// Drain so a blocked producer can finish.
					for range d.C {
					}
					break
				}
			}
			if err := d.Err(); err != nil {
				_ = w.Send(StreamData{Kind: StreamList, Err: coral.LabeledErrorFromGo(err)})
			}
			_ = w.End()
		}
		return ListStreamHeader(id), pump, nil
	case *coral.ByteStream:
		id := nextID()
		w, err := sm.NewWriter(id)
		if err != nil {
			return PipelineDataHeader{}, nil, err
		}
		pump := func() {
			defer d.Reader.Close()
			buf := make([]byte, DefaultChunkSize)
			for {
				n, err := d.Reader.Read(buf)
				if n > 0 {
					chunk := make([]byte, n)
					copy(chunk, buf[:n])
					if sendErr := w.Send(RawData(chunk)); sendErr != nil {
						break
					}
				}
				if err == io.EOF {
					break
				}
				if err != nil {
					_ = w.Send(RawErrData(coral.LabeledErrorFromGo(err)))
					break
				}
			}
			_ = w.End()
		}
		return ByteStreamHeader(id), pump, nil
	default:
		return PipelineDataHeader{}, nil, fmt.Errorf("unsupported pipeline data %T", data)
	}
}

// ReadPipelineData converts a received header into consumable pipeline
// data, registering stream readers as needed. For stream forms the
// returned data delivers chunks as the peer produces them.
func ReadPipelineData(header PipelineDataHeader, sm *StreamManager) (coral.PipelineData, error) {
	switch header.Kind {
	case HeaderEmpty:
		return coral.EmptyData{}, nil
	case HeaderValue:
		if header.Value == nil {
			return nil, fmt.Errorf("value header missing value")
		}
		return coral.ValueData{Value: *header.Value}, nil
	case HeaderListStream:
		id, ok := header.StreamRef()
		if !ok {
			return nil, fmt.Errorf("list stream header missing stream id")
		}
		r, err := sm.Register(id)
		if err != nil {
			return nil, err
		}
		ch := make(chan coral.Value)
		done := make(chan struct{})
		var dropOnce sync.Once
		drop := func() {
			dropOnce.Do(func() {
				r.Drop()
				close(done)
			})
		}
		var streamErr error
		var mu sync.Mutex
		go func() {
			defer close(ch)
			for {
				data, ok := r.Recv()
				if !ok {
					if err := r.Err(); err != nil {
						mu.Lock()
						streamErr = err
						mu.Unlock()
					}
					return
				}
				if data.Err != nil {
					mu.Lock()
					streamErr = data.Err
					mu.Unlock()
					return
				}
				if data.List != nil {
					select {
					case ch <- *data.List:
					case <-done:
						return
					}
				}
			}
		}()
		return coral.NewListStreamWithDrop(ch, func() error {
			mu.Lock()
			defer mu.Unlock()
			return streamErr
		}, drop), nil
	case HeaderByteStream:
		id, ok := header.StreamRef()
		if !ok {
			return nil, fmt.Errorf("byte stream header missing stream id")
		}
		r, err := sm.Register(id)
		if err != nil {
			return nil, err
		}
		return &coral.ByteStream{Reader: &streamByteReader{stream: r}}, nil
	default:
		return nil, fmt.Errorf("unknown pipeline data header kind %d", header.Kind)
	}
}

// DropPipelineData releases stream-backed pipeline data that will not be
// consumed, so the remote producer stops instead of blocking on
// flow-control credits. Inline forms are no-ops.
func DropPipelineData(data coral.PipelineData) {
	switch d := data.(type) {
	case *coral.ListStream:
		d.Drop()
	case *coral.ByteStream:
		_ = d.Reader.Close()
	}
}

// streamByteReader adapts an inbound byte stream to io.ReadCloser. Close
// before End drops the stream so the producer stops early.
type streamByteReader struct {
	stream *StreamReader
	buf    []byte
	err    error
	closed bool
}

func (b *streamByteReader) Read(p []byte) (int, error) {
	for len(b.buf) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		data, ok := b.stream.Recv()
		if !ok {
			if err := b.stream.Err(); err != nil {
				b.err = err
			} else {
				b.err = io.EOF
			}
			return 0, b.err
		}
		if data.Err != nil {
			b.err = data.Err
			return 0, b.err
		}
		b.buf = data.Raw
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

func (b *streamByteReader) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if b.err == nil {
		b.stream.Drop()
	}
	return nil
}
