package coral

import (
	"io"
)

// PipelineData is the data flowing through a shell pipeline as seen at the
// plugin boundary. It has three shapes beyond empty: a single structured
// value, a stream of structured values, and a stream of raw bytes. All
// three can be carried as call input and call output.
type PipelineData interface {
	isPipelineData()
}

// EmptyData is the absence of pipeline input or output.
type EmptyData struct{}

func (EmptyData) isPipelineData() {}

// ValueData is a single structured value.
type ValueData struct {
	Value Value
}

func (ValueData) isPipelineData() {}

// ListStream is an ordered stream of structured values. C is closed by the
// producer; after C is closed, Err reports whether the stream ended cleanly
// or was cut off (in which case any values already received must be treated
// as incomplete and discarded rather than presented as a full result).
type ListStream struct {
	C      <-chan Value
	errFn  func() error
	dropFn func()
}

func (*ListStream) isPipelineData() {}

// NewListStream wraps a locally produced channel of values.
func NewListStream(c <-chan Value) *ListStream {
	return &ListStream{C: c}
}

// NewListStreamWithErr wraps a channel whose terminal status is reported by
// errFn once the channel has been closed.
func NewListStreamWithErr(c <-chan Value, errFn func() error) *ListStream {
	return &ListStream{C: c, errFn: errFn}
}

// NewListStreamWithDrop additionally wires a cancel hook for streams backed
// by a remote producer that should stop when the consumer walks away.
func NewListStreamWithDrop(c <-chan Value, errFn func() error, dropFn func()) *ListStream {
	return &ListStream{C: c, errFn: errFn, dropFn: dropFn}
}

// Err reports the stream's terminal error. Only meaningful after C closed.
func (l *ListStream) Err() error {
	if l.errFn == nil {
		return nil
	}
	return l.errFn()
}

// Drop tells the producer to stop early. Consumers that abandon a stream
// without draining C call this; for locally produced streams it is a no-op.
func (l *ListStream) Drop() {
	if l.dropFn != nil {
		l.dropFn()
	}
}

// ByteStream is an ordered stream of raw bytes. Closing the reader releases
// the underlying transport resources and tells the producer to stop.
type ByteStream struct {
	Reader io.ReadCloser
}

func (*ByteStream) isPipelineData() {}

// ValuesFromList drains a ListStream into a slice, discarding partial data
// when the stream terminated with an error.
func ValuesFromList(l *ListStream) ([]Value, error) {
	var out []Value
	for v := range l.C {
		out = append(out, v)
	}
	if err := l.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Collect reduces any PipelineData to a single Value. A list stream becomes
// a list value, a byte stream becomes a binary value. Streams that die
// mid-way surface their error instead of truncated data.
func Collect(data PipelineData) (Value, error) {
	switch d := data.(type) {
	case nil, EmptyData:
		return NothingValue(), nil
	case ValueData:
		return d.Value, nil
	case *ListStream:
		items, err := ValuesFromList(d)
		if err != nil {
			return Value{}, err
		}
		return ListValue(items...), nil
	case *ByteStream:
		defer d.Reader.Close()
		b, err := io.ReadAll(d.Reader)
		if err != nil {
			return Value{}, err
		}
		return BinaryValue(b), nil
	default:
		return NothingValue(), nil
	}
}
