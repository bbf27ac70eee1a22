package coral

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestCollectShapes(t *testing.T) {
	if v, err := Collect(EmptyData{}); err != nil || !v.IsNothing() {
		t.Errorf("empty: got %s, %v", v.DebugString(), err)
	}
	if v, err := Collect(ValueData{Value: IntValue(7)}); err != nil || v.Int != 7 {
		t.Errorf("value: got %s, %v", v.DebugString(), err)
	}

	ch := make(chan Value, 2)
	ch <- IntValue(1)
	ch <- IntValue(2)
	close(ch)
	v, err := Collect(NewListStream(ch))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if v.Type != ListType || len(v.List) != 2 {
		t.Errorf("list: got %s", v.DebugString())
	}

	v, err = Collect(&ByteStream{Reader: io.NopCloser(bytes.NewReader([]byte{0xab, 0xcd}))})
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if v.Type != BinaryType || len(v.Bin) != 2 {
		t.Errorf("bytes: got %s", v.DebugString())
	}
}

func TestCollectDiscardsPartialDataOnStreamError(t *testing.T) {
	boom := errors.New("producer died")
	ch := make(chan Value, 1)
	ch <- IntValue(1)
	close(ch)

	_, err := Collect(NewListStreamWithErr(ch, func() error { return boom }))
	if !errors.Is(err, boom) {
		t.Errorf("expected stream error, got %v", err)
	}
}

func TestValuesFromListCleanEnd(t *testing.T) {
	ch := make(chan Value, 3)
	ch <- StringValue("a")
	ch <- StringValue("b")
	close(ch)

	values, err := ValuesFromList(NewListStream(ch))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(values) != 2 || values[1].Str != "b" {
		t.Errorf("unexpected values: %v", values)
	}
}
