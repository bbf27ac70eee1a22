package coral

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ValueType discriminates the variants of Value.
type ValueType uint8

const (
	NothingType ValueType = 0
	BoolType    ValueType = 1
	IntType     ValueType = 2
	FloatType   ValueType = 3
	StringType  ValueType = 4
	BinaryType  ValueType = 5
	ListType    ValueType = 6
	RecordType  ValueType = 7
	CustomType  ValueType = 8
)

// String returns the type name as it appears in diagnostics.
func (t ValueType) String() string {
	switch t {
	case NothingType:
		return "nothing"
	case BoolType:
		return "bool"
	case IntType:
		return "int"
	case FloatType:
		return "float"
	case StringType:
		return "string"
	case BinaryType:
		return "binary"
	case ListType:
		return "list"
	case RecordType:
		return "record"
	case CustomType:
		return "custom"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Value is a structured shell value as it crosses the plugin boundary.
// Exactly one variant field is meaningful, selected by Type. The zero
// Value is nothing.
type Value struct {
	Type   ValueType        `cbor:"type" json:"type"`
	Bool   bool             `cbor:"bool,omitempty" json:"bool,omitempty"`
	Int    int64            `cbor:"int,omitempty" json:"int,omitempty"`
	Float  float64          `cbor:"float,omitempty" json:"float,omitempty"`
	Str    string           `cbor:"str,omitempty" json:"str,omitempty"`
	Bin    []byte           `cbor:"bin,omitempty" json:"bin,omitempty"`
	List   []Value          `cbor:"list,omitempty" json:"list,omitempty"`
	Record map[string]Value `cbor:"record,omitempty" json:"record,omitempty"`
	Custom *CustomValue     `cbor:"custom,omitempty" json:"custom,omitempty"`
}

// CustomValue is an opaque plugin-defined value. The host never interprets
// Data; it only carries it back to the plugin that produced it. ID keys the
// host-side cache entry that keeps the plugin's backing resource alive.
type CustomValue struct {
	Name         string    `cbor:"name" json:"name"`
	ID           uuid.UUID `cbor:"id" json:"id"`
	Data         []byte    `cbor:"data,omitempty" json:"data,omitempty"`
	NotifyOnDrop bool      `cbor:"notify_on_drop,omitempty" json:"notify_on_drop,omitempty"`
}

func NothingValue() Value            { return Value{Type: NothingType} }
func BoolValue(b bool) Value         { return Value{Type: BoolType, Bool: b} }
func IntValue(i int64) Value         { return Value{Type: IntType, Int: i} }
func FloatValue(f float64) Value     { return Value{Type: FloatType, Float: f} }
func StringValue(s string) Value     { return Value{Type: StringType, Str: s} }
func BinaryValue(b []byte) Value     { return Value{Type: BinaryType, Bin: b} }
func ListValue(items ...Value) Value { return Value{Type: ListType, List: items} }

func RecordValue(fields map[string]Value) Value {
	return Value{Type: RecordType, Record: fields}
}

func CustomVal(cv *CustomValue) Value {
	return Value{Type: CustomType, Custom: cv}
}

// IsNothing reports whether the value is the nothing variant.
func (v Value) IsNothing() bool { return v.Type == NothingType }

// DebugString renders a compact single-line representation for logs and
// error messages. Not a round-trippable encoding.
func (v Value) DebugString() string {
	switch v.Type {
	case NothingType:
		return "nothing"
	case BoolType:
		return fmt.Sprintf("%v", v.Bool)
	case IntType:
		return fmt.Sprintf("%d", v.Int)
	case FloatType:
		return fmt.Sprintf("%g", v.Float)
	case StringType:
		return fmt.Sprintf("%q", v.Str)
	case BinaryType:
		return fmt.Sprintf("binary(%d bytes)", len(v.Bin))
	case ListType:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = item.DebugString()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case RecordType:
		parts := make([]string, 0, len(v.Record))
		for k, item := range v.Record {
			parts = append(parts, fmt.Sprintf("%s: %s", k, item.DebugString()))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case CustomType:
		if v.Custom != nil {
			return fmt.Sprintf("custom(%s)", v.Custom.Name)
		}
		return "custom(nil)"
	default:
		return v.Type.String()
	}
}
