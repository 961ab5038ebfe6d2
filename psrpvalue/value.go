// Package psrpvalue implements the polymorphic PSRP value tree (MS-PSRP §2.2.5)
// used as the payload type for every PSRP message body, plus its CLIXML
// serialization.
package psrpvalue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies which variant of PsValue is populated.
type Kind int

const (
	KindNil Kind = iota
	KindString
	KindBool
	KindInt32
	KindUint32
	KindInt64
	KindDouble
	KindBytes
	KindVersion
	KindGUID
	KindDuration
	KindDateTime
	KindScriptBlock
	KindChar
	KindDecimal
	KindComplexObject
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "Nil"
	case KindString:
		return "String"
	case KindBool:
		return "Bool"
	case KindInt32:
		return "Int32"
	case KindUint32:
		return "UInt32"
	case KindInt64:
		return "Int64"
	case KindDouble:
		return "Double"
	case KindBytes:
		return "Bytes"
	case KindVersion:
		return "Version"
	case KindGUID:
		return "GUID"
	case KindDuration:
		return "Duration"
	case KindDateTime:
		return "DateTime"
	case KindScriptBlock:
		return "ScriptBlock"
	case KindChar:
		return "Char"
	case KindDecimal:
		return "Decimal"
	case KindComplexObject:
		return "ComplexObject"
	default:
		return "Unknown"
	}
}

// Value is the tagged variant tree that every PSRP message payload is built
// from. Only the field matching Kind is meaningful; the zero Value is KindNil.
type Value struct {
	Kind Kind

	Str      string
	Bool     bool
	I32      int32
	U32      uint32
	I64      int64
	Double   float64
	Bytes    []byte
	Version  string
	GUID     uuid.UUID
	Duration time.Duration
	DateTime time.Time
	Script   string
	Char     rune
	Decimal  string // decimal kept as its canonical string form, matching CLIXML's textual encoding

	Complex *ComplexObject
}

// Nil is the canonical nil value.
func Nil() Value { return Value{Kind: KindNil} }

// String wraps a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Bool wraps a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Int32 wraps a signed 32-bit value.
func Int32(v int32) Value { return Value{Kind: KindInt32, I32: v} }

// UInt32 wraps an unsigned 32-bit value.
func UInt32(v uint32) Value { return Value{Kind: KindUint32, U32: v} }

// Int64 wraps a signed 64-bit value.
func Int64(v int64) Value { return Value{Kind: KindInt64, I64: v} }

// Double wraps a float64 value.
func Double(v float64) Value { return Value{Kind: KindDouble, Double: v} }

// Bytes wraps a byte blob.
func Bytes(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// GUID wraps a UUID value.
func GUID(id uuid.UUID) Value { return Value{Kind: KindGUID, GUID: id} }

// Duration wraps a time.Duration value.
func Duration(d time.Duration) Value { return Value{Kind: KindDuration, Duration: d} }

// DateTime wraps a time.Time value.
func DateTime(t time.Time) Value { return Value{Kind: KindDateTime, DateTime: t} }

// Char wraps a single character.
func Char(r rune) Value { return Value{Kind: KindChar, Char: r} }

// Complex wraps a ComplexObject.
func Complex(o *ComplexObject) Value { return Value{Kind: KindComplexObject, Complex: o} }

// AsString returns the string payload, or an error if Kind != KindString.
func (v Value) AsString() (string, error) {
	if v.Kind != KindString {
		return "", fmt.Errorf("psrpvalue: expected String, got %s", v.Kind)
	}
	return v.Str, nil
}

// AsComplex returns the ComplexObject payload, or an error if Kind != KindComplexObject.
func (v Value) AsComplex() (*ComplexObject, error) {
	if v.Kind != KindComplexObject {
		return nil, fmt.Errorf("psrpvalue: expected ComplexObject, got %s", v.Kind)
	}
	return v.Complex, nil
}

// Property looks up an adapted or extended property by name on a ComplexObject
// value, returning ok=false if v is not a ComplexObject or the key is absent.
func (v Value) Property(name string) (Value, bool) {
	if v.Kind != KindComplexObject || v.Complex == nil {
		return Value{}, false
	}
	if p, ok := v.Complex.Adapted.Get(name); ok {
		return p.Value, true
	}
	if p, ok := v.Complex.Extended.Get(name); ok {
		return p.Value, true
	}
	return Value{}, false
}
