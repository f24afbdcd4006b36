package vm

import (
	"fmt"
	"math"
)

// Value is a tagged union over the machine kinds. Reference values hold a
// Reference, never a raw address.
type Value struct {
	kind Kind
	bits uint64
	ref  Reference
}

// Void is the value returned by void methods.
var Void = Value{}

// IntValue boxes an int.
func IntValue(v int32) Value {
	return Value{kind: KindInt, bits: uint64(uint32(v))}
}

// BooleanValue boxes a boolean.
func BooleanValue(b bool) Value {
	if b {
		return Value{kind: KindBoolean, bits: 1}
	}
	return Value{kind: KindBoolean}
}

// ByteValue boxes a byte.
func ByteValue(v int8) Value {
	return Value{kind: KindByte, bits: uint64(uint8(v))}
}

// CharValue boxes a char.
func CharValue(v uint16) Value {
	return Value{kind: KindChar, bits: uint64(v)}
}

// ShortValue boxes a short.
func ShortValue(v int16) Value {
	return Value{kind: KindShort, bits: uint64(uint16(v))}
}

// LongValue boxes a long.
func LongValue(v int64) Value {
	return Value{kind: KindLong, bits: uint64(v)}
}

// FloatValue boxes a float.
func FloatValue(v float32) Value {
	return Value{kind: KindFloat, bits: uint64(math.Float32bits(v))}
}

// DoubleValue boxes a double.
func DoubleValue(v float64) Value {
	return Value{kind: KindDouble, bits: math.Float64bits(v)}
}

// WordValue boxes a word.
func WordValue(w Word) Value {
	return Value{kind: KindWord, bits: uint64(w)}
}

// RefValue boxes a reference. A nil reference becomes Null.
func RefValue(r Reference) Value {
	if r == nil {
		r = Null
	}
	return Value{kind: KindReference, ref: r}
}

// NullValue is the null reference value.
var NullValue = Value{kind: KindReference, ref: Null}

// ZeroValue returns the default value of kind k.
func ZeroValue(k Kind) Value {
	if k == KindReference {
		return NullValue
	}
	return Value{kind: k}
}

// ValueFromBits builds a value of kind k from raw little-endian bits as read
// from memory. Sub-word kinds are sign- or zero-extended as the kind requires.
func ValueFromBits(k Kind, bits uint64) Value {
	switch k {
	case KindBoolean:
		return BooleanValue(bits&0xFF != 0)
	case KindByte:
		return ByteValue(int8(bits))
	case KindChar:
		return CharValue(uint16(bits))
	case KindShort:
		return ShortValue(int16(bits))
	case KindInt:
		return IntValue(int32(bits))
	case KindFloat:
		return Value{kind: KindFloat, bits: bits & 0xFFFFFFFF}
	}
	return Value{kind: k, bits: bits}
}

// Kind returns the kind of the value.
func (v Value) Kind() Kind {
	return v.kind
}

// Bits returns the raw bits of a primitive value.
func (v Value) Bits() uint64 {
	return v.bits
}

// AsInt returns the value as an int. Sub-int kinds are widened.
func (v Value) AsInt() int32 {
	switch v.kind {
	case KindByte:
		return int32(int8(v.bits))
	case KindShort:
		return int32(int16(v.bits))
	case KindChar:
		return int32(uint16(v.bits))
	}
	return int32(uint32(v.bits))
}

// AsBoolean returns the value as a boolean.
func (v Value) AsBoolean() bool {
	return v.AsInt() != 0
}

// AsLong returns the value as a long.
func (v Value) AsLong() int64 {
	return int64(v.bits)
}

// AsFloat returns the value as a float.
func (v Value) AsFloat() float32 {
	return math.Float32frombits(uint32(v.bits))
}

// AsDouble returns the value as a double.
func (v Value) AsDouble() float64 {
	return math.Float64frombits(v.bits)
}

// AsWord returns the value as a word. Ints are sign-extended.
func (v Value) AsWord() Word {
	if v.kind.StackKind() == KindInt {
		return Word(int64(v.AsInt()))
	}
	return Word(v.bits)
}

// AsRef returns the referenced object, or Null for non-reference values.
func (v Value) AsRef() Reference {
	if v.ref == nil {
		return Null
	}
	return v.ref
}

// IsZero reports whether the value is zero, false or null.
func (v Value) IsZero() bool {
	if v.kind == KindReference {
		return v.AsRef().IsZero()
	}
	return v.bits == 0
}

// IsCategory2 reports whether the value occupies two local slots.
func (v Value) IsCategory2() bool {
	return v.kind.IsCategory2()
}

// Widen returns the stack form of the value: sub-int kinds become int.
func (v Value) Widen() Value {
	if v.kind.StackKind() == KindInt && v.kind != KindInt {
		return IntValue(v.AsInt())
	}
	return v
}

// Convert narrows or reinterprets a stack value for storage as kind k, the
// way a field or array store does.
func (v Value) Convert(k Kind) Value {
	switch k {
	case KindBoolean:
		return BooleanValue(v.AsInt()&1 != 0)
	case KindByte:
		return ByteValue(int8(v.AsInt()))
	case KindChar:
		return CharValue(uint16(v.AsInt()))
	case KindShort:
		return ShortValue(int16(v.AsInt()))
	case KindInt:
		return IntValue(v.AsInt())
	case KindWord:
		return WordValue(v.AsWord())
	}
	return v
}

// Equals compares two values by kind and content. References compare by identity.
func (v Value) Equals(o Value) bool {
	if v.kind == KindReference || o.kind == KindReference {
		return v.kind == o.kind && v.AsRef() == o.AsRef()
	}
	return v.Widen().kind == o.Widen().kind && v.bits == o.bits
}

func (v Value) String() string {
	switch v.kind {
	case KindVoid:
		return "void"
	case KindBoolean:
		return fmt.Sprintf("%t", v.AsBoolean())
	case KindChar:
		return fmt.Sprintf("%q", rune(v.AsInt()))
	case KindByte, KindShort, KindInt:
		return fmt.Sprintf("%d", v.AsInt())
	case KindLong:
		return fmt.Sprintf("%dL", v.AsLong())
	case KindFloat:
		return fmt.Sprintf("%gF", v.AsFloat())
	case KindDouble:
		return fmt.Sprintf("%gD", v.AsDouble())
	case KindWord:
		return Word(v.bits).String()
	case KindReference:
		return v.AsRef().String()
	}
	return "?"
}

// Interface returns a Go value suitable for JSON encoding. References are
// rendered by their String form.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindVoid:
		return nil
	case KindBoolean:
		return v.AsBoolean()
	case KindChar:
		return string(rune(v.AsInt()))
	case KindByte, KindShort, KindInt:
		return v.AsInt()
	case KindLong:
		return v.AsLong()
	case KindFloat:
		return float64(v.AsFloat())
	case KindDouble:
		return v.AsDouble()
	case KindWord:
		return uint64(v.bits)
	}
	if v.IsZero() {
		return nil
	}
	return v.AsRef().String()
}
