package state

import (
	"math"
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the supported value kinds.
type Value interface {
	stateValue()
}

// Null is the explicit null value.
type Null struct{}

func (Null) stateValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) stateValue() {}

// Int is an integer value.
type Int int64

func (Int) stateValue() {}

// Float is a floating point value. NaN and infinities are rejected by the
// encoders.
type Float float64

func (Float) stateValue() {}

// String is a string value.
type String string

func (String) stateValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) stateValue() {}

// Object maps string keys to values. Use Keys for deterministic iteration.
type Object map[string]Value

func (Object) stateValue() {}

// Keys returns the object's keys ordered by UTF-16 code units, the order
// used by the canonical encoding.
func (o Object) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

// Get returns the value stored under key, or Null if absent.
func (o Object) Get(key string) Value {
	if v, ok := o[key]; ok && v != nil {
		return v
	}
	return Null{}
}

// Clone returns a deep copy of the object. A nil object clones to an empty one.
func (o Object) Clone() Object {
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = Clone(v)
	}
	return out
}

// Clone returns a deep copy of v. Scalars are returned as-is; arrays and
// objects are copied recursively so the result shares no storage with v.
func Clone(v Value) Value {
	switch val := v.(type) {
	case nil:
		return Null{}
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = Clone(elem)
		}
		return out
	case Object:
		return val.Clone()
	default:
		return v
	}
}

// Equal reports whether a and b are deeply equal. Int and Float never
// compare equal to each other, even for the same numeric value.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	switch av := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Float:
		bv, ok := b.(Float)
		if !ok {
			return false
		}
		if math.IsNaN(float64(av)) && math.IsNaN(float64(bv)) {
			return true
		}
		return av == bv
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, exists := bv[k]
			if !exists || !Equal(v, other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Kind returns a short name for the value's kind, for error messages.
func Kind(v Value) string {
	switch v.(type) {
	case nil, Null:
		return "null"
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Float:
		return "float"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return "unknown"
	}
}

// compareUTF16 orders strings by UTF-16 code units (RFC 8785 key order).
// Go's native string comparison works on UTF-8 bytes and differs for
// characters outside the BMP.
func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}
