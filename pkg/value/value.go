package value

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
)

// Kind is the tag of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a dynamic value as it is exchanged with hooks: context entries, GraphQL variables,
// extensions and error payloads. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	// num is the exact decimal text of a number when it is known, so integers beyond 2^53
	// survive a decode and encode round trip.
	num  string
	s    string
	arr  []Value
	obj  *Object
}

// ValidationError is returned when a Go value cannot be represented as a Value.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return "invalid value: " + e.Reason
	}
	return fmt.Sprintf("invalid value at %s: %s", e.Path, e.Reason)
}

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a number value. NaN and infinities are accepted here but cannot be encoded,
// use FromAny when the input is untrusted.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

func Int(i int64) Value {
	return Value{kind: KindNumber, n: float64(i), num: strconv.FormatInt(i, 10)}
}

func Uint(u uint64) Value {
	return Value{kind: KindNumber, n: float64(u), num: strconv.FormatUint(u, 10)}
}

// NumberText returns the exact decimal text of a number as it was decoded or constructed
// from an integer. It reports false for other kinds and for numbers built from a float64.
func (v Value) NumberText() (string, bool) {
	if v.kind != KindNumber || v.num == "" {
		return "", false
	}
	return v.num, true
}

func String(s string) Value { return Value{kind: KindString, s: s} }

func Array(items ...Value) Value {
	arr := make([]Value, len(items))
	copy(arr, items)
	return Value{kind: KindArray, arr: arr}
}

// ObjectValue wraps o. A nil object yields an empty object value.
func ObjectValue(o *Object) Value {
	if o == nil {
		o = NewObject()
	}
	return Value{kind: KindObject, obj: o}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsArray returns the backing slice of an array value. Callers must not retain it across
// goroutines; use Clone for that.
func (v Value) AsArray() ([]Value, bool) { return v.arr, v.kind == KindArray }

func (v Value) AsObject() (*Object, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	if v.obj == nil {
		return NewObject(), true
	}
	return v.obj, true
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		arr := make([]Value, len(v.arr))
		for i, item := range v.arr {
			arr[i] = item.Clone()
		}
		return Value{kind: KindArray, arr: arr}
	case KindObject:
		return Value{kind: KindObject, obj: v.obj.Clone()}
	default:
		return v
	}
}

// Equal reports whether v and other hold the same data. Object comparison ignores key order.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindNumber:
		if v.num != "" && other.num != "" {
			return exactEqual(v.num, other.num)
		}
		return v.n == other.n
	case KindString:
		return v.s == other.s
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		return v.obj.Equal(other.obj)
	}
	return false
}

// ToAny converts v into plain Go values: nil, bool, float64, string, []any and map[string]any.
func (v Value) ToAny() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.ToAny()
		}
		return out
	case KindObject:
		return v.obj.ToMap()
	default:
		return nil
	}
}

// FromAny converts a Go value into a Value. Only JSON-shaped data is accepted; anything else
// (structs, channels, functions, non-string map keys, NaN, infinities) is rejected.
func FromAny(in any) (Value, error) {
	return fromAny(in, "")
}

func fromAny(in any, path string) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t.Clone(), nil
	case *Object:
		return ObjectValue(t.Clone()), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case float64:
		return checkedNumber(t, path)
	case float32:
		return checkedNumber(float64(t), path)
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Uint(uint64(t)), nil
	case uint8:
		return Uint(uint64(t)), nil
	case uint16:
		return Uint(uint64(t)), nil
	case uint32:
		return Uint(uint64(t)), nil
	case uint64:
		return Uint(t), nil
	case []any:
		arr := make([]Value, len(t))
		for i, item := range t {
			converted, err := fromAny(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return Value{}, err
			}
			arr[i] = converted
		}
		return Value{kind: KindArray, arr: arr}, nil
	case []Value:
		return Array(t...).Clone(), nil
	case map[string]any:
		obj := NewObject()
		for _, k := range sortedKeys(t) {
			converted, err := fromAny(t[k], joinPath(path, k))
			if err != nil {
				return Value{}, err
			}
			obj.Set(k, converted)
		}
		return ObjectValue(obj), nil
	case map[string]string:
		obj := NewObject()
		for _, k := range sortedKeys(t) {
			obj.Set(k, String(t[k]))
		}
		return ObjectValue(obj), nil
	case []string:
		arr := make([]Value, len(t))
		for i, s := range t {
			arr[i] = String(s)
		}
		return Value{kind: KindArray, arr: arr}, nil
	}

	return Value{}, &ValidationError{
		Path:   path,
		Reason: fmt.Sprintf("unsupported type %s", reflect.TypeOf(in)),
	}
}

func checkedNumber(n float64, path string) (Value, error) {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return Value{}, &ValidationError{Path: path, Reason: "number is not finite"}
	}
	return Number(n), nil
}

func exactEqual(a, b string) bool {
	if a == b {
		return true
	}
	x, okX := new(big.Rat).SetString(a)
	y, okY := new(big.Rat).SetString(b)
	if !okX || !okY {
		return false
	}
	return x.Cmp(y) == 0
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
