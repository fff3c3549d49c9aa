package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a JSON-compatible value restricted to a closed set of variants:
// null, string, number, boolean, ordered list, and string-keyed object.
// The zero Value is null. Numbers decoded from JSON keep their literal text
// so integers beyond float64 precision encode back unchanged.
type Value struct {
	kind Kind
	str  string
	num  float64
	lit  json.Number
	b    bool
	list []Value
	obj  Object
}

// Object is a string-keyed map of Values. Inputs, metadata, and tags use it.
type Object map[string]Value

// Null returns the null Value.
func Null() Value { return Value{} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric Value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Int returns a numeric Value from an integer.
func Int(n int) Value { return Int64(int64(n)) }

// Int64 returns a numeric Value from a 64-bit integer. The exact digits are
// kept even when n does not fit in a float64 mantissa.
func Int64(n int64) Value {
	return Value{kind: KindNumber, num: float64(n), lit: json.Number(strconv.FormatInt(n, 10))}
}

// NumberLiteral returns a numeric Value holding the JSON number text n.
func NumberLiteral(n json.Number) (Value, error) {
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return Value{}, fmt.Errorf("model: invalid number %q: %w", string(n), err)
	}
	return Value{kind: KindNumber, num: f, lit: n}, nil
}

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List returns a list Value holding items in order.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

// ObjectValue wraps an Object as a Value.
func ObjectValue(o Object) Value {
	if o == nil {
		o = Object{}
	}
	return Value{kind: KindObject, obj: o}
}

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string and true if v is a string.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the number and true if v is a number. Literals wider than a
// float64 are rounded.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Int64 returns the number as an int64 when v holds an integer that fits.
func (v Value) Int64() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	if v.lit != "" {
		n, err := strconv.ParseInt(string(v.lit), 10, 64)
		return n, err == nil
	}
	if v.num != math.Trunc(v.num) || math.Abs(v.num) > 1<<53 {
		return 0, false
	}
	return int64(v.num), true
}

// Literal returns the JSON text of a number.
func (v Value) Literal() (json.Number, bool) {
	if v.kind != KindNumber {
		return "", false
	}
	if v.lit != "" {
		return v.lit, true
	}
	return json.Number(strconv.FormatFloat(v.num, 'g', -1, 64)), true
}

// Boolean returns the boolean and true if v is a boolean.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Items returns the list elements and true if v is a list.
func (v Value) Items() ([]Value, bool) { return v.list, v.kind == KindList }

// Obj returns the object and true if v is an object.
func (v Value) Obj() (Object, bool) { return v.obj, v.kind == KindObject }

// Get returns the member named key when v is an object.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	m, ok := v.obj[key]
	return m, ok
}

// Equal reports whether two values are structurally equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return numbersEqual(v, o)
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindObject:
		return v.obj.Equal(o.obj)
	}
	return false
}

// numbersEqual compares exactly when both sides carry literal text, so
// 9007199254740993 and 9007199254740992 differ even though their float64
// forms do not.
func numbersEqual(a, b Value) bool {
	if a.lit == "" || b.lit == "" {
		return a.num == b.num
	}
	if a.lit == b.lit {
		return true
	}
	ra, okA := new(big.Rat).SetString(string(a.lit))
	rb, okB := new(big.Rat).SetString(string(b.lit))
	if !okA || !okB {
		return false
	}
	return ra.Cmp(rb) == 0
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if v.lit != "" {
			return []byte(v.lit), nil
		}
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("model: number %v is not representable in JSON", v.num)
		}
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindObject:
		return v.obj.MarshalJSON()
	default:
		return nil, fmt.Errorf("model: unknown value kind %d", v.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("model: empty JSON value")
	}
	switch data[0] {
	case 'n':
		*v = Null()
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '[':
		var items []Value
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*v = List(items...)
	case '{':
		var o Object
		if err := json.Unmarshal(data, &o); err != nil {
			return err
		}
		*v = ObjectValue(o)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		num, err := NumberLiteral(n)
		if err != nil {
			return err
		}
		*v = num
	}
	return nil
}

// MarshalJSON encodes the object with keys in sorted order. A nil Object
// encodes as {} so persisted columns never hold JSON null.
func (o Object) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := o[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Equal reports whether two objects hold the same keys with equal values.
func (o Object) Equal(other Object) bool {
	if len(o) != len(other) {
		return false
	}
	for k, v := range o {
		ov, ok := other[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Merge returns a new object holding the union of o and patch. Keys in patch
// win. Neither input is modified.
func (o Object) Merge(patch Object) Object {
	out := make(Object, len(o)+len(patch))
	for k, v := range o {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// ValueOf converts an arbitrary Go value to a Value by round-tripping it
// through encoding/json. Values that already are a Value or Object are
// returned without re-encoding.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case Object:
		return ObjectValue(t), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(t), nil
	case int64:
		return Int64(t), nil
	case json.Number:
		return NumberLiteral(t)
	case float64:
		return Number(t), nil
	}
	data, err := json.Marshal(x)
	if err != nil {
		return Value{}, fmt.Errorf("model: encode %T: %w", x, err)
	}
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return Value{}, fmt.Errorf("model: decode %T: %w", x, err)
	}
	return v, nil
}

// ObjectOf converts x to an Object. x must encode as a JSON object or null.
func ObjectOf(x any) (Object, error) {
	v, err := ValueOf(x)
	if err != nil {
		return nil, err
	}
	switch v.kind {
	case KindNull:
		return nil, nil
	case KindObject:
		return v.obj, nil
	default:
		return nil, fmt.Errorf("model: %T encodes as %s, want object", x, v.kind)
	}
}
