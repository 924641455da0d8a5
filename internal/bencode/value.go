// Package bencode implements the bencode wire format used by the DHT.
//
// A decoded document is a tree of Value. Every Value holds exactly one of the
// four kinds; accessors return a *TypeMismatchError instead of panicking when
// the caller asks for the wrong one.
package bencode

import "bytes"

type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindList
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "integer"
	case KindList:
		return "list"
	case KindDict:
		return "dictionary"
	default:
		return "invalid"
	}
}

// Value is a bencode value. The zero Value is invalid and does not encode.
type Value struct {
	kind Kind
	str  []byte
	num  int64
	list []Value
	dict *Dict
}

func String(s string) Value { return Value{kind: KindString, str: []byte(s)} }

// Bytes wraps b without copying.
func Bytes(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{kind: KindString, str: b}
}

func Int(n int64) Value { return Value{kind: KindInt, num: n} }

func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

func DictValue(d *Dict) Value {
	if d == nil {
		d = NewDict()
	}
	return Value{kind: KindDict, dict: d}
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) AsBytes() ([]byte, error) {
	if v.kind != KindString {
		return nil, mismatch(KindString, v.kind)
	}
	return v.str, nil
}

func (v Value) AsString() (string, error) {
	b, err := v.AsBytes()
	return string(b), err
}

func (v Value) AsInt() (int64, error) {
	if v.kind != KindInt {
		return 0, mismatch(KindInt, v.kind)
	}
	return v.num, nil
}

func (v Value) AsList() ([]Value, error) {
	if v.kind != KindList {
		return nil, mismatch(KindList, v.kind)
	}
	return v.list, nil
}

func (v Value) AsDict() (*Dict, error) {
	if v.kind != KindDict {
		return nil, mismatch(KindDict, v.kind)
	}
	return v.dict, nil
}

// AsListOf returns the list if every element has kind want.
func (v Value) AsListOf(want Kind) ([]Value, error) {
	items, err := v.AsList()
	if err != nil {
		return nil, err
	}
	for i, it := range items {
		if it.kind != want {
			return nil, &TypeMismatchError{Index: i, Want: want, Got: it.kind}
		}
	}
	return items, nil
}

func (v Value) AsStrings() ([]string, error) {
	items, err := v.AsListOf(KindString)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = string(it.str)
	}
	return out, nil
}

func (v Value) AsInts() ([]int64, error) {
	items, err := v.AsListOf(KindInt)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.num
	}
	return out, nil
}

// Equal reports whether a and b hold the same tree. Dict insertion order is
// ignored.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindString:
		return bytes.Equal(a.str, b.str)
	case KindInt:
		return a.num == b.num
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if a.dict.Len() != b.dict.Len() {
			return false
		}
		for _, k := range a.dict.keys {
			bv, ok := b.dict.Get(k)
			if !ok || !Equal(a.dict.m[k], bv) {
				return false
			}
		}
		return true
	default:
		return true
	}
}
