package bencode

import (
	"fmt"
	"sort"
)

// Dict is a bencode dictionary that remembers insertion order.
// Encoding always emits keys sorted.
type Dict struct {
	keys []string
	m    map[string]Value
}

func NewDict() *Dict {
	return &Dict{m: make(map[string]Value)}
}

// Set stores v under key, replacing any existing value in place.
func (d *Dict) Set(key string, v Value) *Dict {
	if _, ok := d.m[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.m[key] = v
	return d
}

func (d *Dict) Get(key string) (Value, bool) {
	if d == nil {
		return Value{}, false
	}
	v, ok := d.m[key]
	return v, ok
}

func (d *Dict) Has(key string) bool {
	_, ok := d.Get(key)
	return ok
}

func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Keys returns keys in insertion order.
func (d *Dict) Keys() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.keys...)
}

// SortedKeys returns keys in ascending byte order.
func (d *Dict) SortedKeys() []string {
	ks := d.Keys()
	sort.Strings(ks)
	return ks
}

func (d *Dict) lookup(key string, want Kind) (Value, error) {
	v, ok := d.Get(key)
	if !ok {
		return Value{}, fmt.Errorf("%w %q", ErrMissingKey, key)
	}
	if v.kind != want {
		return Value{}, &TypeMismatchError{Index: -1, Key: key, Want: want, Got: v.kind}
	}
	return v, nil
}

func (d *Dict) Bytes(key string) ([]byte, error) {
	v, err := d.lookup(key, KindString)
	return v.str, err
}

func (d *Dict) String(key string) (string, error) {
	v, err := d.lookup(key, KindString)
	return string(v.str), err
}

func (d *Dict) Int(key string) (int64, error) {
	v, err := d.lookup(key, KindInt)
	return v.num, err
}

func (d *Dict) List(key string) ([]Value, error) {
	v, err := d.lookup(key, KindList)
	return v.list, err
}

func (d *Dict) Dict(key string) (*Dict, error) {
	v, err := d.lookup(key, KindDict)
	return v.dict, err
}
