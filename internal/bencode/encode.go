package bencode

import (
	"errors"
	"io"
	"strconv"
)

// ErrInvalidValue is returned when encoding the zero Value.
var ErrInvalidValue = errors.New("bencode: invalid value")

// Encode returns the canonical encoding of v.
func Encode(v Value) ([]byte, error) {
	return Append(nil, v)
}

// EncodeTo writes the canonical encoding of v to w.
func EncodeTo(w io.Writer, v Value) error {
	b, err := Encode(v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Append appends the canonical encoding of v to dst.
func Append(dst []byte, v Value) ([]byte, error) {
	switch v.kind {
	case KindString:
		return appendString(dst, v.str), nil
	case KindInt:
		dst = append(dst, 'i')
		dst = strconv.AppendInt(dst, v.num, 10)
		return append(dst, 'e'), nil
	case KindList:
		dst = append(dst, 'l')
		for _, it := range v.list {
			var err error
			if dst, err = Append(dst, it); err != nil {
				return nil, err
			}
		}
		return append(dst, 'e'), nil
	case KindDict:
		dst = append(dst, 'd')
		for _, k := range v.dict.SortedKeys() {
			dst = appendString(dst, []byte(k))
			var err error
			if dst, err = Append(dst, v.dict.m[k]); err != nil {
				return nil, err
			}
		}
		return append(dst, 'e'), nil
	default:
		return nil, ErrInvalidValue
	}
}

func appendString(dst, s []byte) []byte {
	dst = strconv.AppendInt(dst, int64(len(s)), 10)
	dst = append(dst, ':')
	return append(dst, s...)
}
