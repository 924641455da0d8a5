package bencode

import (
	"math"
)

// MaxDepth bounds container nesting during decode.
const MaxDepth = 256

// Decode parses exactly one value from b. Trailing bytes are an error.
// The returned strings alias b.
func Decode(b []byte) (Value, error) {
	d := decoder{buf: b}
	v, err := d.value(0)
	if err != nil {
		return Value{}, err
	}
	if d.pos != len(d.buf) {
		return Value{}, &FormatError{Offset: d.pos, Reason: "trailing data after value", Err: ErrTrailingData}
	}
	return v, nil
}

// DecodeDict decodes b and requires a dictionary at the top level.
func DecodeDict(b []byte) (*Dict, error) {
	v, err := Decode(b)
	if err != nil {
		return nil, err
	}
	return v.AsDict()
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) fail(reason string) error {
	return &FormatError{Offset: d.pos, Reason: reason}
}

func (d *decoder) value(depth int) (Value, error) {
	if d.pos >= len(d.buf) {
		return Value{}, d.fail("unexpected end of input")
	}
	c := d.buf[d.pos]
	switch {
	case c >= '0' && c <= '9':
		s, err := d.str()
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindString, str: s}, nil
	case c == 'i':
		d.pos++
		n, err := d.integer('e')
		if err != nil {
			return Value{}, err
		}
		return Int(n), nil
	case c == 'l':
		if depth >= MaxDepth {
			return Value{}, d.fail("nesting too deep")
		}
		d.pos++
		items := []Value{}
		for {
			if d.pos >= len(d.buf) {
				return Value{}, d.fail("unterminated list")
			}
			if d.buf[d.pos] == 'e' {
				d.pos++
				return List(items...), nil
			}
			it, err := d.value(depth + 1)
			if err != nil {
				return Value{}, err
			}
			items = append(items, it)
		}
	case c == 'd':
		if depth >= MaxDepth {
			return Value{}, d.fail("nesting too deep")
		}
		d.pos++
		dict := NewDict()
		for {
			if d.pos >= len(d.buf) {
				return Value{}, d.fail("unterminated dictionary")
			}
			if d.buf[d.pos] == 'e' {
				d.pos++
				return DictValue(dict), nil
			}
			if k := d.buf[d.pos]; k < '0' || k > '9' {
				return Value{}, d.fail("dictionary key is not a string")
			}
			keyAt := d.pos
			key, err := d.str()
			if err != nil {
				return Value{}, err
			}
			if dict.Has(string(key)) {
				return Value{}, &FormatError{Offset: keyAt, Reason: "duplicate dictionary key"}
			}
			if d.pos >= len(d.buf) || d.buf[d.pos] == 'e' {
				return Value{}, d.fail("dictionary key without value")
			}
			v, err := d.value(depth + 1)
			if err != nil {
				return Value{}, err
			}
			dict.Set(string(key), v)
		}
	default:
		return Value{}, d.fail("unknown type marker " + quoteByte(c))
	}
}

// str reads "<len>:<bytes>".
func (d *decoder) str() ([]byte, error) {
	n, err := d.integer(':')
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, d.fail("negative string length")
	}
	if n > int64(len(d.buf)-d.pos) {
		return nil, d.fail("string length exceeds input")
	}
	s := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return s, nil
}

// integer reads a canonical decimal terminated by term and consumes term.
func (d *decoder) integer(term byte) (int64, error) {
	start := d.pos
	neg := false
	if d.pos < len(d.buf) && d.buf[d.pos] == '-' {
		if term == ':' {
			return 0, d.fail("negative string length")
		}
		neg = true
		d.pos++
	}
	digitsAt := d.pos
	var n uint64
	for d.pos < len(d.buf) && d.buf[d.pos] != term {
		c := d.buf[d.pos]
		if c < '0' || c > '9' {
			return 0, d.fail("non-numeric character " + quoteByte(c))
		}
		if n > (math.MaxUint64-9)/10 {
			return 0, d.fail("integer overflow")
		}
		n = n*10 + uint64(c-'0')
		d.pos++
	}
	if d.pos >= len(d.buf) {
		return 0, d.fail("unexpected end of input in number")
	}
	digits := d.pos - digitsAt
	switch {
	case digits == 0:
		return 0, &FormatError{Offset: start, Reason: "empty number"}
	case digits > 1 && d.buf[digitsAt] == '0':
		return 0, &FormatError{Offset: start, Reason: "leading zero"}
	case neg && n == 0:
		return 0, &FormatError{Offset: start, Reason: "negative zero"}
	}
	d.pos++ // term
	if neg {
		if n > 1<<63 {
			return 0, &FormatError{Offset: start, Reason: "integer overflow"}
		}
		return -int64(n), nil
	}
	if n > math.MaxInt64 {
		return 0, &FormatError{Offset: start, Reason: "integer overflow"}
	}
	return int64(n), nil
}

func quoteByte(c byte) string {
	if c >= 0x20 && c < 0x7f {
		return "'" + string(c) + "'"
	}
	const hexdig = "0123456789abcdef"
	return "0x" + string([]byte{hexdig[c>>4], hexdig[c&0xf]})
}
