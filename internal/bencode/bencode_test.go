package bencode

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEncode(t *testing.T, v Value) []byte {
	t.Helper()
	b, err := Encode(v)
	require.NoError(t, err)
	return b
}

func TestEncode_Canonical(t *testing.T) {
	d := NewDict().
		Set("zeta", Int(-42)).
		Set("alpha", String("spam")).
		Set("list", List(Int(0), String(""), List()))

	got := mustEncode(t, DictValue(d))
	assert.Equal(t, "d5:alpha4:spam4:listli0e0:lee4:zetai-42ee", string(got))
}

func TestEncode_InvalidValue(t *testing.T) {
	_, err := Encode(Value{})
	require.ErrorIs(t, err, ErrInvalidValue)

	_, err = Encode(List(Int(1), Value{}))
	require.ErrorIs(t, err, ErrInvalidValue)
}

func TestDecode_KRPCPing(t *testing.T) {
	raw := "d1:ad2:id20:abcdefghij0123456789e1:q4:ping1:t2:aa1:y1:qe"
	d, err := DecodeDict([]byte(raw))
	require.NoError(t, err)

	q, err := d.String("q")
	require.NoError(t, err)
	assert.Equal(t, "ping", q)

	args, err := d.Dict("a")
	require.NoError(t, err)
	id, err := args.Bytes("id")
	require.NoError(t, err)
	assert.Len(t, id, 20)

	// canonical input re-encodes byte for byte
	assert.Equal(t, raw, string(mustEncode(t, DictValue(d))))
}

func TestDecode_AcceptsUnsortedKeys(t *testing.T) {
	d, err := DecodeDict([]byte("d1:bi1e1:ai2ee"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, d.Keys())
	assert.Equal(t, "d1:ai2e1:bi1ee", string(mustEncode(t, DictValue(d))))
}

func TestDecode_FormatErrors(t *testing.T) {
	cases := map[string]string{
		"truncated dict":        "d3:foo",
		"empty":                 "",
		"unknown marker":        "x",
		"length overrun":        "5:abc",
		"non-numeric length":    "3a:abc",
		"unterminated list":     "li1ei2e",
		"unterminated dict":     "d1:ai1e",
		"unterminated int":      "i12",
		"empty int":             "ie",
		"bare minus":            "i-e",
		"leading zero":          "i012e",
		"negative zero":         "i-0e",
		"leading zero length":   "03:abc",
		"int overflow":          "i9223372036854775808e",
		"non-string key":        "di1ei2ee",
		"duplicate key":         "d1:ai1e1:ai2ee",
		"trailing data":         "i1ei2e",
		"missing colon":         "3abc",
		"garbage in int":        "i1x2e",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(in))
			var fe *FormatError
			require.Error(t, err)
			require.True(t, errors.As(err, &fe), "want *FormatError, got %T: %v", err, err)
		})
	}
}

func TestDecode_TrailingData(t *testing.T) {
	_, err := Decode([]byte("i1ei2e"))
	require.ErrorIs(t, err, ErrTrailingData)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 3, fe.Offset)

	_, err = Decode([]byte("i1"))
	assert.NotErrorIs(t, err, ErrTrailingData)
}

func TestDecode_TruncatedDoesNotPoisonLaterCalls(t *testing.T) {
	_, err := Decode([]byte("d3:foo"))
	var fe *FormatError
	require.ErrorAs(t, err, &fe)

	v, err := Decode([]byte("d3:foo3:bare"))
	require.NoError(t, err)
	d, err := v.AsDict()
	require.NoError(t, err)
	s, err := d.String("foo")
	require.NoError(t, err)
	assert.Equal(t, "bar", s)
}

func TestDecode_IntBounds(t *testing.T) {
	v, err := Decode([]byte("i-9223372036854775808e"))
	require.NoError(t, err)
	n, err := v.AsInt()
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), n)

	v, err = Decode([]byte("i9223372036854775807e"))
	require.NoError(t, err)
	n, err = v.AsInt()
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), n)
}

func TestDecode_DepthLimit(t *testing.T) {
	deep := make([]byte, 0, 2*(MaxDepth+1))
	for i := 0; i <= MaxDepth; i++ {
		deep = append(deep, 'l')
	}
	for i := 0; i <= MaxDepth; i++ {
		deep = append(deep, 'e')
	}
	_, err := Decode(deep)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
}

func TestAccessors_TypeMismatch(t *testing.T) {
	_, err := String("x").AsInt()
	var tm *TypeMismatchError
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, KindInt, tm.Want)
	assert.Equal(t, KindString, tm.Got)

	l := List(String("a"), String("b"), Int(3))
	_, err = l.AsStrings()
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, 2, tm.Index)
	assert.Equal(t, KindString, tm.Want)
	assert.Contains(t, tm.Error(), "element 2")

	_, err = List(Int(1), String("2")).AsInts()
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, 1, tm.Index)

	ints, err := List(Int(1), Int(2)).AsInts()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ints)

	_, err = l.AsListOf(KindDict)
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, 0, tm.Index)
}

func TestDictHelpers(t *testing.T) {
	d := NewDict().Set("port", Int(6881)).Set("name", String("n"))

	_, err := d.Bytes("missing")
	require.ErrorIs(t, err, ErrMissingKey)

	_, err = d.Bytes("port")
	var tm *TypeMismatchError
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, "port", tm.Key)

	p, err := d.Int("port")
	require.NoError(t, err)
	assert.Equal(t, int64(6881), p)

	d.Set("port", Int(1))
	assert.Equal(t, []string{"port", "name"}, d.Keys())
}

func randomValue(r *rand.Rand, depth int) Value {
	kind := r.Intn(4)
	if depth > 4 {
		kind = r.Intn(2)
	}
	switch kind {
	case 0:
		b := make([]byte, r.Intn(24))
		r.Read(b)
		return Bytes(b)
	case 1:
		return Int(r.Int63() - r.Int63())
	case 2:
		items := make([]Value, r.Intn(5))
		for i := range items {
			items[i] = randomValue(r, depth+1)
		}
		return List(items...)
	default:
		d := NewDict()
		for i := r.Intn(5); i > 0; i-- {
			k := make([]byte, 1+r.Intn(6))
			r.Read(k)
			d.Set(string(k), randomValue(r, depth+1))
		}
		return DictValue(d)
	}
}

func TestRoundTrip_RandomTrees(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		v := randomValue(r, 0)
		enc := mustEncode(t, v)

		got, err := Decode(enc)
		require.NoError(t, err, "input %q", enc)
		require.True(t, Equal(v, got), "round trip mismatch for %q", enc)

		// canonical encodings are stable
		require.Equal(t, enc, mustEncode(t, got))
	}
}

func FuzzDecode(f *testing.F) {
	for _, s := range []string{"d3:foo", "li1ee", "d1:ai1ee", "4:spam", "i-3e"} {
		f.Add([]byte(s))
	}
	f.Fuzz(func(t *testing.T, in []byte) {
		v, err := Decode(in)
		if err != nil {
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("non-format error %T: %v", err, err)
			}
			return
		}
		if _, err := Encode(v); err != nil {
			t.Fatalf("re-encode: %v", err)
		}
	})
}
