package proto

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dht-chat/internal/bencode"
)

func testID(b byte) [NodeIDLen]byte {
	var id [NodeIDLen]byte
	for i := range id {
		id[i] = b
	}
	return id
}

func TestQueryWireFormat(t *testing.T) {
	id := []byte("abcdefghij0123456789")
	m := NewQuery([]byte("aa"), MethodPing, bencode.NewDict().Set("id", bencode.Bytes(id)))

	b, err := m.Encode()
	require.NoError(t, err)
	assert.Equal(t, "d1:ad2:id20:abcdefghij0123456789e1:q4:ping1:t2:aa1:y1:qe", string(b))

	got, err := ParseMessage(b)
	require.NoError(t, err)
	assert.Equal(t, TypeQuery, got.Y)
	assert.Equal(t, MethodPing, got.Q)
	assert.Equal(t, []byte("aa"), got.T)

	sender, err := got.SenderID()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(id, sender[:]))
}

func TestErrorWireFormat(t *testing.T) {
	b, err := NewError([]byte("aa"), ErrCodeGeneric, "A Generic Error Ocurred").Encode()
	require.NoError(t, err)
	assert.Equal(t, "d1:eli201e23:A Generic Error Ocurrede1:t2:aa1:y1:ee", string(b))

	m, err := ParseMessage(b)
	require.NoError(t, err)
	require.NotNil(t, m.E)
	assert.Equal(t, ErrCodeGeneric, m.E.Code)
}

func TestParseMessage_Malformed(t *testing.T) {
	for name, in := range map[string]string{
		"missing t":     "d1:y1:qe",
		"missing y":     "d1:t2:aae",
		"query no a":    "d1:q4:ping1:t2:aa1:y1:qe",
		"response no r": "d1:t2:aa1:y1:re",
		"short error":   "d1:eli201ee1:t2:aa1:y1:ee",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMessage([]byte(in))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}

	_, err := ParseMessage([]byte("d3:foo"))
	var fe *bencode.FormatError
	require.ErrorAs(t, err, &fe)
}

func TestEncode_ValidatesClass(t *testing.T) {
	args := bencode.NewDict().Set("id", bencode.Bytes(make([]byte, NodeIDLen)))

	_, err := Message{T: []byte("aa"), Y: "lan"}.Encode()
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Message{Y: TypeQuery, Q: MethodPing, A: args}.Encode()
	assert.ErrorIs(t, err, ErrMalformed, "no transaction id")
	_, err = NewQuery([]byte("aa"), "", args).Encode()
	assert.ErrorIs(t, err, ErrMalformed, "no method")
}

func TestResponse_ObservedAddress(t *testing.T) {
	id := testID(7)
	m := NewResponse([]byte("aa"), bencode.NewDict().Set("id", bencode.Bytes(id[:])))
	m.IP = netip.MustParseAddrPort("203.0.113.9:6881")

	b, err := m.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(b), "2:ip6:")

	got, err := ParseMessage(b)
	require.NoError(t, err)
	assert.Equal(t, m.IP, got.IP)

	// a malformed ip field is ignored
	got, err = ParseMessage([]byte("d2:ip3:abc1:rd2:id20:" + string(id[:]) + "e1:t2:aa1:y1:re"))
	require.NoError(t, err)
	assert.False(t, got.IP.IsValid())
}

func TestParseMessage_UnknownClassPassesThrough(t *testing.T) {
	m, err := ParseMessage([]byte("d1:t1:x1:y3:lane"))
	require.NoError(t, err)
	assert.Equal(t, "lan", m.Y)
	require.NotNil(t, m.Raw)
}

func TestCompactNodes_RoundTrip(t *testing.T) {
	nodes := []CompactNode{
		{ID: testID(1), Addr: netip.MustParseAddrPort("10.0.0.1:6881")},
		{ID: testID(2), Addr: netip.MustParseAddrPort("[2001:db8::1]:6882")},
		{ID: testID(3), Addr: netip.MustParseAddrPort("[::ffff:192.168.1.2]:80")},
	}
	v4, v6 := EncodeNodes(nodes)
	require.Len(t, v4, 2*CompactNodeLen)
	require.Len(t, v6, CompactNode6Len)

	got4, err := DecodeNodes(v4, false)
	require.NoError(t, err)
	require.Len(t, got4, 2)
	assert.Equal(t, nodes[0], got4[0])
	assert.Equal(t, "192.168.1.2:80", got4[1].Addr.String())

	got6, err := DecodeNodes(v6, true)
	require.NoError(t, err)
	assert.Equal(t, nodes[1], got6[0])

	_, err = DecodeNodes(v4[:CompactNodeLen+1], false)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestCompactPeers(t *testing.T) {
	peers := []netip.AddrPort{
		netip.MustParseAddrPort("1.2.3.4:5"),
		netip.MustParseAddrPort("[::1]:9"),
	}
	got, err := DecodePeers(EncodePeers(peers))
	require.NoError(t, err)
	assert.Equal(t, peers, got)

	_, err = DecodePeers(bencode.List(bencode.Int(1)))
	var tm *bencode.TypeMismatchError
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, 0, tm.Index)
}

func TestPresenceArgs(t *testing.T) {
	p := Presence{ID: testID(9), Name: "bob", Port: 4000, Room: "lobby", Ack: true}
	got, err := ParsePresence(p.Args())
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = ParsePresence(bencode.NewDict().Set("id", bencode.Bytes(p.ID[:])).Set("port", bencode.Int(0)))
	require.ErrorIs(t, err, ErrMalformed)
}
