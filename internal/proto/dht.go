package proto

import (
	"errors"
	"fmt"
	"net/netip"

	"dht-chat/internal/bencode"
)

// KRPC message classes.
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// DHT methods.
const (
	MethodPing         = "ping"
	MethodFindNode     = "find_node"
	MethodGetPeers     = "get_peers"
	MethodAnnouncePeer = "announce_peer"
)

// KRPC error codes.
const (
	ErrCodeGeneric       = 201
	ErrCodeServer        = 202
	ErrCodeProtocol      = 203
	ErrCodeMethodUnknown = 204
)

const NodeIDLen = 20

// ErrMalformed marks a datagram that decoded as bencode but is not a usable
// KRPC message.
var ErrMalformed = errors.New("krpc: malformed message")

// KRPCError is the [code, message] pair carried by "e" messages.
type KRPCError struct {
	Code    int
	Message string
}

func (e *KRPCError) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Message)
}

// Message is one KRPC datagram. Only the fields for its class are set.
type Message struct {
	T []byte // transaction id
	Y string
	Q string
	A *bencode.Dict
	R *bencode.Dict
	E *KRPCError
	V []byte // optional client version
	// IP is the receiver's address as the sender saw it, compact encoded
	// on the wire. Set on responses.
	IP netip.AddrPort

	Raw *bencode.Dict
}

func NewQuery(t []byte, method string, args *bencode.Dict) Message {
	return Message{T: t, Y: TypeQuery, Q: method, A: args}
}

func NewResponse(t []byte, ret *bencode.Dict) Message {
	return Message{T: t, Y: TypeResponse, R: ret}
}

func NewError(t []byte, code int, msg string) Message {
	return Message{T: t, Y: TypeError, E: &KRPCError{Code: code, Message: msg}}
}

// Dict builds the wire dictionary for m.
func (m Message) Dict() *bencode.Dict {
	d := bencode.NewDict()
	d.Set("t", bencode.Bytes(m.T))
	d.Set("y", bencode.String(m.Y))
	switch m.Y {
	case TypeQuery:
		d.Set("q", bencode.String(m.Q))
		d.Set("a", bencode.DictValue(m.A))
	case TypeResponse:
		d.Set("r", bencode.DictValue(m.R))
	case TypeError:
		e := m.E
		if e == nil {
			e = &KRPCError{Code: ErrCodeGeneric}
		}
		d.Set("e", bencode.List(bencode.Int(int64(e.Code)), bencode.String(e.Message)))
	}
	if len(m.V) > 0 {
		d.Set("v", bencode.Bytes(m.V))
	}
	if m.IP.IsValid() {
		d.Set("ip", bencode.Bytes(EncodePeer(m.IP)))
	}
	return d
}

// Encode serializes m. A missing transaction id or a class other than
// q, r or e is rejected with ErrMalformed.
func (m Message) Encode() ([]byte, error) {
	if len(m.T) == 0 {
		return nil, fmt.Errorf("%w: empty transaction id", ErrMalformed)
	}
	switch m.Y {
	case TypeQuery:
		if m.Q == "" {
			return nil, fmt.Errorf("%w: query without method", ErrMalformed)
		}
	case TypeResponse, TypeError:
	default:
		return nil, fmt.Errorf("%w: unknown class %q", ErrMalformed, m.Y)
	}
	return bencode.Encode(bencode.DictValue(m.Dict()))
}

// ParseMessage decodes a datagram. Bencode failures come back as
// *bencode.FormatError; structural problems wrap ErrMalformed. A message
// with an unrecognised class is returned without error so callers can
// pass it on.
func ParseMessage(b []byte) (Message, error) {
	d, err := bencode.DecodeDict(b)
	if err != nil {
		return Message{}, err
	}
	return FromDict(d)
}

func FromDict(d *bencode.Dict) (Message, error) {
	m := Message{Raw: d}
	var err error
	if m.T, err = d.Bytes("t"); err != nil {
		return m, fmt.Errorf("%w: t: %v", ErrMalformed, err)
	}
	if m.Y, err = d.String("y"); err != nil {
		return m, fmt.Errorf("%w: y: %v", ErrMalformed, err)
	}
	if v, err := d.Bytes("v"); err == nil {
		m.V = v
	}
	if ip, err := d.Bytes("ip"); err == nil {
		if ap, err := DecodePeer(ip); err == nil {
			m.IP = ap
		}
	}

	switch m.Y {
	case TypeQuery:
		if m.Q, err = d.String("q"); err != nil {
			return m, fmt.Errorf("%w: q: %v", ErrMalformed, err)
		}
		if m.A, err = d.Dict("a"); err != nil {
			return m, fmt.Errorf("%w: a: %v", ErrMalformed, err)
		}
	case TypeResponse:
		if m.R, err = d.Dict("r"); err != nil {
			return m, fmt.Errorf("%w: r: %v", ErrMalformed, err)
		}
	case TypeError:
		l, err := d.List("e")
		if err != nil || len(l) < 2 {
			return m, fmt.Errorf("%w: e", ErrMalformed)
		}
		code, err := l[0].AsInt()
		if err != nil {
			return m, fmt.Errorf("%w: e code: %v", ErrMalformed, err)
		}
		msg, err := l[1].AsString()
		if err != nil {
			return m, fmt.Errorf("%w: e message: %v", ErrMalformed, err)
		}
		m.E = &KRPCError{Code: int(code), Message: msg}
	}
	return m, nil
}

// Body returns the argument or return dictionary.
func (m Message) Body() *bencode.Dict {
	if m.Y == TypeQuery {
		return m.A
	}
	return m.R
}

// SenderID returns the 20-byte "id" from the body.
func (m Message) SenderID() ([NodeIDLen]byte, error) {
	var id [NodeIDLen]byte
	b, err := m.Body().Bytes("id")
	if err != nil {
		return id, err
	}
	if len(b) != NodeIDLen {
		return id, fmt.Errorf("%w: id length %d", ErrMalformed, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ID20 reads a 20-byte field such as "target" or "info_hash".
func ID20(d *bencode.Dict, key string) ([NodeIDLen]byte, error) {
	var id [NodeIDLen]byte
	b, err := d.Bytes(key)
	if err != nil {
		return id, err
	}
	if len(b) != NodeIDLen {
		return id, fmt.Errorf("%w: %s length %d", ErrMalformed, key, len(b))
	}
	copy(id[:], b)
	return id, nil
}
