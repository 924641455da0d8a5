package proto

import (
	"fmt"

	"dht-chat/internal/bencode"
)

// MethodPresence is a chat extension query sent over the DHT socket to a
// room member found by get_peers. The DHT layer does not answer it.
const MethodPresence = "chat_presence"

// Presence tells a room member where our TCP listener is.
type Presence struct {
	ID   [NodeIDLen]byte
	Name string
	Port uint16 // TCP
	Room string
	Ack  bool
}

func (p Presence) Args() *bencode.Dict {
	d := bencode.NewDict().
		Set("id", bencode.Bytes(p.ID[:])).
		Set("name", bencode.String(p.Name)).
		Set("port", bencode.Int(int64(p.Port))).
		Set("room", bencode.String(p.Room))
	if p.Ack {
		d.Set("ack", bencode.Int(1))
	}
	return d
}

func ParsePresence(args *bencode.Dict) (Presence, error) {
	var p Presence
	var err error
	if p.ID, err = ID20(args, "id"); err != nil {
		return p, err
	}
	port, err := args.Int("port")
	if err != nil {
		return p, err
	}
	if port <= 0 || port > 0xffff {
		return p, fmt.Errorf("%w: presence port %d", ErrMalformed, port)
	}
	p.Port = uint16(port)
	p.Name, _ = args.String("name")
	p.Room, _ = args.String("room")
	if ack, err := args.Int("ack"); err == nil && ack != 0 {
		p.Ack = true
	}
	return p, nil
}
