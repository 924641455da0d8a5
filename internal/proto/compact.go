package proto

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"dht-chat/internal/bencode"
)

const (
	CompactPeerLen  = 6
	CompactPeer6Len = 18
	CompactNodeLen  = NodeIDLen + CompactPeerLen
	CompactNode6Len = NodeIDLen + CompactPeer6Len
)

// CompactNode is one entry of a "nodes" or "nodes6" string.
type CompactNode struct {
	ID   [NodeIDLen]byte
	Addr netip.AddrPort
}

// EncodeNodes splits nodes by family into "nodes" and "nodes6" payloads.
func EncodeNodes(nodes []CompactNode) (v4, v6 []byte) {
	for _, n := range nodes {
		ip := n.Addr.Addr().Unmap()
		if ip.Is4() {
			v4 = append(v4, n.ID[:]...)
			v4 = appendPeer(v4, netip.AddrPortFrom(ip, n.Addr.Port()))
		} else if ip.Is6() {
			v6 = append(v6, n.ID[:]...)
			v6 = appendPeer(v6, n.Addr)
		}
	}
	return v4, v6
}

func DecodeNodes(b []byte, ipv6 bool) ([]CompactNode, error) {
	size := CompactNodeLen
	if ipv6 {
		size = CompactNode6Len
	}
	if len(b)%size != 0 {
		return nil, fmt.Errorf("%w: compact nodes length %d not a multiple of %d", ErrMalformed, len(b), size)
	}
	out := make([]CompactNode, 0, len(b)/size)
	for off := 0; off < len(b); off += size {
		var n CompactNode
		copy(n.ID[:], b[off:off+NodeIDLen])
		ap, err := DecodePeer(b[off+NodeIDLen : off+size])
		if err != nil {
			return nil, err
		}
		n.Addr = ap
		out = append(out, n)
	}
	return out, nil
}

// EncodePeer returns the 6 or 18 byte compact form of ap.
func EncodePeer(ap netip.AddrPort) []byte {
	return appendPeer(nil, ap)
}

func appendPeer(dst []byte, ap netip.AddrPort) []byte {
	ip := ap.Addr().Unmap()
	if ip.Is4() {
		a := ip.As4()
		dst = append(dst, a[:]...)
	} else {
		a := ip.As16()
		dst = append(dst, a[:]...)
	}
	return binary.BigEndian.AppendUint16(dst, ap.Port())
}

func DecodePeer(b []byte) (netip.AddrPort, error) {
	switch len(b) {
	case CompactPeerLen:
		ip := netip.AddrFrom4([4]byte(b[:4]))
		return netip.AddrPortFrom(ip, binary.BigEndian.Uint16(b[4:])), nil
	case CompactPeer6Len:
		ip := netip.AddrFrom16([16]byte(b[:16]))
		return netip.AddrPortFrom(ip, binary.BigEndian.Uint16(b[16:])), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("%w: compact peer length %d", ErrMalformed, len(b))
	}
}

// EncodePeers builds the "values" list.
func EncodePeers(peers []netip.AddrPort) bencode.Value {
	items := make([]bencode.Value, 0, len(peers))
	for _, p := range peers {
		items = append(items, bencode.Bytes(EncodePeer(p)))
	}
	return bencode.List(items...)
}

// DecodePeers parses a "values" list. Entries of the wrong size are skipped;
// a non-string entry is a type mismatch.
func DecodePeers(v bencode.Value) ([]netip.AddrPort, error) {
	items, err := v.AsListOf(bencode.KindString)
	if err != nil {
		return nil, err
	}
	out := make([]netip.AddrPort, 0, len(items))
	for _, it := range items {
		b, _ := it.AsBytes()
		ap, err := DecodePeer(b)
		if err != nil {
			continue
		}
		out = append(out, ap)
	}
	return out, nil
}
