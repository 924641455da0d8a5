package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	NodeIDBytes = 20
	NodeIDBits  = NodeIDBytes * 8
)

type NodeID [NodeIDBytes]byte

func ParseNodeIDHex(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != NodeIDBytes {
		return id, fmt.Errorf("node id must be %d bytes, got %d", NodeIDBytes, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func MustParseNodeIDHex(s string) NodeID {
	id, err := ParseNodeIDHex(s)
	if err != nil {
		panic(err)
	}
	return id
}

func RandomNodeID() NodeID {
	var id NodeID
	_, _ = rand.Read(id[:])
	return id
}

// KeyFor maps a room or member key to a point in the ID space.
func KeyFor(key string) NodeID {
	h, _ := blake2b.New(NodeIDBytes, nil)
	h.Write([]byte(key))
	var id NodeID
	copy(id[:], h.Sum(nil))
	return id
}

func (id NodeID) Hex() string    { return hex.EncodeToString(id[:]) }
func (id NodeID) String() string { return id.Hex()[:8] }
func (id NodeID) IsZero() bool   { return id == NodeID{} }

// Xor is the Kademlia distance between a and b.
func Xor(a, b NodeID) (out NodeID) {
	for i := 0; i < NodeIDBytes; i++ {
		out[i] = a[i] ^ b[i]
	}
	return
}

// DistanceLess reports whether distance a is smaller than distance b.
func DistanceLess(a, b NodeID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// BucketIndex returns [0..159], the index of the first differing bit
// (MSB-first). If identical, returns -1.
func BucketIndex(self, other NodeID) int {
	d := Xor(self, other)
	for byteIdx := 0; byteIdx < NodeIDBytes; byteIdx++ {
		x := d[byteIdx]
		if x == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if x&(1<<(7-bit)) != 0 {
				return byteIdx*8 + bit
			}
		}
	}
	return -1
}

// RandomIDInBucket returns a random ID whose BucketIndex against self is i.
func RandomIDInBucket(self NodeID, i int) NodeID {
	id := RandomNodeID()
	byteIdx, bit := i/8, uint(i%8)
	// copy the shared prefix
	copy(id[:byteIdx], self[:byteIdx])
	prefixMask := byte(0xff) << (8 - bit)
	flip := byte(0x80) >> bit
	id[byteIdx] = (self[byteIdx] & prefixMask) | (^self[byteIdx] & flip) | (id[byteIdx] &^ (prefixMask | flip))
	return id
}
