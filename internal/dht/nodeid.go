package dht

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const NodeIDBytes = 32

// NodeID is a 256-bit Kademlia identifier. Node ids are the raw bytes
// of a peer's public key, so the transport peer id and the routing id
// are the same value in two spellings.
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

func (id NodeID) Hex() string { return hex.EncodeToString(id[:]) }

func RandomNodeID() NodeID {
	var id NodeID
	_, _ = rand.Read(id[:])
	return id
}

// Distance is the XOR metric: d = a ^ b.
func Distance(a, b NodeID) (out NodeID) {
	for i := 0; i < NodeIDBytes; i++ {
		out[i] = a[i] ^ b[i]
	}
	return
}

// DistanceLess reports whether a < b as big-endian integers.
func DistanceLess(a, b NodeID) bool {
	for i := 0; i < NodeIDBytes; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// BucketIndex returns [0..255]: the index of the first differing bit
// (MSB-first) between two ids, or -1 if they are identical.
func BucketIndex(self, other NodeID) int {
	d := Distance(self, other)
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
