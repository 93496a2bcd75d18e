package gossip

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"peerchat/internal/identity"
)

// MessageID derives the flood id of a message from its origin and
// exact payload bytes. Every node computes the same id for the same
// message, so duplicates are recognized regardless of relay path.
func MessageID(origin identity.PeerID, data []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(origin))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
