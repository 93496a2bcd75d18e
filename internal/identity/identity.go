package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/flynn/noise"
)

// PeerID is the hex-encoded ed25519 public key of a node. It doubles as
// the DHT node id and the gossip origin id.
type PeerID string

// noiseBindingDomain separates the static-key binding signature from
// every other signature this identity produces.
const noiseBindingDomain = "peerchat/handshake/v1"

// Identity is a node's keypair set: the long-term ed25519 signing key
// that names the node, and the X25519 static key used by the Noise
// handshake. Generated fresh each process; nothing is persisted.
type Identity struct {
	SignPriv ed25519.PrivateKey
	SignPub  ed25519.PublicKey

	NoiseKeys noise.DHKey

	ID PeerID
}

func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	nk, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{
		SignPriv:  priv,
		SignPub:   pub,
		NoiseKeys: nk,
		ID:        PeerIDFromPub(pub),
	}, nil
}

func PeerIDFromPub(pub ed25519.PublicKey) PeerID {
	return PeerID(hex.EncodeToString(pub))
}

// Pub recovers the ed25519 public key a PeerID encodes.
func (p PeerID) Pub() (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(string(p))
	if err != nil {
		return nil, fmt.Errorf("peer id %q: %w", p.Short(), err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("peer id %q: want %d bytes, got %d", p.Short(), ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// Short returns a log-friendly prefix of the peer id.
func (p PeerID) Short() string {
	if len(p) > 8 {
		return string(p[:8])
	}
	return string(p)
}

// Sign signs msg with the node's identity key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.SignPriv, msg)
}

// BindNoiseKey produces the signature that ties the Noise static key to
// this identity. It is sent in the handshake payload so the remote side
// can check that whoever holds the ed25519 key also holds the session's
// static key.
func (id *Identity) BindNoiseKey() []byte {
	return ed25519.Sign(id.SignPriv, bindingDigest(id.NoiseKeys.Public))
}

// VerifyNoiseBinding checks a remote peer's static-key binding.
func VerifyNoiseBinding(peer PeerID, noiseStatic, sig []byte) error {
	pub, err := peer.Pub()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, bindingDigest(noiseStatic), sig) {
		return fmt.Errorf("peer %s: noise static key binding signature invalid", peer.Short())
	}
	return nil
}

func bindingDigest(noiseStatic []byte) []byte {
	h := sha256.New()
	h.Write([]byte(noiseBindingDomain))
	h.Write(noiseStatic)
	return h.Sum(nil)
}
