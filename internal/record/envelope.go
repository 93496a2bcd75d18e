// Package record builds and verifies the signed envelopes peerchat
// stores in the DHT. An envelope pins payload bytes to the ed25519
// identity that produced them; it says nothing about which DHT key the
// record lives under — that association is the caller's to check.
package record

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"peerchat/internal/identity"
	"peerchat/internal/wire"
)

// Domain separates peerchat record signatures from any other protocol
// this identity key might sign for.
const Domain = "peerchat/record/v1"

// PayloadTypeMemory tags CBOR-encoded wire.MemoryValue payloads.
// Envelopes carrying any other tag are rejected before parsing.
const PayloadTypeMemory = "peerchat/memory/cbor/v1"

var (
	// ErrBadEnvelope reports a malformed envelope or inner payload.
	ErrBadEnvelope = errors.New("record: bad envelope")
	// ErrSignatureMismatch reports a signature that does not verify, or
	// a payload whose claimed owner is not the signer.
	ErrSignatureMismatch = errors.New("record: signature mismatch")
	// ErrWrongPayloadType reports an envelope from an unrelated payload
	// format.
	ErrWrongPayloadType = errors.New("record: wrong payload type")
)

// Envelope is the stored form. Never mutated after Seal; a newer
// binding is a fresh envelope with a higher Seq.
type Envelope struct {
	PayloadType string `cbor:"1,keyasint"`
	Payload     []byte `cbor:"2,keyasint"`
	SignerPub   []byte `cbor:"3,keyasint"`
	Sig         []byte `cbor:"4,keyasint"`
	Seq         uint64 `cbor:"5,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
		UTF8:        cbor.UTF8RejectInvalid,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Seal encodes value and wraps it in a signed envelope from id.
func Seal(value wire.MemoryValue, seq uint64, id *identity.Identity) ([]byte, error) {
	payload, err := value.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	env := Envelope{
		PayloadType: PayloadTypeMemory,
		Payload:     payload,
		SignerPub:   append([]byte(nil), id.SignPub...),
		Sig:         id.Sign(signingDigest(PayloadTypeMemory, seq, payload)),
		Seq:         seq,
	}
	b, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return b, nil
}

// Open verifies an envelope and returns the inner value together with
// the signer's peer id and the envelope sequence number. A nickname
// value whose claimed owner differs from the signer fails with
// ErrSignatureMismatch — ownership is proven by the signature, never
// taken from the payload alone.
func Open(b []byte) (wire.MemoryValue, identity.PeerID, uint64, error) {
	var env Envelope
	if err := decMode.Unmarshal(b, &env); err != nil {
		return wire.MemoryValue{}, "", 0, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.PayloadType != PayloadTypeMemory {
		return wire.MemoryValue{}, "", 0, fmt.Errorf("%w: %q", ErrWrongPayloadType, env.PayloadType)
	}
	if len(env.SignerPub) != ed25519.PublicKeySize {
		return wire.MemoryValue{}, "", 0, fmt.Errorf("%w: signer pubkey %d bytes", ErrBadEnvelope, len(env.SignerPub))
	}
	pub := ed25519.PublicKey(env.SignerPub)
	if !ed25519.Verify(pub, signingDigest(env.PayloadType, env.Seq, env.Payload), env.Sig) {
		return wire.MemoryValue{}, "", 0, ErrSignatureMismatch
	}

	value, err := wire.DecodeMemoryValue(env.Payload)
	if err != nil {
		return wire.MemoryValue{}, "", 0, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	signer := identity.PeerIDFromPub(pub)
	if value.Kind == wire.KeyNickname && value.Nickname.Owner != signer {
		return wire.MemoryValue{}, "", 0, fmt.Errorf("%w: owner %s is not signer %s",
			ErrSignatureMismatch, value.Nickname.Owner.Short(), signer.Short())
	}
	return value, signer, env.Seq, nil
}

func signingDigest(payloadType string, seq uint64, payload []byte) []byte {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)

	h := sha256.New()
	h.Write([]byte(Domain))
	h.Write([]byte{0})
	h.Write([]byte(payloadType))
	h.Write([]byte{0})
	h.Write(seqBuf[:])
	h.Write(payload)
	return h.Sum(nil)
}
