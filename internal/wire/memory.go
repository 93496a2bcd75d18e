package wire

import (
	"crypto/sha256"
	"fmt"

	"peerchat/internal/identity"
)

// KeyKind tags the two DHT namespaces.
type KeyKind uint8

const (
	KeyNickname KeyKind = 1
	KeyChannel  KeyKind = 2
)

// MemoryKey is the tagged DHT key variant. Its canonical CBOR encoding
// hashed with sha256 is the 32-byte key the DHT routes on, so the
// encoding must be deterministic (it is: definite-length CBOR with
// sorted integer keys).
type MemoryKey struct {
	Kind    KeyKind         `cbor:"1,keyasint"`
	Peer    identity.PeerID `cbor:"2,keyasint,omitempty"`
	Channel string          `cbor:"3,keyasint,omitempty"`
}

func NicknameKey(peer identity.PeerID) MemoryKey {
	return MemoryKey{Kind: KeyNickname, Peer: peer}
}

func ChannelKey(ident string) MemoryKey {
	return MemoryKey{Kind: KeyChannel, Channel: ident}
}

func (k MemoryKey) Encode() ([]byte, error) {
	if err := k.validate(); err != nil {
		return nil, err
	}
	b, err := encMode.Marshal(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return b, nil
}

func DecodeMemoryKey(b []byte) (MemoryKey, error) {
	var k MemoryKey
	if err := decMode.Unmarshal(b, &k); err != nil {
		return MemoryKey{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := k.validate(); err != nil {
		return MemoryKey{}, err
	}
	return k, nil
}

// Hash returns the 32-byte DHT key for this MemoryKey.
func (k MemoryKey) Hash() ([32]byte, error) {
	b, err := k.Encode()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

func (k MemoryKey) validate() error {
	switch k.Kind {
	case KeyNickname:
		if k.Peer == "" || k.Channel != "" {
			return fmt.Errorf("%w: nickname key must carry a peer and nothing else", ErrInvalidCommand)
		}
	case KeyChannel:
		if k.Channel == "" || k.Peer != "" {
			return fmt.Errorf("%w: channel key must carry an identifier and nothing else", ErrInvalidCommand)
		}
	default:
		return fmt.Errorf("%w: unknown key kind %d", ErrMalformed, k.Kind)
	}
	return nil
}

// NicknameRecord binds a nickname to its owning peer. The owner field
// is an authenticity claim: readers must check it against the signer of
// the envelope the record arrived in, never trust it alone.
type NicknameRecord struct {
	Owner    identity.PeerID `cbor:"1,keyasint"`
	Nickname string          `cbor:"2,keyasint"`
}

// MemoryValue is the tagged DHT value variant matching MemoryKey.
type MemoryValue struct {
	Kind     KeyKind         `cbor:"1,keyasint"`
	Nickname *NicknameRecord `cbor:"2,keyasint,omitempty"`
	Channel  *ChannelInfo    `cbor:"3,keyasint,omitempty"`
}

func NicknameValue(owner identity.PeerID, nick string) MemoryValue {
	return MemoryValue{Kind: KeyNickname, Nickname: &NicknameRecord{Owner: owner, Nickname: nick}}
}

func ChannelValue(info ChannelInfo) MemoryValue {
	return MemoryValue{Kind: KeyChannel, Channel: &info}
}

func (v MemoryValue) Encode() ([]byte, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return b, nil
}

func DecodeMemoryValue(b []byte) (MemoryValue, error) {
	var v MemoryValue
	if err := decMode.Unmarshal(b, &v); err != nil {
		return MemoryValue{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := v.Validate(); err != nil {
		return MemoryValue{}, err
	}
	return v, nil
}

func (v MemoryValue) Validate() error {
	switch v.Kind {
	case KeyNickname:
		if v.Nickname == nil || v.Channel != nil {
			return fmt.Errorf("%w: nickname value shape", ErrInvalidCommand)
		}
		if v.Nickname.Owner == "" {
			return fmt.Errorf("%w: nickname value missing owner", ErrInvalidCommand)
		}
		if len(v.Nickname.Nickname) == 0 || len(v.Nickname.Nickname) > MaxNicknameLength {
			return fmt.Errorf("%w: nickname length %d out of bounds", ErrInvalidCommand, len(v.Nickname.Nickname))
		}
	case KeyChannel:
		if v.Channel == nil || v.Nickname != nil {
			return fmt.Errorf("%w: channel value shape", ErrInvalidCommand)
		}
		if v.Channel.Ident == "" || len(v.Channel.Ident) > MaxChannelLength {
			return fmt.Errorf("%w: channel identifier length out of bounds", ErrInvalidCommand)
		}
	default:
		return fmt.Errorf("%w: unknown value kind %d", ErrMalformed, v.Kind)
	}
	return nil
}

// KeyFor returns the MemoryKey a value belongs under. This is the
// owner-vs-key association the caller must check when reading records
// back out of the DHT.
func (v MemoryValue) KeyFor() (MemoryKey, error) {
	switch v.Kind {
	case KeyNickname:
		if v.Nickname == nil {
			return MemoryKey{}, fmt.Errorf("%w: nickname value shape", ErrInvalidCommand)
		}
		return NicknameKey(v.Nickname.Owner), nil
	case KeyChannel:
		if v.Channel == nil {
			return MemoryKey{}, fmt.Errorf("%w: channel value shape", ErrInvalidCommand)
		}
		return ChannelKey(v.Channel.Ident), nil
	default:
		return MemoryKey{}, fmt.Errorf("%w: unknown value kind %d", ErrMalformed, v.Kind)
	}
}
