package wire

import (
	"errors"
	"reflect"
	"testing"

	"peerchat/internal/identity"
)

const peerA = identity.PeerID("aa11223344556677889900aabbccddeeff00112233445566778899aabbccddee")

func TestMemoryKeyRoundtripAndHash(t *testing.T) {
	keys := []MemoryKey{
		NicknameKey(peerA),
		ChannelKey("general"),
	}
	for _, k := range keys {
		b, err := k.Encode()
		if err != nil {
			t.Fatalf("Encode(%+v): %v", k, err)
		}
		got, err := DecodeMemoryKey(b)
		if err != nil {
			t.Fatalf("DecodeMemoryKey: %v", err)
		}
		if !reflect.DeepEqual(got, k) {
			t.Fatalf("roundtrip mismatch: %+v vs %+v", k, got)
		}
	}

	h1, err := NicknameKey(peerA).Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := NicknameKey(peerA).Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("key hashing is not deterministic")
	}
	h3, _ := ChannelKey("general").Hash()
	if h1 == h3 {
		t.Fatalf("distinct keys hash equal")
	}
}

func TestMemoryKeyShape(t *testing.T) {
	bad := []MemoryKey{
		{Kind: KeyNickname},                                  // missing peer
		{Kind: KeyChannel},                                   // missing channel
		{Kind: KeyNickname, Peer: peerA, Channel: "general"}, // both set
		{Kind: KeyKind(9), Peer: peerA},
	}
	for _, k := range bad {
		if _, err := k.Encode(); err == nil {
			t.Fatalf("expected shape error for %+v", k)
		}
	}
}

func TestMemoryValueRoundtrip(t *testing.T) {
	vals := []MemoryValue{
		NicknameValue(peerA, "bailie"),
		ChannelValue(ChannelInfo{Ident: "general", Version: 1}),
	}
	for _, v := range vals {
		b, err := v.Encode()
		if err != nil {
			t.Fatalf("Encode(%+v): %v", v, err)
		}
		got, err := DecodeMemoryValue(b)
		if err != nil {
			t.Fatalf("DecodeMemoryValue: %v", err)
		}
		if !reflect.DeepEqual(got, v) {
			t.Fatalf("roundtrip mismatch")
		}
	}
}

func TestMemoryValueBounds(t *testing.T) {
	if _, err := NicknameValue(peerA, "").Encode(); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("empty nickname value should be invalid")
	}
	if _, err := NicknameValue("", "bailie").Encode(); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("ownerless nickname value should be invalid")
	}
}

func TestKeyForMatchesConstruction(t *testing.T) {
	v := NicknameValue(peerA, "bailie")
	k, err := v.KeyFor()
	if err != nil {
		t.Fatalf("KeyFor: %v", err)
	}
	if !reflect.DeepEqual(k, NicknameKey(peerA)) {
		t.Fatalf("KeyFor mismatch: %+v", k)
	}

	cv := ChannelValue(ChannelInfo{Ident: "general"})
	ck, err := cv.KeyFor()
	if err != nil {
		t.Fatalf("KeyFor: %v", err)
	}
	if !reflect.DeepEqual(ck, ChannelKey("general")) {
		t.Fatalf("KeyFor mismatch: %+v", ck)
	}
}
