package identity

import "testing"

func TestGenerateDistinctIDs(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a.ID == b.ID {
		t.Fatalf("two identities share an id: %s", a.ID)
	}
	if len(a.ID) != 64 {
		t.Fatalf("peer id should be 64 hex chars, got %d", len(a.ID))
	}
}

func TestPeerIDPubRoundtrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	pub, err := id.ID.Pub()
	if err != nil {
		t.Fatalf("Pub: %v", err)
	}
	if !pub.Equal(id.SignPub) {
		t.Fatalf("recovered pub differs from original")
	}
	if _, err := PeerID("zz").Pub(); err == nil {
		t.Fatalf("expected error for bogus peer id")
	}
}

func TestNoiseBinding(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	sig := id.BindNoiseKey()
	if err := VerifyNoiseBinding(id.ID, id.NoiseKeys.Public, sig); err != nil {
		t.Fatalf("valid binding rejected: %v", err)
	}

	other, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := VerifyNoiseBinding(other.ID, id.NoiseKeys.Public, sig); err == nil {
		t.Fatalf("binding verified against the wrong identity")
	}
	if err := VerifyNoiseBinding(id.ID, other.NoiseKeys.Public, sig); err == nil {
		t.Fatalf("binding verified for the wrong static key")
	}
}
