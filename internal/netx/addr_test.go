package netx

import (
	"testing"

	ma "github.com/multiformats/go-multiaddr"
)

func TestFromMultiaddrTCP(t *testing.T) {
	m, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/4001")
	if err != nil {
		t.Fatalf("NewMultiaddr: %v", err)
	}
	addr, err := FromMultiaddr(m)
	if err != nil {
		t.Fatalf("FromMultiaddr: %v", err)
	}
	if addr != "127.0.0.1:4001" {
		t.Fatalf("got %q", addr)
	}
}

func TestFromMultiaddrRejectsUDP(t *testing.T) {
	m, err := ma.NewMultiaddr("/ip4/127.0.0.1/udp/4001")
	if err != nil {
		t.Fatalf("NewMultiaddr: %v", err)
	}
	if _, err := FromMultiaddr(m); err == nil {
		t.Fatalf("expected error for udp multiaddr")
	}
}

func TestParseMultiaddr(t *testing.T) {
	addr, err := ParseMultiaddr("/ip4/0.0.0.0/tcp/0")
	if err != nil {
		t.Fatalf("ParseMultiaddr: %v", err)
	}
	if addr != "0.0.0.0:0" {
		t.Fatalf("got %q", addr)
	}
	if _, err := ParseMultiaddr("not a multiaddr"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestToMultiaddrRoundtrip(t *testing.T) {
	m, err := ToMultiaddr("127.0.0.1:9000")
	if err != nil {
		t.Fatalf("ToMultiaddr: %v", err)
	}
	back, err := FromMultiaddr(m)
	if err != nil {
		t.Fatalf("FromMultiaddr: %v", err)
	}
	if back != "127.0.0.1:9000" {
		t.Fatalf("roundtrip got %q", back)
	}
}
