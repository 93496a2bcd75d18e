package netx

import (
	"fmt"
	"net"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// FromMultiaddr resolves a /ip4|ip6/.../tcp/... multiaddr to a dialable
// host:port Addr.
func FromMultiaddr(addr ma.Multiaddr) (Addr, error) {
	network, hostPort, err := manet.DialArgs(addr)
	if err != nil {
		return "", err
	}
	switch network {
	case "tcp", "tcp4", "tcp6":
		return Addr(hostPort), nil
	default:
		return "", fmt.Errorf("unsupported transport %q in %s", network, addr)
	}
}

// ParseMultiaddr resolves a multiaddr string to a dialable Addr.
func ParseMultiaddr(s string) (Addr, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return "", err
	}
	return FromMultiaddr(m)
}

// ToMultiaddr converts a host:port Addr back into a TCP multiaddr.
func ToMultiaddr(addr Addr) (ma.Multiaddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", string(addr))
	if err != nil {
		return nil, err
	}
	return manet.FromNetAddr(tcpAddr)
}
