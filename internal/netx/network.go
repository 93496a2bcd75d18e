package netx

import "io"

// Addr is a raw transport address in host:port form. Public APIs speak
// multiaddrs; see addr.go for the conversions.
type Addr string

type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() Addr
}

type Network interface {
	Listen(bindAddr string) (listenAddr Addr, err error)
	Accept() (Conn, error)
	Dial(addr Addr) (Conn, error)
	Close() error
}
