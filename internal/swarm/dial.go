package swarm

import (
	"peerchat/internal/netx"
)

func (s *Swarm) acceptLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, err := s.cfg.Network.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				// Shutdown, not a failure.
				s.emit(ListenerClosed{})
			default:
				s.emit(ListenerClosed{Err: err})
			}
			return
		}
		go s.handleConn(conn, true)
	}
}

// Dial starts an outbound connection attempt and returns immediately.
// The outcome arrives as a PeerConnected or OutgoingConnectionError
// event.
func (s *Swarm) Dial(addr netx.Addr) {
	s.dial(addr, "")
}

// dial is Dial with provenance: when the address came from discovery
// or the bootstrap peer store, expectID names the peer it belongs to
// so a failed attempt counts against that peer's stored record.
func (s *Swarm) dial(addr netx.Addr, expectID string) {
	s.emit(Dialing{Addr: string(addr)})

	go func() {
		conn, err := s.cfg.Network.Dial(addr)
		if err != nil {
			s.Logf("dial %s failed: %v", addr, err)
			if expectID != "" && s.cfg.Discovery != nil {
				s.cfg.Discovery.NoteFailed(expectID)
			}
			s.emit(OutgoingConnectionError{Addr: string(addr), Err: err})
			return
		}
		s.handleConn(conn, false)
	}()
}

func (s *Swarm) handleConn(rawConn netx.Conn, inbound bool) {
	remote := rawConn.RemoteAddr()

	p, secureCloser, err := s.establishPeer(rawConn, inbound)
	if err != nil {
		s.Logf("session setup failed (inbound=%v): %v", inbound, err)
		_ = rawConn.Close()
		if !inbound {
			s.emit(OutgoingConnectionError{Addr: string(remote), Err: err})
		}
		return
	}
	if p == nil {
		// Duplicate session; the existing one wins.
		_ = rawConn.Close()
		return
	}
	defer func() {
		s.removePeer(p.id, nil)
		if secureCloser != nil {
			_ = secureCloser.Close()
		}
	}()

	s.Logf("connected to %s addr=%s inbound=%v", p.id, dialableAddr(p), inbound)

	if s.cfg.Discovery != nil {
		s.cfg.Discovery.NoteConnected(p.id, dialableAddr(p))
	}

	s.runPeerReadLoop(p)
}
