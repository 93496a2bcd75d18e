package swarm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"peerchat/internal/crypto/noiseconn"
	"peerchat/internal/identity"
	"peerchat/internal/netx"
	"peerchat/internal/proto"
)

const helloTimeout = 5 * time.Second

// bindingPayload rides inside the Noise handshake and ties the static
// key that secured the channel to a long-term identity.
type bindingPayload struct {
	ID  string `json:"id"`
	Sig []byte `json:"sig"`
}

type deadlineConn interface {
	SetReadDeadline(t time.Time) error
}

// establishPeer runs the full session setup on a raw connection:
// Noise handshake, identity binding check, hello exchange. A non-nil
// error here means the connection is dropped; nothing past this point
// is allowed to talk to an unverified peer.
func (s *Swarm) establishPeer(rawConn netx.Conn, inbound bool) (*peer, io.Closer, error) {
	payloadBytes, err := json.Marshal(bindingPayload{
		ID:  string(s.id.ID),
		Sig: s.id.BindNoiseKey(),
	})
	if err != nil {
		return nil, nil, err
	}

	var hs *noiseconn.HandshakeResult
	if inbound {
		hs, err = noiseconn.NewSecureServer(rawConn, s.id.NoiseKeys, payloadBytes)
	} else {
		hs, err = noiseconn.NewSecureClient(rawConn, s.id.NoiseKeys, payloadBytes)
	}
	if err != nil {
		return nil, nil, err
	}
	secure := hs.Conn

	var bp bindingPayload
	if err := json.Unmarshal(hs.RemotePayload, &bp); err != nil {
		_ = secure.Close()
		return nil, nil, fmt.Errorf("bad handshake payload: %w", err)
	}
	remoteID := identity.PeerID(bp.ID)
	if err := identity.VerifyNoiseBinding(remoteID, hs.RemoteStatic, bp.Sig); err != nil {
		_ = secure.Close()
		return nil, nil, err
	}

	dec := json.NewDecoder(bufio.NewReader(secure))
	enc := json.NewEncoder(secure)

	if err := s.sendHello(enc); err != nil {
		_ = secure.Close()
		return nil, nil, err
	}

	env, err := s.readEnvelopeWithTimeout(rawConn, dec, helloTimeout)
	if err != nil {
		_ = secure.Close()
		return nil, nil, err
	}
	if env.Type != proto.MsgHello {
		_ = secure.Close()
		return nil, nil, errors.New("expected hello")
	}
	if env.FromID != string(remoteID) {
		_ = secure.Close()
		return nil, nil, errors.New("hello sender does not match handshake identity")
	}

	var hello proto.Hello
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		_ = secure.Close()
		return nil, nil, err
	}
	if hello.Protocol != ProtocolVersion {
		_ = secure.Close()
		return nil, nil, fmt.Errorf("%w: %q", errProtocolMismatch, hello.Protocol)
	}

	pctx, cancel := context.WithCancel(s.ctx)
	p := &peer{
		id:           string(remoteID),
		addr:         netx.Addr(hello.Listen),
		observedAddr: rawConn.RemoteAddr(),
		conn:         secure,
		reader:       dec,
		writer:       enc,
		sendCh:       make(chan proto.Envelope, 128),
		ctx:          pctx,
		cancel:       cancel,
	}

	if !s.addPeer(p) {
		cancel()
		_ = secure.Close()
		return nil, nil, nil
	}

	s.gossip.SetRemoteTopics(p.id, hello.Topics)

	go p.writeLoop(s)

	s.emit(PeerConnected{Peer: remoteID, Addr: dialableAddr(p), Inbound: inbound})
	return p, secure, nil
}

func (s *Swarm) sendHello(enc *json.Encoder) error {
	h := proto.Hello{
		Listen:   string(s.ListenAddr()),
		Protocol: ProtocolVersion,
		Topics:   s.gossip.Topics(),
	}
	return enc.Encode(proto.Envelope{
		Type:    proto.MsgHello,
		FromID:  string(s.id.ID),
		Payload: proto.MustMarshal(h),
	})
}

func (s *Swarm) readEnvelopeWithTimeout(rawConn netx.Conn, dec *json.Decoder, timeout time.Duration) (proto.Envelope, error) {
	if dc, ok := rawConn.(deadlineConn); ok {
		_ = dc.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = dc.SetReadDeadline(time.Time{}) }()

		var env proto.Envelope
		err := dec.Decode(&env)
		return env, err
	}

	type result struct {
		env proto.Envelope
		err error
	}
	ch := make(chan result, 1)

	go func() {
		var env proto.Envelope
		err := dec.Decode(&env)
		ch <- result{env: env, err: err}
	}()

	select {
	case r := <-ch:
		return r.env, r.err
	case <-time.After(timeout):
		_ = rawConn.Close() // unblocks the decode so the goroutine exits
		return proto.Envelope{}, errors.New("hello read timeout")
	}
}

func (p *peer) writeLoop(s *Swarm) {
	for {
		select {
		case <-p.ctx.Done():
			return

		case env, ok := <-p.sendCh:
			if !ok {
				return
			}
			if err := p.writer.Encode(env); err != nil {
				s.Logf("write to %s failed: %v", p.id, err)
				go s.removePeer(p.id, err)
				return
			}
		}
	}
}

func (s *Swarm) runPeerReadLoop(p *peer) {
	dec := p.reader

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		var env proto.Envelope
		if err := dec.Decode(&env); err != nil {
			s.Logf("read from %s failed: %v", p.id, err)
			s.removePeer(p.id, err)
			return
		}
		s.handleEnvelope(p, env)
	}
}

// handleEnvelope routes one decoded envelope to its sub-protocol.
// Malformed payloads are logged and absorbed; they never take the
// session down.
func (s *Swarm) handleEnvelope(p *peer, env proto.Envelope) {
	// Envelopes always speak for the authenticated peer, whatever the
	// wire claims.
	from := p.id

	switch env.Type {
	case proto.MsgSubs:
		var sub proto.Subs
		if err := json.Unmarshal(env.Payload, &sub); err != nil {
			s.Logf("bad subs from %s: %v", from, err)
			return
		}
		s.gossip.HandleSubs(from, sub)
		if sub.Subscribe {
			s.emit(PeerSubscribed{Peer: identity.PeerID(from), Topic: sub.Topic})
		} else {
			s.emit(PeerUnsubscribed{Peer: identity.PeerID(from), Topic: sub.Topic})
		}

	case proto.MsgGossip:
		var w proto.GossipWire
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			s.Logf("bad gossip from %s: %v", from, err)
			return
		}
		if in := s.gossip.HandleGossip(s, from, w); in != nil {
			s.emit(GossipMessage{ID: in.ID, Topic: in.Topic, Origin: in.Origin, Data: in.Data})
		}
		s.dropIfMisbehaving(from)

	case proto.MsgDHT:
		var w proto.DHTWire
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			s.Logf("bad dht payload from %s: %v", from, err)
			return
		}
		s.dht.HandleDHT(s, from, dialableAddr(p), w)

	case proto.MsgHello:
		// Duplicate hello after session setup; ignore.

	default:
		s.Logf("unknown envelope type %q from %s", env.Type, from)
	}
}

func (s *Swarm) dropIfMisbehaving(peerID string) {
	if !s.gossip.Misbehaving(peerID) {
		return
	}
	s.Logf("dropping %s for repeated invalid messages", peerID)
	s.dht.OnPeerGone(peerID)
	s.removePeer(peerID, errors.New("peer misbehaving"))
}
