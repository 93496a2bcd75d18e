// Package swarm composes the transport, the gossip router, the DHT,
// and LAN discovery into one connection-managing engine. Everything
// that happens inside surfaces as an Event; the owner drains events
// with Poll or Next and drives the swarm through its methods.
package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"peerchat/internal/dht"
	"peerchat/internal/discovery"
	"peerchat/internal/gossip"
	"peerchat/internal/identity"
	"peerchat/internal/netx"
	"peerchat/internal/proto"
	"peerchat/internal/telemetry"
)

// ProtocolVersion is announced in the hello exchange. Nodes speaking a
// different version are disconnected during session setup.
const ProtocolVersion = "peerchat/1"

var errProtocolMismatch = errors.New("swarm: protocol version mismatch")

type Config struct {
	Identity *identity.Identity
	Network  netx.Network     // transport implementation
	Logger   telemetry.Logger // system logger
	Debug    bool             // emit per-connection logs

	// Discovery is optional; without it the swarm only dials what it
	// is told to.
	Discovery *discovery.Manager

	// EventBuffer bounds the undelivered event queue.
	EventBuffer int
}

type peer struct {
	id           string
	addr         netx.Addr // peer's own listen address, from hello
	observedAddr netx.Addr
	conn         io.ReadWriteCloser
	reader       *json.Decoder // carries hello-exchange buffering into the read loop
	writer       *json.Encoder

	sendCh chan proto.Envelope

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

type Swarm struct {
	cfg Config
	id  *identity.Identity

	gossip *gossip.Router
	dht    *dht.DHT

	mu    sync.RWMutex
	peers map[string]*peer
	addr  netx.Addr

	ctx    context.Context
	cancel context.CancelFunc

	events chan Event
}

func New(cfg Config) (*Swarm, error) {
	if cfg.Identity == nil {
		return nil, errors.New("swarm: identity required")
	}
	if cfg.Network == nil {
		return nil, errors.New("swarm: network required")
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Discard()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	d, err := dht.New(string(cfg.Identity.ID), dht.WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Swarm{
		cfg:    cfg,
		id:     cfg.Identity,
		gossip: gossip.NewRouter(cfg.Identity, cfg.Logger),
		dht:    d,
		peers:  make(map[string]*peer),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, cfg.EventBuffer),
	}
	return s, nil
}

// ID returns this node's peer id.
func (s *Swarm) ID() string { return string(s.id.ID) }

// ListenAddr returns where this swarm accepts connections, or "" when
// it is not listening.
func (s *Swarm) ListenAddr() netx.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Swarm) Gossip() *gossip.Router { return s.gossip }
func (s *Swarm) DHT() *dht.DHT          { return s.dht }

// Listen binds the transport and starts accepting connections.
func (s *Swarm) Listen(bind string) error {
	addr, err := s.cfg.Network.Listen(bind)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()

	s.Logf("listening on %s id=%s", addr, s.id.ID.Short())
	go s.acceptLoop()
	return nil
}

// Close tears the swarm down: transport, connections, event stream.
func (s *Swarm) Close() error {
	s.cancel()
	err := s.cfg.Network.Close()

	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		s.removePeer(p.id, errors.New("swarm closed"))
	}
	return err
}

func (s *Swarm) Logf(format string, args ...any) {
	if !s.cfg.Debug {
		return
	}
	s.cfg.Logger.Printf("[swarm %s] "+format, append([]any{s.id.ID.Short()}, args...)...)
}

func (s *Swarm) emit(e Event) {
	select {
	case s.events <- e:
	default:
		// A stalled consumer must not wedge connection handling.
		s.Logf("event buffer full, dropping %T", e)
	}
}

func (s *Swarm) addPeer(p *peer) bool {
	s.mu.Lock()
	if _, exists := s.peers[p.id]; exists || p.id == string(s.id.ID) {
		s.mu.Unlock()
		return false
	}
	s.peers[p.id] = p
	s.mu.Unlock()

	s.dht.OnPeerSeen(p.id, dialableAddr(p))
	return true
}

// dialableAddr prefers the listen address the peer announced, falling
// back to where the connection actually came from.
func dialableAddr(p *peer) string {
	if p.addr != "" {
		return string(p.addr)
	}
	return string(p.observedAddr)
}

func (s *Swarm) removePeer(id string, cause error) {
	s.mu.Lock()
	p := s.peers[id]
	if p != nil {
		delete(s.peers, id)
	}
	s.mu.Unlock()

	if p == nil {
		return
	}

	p.once.Do(func() {
		p.cancel()
		_ = p.conn.Close()

		s.gossip.RemovePeer(id)
		s.emit(PeerDisconnected{Peer: identity.PeerID(id), Err: cause})
	})
}

// PeerCount returns the current number of live sessions.
func (s *Swarm) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// PeerIDs snapshots the connected peer ids.
func (s *Swarm) PeerIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// SendToPeer queues an envelope for a connected peer.
func (s *Swarm) SendToPeer(id string, env proto.Envelope) error {
	s.mu.RLock()
	p, ok := s.peers[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer %q", id)
	}
	s.sendAsync(p, env)
	return nil
}

func (s *Swarm) sendAsync(p *peer, env proto.Envelope) {
	select {
	case p.sendCh <- env:
	default:
		s.Logf("peer %s send buffer full, dropping connection", p.id)
		go s.removePeer(p.id, errors.New("send buffer overflow"))
	}
}

func (s *Swarm) broadcast(env proto.Envelope) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.peers {
		s.sendAsync(p, env)
	}
}
