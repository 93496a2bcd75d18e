package swarm

import (
	"context"

	"peerchat/internal/dht"
	"peerchat/internal/discovery"
	"peerchat/internal/identity"
	"peerchat/internal/netx"
	"peerchat/internal/proto"
)

// Subscribe adds a local gossip subscription and announces it to every
// connected peer.
func (s *Swarm) Subscribe(topic string) {
	if !s.gossip.Subscribe(topic) {
		return
	}
	s.announceSub(topic, true)
}

// Unsubscribe removes a local subscription and announces the change.
func (s *Swarm) Unsubscribe(topic string) {
	if !s.gossip.Unsubscribe(topic) {
		return
	}
	s.announceSub(topic, false)
}

func (s *Swarm) announceSub(topic string, subscribe bool) {
	s.broadcast(proto.Envelope{
		Type:    proto.MsgSubs,
		FromID:  string(s.id.ID),
		Payload: proto.MustMarshal(proto.Subs{Topic: topic, Subscribe: subscribe}),
	})
}

// Publish floods data on topic. Returns gossip.ErrInsufficientPeers
// when nobody eligible is connected; the caller may retry once peers
// arrive.
func (s *Swarm) Publish(topic string, data []byte) error {
	return s.gossip.Publish(s, topic, data)
}

// ReportMessage resolves a held gossip message: accepted messages are
// relayed onward, rejected ones penalize the relaying peer, and a peer
// that keeps relaying garbage is disconnected.
func (s *Swarm) ReportMessage(msgID string, accept bool) {
	held := s.gossip.HeldRelayer(msgID)
	s.gossip.Report(s, msgID, accept)
	if !accept && held != "" {
		s.dropIfMisbehaving(held)
	}
}

// StartGetRecord launches an asynchronous record lookup. The result
// arrives as a LookupCompleted event.
func (s *Swarm) StartGetRecord(key [32]byte) {
	go func() {
		env, found, err := s.dht.GetRecord(s.ctx, s, key)
		s.emit(LookupCompleted{Key: key, Envelope: env, Found: found, Err: err})
	}()
}

// StartPutRecord launches an asynchronous publish of a sealed record
// envelope. The outcome arrives as a PutCompleted event.
func (s *Swarm) StartPutRecord(env []byte, provide bool) {
	go func() {
		cfg := dht.DefaultPublishConfig()
		cfg.Provide = provide
		key, err := s.dht.PutRecord(s.ctx, s, env, cfg)
		s.emit(PutCompleted{Key: key, Err: err})
	}()
}

// StartDiscovery wires LAN discovery into the swarm: discovered peers
// are dialed, seeded into the DHT, and made gossip-eligible; expired
// peers are unwired again unless something else still vouches for
// them. No-op without a configured discovery manager.
func (s *Swarm) StartDiscovery(ctx context.Context) error {
	mgr := s.cfg.Discovery
	if mgr == nil {
		return nil
	}
	mgr.SetListenAddr(string(s.ListenAddr()))

	for _, r := range mgr.Bootstrap(8) {
		s.dial(netx.Addr(r.Addr), r.ID)
	}

	return mgr.Run(ctx, discovery.Hooks{
		Discovered: func(r discovery.Remote) {
			s.gossip.AddExplicitPeer(r.ID)
			s.dht.OnPeerSeen(r.ID, r.Addr)
			s.emit(PeerDiscovered{Peer: identity.PeerID(r.ID), Addr: r.Addr, Nick: r.Nick})

			s.mu.RLock()
			_, connected := s.peers[r.ID]
			s.mu.RUnlock()
			if !connected {
				s.dial(netx.Addr(r.Addr), r.ID)
			}
		},
		Expired: func(r discovery.Remote) {
			// The tracker already dropped it; double-check nothing
			// re-observed the peer between sweep and callback.
			if mgr.Tracker().Tracked(r.ID) {
				return
			}
			s.gossip.RemoveExplicitPeer(r.ID)
			s.dht.OnPeerGone(r.ID)
			s.emit(PeerExpired{Peer: identity.PeerID(r.ID)})
		},
	})
}

// RunMaintenance runs DHT upkeep until ctx is done.
func (s *Swarm) RunMaintenance(ctx context.Context) {
	go s.dht.RunMaintenance(ctx, s, dht.DefaultMaintenanceConfig())
	go s.dht.RunBucketRefresh(ctx, s, 0)
}
