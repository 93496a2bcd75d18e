package swarm

import (
	"context"

	"peerchat/internal/identity"
)

// Event is the sealed union of everything the swarm reports. Consumers
// type-switch over the concrete variants.
type Event interface{ swarmEvent() }

// PeerDiscovered fires when LAN discovery sees a peer for the first
// time (or again after it expired).
type PeerDiscovered struct {
	Peer identity.PeerID
	Addr string
	Nick string
}

// PeerExpired fires when a discovered peer stops answering probes.
type PeerExpired struct {
	Peer identity.PeerID
}

// Dialing fires when an outbound connection attempt starts.
type Dialing struct {
	Addr string
}

// PeerConnected fires once a session is fully established: transport
// secured, identity verified, hello exchanged.
type PeerConnected struct {
	Peer    identity.PeerID
	Addr    string
	Inbound bool
}

// PeerDisconnected fires when a session ends for any reason.
type PeerDisconnected struct {
	Peer identity.PeerID
	Err  error
}

// OutgoingConnectionError fires when a dial or outbound handshake
// fails. The swarm stays up; the address may be retried.
type OutgoingConnectionError struct {
	Addr string
	Err  error
}

// ListenerClosed fires when the accept loop exits.
type ListenerClosed struct {
	Err error
}

// PeerSubscribed and PeerUnsubscribed report a remote peer changing
// its topic subscriptions.
type PeerSubscribed struct {
	Peer  identity.PeerID
	Topic string
}

type PeerUnsubscribed struct {
	Peer  identity.PeerID
	Topic string
}

// GossipMessage is a verified flooded message held for validation. The
// consumer must resolve it with ReportMessage exactly once.
type GossipMessage struct {
	ID     string
	Topic  string
	Origin identity.PeerID
	Data   []byte
}

// LookupCompleted reports the outcome of an asynchronous record
// lookup started with StartGetRecord.
type LookupCompleted struct {
	Key      [32]byte
	Envelope []byte // nil when not found
	Found    bool
	Err      error
}

// PutCompleted reports the outcome of an asynchronous record publish
// started with StartPutRecord.
type PutCompleted struct {
	Key [32]byte
	Err error
}

func (PeerDiscovered) swarmEvent()          {}
func (PeerExpired) swarmEvent()             {}
func (Dialing) swarmEvent()                 {}
func (PeerConnected) swarmEvent()           {}
func (PeerDisconnected) swarmEvent()        {}
func (OutgoingConnectionError) swarmEvent() {}
func (ListenerClosed) swarmEvent()          {}
func (PeerSubscribed) swarmEvent()          {}
func (PeerUnsubscribed) swarmEvent()        {}
func (GossipMessage) swarmEvent()           {}
func (LookupCompleted) swarmEvent()         {}
func (PutCompleted) swarmEvent()            {}

// Poll returns the next buffered event without blocking.
func (s *Swarm) Poll() (Event, bool) {
	select {
	case e := <-s.events:
		return e, true
	default:
		return nil, false
	}
}

// Next blocks until an event arrives, the context ends, or the swarm
// closes.
func (s *Swarm) Next(ctx context.Context) (Event, error) {
	select {
	case e := <-s.events:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}
