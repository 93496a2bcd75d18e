// Package dht implements a Kademlia routing and record layer over the
// node's secured connections. Keys are 256-bit hashes; values are
// opaque signed envelopes validated against their key before they are
// stored, served, or returned from a lookup.
package dht

import (
	"fmt"
	"sync"
	"time"

	"peerchat/internal/proto"
	"peerchat/internal/telemetry"
)

// Sender is the slice of the swarm the DHT needs to speak.
type Sender interface {
	ID() string
	SendToPeer(id string, env proto.Envelope) error
	Logf(format string, args ...any)
}

type ownedRec struct {
	nextRepublish time.Time
}

// DHT owns routing, pending RPCs, the record store, and providers.
type DHT struct {
	selfHex string
	self    NodeID
	rt      *RoutingTable

	pendingMu sync.Mutex
	pending   map[string]chan proto.DHTWire

	records   *recordStore
	providers *providerTable

	// Keys this node published and keeps alive via republish.
	ownedMu sync.Mutex
	owned   map[[32]byte]ownedRec

	rlMu sync.Mutex
	rl   map[string]*rpcBudget

	metrics Metrics
	log     telemetry.Logger
}

type Option func(*DHT)

func WithMetrics(m Metrics) Option {
	return func(d *DHT) {
		if m != nil {
			d.metrics = m
		}
	}
}

func WithLogger(log telemetry.Logger) Option {
	return func(d *DHT) {
		if log != nil {
			d.log = log
		}
	}
}

func WithK(k int) Option {
	return func(d *DHT) { d.rt = NewRoutingTable(d.self, k) }
}

func WithDiversityPolicy(p DiversityPolicy) Option {
	return func(d *DHT) { d.rt.SetDiversityLimit(p.MaxPerSubnet) }
}

func New(selfIDHex string, opts ...Option) (*DHT, error) {
	self, err := ParseNodeIDHex(selfIDHex)
	if err != nil {
		return nil, fmt.Errorf("dht: invalid self id: %w", err)
	}

	d := &DHT{
		selfHex:   selfIDHex,
		self:      self,
		rt:        NewRoutingTable(self, 20),
		pending:   make(map[string]chan proto.DHTWire),
		records:   newRecordStore(),
		providers: newProviderTable(),
		owned:     make(map[[32]byte]ownedRec),
		rl:        make(map[string]*rpcBudget),
		metrics:   NoopMetrics{},
		log:       telemetry.Discard(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

func (d *DHT) Routing() *RoutingTable { return d.rt }

// OnPeerSeen seeds the routing table from any source of liveness:
// an established connection, a LAN discovery hit, DHT traffic.
func (d *DHT) OnPeerSeen(peerIDHex, addr string) {
	id, err := ParseNodeIDHex(peerIDHex)
	if err != nil {
		return
	}
	d.rt.Upsert(id, addr)
	d.metrics.SetRoutingTableSize(d.rt.Size())
}

// OnPeerGone removes a peer that discovery reports expired or that the
// swarm dropped for misbehavior.
func (d *DHT) OnPeerGone(peerIDHex string) {
	id, err := ParseNodeIDHex(peerIDHex)
	if err != nil {
		return
	}
	d.rt.Remove(id)
	d.metrics.SetRoutingTableSize(d.rt.Size())
}
