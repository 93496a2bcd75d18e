// Package gossip implements topic-based publish/subscribe over flooded
// envelopes. Messages are signed by their origin, de-duplicated by a
// deterministic id over (origin, payload), and held for manual
// validation: nothing is relayed until the application reports Accept.
package gossip

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"peerchat/internal/identity"
	"peerchat/internal/proto"
	"peerchat/internal/telemetry"
)

// signingDomain separates gossip signatures from record and handshake
// signatures made with the same identity key.
const signingDomain = "peerchat/gossip/v1"

const (
	seenTTL = 2 * time.Minute

	// misbehaviorThreshold is the standing below which a peer should be
	// dropped. Every rejected or forged message costs one point.
	misbehaviorThreshold = -5
)

// ErrInsufficientPeers reports a publish with no eligible recipients:
// no connected peer subscribes to the topic and none is explicit.
var ErrInsufficientPeers = errors.New("gossip: insufficient peers")

// Sender is the slice of the swarm the router needs: who is connected,
// and how to reach them.
type Sender interface {
	ID() string
	SendToPeer(id string, env proto.Envelope) error
	PeerIDs() []string
	Logf(format string, args ...any)
}

// Incoming is a received message held for validation. The application
// must call Report with its ID exactly once.
type Incoming struct {
	ID     string
	Topic  string
	Origin identity.PeerID
	Data   []byte

	// from is the relaying peer (who we penalize on Reject); it is the
	// origin only on the first hop.
	from string
}

type held struct {
	wire proto.GossipWire
	from string
}

// Router is the gossip sub-protocol state. All methods are safe for
// concurrent use; the swarm calls them from connection read loops.
type Router struct {
	id  *identity.Identity
	log telemetry.Logger

	mu       sync.Mutex
	topics   map[string]bool            // local subscriptions
	remote   map[string]map[string]bool // peer id -> subscribed topics
	explicit map[string]bool            // peers always considered eligible
	heldMsgs map[string]held            // message id -> pending validation
	scores   map[string]int             // peer standing; negative is bad
	seen     *seenCache
}

func NewRouter(id *identity.Identity, log telemetry.Logger) *Router {
	if log == nil {
		log = telemetry.Discard()
	}
	return &Router{
		id:       id,
		log:      log,
		topics:   make(map[string]bool),
		remote:   make(map[string]map[string]bool),
		explicit: make(map[string]bool),
		heldMsgs: make(map[string]held),
		scores:   make(map[string]int),
		seen:     newSeenCache(seenTTL),
	}
}

// Subscribe adds a local subscription. Returns false if it was already
// present (callers skip the wire announcement in that case).
func (r *Router) Subscribe(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topics[topic] {
		return false
	}
	r.topics[topic] = true
	return true
}

// Unsubscribe removes a local subscription; false if it wasn't held.
func (r *Router) Unsubscribe(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.topics[topic] {
		return false
	}
	delete(r.topics, topic)
	return true
}

// Topics snapshots the local subscriptions, for the Hello exchange.
func (r *Router) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	return out
}

// SetRemoteTopics replaces what we know about a peer's subscriptions
// (from its Hello).
func (r *Router) SetRemoteTopics(peer string, topics []string) {
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	r.mu.Lock()
	r.remote[peer] = set
	r.mu.Unlock()
}

// HandleSubs applies an incremental subscription announcement.
func (r *Router) HandleSubs(peer string, s proto.Subs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.remote[peer]
	if set == nil {
		set = make(map[string]bool)
		r.remote[peer] = set
	}
	if s.Subscribe {
		set[s.Topic] = true
	} else {
		delete(set, s.Topic)
	}
}

// AddExplicitPeer marks a peer eligible for every topic regardless of
// announced subscriptions. Discovery uses this so freshly-found LAN
// peers can be reached before any subscription exchange completes.
func (r *Router) AddExplicitPeer(peer string) {
	r.mu.Lock()
	r.explicit[peer] = true
	r.mu.Unlock()
}

func (r *Router) RemoveExplicitPeer(peer string) {
	r.mu.Lock()
	delete(r.explicit, peer)
	r.mu.Unlock()
}

// RemovePeer forgets all per-peer state on disconnect.
func (r *Router) RemovePeer(peer string) {
	r.mu.Lock()
	delete(r.remote, peer)
	delete(r.explicit, peer)
	delete(r.scores, peer)
	r.mu.Unlock()
}

// Score returns a peer's current standing.
func (r *Router) Score(peer string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scores[peer]
}

// Misbehaving reports whether a peer's standing has dropped below the
// tolerated threshold.
func (r *Router) Misbehaving(peer string) bool {
	return r.Score(peer) < misbehaviorThreshold
}

// Publish floods data on topic to every eligible connected peer. The
// local router does not loop the message back to its own application:
// callers that want to see their own messages echo them locally.
func (r *Router) Publish(n Sender, topic string, data []byte) error {
	w := proto.GossipWire{
		ID:     MessageID(r.id.ID, data),
		Topic:  topic,
		Origin: string(r.id.ID),
		Data:   data,
		Sig:    r.id.Sign(signingDigest(topic, data)),
	}

	// Re-publishing identical bytes is the same message; receivers drop
	// it anyway, marking it here keeps our own relays quiet too.
	r.seen.Seen(w.ID)

	targets := r.eligible(n, topic, "")
	if len(targets) == 0 {
		return ErrInsufficientPeers
	}

	env := proto.Envelope{
		Type:    proto.MsgGossip,
		FromID:  string(r.id.ID),
		Payload: proto.MustMarshal(w),
	}
	for _, peer := range targets {
		if err := n.SendToPeer(peer, env); err != nil {
			n.Logf("gossip: send to %s failed: %v", peer, err)
		}
	}
	return nil
}

// HandleGossip processes a flooded message from a connected peer. It
// returns a non-nil Incoming when the message should be handed to the
// application for validation; nil means the message was a duplicate,
// a forgery, or off-topic for this node.
func (r *Router) HandleGossip(n Sender, fromPeer string, w proto.GossipWire) *Incoming {
	origin := identity.PeerID(w.Origin)
	pub, err := origin.Pub()
	if err != nil {
		r.log.Printf("gossip: bogus origin from %s: %v", fromPeer, err)
		r.penalize(fromPeer)
		return nil
	}
	if !ed25519.Verify(pub, signingDigest(w.Topic, w.Data), w.Sig) {
		r.log.Printf("gossip: bad signature on %s message relayed by %s", w.Topic, fromPeer)
		r.penalize(fromPeer)
		return nil
	}
	if w.ID != MessageID(origin, w.Data) {
		r.log.Printf("gossip: forged message id from %s", fromPeer)
		r.penalize(fromPeer)
		return nil
	}

	if r.seen.Seen(w.ID) {
		return nil
	}

	r.mu.Lock()
	subscribed := r.topics[w.Topic]
	if subscribed {
		r.heldMsgs[w.ID] = held{wire: w, from: fromPeer}
	}
	r.mu.Unlock()

	if !subscribed {
		return nil
	}
	return &Incoming{
		ID:     w.ID,
		Topic:  w.Topic,
		Origin: origin,
		Data:   w.Data,
		from:   fromPeer,
	}
}

// HeldRelayer returns which peer relayed a held message, or "" when
// the id is not pending validation.
func (r *Router) HeldRelayer(msgID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heldMsgs[msgID].from
}

// Report resolves a held message. Accept relays it onward; Reject
// discards it and penalizes the relaying peer's standing.
func (r *Router) Report(n Sender, msgID string, accept bool) {
	r.mu.Lock()
	h, ok := r.heldMsgs[msgID]
	if ok {
		delete(r.heldMsgs, msgID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if !accept {
		r.penalize(h.from)
		return
	}

	env := proto.Envelope{
		Type:    proto.MsgGossip,
		FromID:  string(r.id.ID),
		Payload: proto.MustMarshal(h.wire),
	}
	for _, peer := range r.eligible(n, h.wire.Topic, h.from) {
		if peer == h.wire.Origin {
			continue
		}
		if err := n.SendToPeer(peer, env); err != nil {
			n.Logf("gossip: relay to %s failed: %v", peer, err)
		}
	}
}

func (r *Router) penalize(peer string) {
	r.mu.Lock()
	r.scores[peer]--
	r.mu.Unlock()
}

func (r *Router) eligible(n Sender, topic, exclude string) []string {
	connected := n.PeerIDs()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(connected))
	for _, peer := range connected {
		if peer == exclude {
			continue
		}
		if r.explicit[peer] || r.remote[peer][topic] {
			out = append(out, peer)
		}
	}
	return out
}

func signingDigest(topic string, data []byte) []byte {
	h := sha256.New()
	h.Write([]byte(signingDomain))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", len(topic))
	h.Write([]byte{0})
	h.Write([]byte(topic))
	h.Write(data)
	return h.Sum(nil)
}
