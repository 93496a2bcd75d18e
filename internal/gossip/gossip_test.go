package gossip

import (
	"encoding/json"
	"testing"
	"time"

	"peerchat/internal/identity"
	"peerchat/internal/proto"
	"peerchat/internal/telemetry"
)

type fakeSender struct {
	id    string
	peers []string
	sent  map[string][]proto.Envelope
}

func newFakeSender(id string, peers ...string) *fakeSender {
	return &fakeSender{id: id, peers: peers, sent: make(map[string][]proto.Envelope)}
}

func (f *fakeSender) ID() string        { return f.id }
func (f *fakeSender) PeerIDs() []string { return f.peers }
func (f *fakeSender) SendToPeer(id string, env proto.Envelope) error {
	f.sent[id] = append(f.sent[id], env)
	return nil
}
func (f *fakeSender) Logf(format string, args ...any) {}

func mustIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func gossipOf(t *testing.T, env proto.Envelope) proto.GossipWire {
	t.Helper()
	if env.Type != proto.MsgGossip {
		t.Fatalf("envelope type = %q, want %q", env.Type, proto.MsgGossip)
	}
	var w proto.GossipWire
	if err := json.Unmarshal(env.Payload, &w); err != nil {
		t.Fatalf("unmarshal gossip payload: %v", err)
	}
	return w
}

// wireFrom builds a validly signed message as another node would.
func wireFrom(id *identity.Identity, topic string, data []byte) proto.GossipWire {
	return proto.GossipWire{
		ID:     MessageID(id.ID, data),
		Topic:  topic,
		Origin: string(id.ID),
		Data:   data,
		Sig:    id.Sign(signingDigest(topic, data)),
	}
}

func TestPublishInsufficientPeers(t *testing.T) {
	me := mustIdentity(t)
	r := NewRouter(me, telemetry.Discard())
	r.Subscribe("news")

	// A connected peer that never announced the topic is not eligible.
	n := newFakeSender(string(me.ID), "peer-a")
	if err := r.Publish(n, "news", []byte("hi")); err != ErrInsufficientPeers {
		t.Fatalf("publish with no subscribers: err = %v, want ErrInsufficientPeers", err)
	}
	if len(n.sent) != 0 {
		t.Fatalf("nothing should have been sent, got %d", len(n.sent))
	}
}

func TestPublishReachesSubscribersAndExplicitPeers(t *testing.T) {
	me := mustIdentity(t)
	r := NewRouter(me, telemetry.Discard())

	n := newFakeSender(string(me.ID), "sub", "explicit", "stranger")
	r.SetRemoteTopics("sub", []string{"news"})
	r.AddExplicitPeer("explicit")

	if err := r.Publish(n, "news", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(n.sent["sub"]) != 1 {
		t.Fatalf("subscriber got %d messages, want 1", len(n.sent["sub"]))
	}
	if len(n.sent["explicit"]) != 1 {
		t.Fatalf("explicit peer got %d messages, want 1", len(n.sent["explicit"]))
	}
	if len(n.sent["stranger"]) != 0 {
		t.Fatalf("non-subscriber got %d messages, want 0", len(n.sent["stranger"]))
	}

	w := gossipOf(t, n.sent["sub"][0])
	if w.Origin != string(me.ID) {
		t.Fatalf("origin = %q, want %q", w.Origin, me.ID)
	}
	if w.ID != MessageID(me.ID, []byte("hello")) {
		t.Fatalf("message id not derived from origin and payload")
	}
}

func TestHandleGossipHoldsUntilAccept(t *testing.T) {
	me := mustIdentity(t)
	origin := mustIdentity(t)
	r := NewRouter(me, telemetry.Discard())
	r.Subscribe("news")

	n := newFakeSender(string(me.ID), "relayer", "downstream")
	r.SetRemoteTopics("downstream", []string{"news"})

	w := wireFrom(origin, "news", []byte("payload"))
	in := r.HandleGossip(n, "relayer", w)
	if in == nil {
		t.Fatalf("expected message to be delivered for validation")
	}
	if in.Origin != origin.ID || string(in.Data) != "payload" {
		t.Fatalf("incoming = %+v", in)
	}

	// Nothing relays before the verdict.
	if len(n.sent) != 0 {
		t.Fatalf("held message was relayed early")
	}

	// A second copy from another path is a duplicate.
	if dup := r.HandleGossip(n, "downstream", w); dup != nil {
		t.Fatalf("duplicate should not be delivered twice")
	}

	r.Report(n, in.ID, true)
	if len(n.sent["downstream"]) != 1 {
		t.Fatalf("downstream got %d relays, want 1", len(n.sent["downstream"]))
	}
	if len(n.sent["relayer"]) != 0 {
		t.Fatalf("message must not be relayed back to its sender")
	}
}

func TestRejectPenalizesRelayer(t *testing.T) {
	me := mustIdentity(t)
	origin := mustIdentity(t)
	r := NewRouter(me, telemetry.Discard())
	r.Subscribe("news")
	n := newFakeSender(string(me.ID), "relayer")

	for i := 0; !r.Misbehaving("relayer"); i++ {
		if i > 100 {
			t.Fatalf("standing never dropped below threshold")
		}
		w := wireFrom(origin, "news", []byte{byte(i)})
		in := r.HandleGossip(n, "relayer", w)
		if in == nil {
			t.Fatalf("message %d not delivered", i)
		}
		r.Report(n, in.ID, false)
	}
	if len(n.sent) != 0 {
		t.Fatalf("rejected messages must not be relayed")
	}
}

func TestHandleGossipRejectsForgeries(t *testing.T) {
	me := mustIdentity(t)
	origin := mustIdentity(t)
	r := NewRouter(me, telemetry.Discard())
	r.Subscribe("news")
	n := newFakeSender(string(me.ID), "relayer")

	// Tampered payload breaks the origin signature.
	w := wireFrom(origin, "news", []byte("real"))
	w.Data = []byte("fake")
	if in := r.HandleGossip(n, "relayer", w); in != nil {
		t.Fatalf("tampered message was delivered")
	}
	if r.Score("relayer") >= 0 {
		t.Fatalf("forgery should cost the relayer standing")
	}

	// Mismatched id is also a forgery even with a valid signature.
	w2 := wireFrom(origin, "news", []byte("real"))
	w2.ID = MessageID(origin.ID, []byte("other"))
	if in := r.HandleGossip(n, "relayer", w2); in != nil {
		t.Fatalf("message with forged id was delivered")
	}
}

func TestHandleGossipIgnoresUnsubscribedTopics(t *testing.T) {
	me := mustIdentity(t)
	origin := mustIdentity(t)
	r := NewRouter(me, telemetry.Discard())
	n := newFakeSender(string(me.ID), "relayer")

	w := wireFrom(origin, "elsewhere", []byte("x"))
	if in := r.HandleGossip(n, "relayer", w); in != nil {
		t.Fatalf("message on unsubscribed topic was delivered")
	}
	if r.Score("relayer") != 0 {
		t.Fatalf("off-topic traffic is not misbehavior")
	}
}

func TestSubscriptionAnnouncements(t *testing.T) {
	me := mustIdentity(t)
	r := NewRouter(me, telemetry.Discard())
	n := newFakeSender(string(me.ID), "peer")

	r.HandleSubs("peer", proto.Subs{Topic: "news", Subscribe: true})
	if err := r.Publish(n, "news", []byte("x")); err != nil {
		t.Fatalf("publish after subscribe announcement: %v", err)
	}

	r.HandleSubs("peer", proto.Subs{Topic: "news", Subscribe: false})
	if err := r.Publish(n, "news", []byte("y")); err != ErrInsufficientPeers {
		t.Fatalf("publish after unsubscribe: err = %v, want ErrInsufficientPeers", err)
	}
}

func TestRemovePeerClearsState(t *testing.T) {
	me := mustIdentity(t)
	r := NewRouter(me, telemetry.Discard())
	r.SetRemoteTopics("peer", []string{"news"})
	r.AddExplicitPeer("peer")
	r.penalize("peer")

	r.RemovePeer("peer")

	n := newFakeSender(string(me.ID), "peer")
	if err := r.Publish(n, "news", []byte("x")); err != ErrInsufficientPeers {
		t.Fatalf("removed peer still eligible: %v", err)
	}
	if r.Score("peer") != 0 {
		t.Fatalf("score survived removal")
	}
}

func TestSeenCacheExpiry(t *testing.T) {
	s := newSeenCache(50 * time.Millisecond)
	if s.Seen("x") {
		t.Fatalf("first time should be unseen")
	}
	if !s.Seen("x") {
		t.Fatalf("second time should be seen")
	}
	time.Sleep(60 * time.Millisecond)
	if s.Seen("x") {
		t.Fatalf("after ttl it should expire and be unseen")
	}
}

func TestMessageIDDeterministic(t *testing.T) {
	id := mustIdentity(t)
	a := MessageID(id.ID, []byte("data"))
	if a != MessageID(id.ID, []byte("data")) {
		t.Fatalf("same inputs produced different ids")
	}
	if a == MessageID(id.ID, []byte("datb")) {
		t.Fatalf("different payloads produced the same id")
	}
	other := mustIdentity(t)
	if a == MessageID(other.ID, []byte("data")) {
		t.Fatalf("different origins produced the same id")
	}
}
