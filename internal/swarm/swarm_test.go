package swarm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"peerchat/internal/discovery"
	"peerchat/internal/gossip"
	"peerchat/internal/identity"
	"peerchat/internal/netx"
	"peerchat/internal/record"
	"peerchat/internal/telemetry"
	"peerchat/internal/wire"
)

type swarmTestOpt func(*Config)

func withEventBuffer(n int) swarmTestOpt {
	return func(cfg *Config) { cfg.EventBuffer = n }
}

// newTestSwarm spins up a swarm bound to an ephemeral localhost port
// and auto-closes it.
func newTestSwarm(t *testing.T, opts ...swarmTestOpt) *Swarm {
	t.Helper()

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	cfg := Config{
		Identity: id,
		Network:  netx.NewTCPNetwork(),
		Logger:   telemetry.Discard(),
		Debug:    true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitPeers(t *testing.T, s *Swarm, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.PeerCount() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for peers: have=%d want=%d", s.PeerCount(), want)
}

// nextEvent drains the swarm until an event of type E arrives.
func nextEvent[E Event](t *testing.T, s *Swarm, timeout time.Duration) E {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		e, err := s.Next(ctx)
		if err != nil {
			var zero E
			t.Fatalf("waiting for %T: %v", zero, err)
		}
		if want, ok := e.(E); ok {
			return want
		}
	}
}

func TestSessionEstablishment(t *testing.T) {
	a := newTestSwarm(t)
	b := newTestSwarm(t)

	a.Dial(b.ListenAddr())

	waitPeers(t, a, 1, 3*time.Second)
	waitPeers(t, b, 1, 3*time.Second)

	ev := nextEvent[PeerConnected](t, a, 3*time.Second)
	if string(ev.Peer) != b.ID() {
		t.Fatalf("connected peer = %s, want %s", ev.Peer, b.ID())
	}
	if ev.Inbound {
		t.Fatalf("dialer saw an inbound connection")
	}
}

func TestDialFailureSurfacesAsEvent(t *testing.T) {
	a := newTestSwarm(t)

	a.Dial(netx.Addr("127.0.0.1:1")) // nothing listens there

	ev := nextEvent[OutgoingConnectionError](t, a, 5*time.Second)
	if ev.Err == nil {
		t.Fatalf("expected an error in the event")
	}
	if a.PeerCount() != 0 {
		t.Fatalf("failed dial produced a peer")
	}
}

func TestGossipEndToEnd(t *testing.T) {
	a := newTestSwarm(t)
	b := newTestSwarm(t)

	a.Subscribe("news")
	b.Subscribe("news")

	a.Dial(b.ListenAddr())
	waitPeers(t, a, 1, 3*time.Second)
	waitPeers(t, b, 1, 3*time.Second)

	if err := a.Publish("news", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := nextEvent[GossipMessage](t, b, 3*time.Second)
	if got.Topic != "news" || string(got.Data) != "hello" {
		t.Fatalf("received %+v", got)
	}
	if string(got.Origin) != a.ID() {
		t.Fatalf("origin = %s, want %s", got.Origin, a.ID())
	}
	b.ReportMessage(got.ID, true)
}

func TestGossipRelayAfterAccept(t *testing.T) {
	// Line topology a-b-c: c only sees a's message if b accepts it.
	a := newTestSwarm(t)
	b := newTestSwarm(t)
	c := newTestSwarm(t)

	for _, s := range []*Swarm{a, b, c} {
		s.Subscribe("news")
	}

	a.Dial(b.ListenAddr())
	c.Dial(b.ListenAddr())
	waitPeers(t, b, 2, 3*time.Second)
	waitPeers(t, a, 1, 3*time.Second)
	waitPeers(t, c, 1, 3*time.Second)

	if err := a.Publish("news", []byte("fan out")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	atB := nextEvent[GossipMessage](t, b, 3*time.Second)
	b.ReportMessage(atB.ID, true)

	atC := nextEvent[GossipMessage](t, c, 3*time.Second)
	if string(atC.Data) != "fan out" || string(atC.Origin) != a.ID() {
		t.Fatalf("relayed message = %+v", atC)
	}
	c.ReportMessage(atC.ID, true)
}

func TestPublishWithoutSubscribersFails(t *testing.T) {
	a := newTestSwarm(t)
	b := newTestSwarm(t)

	a.Subscribe("news")
	// b never subscribes.

	a.Dial(b.ListenAddr())
	waitPeers(t, a, 1, 3*time.Second)

	if err := a.Publish("news", []byte("x")); err != gossip.ErrInsufficientPeers {
		t.Fatalf("err = %v, want ErrInsufficientPeers", err)
	}
}

func TestSubscriptionAnnouncementReachesConnectedPeers(t *testing.T) {
	a := newTestSwarm(t)
	b := newTestSwarm(t)

	a.Subscribe("news")

	a.Dial(b.ListenAddr())
	waitPeers(t, a, 1, 3*time.Second)
	waitPeers(t, b, 1, 3*time.Second)

	// b subscribes after connecting; the announcement must reach a.
	b.Subscribe("news")

	sub := nextEvent[PeerSubscribed](t, a, 3*time.Second)
	if sub.Topic != "news" || string(sub.Peer) != b.ID() {
		t.Fatalf("subscription event = %+v", sub)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := a.Publish("news", []byte("late sub")); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := a.Publish("news", []byte("late sub 2")); err != nil {
		t.Fatalf("a never learned about b's subscription: %v", err)
	}

	b.Unsubscribe("news")
	unsub := nextEvent[PeerUnsubscribed](t, a, 3*time.Second)
	if unsub.Topic != "news" || string(unsub.Peer) != b.ID() {
		t.Fatalf("unsubscription event = %+v", unsub)
	}
}

func TestRecordPutGetAcrossSwarms(t *testing.T) {
	a := newTestSwarm(t)
	b := newTestSwarm(t)

	a.Dial(b.ListenAddr())
	waitPeers(t, a, 1, 3*time.Second)
	waitPeers(t, b, 1, 3*time.Second)

	env, err := record.Seal(wire.NicknameValue(a.cfg.Identity.ID, "gopher"), 1, a.cfg.Identity)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	key, err := wire.NicknameKey(a.cfg.Identity.ID).Hash()
	if err != nil {
		t.Fatalf("key: %v", err)
	}

	a.StartPutRecord(env, true)
	put := nextEvent[PutCompleted](t, a, 5*time.Second)
	if put.Err != nil {
		t.Fatalf("put: %v", put.Err)
	}
	if put.Key != key {
		t.Fatalf("put key mismatch")
	}

	b.StartGetRecord(key)
	got := nextEvent[LookupCompleted](t, b, 5*time.Second)
	if got.Err != nil || !got.Found {
		t.Fatalf("lookup: found=%v err=%v", got.Found, got.Err)
	}

	value, signer, seq, err := record.Open(got.Envelope)
	if err != nil {
		t.Fatalf("open fetched envelope: %v", err)
	}
	if seq != 1 || signer != a.cfg.Identity.ID || value.Nickname.Nickname != "gopher" {
		t.Fatalf("fetched record = %+v signer=%s seq=%d", value, signer, seq)
	}
}

func TestDisconnectEmitsEvent(t *testing.T) {
	a := newTestSwarm(t)
	b := newTestSwarm(t)

	a.Dial(b.ListenAddr())
	waitPeers(t, a, 1, 3*time.Second)
	waitPeers(t, b, 1, 3*time.Second)

	_ = b.Close()

	ev := nextEvent[PeerDisconnected](t, a, 5*time.Second)
	if string(ev.Peer) != b.ID() {
		t.Fatalf("disconnected peer = %s, want %s", ev.Peer, b.ID())
	}
	waitPeers(t, a, 0, 3*time.Second)
}

func withDiscovery(mgr *discovery.Manager) swarmTestOpt {
	return func(cfg *Config) { cfg.Discovery = mgr }
}

func TestFailedDiscoveryDialCountsAgainstPeer(t *testing.T) {
	ps, err := discovery.OpenPeerStore(filepath.Join(t.TempDir(), "peers.db"))
	if err != nil {
		t.Fatalf("OpenPeerStore: %v", err)
	}
	t.Cleanup(func() { _ = ps.Close() })

	stale, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	staleID := string(stale.ID)
	if err := ps.NoteSuccess(staleID, "127.0.0.1:1"); err != nil {
		t.Fatalf("NoteSuccess: %v", err)
	}

	mgr := discovery.NewManager(discovery.Announce{
		Config: discovery.DefaultConfig(),
		SelfID: "self",
	}, ps, telemetry.Discard())
	s := newTestSwarm(t, withDiscovery(mgr))

	if got := len(mgr.Bootstrap(8)); got != 1 {
		t.Fatalf("bootstrap candidates = %d, want 1", got)
	}

	// Six straight failures pushes the peer past the bootstrap cap.
	for i := 0; i < 6; i++ {
		s.dial(netx.Addr("127.0.0.1:1"), staleID) // nothing listens there
		nextEvent[OutgoingConnectionError](t, s, 5*time.Second)
	}

	if got := mgr.Bootstrap(8); len(got) != 0 {
		t.Fatalf("peer still offered for bootstrap after repeated dial failures: %+v", got)
	}
}
