package client

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"peerchat/internal/gossip"
	"peerchat/internal/identity"
	"peerchat/internal/netx"
	"peerchat/internal/swarm"
	"peerchat/internal/telemetry"
	"peerchat/internal/wire"
)

func newTestEngine(t *testing.T, nick string) *Engine {
	t.Helper()
	e, err := New(Config{
		Nick:          nick,
		Listen:        "/ip4/127.0.0.1/tcp/0",
		DiscoveryPort: -1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// nextEvent drains the engine until an event of type E arrives.
func nextEvent[E Event](t *testing.T, e *Engine) E {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		ev, err := e.Next(ctx)
		if err != nil {
			var zero E
			t.Fatalf("waiting for %T: %v", zero, err)
		}
		if want, ok := ev.(E); ok {
			return want
		}
	}
}

func connect(t *testing.T, a, b *Engine) {
	t.Helper()
	addrs := a.Addresses()
	if len(addrs) == 0 {
		t.Fatal("engine has no listen address")
	}
	if err := b.Dial(addrs[0]); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	nextEvent[PeerConnected](t, a)
	nextEvent[PeerConnected](t, b)
}

// sendUntilDelivered retries a publish while the subscription
// announcement is still in flight.
func sendUntilDelivered(t *testing.T, e *Engine, channel, contents string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := e.SendMessage(channel, contents, wire.MessageNormal)
		if err == nil {
			return
		}
		if !errors.Is(err, gossip.ErrInsufficientPeers) {
			t.Fatalf("SendMessage: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("SendMessage: still no subscribers: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestMessageDelivery(t *testing.T) {
	a := newTestEngine(t, "alice")
	b := newTestEngine(t, "bob")
	connect(t, a, b)

	if err := a.JoinChannel("general"); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}
	if err := b.JoinChannel("general"); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}

	// b hears a's membership announcement on the control topic.
	joined := nextEvent[PeerJoinedChannel](t, b)
	if joined.Channel != "general" || joined.Peer != a.ID() {
		t.Fatalf("unexpected join announcement: %+v", joined)
	}

	sendUntilDelivered(t, a, "general", "hello there")

	got := nextEvent[MessageReceived](t, b)
	if got.Channel != "general" {
		t.Fatalf("channel = %q, want general", got.Channel)
	}
	if got.Contents != "hello there" {
		t.Fatalf("contents = %q", got.Contents)
	}
	if got.From != a.ID() {
		t.Fatalf("from = %s, want %s", got.From.Short(), a.ID().Short())
	}
	if got.Kind != wire.MessageNormal {
		t.Fatalf("kind = %d", got.Kind)
	}
}

func TestSenderDoesNotEchoOwnMessage(t *testing.T) {
	a := newTestEngine(t, "alice")
	b := newTestEngine(t, "bob")
	connect(t, a, b)

	if err := a.JoinChannel("room"); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}
	if err := b.JoinChannel("room"); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}
	sendUntilDelivered(t, a, "room", "one way only")

	nextEvent[MessageReceived](t, b)

	// The sender must not see its own message come back.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		ev, ok := a.Poll()
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if _, isMsg := ev.(MessageReceived); isMsg {
			t.Fatalf("sender received its own message: %+v", ev)
		}
	}
}

func TestNicknameResolvedOverLookup(t *testing.T) {
	a := newTestEngine(t, "alice")
	b := newTestEngine(t, "bob")
	connect(t, a, b)

	// a published its nickname record at startup; b resolves it cold.
	if nick, ok := b.FetchNickname(a.ID()); ok {
		t.Fatalf("unexpected cache hit: %q", nick)
	}

	res := nextEvent[NicknameResolved](t, b)
	if !res.Found {
		t.Fatal("nickname not found")
	}
	if res.Peer != a.ID() || res.Nick != "alice" {
		t.Fatalf("resolved %q for %s", res.Nick, res.Peer.Short())
	}

	// Now it is a cache hit.
	nick, ok := b.FetchNickname(a.ID())
	if !ok || nick != "alice" {
		t.Fatalf("FetchNickname after resolve = %q, %v", nick, ok)
	}
}

func TestFetchNicknameSingleFlight(t *testing.T) {
	a := newTestEngine(t, "alice")
	b := newTestEngine(t, "bob")
	connect(t, a, b)

	b.FetchNickname(a.ID())
	b.FetchNickname(a.ID())
	b.FetchNickname(a.ID())

	if n := len(b.pendingNicks); n != 1 {
		t.Fatalf("in-flight lookups = %d, want 1", n)
	}
}

func TestChannelLookup(t *testing.T) {
	a := newTestEngine(t, "alice")
	b := newTestEngine(t, "bob")
	connect(t, a, b)

	if err := a.JoinChannel("lobby"); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}

	// Joining seals and publishes the channel record; wait for that
	// specific publish, not the nickname one from startup.
	wantKey, err := wire.ChannelKey("lobby").Hash()
	if err != nil {
		t.Fatalf("channel key: %v", err)
	}
	for {
		pub := nextEvent[RecordPublished](t, a)
		if pub.Key == wantKey {
			if pub.Err != nil {
				t.Fatalf("channel record publish: %v", pub.Err)
			}
			break
		}
	}

	if err := b.FetchChannel("lobby"); err != nil {
		t.Fatalf("FetchChannel: %v", err)
	}
	res := nextEvent[ChannelResolved](t, b)
	if !res.Found {
		t.Fatal("channel record not found")
	}
	if res.Info.Ident != "lobby" {
		t.Fatalf("resolved channel %q", res.Info.Ident)
	}
}

func TestMembershipGating(t *testing.T) {
	a := newTestEngine(t, "alice")

	if err := a.SendMessage("nowhere", "hi", wire.MessageNormal); !errors.Is(err, ErrNotInChannel) {
		t.Fatalf("err = %v, want ErrNotInChannel", err)
	}

	if err := a.JoinChannel("x"); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}
	if err := a.JoinChannel("x"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if got := a.Channels(); len(got) != 1 || got[0] != "x" {
		t.Fatalf("channels = %v", got)
	}

	if err := a.LeaveChannel("x"); err != nil {
		t.Fatalf("LeaveChannel: %v", err)
	}
	if err := a.LeaveChannel("x"); err != nil {
		t.Fatalf("re-leave: %v", err)
	}
	if got := a.Channels(); len(got) != 0 {
		t.Fatalf("channels after leave = %v", got)
	}

	if err := a.SendMessage("x", "hi", wire.MessageNormal); !errors.Is(err, ErrNotInChannel) {
		t.Fatalf("post-leave err = %v, want ErrNotInChannel", err)
	}
}

func TestValidation(t *testing.T) {
	a := newTestEngine(t, "alice")

	if err := a.JoinChannel(""); !errors.Is(err, ErrBadChannel) {
		t.Fatalf("empty channel err = %v", err)
	}
	long := make([]byte, wire.MaxChannelLength+1)
	for i := range long {
		long[i] = 'c'
	}
	if err := a.JoinChannel(string(long)); !errors.Is(err, ErrBadChannel) {
		t.Fatalf("long channel err = %v", err)
	}

	if err := a.SetNickname(""); !errors.Is(err, ErrBadNickname) {
		t.Fatalf("empty nick err = %v", err)
	}
	big := make([]byte, wire.MaxNicknameLength+1)
	for i := range big {
		big[i] = 'n'
	}
	if err := a.SetNickname(string(big)); !errors.Is(err, ErrBadNickname) {
		t.Fatalf("long nick err = %v", err)
	}

	if err := a.SetNickname("carol"); err != nil {
		t.Fatalf("SetNickname: %v", err)
	}
	if a.Nickname() != "carol" {
		t.Fatalf("Nickname = %q", a.Nickname())
	}
}

func TestNicknameUpdateAnnouncement(t *testing.T) {
	a := newTestEngine(t, "alice")
	b := newTestEngine(t, "bob")
	connect(t, a, b)

	// Wait for the connection to settle, then rename.
	deadline := time.Now().Add(5 * time.Second)
	for a.PeerCount() == 0 || b.PeerCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("peers never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := a.SetNickname("alice2"); err != nil {
		t.Fatalf("SetNickname: %v", err)
	}

	upd := nextEvent[NicknameUpdated](t, b)
	if upd.Peer != a.ID() || upd.Nick != "alice2" {
		t.Fatalf("update = %+v", upd)
	}

	// The announcement primes b's cache directly.
	nick, ok := b.FetchNickname(a.ID())
	if !ok || nick != "alice2" {
		t.Fatalf("cache after update = %q, %v", nick, ok)
	}
}

func TestOversizedInboundMessageRejected(t *testing.T) {
	a := newTestEngine(t, "alice")

	// A bare swarm with no engine on top is free to put anything on
	// the wire.
	rid, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	raw, err := swarm.New(swarm.Config{
		Identity: rid,
		Network:  netx.NewTCPNetwork(),
		Logger:   telemetry.Discard(),
	})
	if err != nil {
		t.Fatalf("swarm.New: %v", err)
	}
	if err := raw.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = raw.Close() })

	raw.Dial(a.sw.ListenAddr())
	nextEvent[PeerConnected](t, a)

	if err := a.JoinChannel("lobby"); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}
	topic := wire.TopicForChannel("lobby")

	// Wait until the join's subscription announcement reaches the
	// sender side.
	subCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		ev, err := raw.Next(subCtx)
		if err != nil {
			t.Fatalf("waiting for subscription: %v", err)
		}
		if sub, ok := ev.(swarm.PeerSubscribed); ok && sub.Topic == topic {
			break
		}
	}

	// Contents one byte over the schema limit. Command.Encode refuses
	// to produce this, so marshal directly.
	big, err := cbor.Marshal(wire.Command{
		Kind:      wire.CmdMessageSend,
		ChannelID: "lobby",
		Contents:  strings.Repeat("x", wire.MaxMessageLength+1),
		Timestamp: uint64(time.Now().UnixMilli()),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		err := raw.Publish(topic, big)
		if err == nil {
			break
		}
		if !errors.Is(err, gossip.ErrInsufficientPeers) {
			t.Fatalf("Publish: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("Publish: still no subscribers: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The receiving engine must surface nothing for it.
	quiet := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(quiet) {
		ev, ok := a.Poll()
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if _, isMsg := ev.(MessageReceived); isMsg {
			t.Fatalf("oversized message surfaced as an event: %+v", ev)
		}
	}

	// ...and the peer that relayed it pays for it.
	if score := a.sw.Gossip().Score(raw.ID()); score >= 0 {
		t.Fatalf("relayer score = %d, want negative", score)
	}
}
