package client

import (
	"context"

	"peerchat/internal/identity"
	"peerchat/internal/record"
	"peerchat/internal/swarm"
	"peerchat/internal/wire"
)

// Event is the sealed union of everything the engine reports to its
// frontend.
type Event interface{ clientEvent() }

// MessageReceived is a chat message from another peer. Nick is filled
// from the cache when the sender's name is already known.
type MessageReceived struct {
	Channel   string
	From      identity.PeerID
	Nick      string
	Kind      wire.MessageKind
	Contents  string
	Timestamp uint64
}

// PeerJoinedChannel and PeerLeftChannel are membership announcements
// heard on the control topic.
type PeerJoinedChannel struct {
	Channel string
	Peer    identity.PeerID
}

type PeerLeftChannel struct {
	Channel string
	Peer    identity.PeerID
}

// NicknameUpdated is a live nickname announcement from a connected
// part of the mesh.
type NicknameUpdated struct {
	Peer identity.PeerID
	Nick string
}

// NicknameResolved answers an earlier FetchNickname miss.
type NicknameResolved struct {
	Peer  identity.PeerID
	Nick  string
	Found bool
}

// ChannelResolved answers FetchChannel.
type ChannelResolved struct {
	Ident string
	Info  wire.ChannelInfo
	Found bool
}

// ChannelAdvertised is channel metadata announced over gossip.
type ChannelAdvertised struct {
	Info wire.ChannelInfo
}

// RecordPublished reports the outcome of a background record publish.
type RecordPublished struct {
	Key [32]byte
	Err error
}

// Connection lifecycle, passed through from the swarm.
type PeerDiscovered struct {
	Peer identity.PeerID
	Addr string
	Nick string
}

type PeerExpired struct{ Peer identity.PeerID }

type Dialing struct{ Addr string }

type PeerConnected struct {
	Peer    identity.PeerID
	Addr    string
	Inbound bool
}

type PeerDisconnected struct {
	Peer identity.PeerID
	Err  error
}

type DialFailed struct {
	Addr string
	Err  error
}

type ListenerClosed struct{ Err error }

func (MessageReceived) clientEvent()   {}
func (PeerJoinedChannel) clientEvent() {}
func (PeerLeftChannel) clientEvent()   {}
func (NicknameUpdated) clientEvent()   {}
func (NicknameResolved) clientEvent()  {}
func (ChannelResolved) clientEvent()   {}
func (ChannelAdvertised) clientEvent() {}
func (RecordPublished) clientEvent()   {}
func (PeerDiscovered) clientEvent()    {}
func (PeerExpired) clientEvent()       {}
func (Dialing) clientEvent()           {}
func (PeerConnected) clientEvent()     {}
func (PeerDisconnected) clientEvent()  {}
func (DialFailed) clientEvent()        {}
func (ListenerClosed) clientEvent()    {}

// Next blocks until the engine has a chat-level event. Swarm events
// that resolve to nothing (rejected messages, duplicate traffic) are
// absorbed here.
func (e *Engine) Next(ctx context.Context) (Event, error) {
	for {
		se, err := e.sw.Next(ctx)
		if err != nil {
			return nil, err
		}
		if ce, ok := e.translate(se); ok {
			return ce, nil
		}
	}
}

// Poll returns a pending event without blocking.
func (e *Engine) Poll() (Event, bool) {
	for {
		se, ok := e.sw.Poll()
		if !ok {
			return nil, false
		}
		if ce, ok := e.translate(se); ok {
			return ce, true
		}
	}
}

// Events adapts the poll interface to a channel. The goroutine feeding
// the channel becomes the engine's consumer: drive the engine's
// methods from whoever receives on it.
func (e *Engine) Events(ctx context.Context) <-chan Event {
	out := make(chan Event, 32)
	go func() {
		defer close(out)
		for {
			ev, err := e.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// translate maps one swarm event to at most one chat event, applying
// validation verdicts and cache updates on the way.
func (e *Engine) translate(se swarm.Event) (Event, bool) {
	switch ev := se.(type) {
	case swarm.GossipMessage:
		return e.onGossip(ev)

	case swarm.LookupCompleted:
		return e.onLookup(ev)

	case swarm.PutCompleted:
		return RecordPublished{Key: ev.Key, Err: ev.Err}, true

	case swarm.PeerDiscovered:
		return PeerDiscovered{Peer: ev.Peer, Addr: ev.Addr, Nick: ev.Nick}, true
	case swarm.PeerExpired:
		return PeerExpired{Peer: ev.Peer}, true
	case swarm.Dialing:
		return Dialing{Addr: ev.Addr}, true
	case swarm.PeerConnected:
		return PeerConnected{Peer: ev.Peer, Addr: ev.Addr, Inbound: ev.Inbound}, true
	case swarm.PeerDisconnected:
		return PeerDisconnected{Peer: ev.Peer, Err: ev.Err}, true
	case swarm.OutgoingConnectionError:
		return DialFailed{Addr: ev.Addr, Err: ev.Err}, true
	case swarm.ListenerClosed:
		return ListenerClosed{Err: ev.Err}, true

	default:
		return nil, false
	}
}

// onGossip validates a held message and reports the verdict back to
// the router. Messages that fail to decode are rejected and produce no
// event; the relaying peer pays for them.
func (e *Engine) onGossip(ev swarm.GossipMessage) (Event, bool) {
	cmd, err := wire.DecodeCommand(ev.Data)
	if err != nil {
		e.log.Printf("client: rejecting message on %q from %s: %v", ev.Topic, ev.Origin.Short(), err)
		e.sw.ReportMessage(ev.ID, false)
		return nil, false
	}
	e.sw.ReportMessage(ev.ID, true)

	switch cmd.Kind {
	case wire.CmdMessageSend:
		nick := ""
		if ent, ok := e.nicks[ev.Origin]; ok && ent.state == nickResolved {
			nick = ent.nick
		}
		return MessageReceived{
			Channel:   cmd.ChannelID,
			From:      ev.Origin,
			Nick:      nick,
			Kind:      cmd.Message,
			Contents:  cmd.Contents,
			Timestamp: cmd.Timestamp,
		}, true

	case wire.CmdNicknameUpdate:
		e.nicks[ev.Origin] = nickEntry{state: nickResolved, nick: cmd.Nickname}
		return NicknameUpdated{Peer: ev.Origin, Nick: cmd.Nickname}, true

	case wire.CmdChannelJoin:
		return PeerJoinedChannel{Channel: cmd.ChannelID, Peer: ev.Origin}, true

	case wire.CmdChannelLeave:
		return PeerLeftChannel{Channel: cmd.ChannelID, Peer: ev.Origin}, true

	case wire.CmdChannelUpdate:
		if cmd.Channel == nil {
			return nil, false
		}
		return ChannelAdvertised{Info: *cmd.Channel}, true
	}
	return nil, false
}

// onLookup resolves a completed record lookup against whatever fetch
// started it. Records that fail to open, or whose owner does not match
// the key they came back under, are poisoned: logged and treated as
// not found.
func (e *Engine) onLookup(ev swarm.LookupCompleted) (Event, bool) {
	if peer, ok := e.pendingNicks[ev.Key]; ok {
		delete(e.pendingNicks, ev.Key)
		return e.resolveNickname(peer, ev)
	}
	if ident, ok := e.pendingChans[ev.Key]; ok {
		delete(e.pendingChans, ev.Key)
		return e.resolveChannel(ident, ev)
	}
	// A lookup nothing is waiting on (e.g. fired during shutdown).
	return nil, false
}

func (e *Engine) resolveNickname(peer identity.PeerID, ev swarm.LookupCompleted) (Event, bool) {
	miss := func() (Event, bool) {
		// Allow a later fetch to retry.
		delete(e.nicks, peer)
		return NicknameResolved{Peer: peer, Found: false}, true
	}

	if ev.Err != nil || !ev.Found {
		return miss()
	}

	value, signer, _, err := record.Open(ev.Envelope)
	if err != nil {
		e.log.Printf("client: discarding bad nickname record for %s: %v", peer.Short(), err)
		return miss()
	}
	if value.Kind != wire.KeyNickname || value.Nickname.Owner != peer || signer != peer {
		e.log.Printf("client: discarding nickname record for %s signed by %s", peer.Short(), signer.Short())
		return miss()
	}

	e.nicks[peer] = nickEntry{state: nickResolved, nick: value.Nickname.Nickname}
	return NicknameResolved{Peer: peer, Nick: value.Nickname.Nickname, Found: true}, true
}

func (e *Engine) resolveChannel(ident string, ev swarm.LookupCompleted) (Event, bool) {
	if ev.Err != nil || !ev.Found {
		return ChannelResolved{Ident: ident, Found: false}, true
	}

	value, _, _, err := record.Open(ev.Envelope)
	if err != nil || value.Kind != wire.KeyChannel || value.Channel.Ident != ident {
		e.log.Printf("client: discarding bad channel record for %q: %v", ident, err)
		return ChannelResolved{Ident: ident, Found: false}, true
	}
	return ChannelResolved{Ident: ident, Info: *value.Channel, Found: true}, true
}
