package client

import (
	"time"

	"peerchat/internal/identity"
	"peerchat/internal/record"
	"peerchat/internal/wire"
)

// SendMessage publishes a chat message to a channel this node is a
// member of. The engine does not loop the message back: the frontend
// already knows what it sent. gossip.ErrInsufficientPeers comes back
// unchanged when nobody can receive it; the message may simply be
// retried later.
func (e *Engine) SendMessage(channel, contents string, kind wire.MessageKind) error {
	if !e.isMember(channel) {
		return ErrNotInChannel
	}

	cmd := wire.NewMessageSend(contents, kind, channel, uint64(time.Now().UnixMilli()))
	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	return e.sw.Publish(wire.TopicForChannel(channel), data)
}

// JoinChannel subscribes to a channel and announces the membership.
// Joining a channel twice is a no-op.
func (e *Engine) JoinChannel(ident string) error {
	if err := validChannel(ident); err != nil {
		return err
	}
	if e.isMember(ident) {
		return nil
	}

	e.sw.Subscribe(wire.TopicForChannel(ident))
	e.channels = append(e.channels, ident)

	e.announce(wire.Command{Kind: wire.CmdChannelJoin, ChannelID: ident})

	// Keep the channel discoverable: anyone can refresh its record.
	env, err := record.Seal(wire.ChannelValue(wire.ChannelInfo{
		Ident:   ident,
		Owner:   string(e.id.ID),
		Version: e.seq,
	}), e.nextSeq(), e.id)
	if err != nil {
		e.log.Printf("client: seal channel record for %q: %v", ident, err)
		return nil
	}
	e.sw.StartPutRecord(env, false)
	return nil
}

// LeaveChannel unsubscribes and announces the departure. Leaving a
// channel this node is not in is a no-op.
func (e *Engine) LeaveChannel(ident string) error {
	if err := validChannel(ident); err != nil {
		return err
	}
	if !e.isMember(ident) {
		return nil
	}

	e.sw.Unsubscribe(wire.TopicForChannel(ident))
	for i, c := range e.channels {
		if c == ident {
			e.channels = append(e.channels[:i], e.channels[i+1:]...)
			break
		}
	}

	e.announce(wire.Command{Kind: wire.CmdChannelLeave, ChannelID: ident})
	return nil
}

// Channels returns the membership list in join order.
func (e *Engine) Channels() []string {
	out := make([]string, len(e.channels))
	copy(out, e.channels)
	return out
}

func (e *Engine) isMember(ident string) bool {
	for _, c := range e.channels {
		if c == ident {
			return true
		}
	}
	return false
}

// SetNickname updates this node's display name, announces it over
// gossip, and republishes the signed nickname record.
func (e *Engine) SetNickname(nick string) error {
	if err := validNick(nick); err != nil {
		return err
	}

	e.selfNick = nick
	e.nicks[e.id.ID] = nickEntry{state: nickResolved, nick: nick}

	e.announce(wire.NewNicknameUpdate(nick))
	e.publishNickname(nick)
	return nil
}

// FetchNickname resolves a peer's display name from the local cache.
// On a miss it starts one background lookup and returns not-found
// immediately; the answer arrives later as a NicknameResolved event.
// Repeated calls while the lookup is in flight do not start another.
func (e *Engine) FetchNickname(peer identity.PeerID) (string, bool) {
	if ent, ok := e.nicks[peer]; ok {
		switch ent.state {
		case nickResolved:
			return ent.nick, true
		case nickPending:
			return "", false
		}
	}

	key, err := wire.NicknameKey(peer).Hash()
	if err != nil {
		e.log.Printf("client: nickname key for %s: %v", peer.Short(), err)
		return "", false
	}

	e.nicks[peer] = nickEntry{state: nickPending}
	e.pendingNicks[key] = peer
	e.sw.StartGetRecord(key)
	return "", false
}

// FetchChannel starts a background lookup of a channel's record. The
// answer arrives as a ChannelResolved event.
func (e *Engine) FetchChannel(ident string) error {
	if err := validChannel(ident); err != nil {
		return err
	}
	key, err := wire.ChannelKey(ident).Hash()
	if err != nil {
		return err
	}
	if _, inFlight := e.pendingChans[key]; inFlight {
		return nil
	}
	e.pendingChans[key] = ident
	e.sw.StartGetRecord(key)
	return nil
}

// announce publishes a control-topic command best-effort: with no
// peers yet there is simply nobody to tell.
func (e *Engine) announce(cmd wire.Command) {
	data, err := cmd.Encode()
	if err != nil {
		e.log.Printf("client: encode announcement: %v", err)
		return
	}
	if err := e.sw.Publish(wire.ControlTopic, data); err != nil {
		e.log.Printf("client: announce: %v", err)
	}
}

func (e *Engine) publishNickname(nick string) {
	env, err := record.Seal(wire.NicknameValue(e.id.ID, nick), e.nextSeq(), e.id)
	if err != nil {
		e.log.Printf("client: seal nickname record: %v", err)
		return
	}
	e.sw.StartPutRecord(env, true)
}
