package dht

import (
	"time"

	"peerchat/internal/proto"
)

// HandleDHT services one decoded DHT payload from a connected peer.
// Responses for outstanding RPCs are routed to their waiters; requests
// are answered in place. Malformed or over-limit traffic is dropped
// without a reply.
func (d *DHT) HandleDHT(n Sender, fromPeerID, fromAddr string, w proto.DHTWire) {
	now := time.Now()
	d.rlMu.Lock()
	b := d.rl[fromPeerID]
	if b == nil {
		b = &rpcBudget{}
		d.rl[fromPeerID] = b
	}
	ok := b.spend(now)
	d.rlMu.Unlock()
	if !ok {
		return
	}

	// Any DHT traffic is evidence of liveness.
	d.OnPeerSeen(fromPeerID, fromAddr)

	// Deliver responses to pending RPC waiters.
	if w.RPCID != "" {
		switch w.Kind {
		case "NODES", "PONG", "VALUE", "STORE_RESULT":
			d.pendingMu.Lock()
			ch := d.pending[w.RPCID]
			if ch != nil {
				delete(d.pending, w.RPCID)
			}
			d.pendingMu.Unlock()

			if ch != nil {
				select {
				case ch <- w:
				default:
				}
				return
			}
		}
	}

	switch w.Kind {
	case "PING":
		d.reply(n, fromPeerID, proto.DHTWire{Kind: "PONG", RPCID: w.RPCID})

	case "FIND_NODE":
		target, err := ParseNodeIDHex(w.Target)
		if err != nil {
			return
		}
		d.reply(n, fromPeerID, proto.DHTWire{
			Kind:   "NODES",
			RPCID:  w.RPCID,
			Target: w.Target,
			Nodes:  d.closestWire(target),
		})

	case "STORE":
		key, err := ParseKeyHex(w.Key)
		if err != nil {
			d.reply(n, fromPeerID, proto.DHTWire{Kind: "STORE_RESULT", RPCID: w.RPCID, OK: false, Error: "bad_request"})
			return
		}

		seq, err := validateRecord(key, w.Record)
		if err == nil {
			err = d.records.Put(key, w.Record, seq, now)
		}
		if err != nil {
			d.log.Printf("dht: refusing record %s from %s: %v", w.Key, fromPeerID, err)
			d.reply(n, fromPeerID, proto.DHTWire{Kind: "STORE_RESULT", RPCID: w.RPCID, OK: false, Error: err.Error()})
			return
		}
		d.reply(n, fromPeerID, proto.DHTWire{Kind: "STORE_RESULT", RPCID: w.RPCID, OK: true})

	case "FIND_VALUE":
		key, err := ParseKeyHex(w.Key)
		if err != nil {
			return
		}

		if env, seq, ok := d.records.Get(key, now); ok {
			d.reply(n, fromPeerID, proto.DHTWire{
				Kind:      "VALUE",
				RPCID:     w.RPCID,
				Key:       w.Key,
				Record:    env,
				Seq:       seq,
				Providers: d.providers.Get(key, now),
			})
			return
		}

		// Miss: closest nodes plus any known providers (Kademlia).
		d.reply(n, fromPeerID, proto.DHTWire{
			Kind:      "VALUE",
			RPCID:     w.RPCID,
			Key:       w.Key,
			Nodes:     d.closestWire(NodeID(key)),
			Providers: d.providers.Get(key, now),
		})

	case "PROVIDE":
		key, err := ParseKeyHex(w.Key)
		if err != nil {
			return
		}
		d.providers.Add(key, fromPeerID, fromAddr, now)

	default:
		d.log.Printf("dht: unknown kind %q from %s", w.Kind, fromPeerID)
	}
}

func (d *DHT) reply(n Sender, peerID string, w proto.DHTWire) {
	err := n.SendToPeer(peerID, proto.Envelope{
		Type:    proto.MsgDHT,
		FromID:  n.ID(),
		Payload: proto.MustMarshal(w),
	})
	if err != nil {
		n.Logf("dht: reply %s to %s failed: %v", w.Kind, peerID, err)
	}
}

func (d *DHT) closestWire(target NodeID) []proto.DHTNode {
	closest := d.rt.Closest(target, 20)
	out := make([]proto.DHTNode, 0, len(closest))
	for _, ni := range closest {
		out = append(out, proto.DHTNode{ID: ni.IDHex, Addr: ni.Addr})
	}
	return out
}
