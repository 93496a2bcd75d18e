package dht

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"peerchat/internal/proto"
)

func newRPCID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// query sends req to one peer and waits for the correlated response.
func (d *DHT) query(n Sender, peerID string, req proto.DHTWire, timeout time.Duration) (proto.DHTWire, error) {
	req.RPCID = newRPCID()

	ch := make(chan proto.DHTWire, 1)
	d.pendingMu.Lock()
	d.pending[req.RPCID] = ch
	d.pendingMu.Unlock()

	drop := func() {
		d.pendingMu.Lock()
		delete(d.pending, req.RPCID)
		d.pendingMu.Unlock()
	}

	if err := n.SendToPeer(peerID, proto.Envelope{
		Type:    proto.MsgDHT,
		FromID:  n.ID(),
		Payload: proto.MustMarshal(req),
	}); err != nil {
		drop()
		d.metrics.IncRPC(req.Kind, false)
		return proto.DHTWire{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		d.metrics.IncRPC(req.Kind, true)
		return resp, nil
	case <-timer.C:
		drop()
		d.metrics.IncRPC(req.Kind, false)
		return proto.DHTWire{}, context.DeadlineExceeded
	}
}

func (d *DHT) QueryPing(n Sender, peerID string, timeout time.Duration) (proto.DHTWire, error) {
	return d.query(n, peerID, proto.DHTWire{Kind: "PING"}, timeout)
}

func (d *DHT) QueryFindNode(n Sender, peerID, targetHex string, timeout time.Duration) (proto.DHTWire, error) {
	return d.query(n, peerID, proto.DHTWire{Kind: "FIND_NODE", Target: targetHex}, timeout)
}

func (d *DHT) QueryFindValue(n Sender, peerID, keyHex string, timeout time.Duration) (proto.DHTWire, error) {
	return d.query(n, peerID, proto.DHTWire{Kind: "FIND_VALUE", Key: keyHex}, timeout)
}

func (d *DHT) QueryStore(n Sender, peerID, keyHex string, env []byte, seq uint64, timeout time.Duration) (proto.DHTWire, error) {
	return d.query(n, peerID, proto.DHTWire{Kind: "STORE", Key: keyHex, Record: env, Seq: seq}, timeout)
}

// SendProvide advertises this node as a provider of key. Fire and
// forget: there is no response to wait for.
func (d *DHT) SendProvide(n Sender, peerID, keyHex string) error {
	return n.SendToPeer(peerID, proto.Envelope{
		Type:    proto.MsgDHT,
		FromID:  n.ID(),
		Payload: proto.MustMarshal(proto.DHTWire{Kind: "PROVIDE", Key: keyHex}),
	})
}
