// Package proto defines the node-to-node framing that travels inside a
// secured connection: a typed JSON envelope multiplexing the gossip,
// DHT, and control sub-protocols over one stream.
package proto

import "encoding/json"

type MessageType string

const (
	MsgHello  MessageType = "hello"
	MsgSubs   MessageType = "subs"
	MsgGossip MessageType = "gossip"
	MsgDHT    MessageType = "dht"
)

type Envelope struct {
	Type    MessageType     `json:"type"`
	FromID  string          `json:"from_id"`
	Payload json.RawMessage `json:"payload"`
}

// Hello is exchanged immediately after the transport is secured.
type Hello struct {
	Listen   string   `json:"listen"`   // host:port this peer accepts connections on
	Protocol string   `json:"protocol"` // protocol version string
	Topics   []string `json:"topics"`   // current gossip subscriptions
}

// Subs announces a subscription change so remote peers can keep their
// eligible-recipient sets current.
type Subs struct {
	Topic     string `json:"topic"`
	Subscribe bool   `json:"subscribe"`
}

func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
