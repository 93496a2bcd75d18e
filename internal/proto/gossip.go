package proto

// GossipWire is a flooded topic message. Data is an opaque application
// payload (a codec-encoded Command for peerchat topics); Sig is the
// origin's ed25519 signature binding origin+topic+data.
type GossipWire struct {
	ID     string `json:"id"`     // deterministic: hash(origin || data)
	Topic  string `json:"topic"`
	Origin string `json:"origin"` // peer id of the publisher, not the relayer
	Data   []byte `json:"data"`
	Sig    []byte `json:"sig"`
}
