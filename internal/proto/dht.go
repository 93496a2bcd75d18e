package proto

// DHTWire is the single payload for all DHT traffic. Flat and explicit
// for forwards-compat.
type DHTWire struct {
	// Kind is one of: PING, PONG, FIND_NODE, NODES, STORE,
	// STORE_RESULT, FIND_VALUE, VALUE, PROVIDE.
	Kind string `json:"kind"`

	// RPC correlation for request/response pairs.
	RPCID string `json:"rpc_id,omitempty"`

	// Lookup target for FIND_NODE (32-byte node id, hex).
	Target string `json:"target,omitempty"`

	// Record key for STORE/FIND_VALUE/VALUE/PROVIDE (32 bytes, hex).
	Key string `json:"key,omitempty"`

	// Signed envelope bytes for STORE/VALUE.
	Record []byte `json:"record,omitempty"`

	// Record sequence number, for last-writer-wins comparison without
	// opening the envelope.
	Seq uint64 `json:"seq,omitempty"`

	// Expiry for stored records (unix seconds, 0 = none).
	ExpiresUnix int64 `json:"expires_unix,omitempty"`

	// Returned nodes for NODES and value-miss VALUE replies.
	Nodes []DHTNode `json:"nodes,omitempty"`

	// Known providers of Key, for VALUE replies and PROVIDE.
	Providers []DHTNode `json:"providers,omitempty"`

	// STORE_RESULT outcome.
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

type DHTNode struct {
	ID   string `json:"id"`   // 64 hex chars (32 bytes); equals the transport peer id
	Addr string `json:"addr"` // host:port
}
