package dht

import (
	"context"
	"time"
)

type PublishConfig struct {
	K          int
	Alpha      int
	RPCTimeout time.Duration

	// Provide also advertises this node as a provider of the key.
	Provide bool
}

func DefaultPublishConfig() PublishConfig {
	return PublishConfig{
		K:          20,
		Alpha:      3,
		RPCTimeout: 1200 * time.Millisecond,
	}
}

// PutRecord validates a sealed envelope, stores it locally, marks the
// key owned for republish, and pushes it to the k closest nodes.
// Returns the key the envelope lives under.
func (d *DHT) PutRecord(ctx context.Context, n Sender, env []byte, cfg PublishConfig) ([32]byte, error) {
	if cfg.K <= 0 {
		cfg.K = 20
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = 3
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 1200 * time.Millisecond
	}

	key, seq, err := keyOf(env)
	if err != nil {
		return key, err
	}

	now := time.Now()
	if err := d.records.Put(key, env, seq, now); err != nil {
		return key, err
	}

	d.ownedMu.Lock()
	d.owned[key] = ownedRec{nextRepublish: now.Add(republishInterval)}
	d.ownedMu.Unlock()

	// Converge on the key to learn who should hold the record.
	lookupCfg := LookupConfig{K: cfg.K, Alpha: cfg.Alpha, RPCTimeout: cfg.RPCTimeout}
	nodes, err := d.IterativeFindNode(ctx, n, NodeID(key).Hex(), lookupCfg)
	if err != nil {
		return key, err
	}
	if len(nodes) > cfg.K {
		nodes = nodes[:cfg.K]
	}

	keyHex := KeyHex(key)
	sem := make(chan struct{}, cfg.Alpha)
	errCh := make(chan error, len(nodes))

	for _, nd := range nodes {
		nd := nd
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			w, e := d.QueryStore(n, nd.ID, keyHex, env, seq, cfg.RPCTimeout)
			if e != nil {
				errCh <- e
				return
			}
			if w.Kind == "STORE_RESULT" && !w.OK {
				errCh <- ErrBadRecord
				return
			}
			if cfg.Provide {
				_ = d.SendProvide(n, nd.ID, keyHex)
			}
			errCh <- nil
		}()
	}

	var firstErr error
	stored := 0
	for i := 0; i < len(nodes); i++ {
		if e := <-errCh; e != nil {
			if firstErr == nil {
				firstErr = e
			}
		} else {
			stored++
		}
	}
	// Any replica is enough; the local store always has it.
	if stored > 0 {
		return key, nil
	}
	return key, firstErr
}

// GetRecord returns the validated envelope stored under key, looking
// it up across the network if it is not held locally.
func (d *DHT) GetRecord(ctx context.Context, n Sender, key [32]byte) ([]byte, bool, error) {
	return d.IterativeFindValue(ctx, n, key, DefaultLookupConfig())
}

// keyOf derives the storage key and sequence of a sealed envelope.
func keyOf(env []byte) ([32]byte, uint64, error) {
	var key [32]byte
	// validateRecord needs the key up front, so derive it first by
	// opening the envelope through the same path.
	seq, err := validateAny(env, &key)
	return key, seq, err
}
