package dht

import (
	"context"
	"net"
	"sort"
	"time"

	"peerchat/internal/proto"
)

// IterativeFindValue converges on key and returns the first envelope
// that validates against it. Providers returned alongside node lists
// are queried with priority since they claim to hold the value.
func (d *DHT) IterativeFindValue(ctx context.Context, n Sender, key [32]byte, cfg LookupConfig) ([]byte, bool, error) {
	if env, _, ok := d.records.Get(key, time.Now()); ok {
		return env, true, nil
	}

	cfg.fill()

	target := NodeID(key)
	keyHex := KeyHex(key)

	start := time.Now()
	queries := 0
	found := false
	defer func() { d.metrics.ObserveLookup("FIND_VALUE", queries, time.Since(start), found) }()

	const (
		stUnqueried = iota
		stQuerying
		stDone
		stFailed
	)

	type cand struct {
		node     proto.DHTNode
		id       NodeID
		dist     NodeID
		state    int
		provider bool
	}

	seen := map[string]*cand{}

	add := func(nd proto.DHTNode, provider bool) {
		if nd.ID == "" || nd.ID == d.selfHex {
			return
		}
		if c, ok := seen[nd.ID]; ok {
			if provider {
				c.provider = true
			}
			return
		}
		id, err := ParseNodeIDHex(nd.ID)
		if err != nil {
			return
		}
		seen[nd.ID] = &cand{node: nd, id: id, dist: Distance(id, target), provider: provider}
	}

	for _, ni := range d.rt.Closest(target, cfg.K) {
		add(proto.DHTNode{ID: ni.IDHex, Addr: ni.Addr}, false)
	}

	sorted := func() []*cand {
		out := make([]*cand, 0, len(seen))
		for _, c := range seen {
			out = append(out, c)
		}
		sort.Slice(out, func(i, j int) bool {
			// Providers first, then by distance.
			if out[i].provider != out[j].provider {
				return out[i].provider
			}
			return DistanceLess(out[i].dist, out[j].dist)
		})
		return out
	}

	for round := 0; round < cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		cands := sorted()
		if len(cands) == 0 {
			return nil, false, nil
		}

		limit := len(cands)
		if limit > cfg.K*2 {
			limit = cfg.K * 2
		}
		toQuery := make([]*cand, 0, cfg.Alpha)
		for i := 0; i < limit && len(toQuery) < cfg.Alpha; i++ {
			if cands[i].state == stUnqueried {
				cands[i].state = stQuerying
				toQuery = append(toQuery, cands[i])
			}
		}
		if len(toQuery) == 0 {
			return nil, false, nil
		}

		type result struct {
			c *cand
			w proto.DHTWire
			e error
		}
		queries += len(toQuery)
		resCh := make(chan result, len(toQuery))

		for _, c := range toQuery {
			go func(c *cand) {
				resp, err := d.QueryFindValue(n, c.node.ID, keyHex, cfg.RPCTimeout)
				resCh <- result{c: c, w: resp, e: err}
			}(c)
		}

		for i := 0; i < len(toQuery); i++ {
			r := <-resCh
			if r.e != nil || r.w.Kind != "VALUE" {
				r.c.state = stFailed
				continue
			}
			r.c.state = stDone

			if r.w.Record != nil {
				seq, err := validateRecord(key, r.w.Record)
				if err != nil {
					// A node served a poisoned record: do not trust its
					// routing info for this key either.
					d.log.Printf("dht: discarding invalid record for %s from %s: %v", keyHex, r.c.node.ID, err)
					r.c.state = stFailed
					continue
				}
				_ = d.records.Put(key, r.w.Record, seq, time.Now())
				found = true
				return r.w.Record, true, nil
			}

			nodes := r.w.Nodes
			if len(nodes) > cfg.K*2 {
				nodes = nodes[:cfg.K*2]
			}
			for _, nd := range nodes {
				if nd.Addr != "" {
					if _, _, err := net.SplitHostPort(nd.Addr); err != nil {
						continue
					}
				}
				add(nd, false)
				if id, err := ParseNodeIDHex(nd.ID); err == nil {
					d.rt.UpsertWithEviction(id, nd.Addr, func(tail NodeInfo) bool {
						resp, err := d.QueryPing(n, tail.IDHex, 800*time.Millisecond)
						return err == nil && resp.Kind == "PONG"
					})
				}
			}
			for _, nd := range r.w.Providers {
				add(nd, true)
			}
		}

		// Bound the frontier.
		if len(seen) > cfg.K*8 {
			cands = sorted()[:cfg.K*8]
			keep := map[string]*cand{}
			for _, c := range cands {
				keep[c.node.ID] = c
			}
			seen = keep
		}
	}

	return nil, false, nil
}
