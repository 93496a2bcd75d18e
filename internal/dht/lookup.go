package dht

import (
	"context"
	"sort"
	"time"

	"peerchat/internal/proto"
)

type LookupConfig struct {
	Alpha      int
	K          int
	RPCTimeout time.Duration
	MaxRounds  int
}

func DefaultLookupConfig() LookupConfig {
	return LookupConfig{
		Alpha:      3,
		K:          20,
		RPCTimeout: 1200 * time.Millisecond,
		MaxRounds:  32,
	}
}

func (cfg *LookupConfig) fill() {
	if cfg.Alpha <= 0 {
		cfg.Alpha = 3
	}
	if cfg.K <= 0 {
		cfg.K = 20
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 1200 * time.Millisecond
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 32
	}
}

// IterativeFindNode runs the standard Kademlia node lookup: query the
// α closest unqueried candidates, merge returned nodes, repeat until
// no round produces anything closer.
func (d *DHT) IterativeFindNode(ctx context.Context, n Sender, targetHex string, cfg LookupConfig) ([]proto.DHTNode, error) {
	cfg.fill()

	target, err := ParseNodeIDHex(targetHex)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	queries := 0
	defer func() { d.metrics.ObserveLookup("FIND_NODE", queries, time.Since(start), true) }()

	type cand struct {
		node proto.DHTNode
		dist NodeID
	}

	seed := d.rt.Closest(target, cfg.K)
	best := make([]cand, 0, cfg.K)
	queried := make(map[string]bool)
	seen := make(map[string]bool)
	for _, ni := range seed {
		best = append(best, cand{
			node: proto.DHTNode{ID: ni.IDHex, Addr: ni.Addr},
			dist: Distance(ni.ID, target),
		})
		seen[ni.IDHex] = true
	}

	resort := func() {
		sort.Slice(best, func(i, j int) bool { return DistanceLess(best[i].dist, best[j].dist) })
		if len(best) > cfg.K {
			best = best[:cfg.K]
		}
	}
	resort()

	pickNext := func() []proto.DHTNode {
		out := make([]proto.DHTNode, 0, cfg.Alpha)
		for _, c := range best {
			if len(out) == cfg.Alpha {
				break
			}
			if queried[c.node.ID] {
				continue
			}
			queried[c.node.ID] = true
			out = append(out, c.node)
		}
		return out
	}

	closerFound := true
	for rounds := 0; closerFound && rounds < cfg.MaxRounds; rounds++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		closerFound = false

		toQuery := pickNext()
		if len(toQuery) == 0 {
			break
		}

		type result struct {
			resp proto.DHTWire
			ok   bool
		}
		resCh := make(chan result, len(toQuery))

		queries += len(toQuery)
		for _, peer := range toQuery {
			// One peer id serves both routing and transport.
			go func(pid string) {
				resp, err := d.QueryFindNode(n, pid, targetHex, cfg.RPCTimeout)
				if err != nil {
					resCh <- result{ok: false}
					return
				}
				resCh <- result{resp: resp, ok: true}
			}(peer.ID)
		}

		for i := 0; i < len(toQuery); i++ {
			r := <-resCh
			if !r.ok || r.resp.Kind != "NODES" {
				continue
			}
			for _, nd := range r.resp.Nodes {
				if nd.ID == "" || seen[nd.ID] {
					continue
				}
				seen[nd.ID] = true

				id, err := ParseNodeIDHex(nd.ID)
				if err != nil {
					continue
				}
				d.rt.Upsert(id, nd.Addr)

				best = append(best, cand{node: nd, dist: Distance(id, target)})
				closerFound = true
			}
		}

		resort()
	}

	out := make([]proto.DHTNode, 0, len(best))
	for _, c := range best {
		out = append(out, c.node)
	}
	return out, nil
}

// RunBucketRefresh periodically looks up random targets to keep far
// buckets populated.
func (d *DHT) RunBucketRefresh(ctx context.Context, n Sender, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	cfg := DefaultLookupConfig()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			target := RandomNodeID()
			_, _ = d.IterativeFindNode(ctx, n, target.Hex(), cfg)
		}
	}
}
