package dht

import (
	"sync"
	"time"

	"peerchat/internal/proto"
)

// providerTTL is how long a provider advertisement is remembered.
// Providers re-announce on the republish cadence.
const providerTTL = 1 * time.Hour

type provEntry struct {
	addr    string
	expires time.Time
}

// providerTable remembers which peers claim to hold a key's value, so
// lookups can be steered at nodes that actually answer.
type providerTable struct {
	mu   sync.RWMutex
	data map[[32]byte]map[string]provEntry // key -> peer id -> entry
}

func newProviderTable() *providerTable {
	return &providerTable{data: make(map[[32]byte]map[string]provEntry)}
}

func (p *providerTable) Add(key [32]byte, peerID, addr string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.data[key]
	if m == nil {
		m = make(map[string]provEntry)
		p.data[key] = m
	}
	m[peerID] = provEntry{addr: addr, expires: now.Add(providerTTL)}
}

func (p *providerTable) Get(key [32]byte, now time.Time) []proto.DHTNode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m := p.data[key]
	if len(m) == 0 {
		return nil
	}
	out := make([]proto.DHTNode, 0, len(m))
	for id, e := range m {
		if now.After(e.expires) {
			continue
		}
		out = append(out, proto.DHTNode{ID: id, Addr: e.addr})
	}
	return out
}

func (p *providerTable) SweepExpired(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for key, m := range p.data {
		for id, e := range m {
			if now.After(e.expires) {
				delete(m, id)
				n++
			}
		}
		if len(m) == 0 {
			delete(p.data, key)
		}
	}
	return n
}
