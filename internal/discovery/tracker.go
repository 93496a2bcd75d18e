package discovery

import (
	"sync"
	"time"
)

// Tracker keeps the set of currently-live LAN peers. Observe reports
// whether a peer is newly discovered; Sweep returns the peers whose
// last sighting is older than the ttl.
type Tracker struct {
	mu    sync.Mutex
	ttl   time.Duration
	peers map[string]Remote
}

func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		ttl:   ttl,
		peers: make(map[string]Remote),
	}
}

// Observe records a sighting and returns true when the peer was not
// already tracked.
func (t *Tracker) Observe(r Remote) bool {
	if r.LastAt.IsZero() {
		r.LastAt = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_, known := t.peers[r.ID]
	t.peers[r.ID] = r
	return !known
}

// Sweep drops and returns peers not seen within the ttl.
func (t *Tracker) Sweep(now time.Time) []Remote {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []Remote
	for id, r := range t.peers {
		if now.Sub(r.LastAt) > t.ttl {
			delete(t.peers, id)
			expired = append(expired, r)
		}
	}
	return expired
}

// Tracked reports whether a peer is currently considered live.
func (t *Tracker) Tracked(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[id]
	return ok
}

// Snapshot returns the currently tracked peers.
func (t *Tracker) Snapshot() []Remote {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Remote, 0, len(t.peers))
	for _, r := range t.peers {
		out = append(out, r)
	}
	return out
}
