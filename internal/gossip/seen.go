package gossip

import (
	"sync"
	"time"
)

// seenCache is a TTL set of message ids used to break flood loops.
type seenCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	items   map[string]time.Time
	inserts int
}

func newSeenCache(ttl time.Duration) *seenCache {
	return &seenCache{
		ttl:   ttl,
		items: make(map[string]time.Time),
	}
}

// Seen returns true if id was seen within the ttl. If not, it records
// it and returns false.
func (s *seenCache) Seen(id string) bool {
	if id == "" {
		return true
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Amortized expiry: sweep the whole map every so often instead of
	// on every call.
	s.inserts++
	if s.inserts >= 64 {
		s.inserts = 0
		for k, t := range s.items {
			if now.Sub(t) > s.ttl {
				delete(s.items, k)
			}
		}
	}

	if t, ok := s.items[id]; ok && now.Sub(t) <= s.ttl {
		return true
	}
	s.items[id] = now
	return false
}
