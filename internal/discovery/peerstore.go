package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bPeers = "peers"

	peerstoreTO = 2 * time.Second
)

type peerRecord struct {
	ID           string    `json:"id"`
	Addr         string    `json:"addr"`
	LastSeen     time.Time `json:"last_seen"`
	LastSuccess  time.Time `json:"last_success"`
	FailureCount int       `json:"failures"`
}

// PeerStore persists known peer addresses across restarts so a node
// can rejoin the network without waiting for a LAN probe to hit.
type PeerStore struct {
	db *bolt.DB
}

func DefaultPeerStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".peerchat", "peers.db")
}

// OpenPeerStore opens (or creates) the peer database at path.
func OpenPeerStore(path string) (*PeerStore, error) {
	if path == "" {
		return nil, errors.New("empty peerstore path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: peerstoreTO})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bPeers))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PeerStore{db: db}, nil
}

func (ps *PeerStore) Close() error { return ps.db.Close() }

func (ps *PeerStore) NoteSuccess(id, addr string) error {
	return ps.update(id, func(r *peerRecord) {
		now := time.Now()
		r.Addr = addr
		r.LastSeen = now
		r.LastSuccess = now
		r.FailureCount = 0
	})
}

func (ps *PeerStore) NoteFailure(id string) error {
	return ps.update(id, func(r *peerRecord) {
		r.FailureCount++
		r.LastSeen = time.Now()
	})
}

func (ps *PeerStore) update(id string, fn func(*peerRecord)) error {
	if id == "" {
		return errors.New("empty peer id")
	}
	return ps.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bPeers))

		r := peerRecord{ID: id}
		if raw := b.Get([]byte(id)); raw != nil {
			if err := json.Unmarshal(raw, &r); err != nil {
				return fmt.Errorf("peerstore decode: %w", err)
			}
		}
		fn(&r)

		raw, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), raw)
	})
}

// Candidates returns dialable addresses of peers with at most
// maxFailures consecutive failures, newest success first.
func (ps *PeerStore) Candidates(maxFailures, limit int) []Remote {
	var recs []peerRecord
	_ = ps.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bPeers))
		return b.ForEach(func(_, raw []byte) error {
			var r peerRecord
			if err := json.Unmarshal(raw, &r); err != nil {
				return nil
			}
			if r.Addr == "" || r.FailureCount > maxFailures {
				return nil
			}
			recs = append(recs, r)
			return nil
		})
	})

	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].LastSuccess.After(recs[j-1].LastSuccess); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}

	out := make([]Remote, 0, len(recs))
	for _, r := range recs {
		out = append(out, Remote{ID: r.ID, Addr: r.Addr, LastAt: r.LastSeen})
	}
	return out
}
