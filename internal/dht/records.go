package dht

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"peerchat/internal/record"
)

var (
	ErrBadRecord      = errors.New("dht: bad record")
	ErrSeqTooLow      = errors.New("dht: seq too low")
	ErrKeyMismatch    = errors.New("dht: key mismatch")
	ErrRecordTooLarge = errors.New("dht: record too large")
)

const (
	// maxRecordLen bounds a stored envelope. Memory values are tiny;
	// anything near this is hostile.
	maxRecordLen = 8 * 1024

	// recordTTL is how long a stored record is served before it must be
	// republished by its owner.
	recordTTL = 2 * time.Hour
)

func KeyHex(k [32]byte) string { return hex.EncodeToString(k[:]) }

func ParseKeyHex(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, ErrBadRecord
	}
	copy(out[:], b)
	return out, nil
}

// validateRecord opens env, verifies the signature chain, and checks
// that the value actually belongs under key. It returns the envelope's
// sequence number for last-writer-wins comparison.
func validateRecord(key [32]byte, env []byte) (uint64, error) {
	var got [32]byte
	seq, err := validateAny(env, &got)
	if err != nil {
		return 0, err
	}
	if got != key {
		return 0, ErrKeyMismatch
	}
	return seq, nil
}

// validateAny opens env without knowing its key in advance, verifies
// it, and writes the derived key through keyOut.
func validateAny(env []byte, keyOut *[32]byte) (uint64, error) {
	if len(env) == 0 {
		return 0, ErrBadRecord
	}
	if len(env) > maxRecordLen {
		return 0, ErrRecordTooLarge
	}

	value, _, seq, err := record.Open(env)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	mk, err := value.KeyFor()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	key, err := mk.Hash()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	*keyOut = key
	return seq, nil
}

type storedRecord struct {
	env     []byte
	seq     uint64
	expires time.Time
}

// recordStore holds validated envelopes in memory. Expiry is assigned
// locally at store time; owners keep records alive by republishing.
type recordStore struct {
	mu   sync.RWMutex
	data map[[32]byte]storedRecord
}

func newRecordStore() *recordStore {
	return &recordStore{data: make(map[[32]byte]storedRecord)}
}

func (s *recordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *recordStore) Get(key [32]byte, now time.Time) ([]byte, uint64, bool) {
	s.mu.RLock()
	rec, ok := s.data[key]
	s.mu.RUnlock()
	if !ok || now.After(rec.expires) {
		return nil, 0, false
	}
	return append([]byte(nil), rec.env...), rec.seq, true
}

// Put applies last-writer-wins by sequence number: an envelope with a
// seq at or below the stored one is refused. A re-put of the identical
// envelope refreshes its expiry instead.
func (s *recordStore) Put(key [32]byte, env []byte, seq uint64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.data[key]
	if ok && now.Before(old.expires) && seq <= old.seq {
		if seq == old.seq && string(env) == string(old.env) {
			old.expires = now.Add(recordTTL)
			s.data[key] = old
			return nil
		}
		return ErrSeqTooLow
	}

	s.data[key] = storedRecord{
		env:     append([]byte(nil), env...),
		seq:     seq,
		expires: now.Add(recordTTL),
	}
	return nil
}

func (s *recordStore) Delete(key [32]byte) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

func (s *recordStore) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, rec := range s.data {
		if now.After(rec.expires) {
			delete(s.data, k)
			n++
		}
	}
	return n
}
