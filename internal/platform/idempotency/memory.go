package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. Used in tests and local runs
// where Firestore is not available.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func recordExpired(record Record, now time.Time) bool {
	return !record.Expiry.IsZero() && !now.Before(record.Expiry)
}

// Acquire implements Store.
func (s *MemoryStore) Acquire(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Acquisition, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id := docID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok || recordExpired(record, now) {
		record = Record{
			Key:         key,
			Fingerprint: fingerprint,
			State:       StateInFlight,
			FirstSeen:   now,
			LastUpdate:  now,
			Expiry:      now.Add(ttl),
		}
		s.records[id] = record
		return Acquisition{Decision: DecisionProceed, Record: record}, nil
	}
	if record.Fingerprint != fingerprint {
		return Acquisition{}, ErrKeyReused
	}
	if record.State == StateStored {
		return Acquisition{Decision: DecisionReplay, Record: record}, nil
	}
	return Acquisition{Decision: DecisionWait, Record: record}, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id := docID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if ok && record.Fingerprint != fingerprint {
		return ErrKeyReused
	}
	if !ok {
		record = Record{Key: key, Fingerprint: fingerprint, FirstSeen: now}
	}
	if record.FirstSeen.IsZero() {
		record.FirstSeen = now
	}

	record.State = StateStored
	record.StatusCode = resp.Status
	record.Header = stripVolatileHeaders(resp.Headers)
	record.Body = nil
	if len(resp.Body) > 0 {
		record.Body = append([]byte(nil), resp.Body...)
	}
	record.LastUpdate = now
	record.Expiry = now.Add(ttl)
	s.records[id] = record
	return nil
}

// Forget implements Store.
func (s *MemoryStore) Forget(_ context.Context, key, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, docID(key))
	return nil
}

// PurgeExpired implements Store.
func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time, max int) (int, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if max <= 0 || max > len(s.records) {
		max = len(s.records)
	}
	purged := 0
	for id, record := range s.records {
		if !recordExpired(record, now) {
			continue
		}
		delete(s.records, id)
		if purged++; purged >= max {
			break
		}
	}
	return purged, nil
}
