package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection  = "idempotency_keys"
	defaultTxnAttempts = 5
)

// FirestoreStore implements Store on Google Cloud Firestore. Claims are made
// inside transactions so concurrent retries race safely.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	attempts   int
}

// FirestoreOption customises the FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection holding idempotency documents.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithMaxAttempts configures transaction retry attempts.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(s *FirestoreStore) {
		if attempts > 0 {
			s.attempts = attempts
		}
	}
}

// NewFirestoreStore constructs a Firestore-backed store.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	store := &FirestoreStore{
		client:     client,
		collection: defaultCollection,
		attempts:   defaultTxnAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

func (s *FirestoreStore) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(docID(key))
}

func (s *FirestoreStore) txnAttempts() int {
	if s.attempts <= 0 {
		return 1
	}
	return s.attempts
}

func inFlightDoc(key, fingerprint string, now time.Time, ttl time.Duration) keyDoc {
	return keyDoc{
		Key:         key,
		Fingerprint: fingerprint,
		State:       string(StateInFlight),
		FirstSeen:   now,
		LastUpdate:  now,
		Expiry:      now.Add(ttl),
	}
}

// Acquire implements Store.
func (s *FirestoreStore) Acquire(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Acquisition, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref := s.doc(key)

	var result Acquisition
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			doc := inFlightDoc(key, fingerprint, now, ttl)
			if err := tx.Set(ref, doc); err != nil {
				return err
			}
			result = Acquisition{Decision: DecisionProceed, Record: doc.record()}
			return nil
		}
		if err != nil {
			return err
		}

		var doc keyDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		if doc.Fingerprint != fingerprint {
			return ErrKeyReused
		}
		if !doc.Expiry.IsZero() && !now.Before(doc.Expiry) {
			// Expired claims are re-issued to the caller.
			doc = inFlightDoc(key, fingerprint, now, ttl)
			if err := tx.Set(ref, doc); err != nil {
				return err
			}
			result = Acquisition{Decision: DecisionProceed, Record: doc.record()}
			return nil
		}
		if doc.State == string(StateStored) {
			result = Acquisition{Decision: DecisionReplay, Record: doc.record()}
			return nil
		}
		result = Acquisition{Decision: DecisionWait, Record: doc.record()}
		return nil
	}, firestore.MaxAttempts(s.txnAttempts()))

	return result, err
}

// Complete implements Store.
func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref := s.doc(key)

	header := stripVolatileHeaders(resp.Headers)
	var body []byte
	if len(resp.Body) > 0 {
		body = append([]byte(nil), resp.Body...)
	}

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		var doc keyDoc
		switch {
		case status.Code(err) == codes.NotFound:
			doc = keyDoc{Key: key, Fingerprint: fingerprint, FirstSeen: now}
		case err != nil:
			return err
		default:
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if doc.Fingerprint != fingerprint {
				return ErrKeyReused
			}
			if doc.FirstSeen.IsZero() {
				doc.FirstSeen = now
			}
		}

		doc.State = string(StateStored)
		doc.StatusCode = resp.Status
		doc.Header = header
		doc.Body = body
		doc.LastUpdate = now
		doc.Expiry = now.Add(ttl)
		return tx.Set(ref, doc)
	}, firestore.MaxAttempts(s.txnAttempts()))
}

// Forget implements Store.
func (s *FirestoreStore) Forget(ctx context.Context, key, _ string) error {
	_, err := s.doc(key).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

// PurgeExpired implements Store.
func (s *FirestoreStore) PurgeExpired(ctx context.Context, now time.Time, max int) (int, error) {
	now = now.UTC()
	if max <= 0 {
		max = 100
	}

	docs, err := s.client.Collection(s.collection).
		Where("expires_at", "<=", now).
		Limit(max).
		Documents(ctx).
		GetAll()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	batch := s.client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, err
	}
	return len(docs), nil
}

type keyDoc struct {
	Key         string              `firestore:"key"`
	Fingerprint string              `firestore:"fingerprint"`
	State       string              `firestore:"status"`
	StatusCode  int                 `firestore:"response_status"`
	Header      map[string][]string `firestore:"response_headers"`
	Body        []byte              `firestore:"response_body"`
	FirstSeen   time.Time           `firestore:"created_at"`
	LastUpdate  time.Time           `firestore:"updated_at"`
	Expiry      time.Time           `firestore:"expires_at"`
}

func (d keyDoc) record() Record {
	return Record{
		Key:         d.Key,
		Fingerprint: d.Fingerprint,
		State:       State(d.State),
		StatusCode:  d.StatusCode,
		Header:      d.Header,
		Body:        d.Body,
		FirstSeen:   d.FirstSeen,
		LastUpdate:  d.LastUpdate,
		Expiry:      d.Expiry,
	}
}
