// Package idempotency guards mutating endpoints against duplicate
// submissions. A client sends an Idempotency-Key header; the first request
// through executes normally and its response is stored, retries with the
// same key replay the stored response instead of re-running the handler.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long a stored response stays replayable.
const DefaultTTL = 24 * time.Hour

// State tracks where a record is in its lifecycle.
type State string

const (
	// StateInFlight marks a key claimed by a request still being processed.
	StateInFlight State = "in_flight"
	// StateStored marks a key whose response has been persisted for replay.
	StateStored State = "stored"
)

// Decision tells the middleware what to do after claiming a key.
type Decision int

const (
	// DecisionProceed lets the request run; the key is now claimed.
	DecisionProceed Decision = iota
	// DecisionReplay means a stored response exists and should be returned.
	DecisionReplay
	// DecisionWait means a concurrent request holds the key.
	DecisionWait
)

// Acquisition is the outcome of claiming a key, with the existing record
// when one was found.
type Acquisition struct {
	Decision Decision
	Record   Record
}

// Record is the persisted state for one idempotency key.
type Record struct {
	Key         string
	Fingerprint string
	State       State
	StatusCode  int
	Header      map[string][]string
	Body        []byte
	FirstSeen   time.Time
	LastUpdate  time.Time
	Expiry      time.Time
}

// Response is the handler output to persist for replays.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists idempotency claims and the responses behind them.
type Store interface {
	Acquire(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Acquisition, error)
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Forget(ctx context.Context, key, fingerprint string) error
	PurgeExpired(ctx context.Context, now time.Time, max int) (int, error)
}

// ErrKeyReused signals that a key arrived with a different request
// fingerprint than the one it was claimed for.
var ErrKeyReused = errors.New("idempotency: key reused with a different request")

// docID derives the storage document name from the scoped key. Keys are
// client-supplied, so they are hashed rather than used verbatim.
func docID(key string) string {
	return hashHex([]byte(strings.TrimSpace(key)))
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// stripVolatileHeaders copies a header map, dropping hop-by-hop and
// time-sensitive headers that must not be replayed verbatim.
func stripVolatileHeaders(header http.Header) map[string][]string {
	if len(header) == 0 {
		return nil
	}
	kept := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if volatileHeader(canonical) {
			continue
		}
		kept[canonical] = append([]string(nil), values...)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func volatileHeader(name string) bool {
	switch strings.ToLower(name) {
	case "content-length", "date", "connection", "keep-alive",
		"proxy-authenticate", "proxy-authorization", "te", "trailers",
		"transfer-encoding", "upgrade":
		return true
	}
	return false
}

func recordHeader(values map[string][]string) http.Header {
	header := make(http.Header, len(values))
	for name, vals := range values {
		header[name] = append([]string(nil), vals...)
	}
	return header
}
