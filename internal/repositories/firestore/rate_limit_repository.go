package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/duna-commerce/api/internal/platform/firestore"
	"github.com/duna-commerce/api/internal/repositories"
)

const rateLimitsCollection = "rateLimits"

type rateLimitDocument struct {
	Key         string    `firestore:"key"`
	WindowStart time.Time `firestore:"windowStart"`
	Count       int       `firestore:"count"`
	ExpiresAt   time.Time `firestore:"expiresAt"`
}

// RateLimitRepository implements the shared fixed-window counters on top of
// Firestore transactions. All running instances observe the same counts, so
// a client cannot widen its budget by spreading requests across replicas.
type RateLimitRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[rateLimitDocument]
}

// NewRateLimitRepository constructs a Firestore-backed rate limit repository.
func NewRateLimitRepository(provider *pfirestore.Provider) (*RateLimitRepository, error) {
	if provider == nil {
		return nil, errors.New("rate limit repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[rateLimitDocument](provider, rateLimitsCollection, nil, nil)
	return &RateLimitRepository{provider: provider, base: base}, nil
}

// Increment performs the atomic check-and-increment for a key. The read and
// the conditional write share one transaction, so two concurrent calls for
// the same key cannot both observe the pre-increment count.
func (r *RateLimitRepository) Increment(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error) {
	if r == nil || r.provider == nil {
		return false, errors.New("rate limit repository not initialised")
	}
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return false, errors.New("rate limit repository: key is required")
	}
	if limit <= 0 || window <= 0 {
		return false, fmt.Errorf("rate limit repository: invalid limit %d or window %s", limit, window)
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	docID := rateLimitDocID(trimmed)
	allowed := false

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, docID)
		if err != nil {
			return err
		}

		snap, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.NotFound:
			allowed = true
			return tx.Create(ref, rateLimitDocument{
				Key:         trimmed,
				WindowStart: now,
				Count:       1,
				ExpiresAt:   now.Add(window),
			})
		case codes.OK:
			// proceed
		default:
			return err
		}

		var doc rateLimitDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode rate limit %s: %w", docID, err)
		}

		if now.Sub(doc.WindowStart) >= window {
			allowed = true
			return tx.Set(ref, rateLimitDocument{
				Key:         trimmed,
				WindowStart: now,
				Count:       1,
				ExpiresAt:   now.Add(window),
			})
		}

		if doc.Count >= limit {
			allowed = false
			return nil
		}

		allowed = true
		doc.Count++
		return tx.Update(ref, []firestore.Update{
			{Path: "count", Value: doc.Count},
		})
	})
	if err != nil {
		return false, pfirestore.WrapError("rate_limits.increment", err)
	}
	return allowed, nil
}

// rateLimitDocID hashes the key so arbitrary client identifiers stay valid
// Firestore document ids.
func rateLimitDocID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Ensure interface compliance.
var _ repositories.RateLimitRepository = (*RateLimitRepository)(nil)
