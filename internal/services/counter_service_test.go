package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/duna-commerce/api/internal/repositories"
)

type recordingCounterRepo struct {
	mu          sync.Mutex
	nextFn      func(context.Context, string, int64) (int64, error)
	configureFn func(context.Context, string, repositories.CounterConfig) error

	nextIDs    []string
	nextSteps  []int64
	configured []repositories.CounterConfig
}

func (r *recordingCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	r.mu.Lock()
	r.nextIDs = append(r.nextIDs, counterID)
	r.nextSteps = append(r.nextSteps, step)
	r.mu.Unlock()
	if r.nextFn != nil {
		return r.nextFn(ctx, counterID, step)
	}
	return 0, nil
}

func (r *recordingCounterRepo) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	r.mu.Lock()
	r.configured = append(r.configured, cfg)
	r.mu.Unlock()
	if r.configureFn != nil {
		return r.configureFn(ctx, counterID, cfg)
	}
	return nil
}

func counterServiceAt(t *testing.T, repo repositories.CounterRepository, now time.Time) CounterService {
	t.Helper()
	svc, err := NewCounterService(CounterServiceDeps{
		Repository: repo,
		Clock:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewCounterService: %v", err)
	}
	return svc
}

func TestCounterServiceNextFormatsAndConfigures(t *testing.T) {
	repo := &recordingCounterRepo{
		nextFn: func(context.Context, string, int64) (int64, error) { return 42, nil },
	}
	svc := counterServiceAt(t, repo, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))

	value, err := svc.Next(context.Background(), "shipment", "global", CounterGenerationOptions{
		Step:      5,
		Prefix:    "SHP-",
		PadLength: 4,
	})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if value.Value != 42 || value.Formatted != "SHP-0042" {
		t.Fatalf("got %d / %q", value.Value, value.Formatted)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.configured) != 1 || repo.configured[0].Step != 5 {
		t.Fatalf("configure calls: %+v", repo.configured)
	}
}

func TestCounterServiceSkipsRepeatConfigure(t *testing.T) {
	repo := &recordingCounterRepo{
		nextFn: func(context.Context, string, int64) (int64, error) { return 1, nil },
	}
	svc := counterServiceAt(t, repo, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))

	opts := CounterGenerationOptions{Step: 2}
	for i := 0; i < 3; i++ {
		if _, err := svc.Next(context.Background(), "shipment", "global", opts); err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.configured) != 1 {
		t.Fatalf("expected one configure call, got %d", len(repo.configured))
	}
	if len(repo.nextIDs) != 3 {
		t.Fatalf("expected three next calls, got %d", len(repo.nextIDs))
	}
}

func TestCounterServiceMapsRepositoryErrors(t *testing.T) {
	repo := &recordingCounterRepo{
		nextFn: func(context.Context, string, int64) (int64, error) {
			return 0, repositories.NewCounterError(repositories.CounterErrorExhausted, "limit", nil)
		},
	}
	svc := counterServiceAt(t, repo, time.Now())

	if _, err := svc.Next(context.Background(), "invoices", "capped", CounterGenerationOptions{}); !errors.Is(err, ErrCounterExhausted) {
		t.Fatalf("got %v", err)
	}
}

func TestCounterServiceRejectsBlankScopeOrName(t *testing.T) {
	svc := counterServiceAt(t, &recordingCounterRepo{}, time.Now())
	for _, pair := range [][2]string{{"", "global"}, {"orders", ""}, {" ", " "}} {
		if _, err := svc.Next(context.Background(), pair[0], pair[1], CounterGenerationOptions{}); !errors.Is(err, ErrCounterInvalidInput) {
			t.Fatalf("%q/%q: got %v", pair[0], pair[1], err)
		}
	}
}

func TestCounterServiceNextOrderNumber(t *testing.T) {
	repo := &recordingCounterRepo{
		nextFn: func(context.Context, string, int64) (int64, error) { return 7, nil },
	}
	svc := counterServiceAt(t, repo, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))

	number, err := svc.NextOrderNumber(context.Background())
	if err != nil {
		t.Fatalf("NextOrderNumber: %v", err)
	}
	if number != "DC-2025-000007" {
		t.Fatalf("got %s", number)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.nextIDs) != 1 || repo.nextIDs[0] != "orders:2025" {
		t.Fatalf("counter ids: %v", repo.nextIDs)
	}
}
