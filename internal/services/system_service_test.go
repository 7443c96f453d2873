package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/duna-commerce/api/internal/domain"
	"github.com/duna-commerce/api/internal/repositories"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
	calls  int
}

var _ repositories.HealthRepository = (*stubHealthRepository)(nil)

func (s *stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	s.calls++
	return s.report, s.err
}

type stubCounterService struct {
	scope string
	name  string
	opts  CounterGenerationOptions
	value CounterValue
	err   error
}

var _ CounterService = (*stubCounterService)(nil)

func (s *stubCounterService) Next(_ context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error) {
	s.scope, s.name, s.opts = scope, name, opts
	return s.value, s.err
}

func (s *stubCounterService) NextOrderNumber(context.Context) (string, error) { return "", nil }

func (s *stubCounterService) NextInvoiceNumber(context.Context) (string, error) { return "", nil }

func newSystemService(t *testing.T, deps SystemServiceDeps) SystemService {
	t.Helper()
	svc, err := NewSystemService(deps)
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	return svc
}

func TestSystemServiceHealthReportEnrichesMetadata(t *testing.T) {
	started := time.Date(2025, 3, 1, 9, 55, 0, 0, time.UTC)
	frozen := started.Add(5 * time.Minute)
	repo := &stubHealthRepository{
		report: domain.SystemHealthReport{
			Checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK},
			},
		},
	}

	svc := newSystemService(t, SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return frozen },
		Build: BuildInfo{
			Version:     "2.3.1",
			CommitSHA:   "f00dfeed",
			Environment: "prod",
			StartedAt:   started,
		},
	})

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}

	if report.Status != domain.HealthStatusOK {
		t.Errorf("status: got %s", report.Status)
	}
	if report.Version != "2.3.1" || report.CommitSHA != "f00dfeed" || report.Environment != "prod" {
		t.Errorf("build metadata not applied: %+v", report)
	}
	if report.Uptime != 5*time.Minute {
		t.Errorf("uptime: got %s", report.Uptime)
	}
	if report.GeneratedAt != frozen {
		t.Errorf("generatedAt: got %s", report.GeneratedAt)
	}
}

func TestSystemServiceHealthReportPropagatesError(t *testing.T) {
	collectErr := errors.New("collect failed")
	svc := newSystemService(t, SystemServiceDeps{
		HealthRepository: &stubHealthRepository{err: collectErr},
	})

	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, collectErr) {
		t.Fatalf("got %v", err)
	}
}

func TestNewSystemServiceRequiresRepository(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatal("expected error without repository")
	}
}

func TestSystemServiceDerivesStatusFromChecks(t *testing.T) {
	svc := newSystemService(t, SystemServiceDeps{
		HealthRepository: &stubHealthRepository{
			report: domain.SystemHealthReport{
				Checks: map[string]domain.SystemHealthCheck{
					"billingo":  {Status: domain.HealthStatusDegraded},
					"firestore": {Status: domain.HealthStatusOK},
				},
			},
		},
	})

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("status: got %s", report.Status)
	}
}

func TestSystemServiceNextCounterValueDelegates(t *testing.T) {
	counters := &stubCounterService{value: CounterValue{Value: 42}}
	svc := newSystemService(t, SystemServiceDeps{
		HealthRepository: &stubHealthRepository{},
		Counters:         counters,
	})

	value, err := svc.NextCounterValue(context.Background(), CounterCommand{CounterID: "orders:2025", Step: 5})
	if err != nil {
		t.Fatalf("NextCounterValue: %v", err)
	}
	if value != 42 {
		t.Fatalf("value: got %d", value)
	}
	if counters.scope != "orders" || counters.name != "2025" || counters.opts.Step != 5 {
		t.Fatalf("delegation: got %s:%s step %d", counters.scope, counters.name, counters.opts.Step)
	}
}

func TestSystemServiceNextCounterValueErrors(t *testing.T) {
	withoutCounters := newSystemService(t, SystemServiceDeps{HealthRepository: &stubHealthRepository{}})
	if _, err := withoutCounters.NextCounterValue(context.Background(), CounterCommand{CounterID: "orders:2025"}); err == nil {
		t.Fatal("expected error when counter service missing")
	}

	svc := newSystemService(t, SystemServiceDeps{
		HealthRepository: &stubHealthRepository{},
		Counters:         &stubCounterService{},
	})
	for _, badID := range []string{"", "orders", "orders:", ":2025"} {
		if _, err := svc.NextCounterValue(context.Background(), CounterCommand{CounterID: badID}); err == nil {
			t.Fatalf("counter id %q: expected error", badID)
		}
	}
}
