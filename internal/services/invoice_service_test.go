package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/duna-commerce/api/internal/domain"
	"github.com/duna-commerce/api/internal/invoicing"
	"github.com/duna-commerce/api/internal/repositories"
)

type stubInvoicingClient struct {
	createPartnerFunc  func(ctx context.Context, partner invoicing.Partner) (string, error)
	createDocumentFunc func(ctx context.Context, req invoicing.DocumentRequest) (invoicing.Document, error)
}

func (s *stubInvoicingClient) CreatePartner(ctx context.Context, partner invoicing.Partner) (string, error) {
	if s.createPartnerFunc == nil {
		return "", errors.New("createPartnerFunc not configured")
	}
	return s.createPartnerFunc(ctx, partner)
}

func (s *stubInvoicingClient) CreateDocument(ctx context.Context, req invoicing.DocumentRequest) (invoicing.Document, error) {
	if s.createDocumentFunc == nil {
		return invoicing.Document{}, errors.New("createDocumentFunc not configured")
	}
	return s.createDocumentFunc(ctx, req)
}

func paidTestOrder() domain.Order {
	order := hufTestOrder()
	order.PaymentStatus = domain.PaymentStatusPaid
	return order
}

func TestInvoiceServiceGenerateInvoiceSuccess(t *testing.T) {
	now := time.Date(2025, 3, 5, 9, 0, 0, 0, time.UTC)
	order := paidTestOrder()

	var documentReq invoicing.DocumentRequest
	client := &stubInvoicingClient{
		createPartnerFunc: func(_ context.Context, partner invoicing.Partner) (string, error) {
			if partner.Email != order.Contact.Email {
				t.Fatalf("unexpected partner email %s", partner.Email)
			}
			return "partner-9", nil
		},
		createDocumentFunc: func(_ context.Context, req invoicing.DocumentRequest) (invoicing.Document, error) {
			documentReq = req
			if req.PartnerID != "partner-9" {
				t.Fatalf("unexpected partner id %s", req.PartnerID)
			}
			return invoicing.Document{DocumentID: "doc-1", InvoiceNumber: "INV-2025-010"}, nil
		},
	}

	var update repositories.InvoiceUpdate
	orders := &stubOrderRepository{
		findByIDFunc: func(context.Context, string) (domain.Order, error) { return order, nil },
		setInvoiceNumberFunc: func(_ context.Context, orderID string, u repositories.InvoiceUpdate) (domain.Order, error) {
			update = u
			stored := order
			stored.InvoiceNumber = &u.InvoiceNumber
			stored.InvoiceID = &u.InvoiceID
			return stored, nil
		},
	}

	events := &stubEventPublisher{}
	service, err := NewInvoiceService(InvoiceServiceDeps{
		Orders: orders,
		Client: client,
		Clock:  func() time.Time { return now },
		Events: events,
	})
	if err != nil {
		t.Fatalf("unexpected error creating service: %v", err)
	}

	result, err := service.GenerateInvoice(context.Background(), GenerateInvoiceCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.InvoiceNumber != "INV-2025-010" || result.AlreadyIssued {
		t.Fatalf("unexpected result %#v", result)
	}
	if update.InvoiceNumber != "INV-2025-010" || update.InvoiceID != "doc-1" {
		t.Fatalf("unexpected conditional update %#v", update)
	}
	if documentReq.OrderNumber != order.OrderNumber {
		t.Fatalf("expected document for %s, got %s", order.OrderNumber, documentReq.OrderNumber)
	}
	if len(events.events) != 1 || events.events[0].Type != orderEventInvoiced {
		t.Fatalf("expected one invoice.created event, got %#v", events.events)
	}
}

func TestInvoiceServiceGenerateInvoiceUnpaidOrder(t *testing.T) {
	order := hufTestOrder()

	providerCalls := 0
	service, err := NewInvoiceService(InvoiceServiceDeps{
		Orders: &stubOrderRepository{
			findByIDFunc: func(context.Context, string) (domain.Order, error) { return order, nil },
		},
		Client: &stubInvoicingClient{
			createPartnerFunc: func(context.Context, invoicing.Partner) (string, error) {
				providerCalls++
				return "", nil
			},
			createDocumentFunc: func(context.Context, invoicing.DocumentRequest) (invoicing.Document, error) {
				providerCalls++
				return invoicing.Document{}, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error creating service: %v", err)
	}

	if _, err := service.GenerateInvoice(context.Background(), GenerateInvoiceCommand{OrderID: order.ID}); !errors.Is(err, ErrInvoiceOrderNotPaid) {
		t.Fatalf("expected ErrInvoiceOrderNotPaid, got %v", err)
	}
	if providerCalls != 0 {
		t.Fatalf("expected no provider calls for unpaid order, got %d", providerCalls)
	}
}

func TestInvoiceServiceGenerateInvoiceAlreadyIssued(t *testing.T) {
	order := paidTestOrder()
	existing := "INV-2024-001"
	order.InvoiceNumber = &existing

	providerCalls := 0
	service, err := NewInvoiceService(InvoiceServiceDeps{
		Orders: &stubOrderRepository{
			findByIDFunc: func(context.Context, string) (domain.Order, error) { return order, nil },
		},
		Client: &stubInvoicingClient{
			createPartnerFunc: func(context.Context, invoicing.Partner) (string, error) {
				providerCalls++
				return "", nil
			},
			createDocumentFunc: func(context.Context, invoicing.DocumentRequest) (invoicing.Document, error) {
				providerCalls++
				return invoicing.Document{}, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error creating service: %v", err)
	}

	result, err := service.GenerateInvoice(context.Background(), GenerateInvoiceCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.AlreadyIssued || result.InvoiceNumber != existing {
		t.Fatalf("expected idempotent return of %s, got %#v", existing, result)
	}
	if providerCalls != 0 {
		t.Fatalf("expected no outbound provider calls, got %d", providerCalls)
	}
}

func TestInvoiceServiceGenerateInvoiceLostRaceAdoptsWinner(t *testing.T) {
	order := paidTestOrder()
	winner := "INV-2025-001"

	service, err := NewInvoiceService(InvoiceServiceDeps{
		Orders: &stubOrderRepository{
			findByIDFunc: func() func(context.Context, string) (domain.Order, error) {
				calls := 0
				return func(context.Context, string) (domain.Order, error) {
					calls++
					if calls == 1 {
						return order, nil
					}
					stored := order
					stored.InvoiceNumber = &winner
					return stored, nil
				}
			}(),
			setInvoiceNumberFunc: func(context.Context, string, repositories.InvoiceUpdate) (domain.Order, error) {
				return domain.Order{}, errStubConflict
			},
		},
		Client: &stubInvoicingClient{
			createPartnerFunc: func(context.Context, invoicing.Partner) (string, error) { return "partner-1", nil },
			createDocumentFunc: func(context.Context, invoicing.DocumentRequest) (invoicing.Document, error) {
				return invoicing.Document{DocumentID: "doc-2", InvoiceNumber: "INV-2025-002"}, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error creating service: %v", err)
	}

	result, err := service.GenerateInvoice(context.Background(), GenerateInvoiceCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.AlreadyIssued || result.InvoiceNumber != winner {
		t.Fatalf("expected winner invoice %s, got %#v", winner, result)
	}
}

// raceOrderRepository simulates the store's conditional write under concurrency.
type raceOrderRepository struct {
	mu    sync.Mutex
	order domain.Order
}

func (r *raceOrderRepository) Insert(context.Context, domain.Order) error { return nil }
func (r *raceOrderRepository) Update(context.Context, domain.Order) error { return nil }

func (r *raceOrderRepository) FindByID(context.Context, string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order, nil
}

func (r *raceOrderRepository) List(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	return domain.CursorPage[domain.Order]{}, nil
}

func (r *raceOrderRepository) SetInvoiceNumber(_ context.Context, _ string, update repositories.InvoiceUpdate) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.order.InvoiceNumber != nil {
		return domain.Order{}, errStubConflict
	}
	number := update.InvoiceNumber
	id := update.InvoiceID
	r.order.InvoiceNumber = &number
	r.order.InvoiceID = &id
	return r.order, nil
}

func (r *raceOrderRepository) MarkPaid(context.Context, string, repositories.PaymentStatusUpdate) (domain.Order, error) {
	return domain.Order{}, errStubConflict
}

func (r *raceOrderRepository) AdvanceStatus(context.Context, string, domain.OrderStatus, time.Time) (domain.Order, error) {
	return domain.Order{}, errStubConflict
}

func TestInvoiceServiceConcurrentGenerationIssuesOneInvoice(t *testing.T) {
	order := paidTestOrder()
	repo := &raceOrderRepository{order: order}

	var documents atomic.Int64
	client := &stubInvoicingClient{
		createPartnerFunc: func(context.Context, invoicing.Partner) (string, error) {
			return "partner-1", nil
		},
		createDocumentFunc: func(context.Context, invoicing.DocumentRequest) (invoicing.Document, error) {
			n := documents.Add(1)
			return invoicing.Document{
				DocumentID:    fmt.Sprintf("doc-%d", n),
				InvoiceNumber: fmt.Sprintf("INV-2025-%03d", n),
			}, nil
		},
	}

	service, err := NewInvoiceService(InvoiceServiceDeps{Orders: repo, Client: client})
	if err != nil {
		t.Fatalf("unexpected error creating service: %v", err)
	}

	const workers = 8
	results := make([]InvoiceResult, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = service.GenerateInvoice(context.Background(), GenerateInvoiceCommand{OrderID: order.ID})
		}(i)
	}
	wg.Wait()

	var number string
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		if results[i].InvoiceNumber == "" {
			t.Fatalf("worker %d got empty invoice number", i)
		}
		if number == "" {
			number = results[i].InvoiceNumber
		}
		if results[i].InvoiceNumber != number {
			t.Fatalf("workers disagree on invoice number: %s vs %s", results[i].InvoiceNumber, number)
		}
	}

	if repo.order.InvoiceNumber == nil || *repo.order.InvoiceNumber != number {
		t.Fatalf("stored invoice number %v does not match returned %s", repo.order.InvoiceNumber, number)
	}
}
