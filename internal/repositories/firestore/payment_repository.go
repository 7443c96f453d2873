package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/duna-commerce/api/internal/domain"
	pfirestore "github.com/duna-commerce/api/internal/platform/firestore"
	"github.com/duna-commerce/api/internal/repositories"
)

const paymentsCollection = "payments"

// PaymentRepository implements repositories.PaymentRepository backed by Firestore.
type PaymentRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[paymentDocument]
}

// NewPaymentRepository constructs a Firestore-backed payment repository.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[paymentDocument](provider, paymentsCollection, nil, nil)
	return &PaymentRepository{provider: provider, base: base}, nil
}

// Insert stores a new payment record. One record exists per successful
// gateway initiation.
func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	if r == nil || r.base == nil {
		return errors.New("payment repository not initialised")
	}
	id := strings.TrimSpace(payment.ID)
	if id == "" {
		return errors.New("payment repository: payment id is required")
	}
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodePaymentDocument(payment)); err != nil {
		return pfirestore.WrapError("payments.insert", err)
	}
	return nil
}

// FindByID fetches a payment record.
func (r *PaymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	if r == nil || r.base == nil {
		return domain.Payment{}, errors.New("payment repository not initialised")
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return domain.Payment{}, errors.New("payment repository: payment id is required")
	}
	doc, err := r.base.Get(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByProviderRef locates the payment created for a gateway payment id.
// Webhook callbacks identify payments this way.
func (r *PaymentRepository) FindByProviderRef(ctx context.Context, providerRef string) (domain.Payment, error) {
	if r == nil || r.base == nil {
		return domain.Payment{}, errors.New("payment repository not initialised")
	}
	ref := strings.TrimSpace(providerRef)
	if ref == "" {
		return domain.Payment{}, errors.New("payment repository: provider reference is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("providerRef", "==", ref).Limit(1)
	})
	if err != nil {
		return domain.Payment{}, err
	}
	if len(docs) == 0 {
		return domain.Payment{}, pfirestore.WrapError("payments.find_by_provider_ref", status.Error(codes.NotFound, "payment not found"))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// UpdateStatus transitions a pending payment to its confirmed outcome.
// Repeat deliveries of the same outcome surface as a conflict.
func (r *PaymentRepository) UpdateStatus(ctx context.Context, paymentID string, nextStatus domain.PaymentStatus, confirmedAt time.Time) (domain.Payment, error) {
	if r == nil || r.provider == nil {
		return domain.Payment{}, errors.New("payment repository not initialised")
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return domain.Payment{}, errors.New("payment repository: payment id is required")
	}
	if confirmedAt.IsZero() {
		confirmedAt = time.Now()
	}
	confirmedAt = confirmedAt.UTC()

	var saved domain.Payment
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, paymentID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc paymentDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode payment %s: %w", paymentID, err)
		}
		current := domain.PaymentStatus(doc.Status)
		if current == nextStatus {
			return status.Error(codes.AlreadyExists, "payment status already recorded")
		}
		if current != domain.PaymentStatusPending {
			return status.Error(codes.FailedPrecondition, "payment status is final")
		}

		doc.Status = string(nextStatus)
		doc.UpdatedAt = confirmedAt
		doc.ConfirmedAt = &confirmedAt
		if err := tx.Update(ref, []firestore.Update{
			{Path: "status", Value: doc.Status},
			{Path: "updatedAt", Value: confirmedAt},
			{Path: "confirmedAt", Value: confirmedAt},
		}); err != nil {
			return err
		}
		saved = doc.toDomain(paymentID)
		return nil
	})
	if err != nil {
		return domain.Payment{}, pfirestore.WrapError("payments.update_status", err)
	}
	return saved, nil
}

// ListByOrder returns payments recorded for an order, newest first.
func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("payment repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("payment repository: order id is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	payments := make([]domain.Payment, 0, len(docs))
	for _, doc := range docs {
		payments = append(payments, doc.Data.toDomain(doc.ID))
	}
	return payments, nil
}

type paymentDocument struct {
	OrderID     string         `firestore:"orderId"`
	Provider    string         `firestore:"provider"`
	ProviderRef string         `firestore:"providerRef"`
	Status      string         `firestore:"status"`
	Amount      int64          `firestore:"amount"`
	Currency    string         `firestore:"currency"`
	RedirectURL string         `firestore:"redirectUrl,omitempty"`
	Raw         map[string]any `firestore:"raw,omitempty"`
	CreatedAt   time.Time      `firestore:"createdAt"`
	UpdatedAt   time.Time      `firestore:"updatedAt"`
	ConfirmedAt *time.Time     `firestore:"confirmedAt,omitempty"`
}

func encodePaymentDocument(payment domain.Payment) paymentDocument {
	doc := paymentDocument{
		OrderID:     strings.TrimSpace(payment.OrderID),
		Provider:    strings.TrimSpace(payment.Provider),
		ProviderRef: strings.TrimSpace(payment.ProviderRef),
		Status:      string(payment.Status),
		Amount:      payment.Amount,
		Currency:    strings.ToUpper(strings.TrimSpace(payment.Currency)),
		RedirectURL: strings.TrimSpace(payment.RedirectURL),
		Raw:         payment.Raw,
		CreatedAt:   payment.CreatedAt.UTC(),
		UpdatedAt:   payment.UpdatedAt.UTC(),
	}
	if payment.ConfirmedAt != nil {
		confirmedAt := payment.ConfirmedAt.UTC()
		doc.ConfirmedAt = &confirmedAt
	}
	return doc
}

func (d paymentDocument) toDomain(id string) domain.Payment {
	return domain.Payment{
		ID:          id,
		OrderID:     d.OrderID,
		Provider:    d.Provider,
		ProviderRef: d.ProviderRef,
		Status:      domain.PaymentStatus(d.Status),
		Amount:      d.Amount,
		Currency:    d.Currency,
		RedirectURL: d.RedirectURL,
		Raw:         d.Raw,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		ConfirmedAt: d.ConfirmedAt,
	}
}

// Ensure interface compliance.
var _ repositories.PaymentRepository = (*PaymentRepository)(nil)
