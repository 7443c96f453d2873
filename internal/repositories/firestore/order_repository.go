package firestore

import (
	"context"
	"encoding/base64"
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

const ordersCollection = "orders"

// OrderRepository implements repositories.OrderRepository backed by Firestore.
// The invoice-number and payment-status guards run inside Firestore
// transactions so the compare-and-set semantics hold across instances.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{provider: provider, base: base}, nil
}

// Insert stores a new order document.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodeOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update overwrites the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	if _, err := r.base.Set(ctx, id, encodeOrderDocument(order)); err != nil {
		return err
	}
	return nil
}

// FindByID fetches a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// List returns orders matching the filter ordered by creation time, newest
// first unless the filter asks for ascending.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, tokenID, err := decodeOrderListToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("order repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	statusFilters := normaliseFilterValues(filter.Status)
	paymentFilters := normaliseFilterValues(filter.PaymentStatus)
	userID := strings.TrimSpace(filter.UserID)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if userID != "" {
			q = q.Where("userId", "==", userID)
		}
		if len(statusFilters) == 1 {
			q = q.Where("status", "==", statusFilters[0])
		} else if len(statusFilters) > 1 {
			q = q.Where("status", "in", statusFilters)
		}
		if len(paymentFilters) == 1 {
			q = q.Where("paymentStatus", "==", paymentFilters[0])
		} else if len(paymentFilters) > 1 {
			q = q.Where("paymentStatus", "in", paymentFilters)
		}
		if filter.DateFrom != nil {
			q = q.Where("createdAt", ">=", filter.DateFrom.UTC())
		}
		if filter.DateTo != nil {
			q = q.Where("createdAt", "<", filter.DateTo.UTC())
		}

		direction := firestore.Desc
		if filter.Sort == domain.SortAsc {
			direction = firestore.Asc
		}
		q = q.OrderBy("createdAt", direction).OrderBy(firestore.DocumentID, direction)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		tokenTime := last.Data.CreatedAt
		if tokenTime.IsZero() {
			tokenTime = last.CreateTime
		}
		nextToken = encodeOrderListToken(tokenTime, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	items := make([]domain.Order, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, doc.Data.toDomain(doc.ID))
	}

	return domain.CursorPage[domain.Order]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

// SetInvoiceNumber performs the conditional invoice write. The transaction
// re-reads the order and aborts when invoiceNumber is already present, which
// closes the race between two concurrent invoice generations.
func (r *OrderRepository) SetInvoiceNumber(ctx context.Context, orderID string, update repositories.InvoiceUpdate) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	invoiceNumber := strings.TrimSpace(update.InvoiceNumber)
	if invoiceNumber == "" {
		return domain.Order{}, errors.New("order repository: invoice number is required")
	}

	invoicedAt := update.InvoicedAt.UTC()
	if invoicedAt.IsZero() {
		invoicedAt = time.Now().UTC()
	}

	var saved domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}
		if strings.TrimSpace(doc.InvoiceNumber) != "" {
			return status.Error(codes.FailedPrecondition, "invoice number already set")
		}

		doc.InvoiceNumber = invoiceNumber
		doc.InvoiceID = strings.TrimSpace(update.InvoiceID)
		doc.InvoicedAt = &invoicedAt
		doc.UpdatedAt = invoicedAt

		if err := tx.Update(ref, []firestore.Update{
			{Path: "invoiceNumber", Value: doc.InvoiceNumber},
			{Path: "invoiceId", Value: doc.InvoiceID},
			{Path: "invoicedAt", Value: invoicedAt},
			{Path: "updatedAt", Value: invoicedAt},
		}); err != nil {
			return err
		}
		saved = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.set_invoice_number", err)
	}
	return saved, nil
}

// MarkPaid transitions paymentStatus from pending to the confirmed outcome.
// Re-delivered webhooks hit the conflict branch and are treated as idempotent
// by the caller.
func (r *OrderRepository) MarkPaid(ctx context.Context, orderID string, update repositories.PaymentStatusUpdate) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	if update.Status != domain.PaymentStatusPaid && update.Status != domain.PaymentStatusFailed {
		return domain.Order{}, fmt.Errorf("order repository: unsupported payment status %q", update.Status)
	}

	confirmedAt := update.ConfirmedAt.UTC()
	if confirmedAt.IsZero() {
		confirmedAt = time.Now().UTC()
	}

	var saved domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}
		current := domain.PaymentStatus(doc.PaymentStatus)
		if current == update.Status {
			return status.Error(codes.AlreadyExists, "payment status already recorded")
		}
		if current != domain.PaymentStatusPending && current != domain.PaymentStatusUnpaid {
			return status.Error(codes.FailedPrecondition, "payment status is final")
		}

		updates := []firestore.Update{
			{Path: "paymentStatus", Value: string(update.Status)},
			{Path: "updatedAt", Value: confirmedAt},
		}
		doc.PaymentStatus = string(update.Status)
		doc.UpdatedAt = confirmedAt
		if update.Status == domain.PaymentStatusPaid {
			updates = append(updates, firestore.Update{Path: "paidAt", Value: confirmedAt})
			doc.PaidAt = &confirmedAt
		}
		if err := tx.Update(ref, updates); err != nil {
			return err
		}
		saved = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.mark_paid", err)
	}
	return saved, nil
}

// AdvanceStatus moves the order forward. The allowed transitions are encoded
// here as well as in the service layer so a stale caller cannot roll a
// shipped order back to processing.
func (r *OrderRepository) AdvanceStatus(ctx context.Context, orderID string, next domain.OrderStatus, now time.Time) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	var saved domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}
		current := domain.OrderStatus(doc.Status)
		if current == next {
			saved = doc.toDomain(orderID)
			return nil
		}
		if orderStatusRank(next) < orderStatusRank(current) {
			return status.Error(codes.FailedPrecondition, fmt.Sprintf("cannot move order from %s to %s", current, next))
		}

		updates := []firestore.Update{
			{Path: "status", Value: string(next)},
			{Path: "updatedAt", Value: now},
		}
		doc.Status = string(next)
		doc.UpdatedAt = now
		if next == domain.OrderStatusShipped {
			updates = append(updates, firestore.Update{Path: "shippedAt", Value: now})
			doc.ShippedAt = &now
		}
		if err := tx.Update(ref, updates); err != nil {
			return err
		}
		saved = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.advance_status", err)
	}
	return saved, nil
}

func orderStatusRank(status domain.OrderStatus) int {
	switch status {
	case domain.OrderStatusCreated:
		return 0
	case domain.OrderStatusProcessing:
		return 1
	case domain.OrderStatusShipped:
		return 2
	default:
		return -1
	}
}

func normaliseFilterValues(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.ToLower(strings.TrimSpace(value))
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	if len(out) > 10 {
		out = out[:10]
	}
	return out
}

func encodeOrderListToken(createdAt time.Time, docID string) string {
	payload := fmt.Sprintf("%s|%s", createdAt.UTC().Format(time.RFC3339Nano), docID)
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func decodeOrderListToken(token string) (time.Time, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("invalid token structure")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, parts[1], nil
}

type orderAddressDocument struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

type orderLineItemDocument struct {
	SKU         string  `firestore:"sku"`
	Name        string  `firestore:"name"`
	Quantity    int     `firestore:"quantity"`
	UnitPrice   int64   `firestore:"unitPrice"`
	TaxRate     float64 `firestore:"taxRate"`
	WeightGrams int     `firestore:"weightGrams,omitempty"`
}

type orderDocument struct {
	OrderNumber     string                  `firestore:"orderNumber"`
	UserID          string                  `firestore:"userId"`
	Status          string                  `firestore:"status"`
	PaymentStatus   string                  `firestore:"paymentStatus"`
	Currency        string                  `firestore:"currency"`
	Total           int64                   `firestore:"total"`
	ShippingFee     int64                   `firestore:"shippingFee"`
	InvoiceNumber   string                  `firestore:"invoiceNumber,omitempty"`
	InvoiceID       string                  `firestore:"invoiceId,omitempty"`
	Items           []orderLineItemDocument `firestore:"items"`
	BillingAddress  *orderAddressDocument   `firestore:"billingAddress,omitempty"`
	ShippingAddress *orderAddressDocument   `firestore:"shippingAddress,omitempty"`
	ContactName     string                  `firestore:"contactName,omitempty"`
	ContactEmail    string                  `firestore:"contactEmail,omitempty"`
	ContactPhone    string                  `firestore:"contactPhone,omitempty"`
	Note            string                  `firestore:"note,omitempty"`
	CreatedAt       time.Time               `firestore:"createdAt"`
	UpdatedAt       time.Time               `firestore:"updatedAt"`
	PaidAt          *time.Time              `firestore:"paidAt,omitempty"`
	InvoicedAt      *time.Time              `firestore:"invoicedAt,omitempty"`
	ShippedAt       *time.Time              `firestore:"shippedAt,omitempty"`
}

func encodeOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:   strings.TrimSpace(order.OrderNumber),
		UserID:        strings.TrimSpace(order.UserID),
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Currency:      strings.ToUpper(strings.TrimSpace(order.Currency)),
		Total:         order.Total,
		ShippingFee:   order.ShippingFee,
		ContactName:   strings.TrimSpace(order.Contact.Name),
		ContactEmail:  strings.TrimSpace(order.Contact.Email),
		ContactPhone:  strings.TrimSpace(order.Contact.Phone),
		Note:          order.Note,
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
	}
	if order.InvoiceNumber != nil {
		doc.InvoiceNumber = strings.TrimSpace(*order.InvoiceNumber)
	}
	if order.InvoiceID != nil {
		doc.InvoiceID = strings.TrimSpace(*order.InvoiceID)
	}
	if order.PaidAt != nil {
		paidAt := order.PaidAt.UTC()
		doc.PaidAt = &paidAt
	}
	if order.InvoicedAt != nil {
		invoicedAt := order.InvoicedAt.UTC()
		doc.InvoicedAt = &invoicedAt
	}
	if order.ShippedAt != nil {
		shippedAt := order.ShippedAt.UTC()
		doc.ShippedAt = &shippedAt
	}
	doc.Items = make([]orderLineItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderLineItemDocument{
			SKU:         item.SKU,
			Name:        item.Name,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			TaxRate:     item.TaxRate,
			WeightGrams: item.WeightGrams,
		})
	}
	doc.BillingAddress = encodeOrderAddress(order.BillingAddress)
	doc.ShippingAddress = encodeOrderAddress(order.ShippingAddress)
	return doc
}

func encodeOrderAddress(addr *domain.Address) *orderAddressDocument {
	if addr == nil {
		return nil
	}
	return &orderAddressDocument{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:            id,
		OrderNumber:   d.OrderNumber,
		UserID:        d.UserID,
		Status:        domain.OrderStatus(d.Status),
		PaymentStatus: domain.PaymentStatus(d.PaymentStatus),
		Currency:      d.Currency,
		Total:         d.Total,
		ShippingFee:   d.ShippingFee,
		Contact: domain.OrderContact{
			Name:  d.ContactName,
			Email: d.ContactEmail,
			Phone: d.ContactPhone,
		},
		Note:       d.Note,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
		PaidAt:     d.PaidAt,
		InvoicedAt: d.InvoicedAt,
		ShippedAt:  d.ShippedAt,
	}
	if number := strings.TrimSpace(d.InvoiceNumber); number != "" {
		order.InvoiceNumber = &number
	}
	if invoiceID := strings.TrimSpace(d.InvoiceID); invoiceID != "" {
		order.InvoiceID = &invoiceID
	}
	order.Items = make([]domain.OrderLineItem, 0, len(d.Items))
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.OrderLineItem{
			SKU:         item.SKU,
			Name:        item.Name,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			TaxRate:     item.TaxRate,
			WeightGrams: item.WeightGrams,
		})
	}
	order.BillingAddress = decodeOrderAddress(d.BillingAddress)
	order.ShippingAddress = decodeOrderAddress(d.ShippingAddress)
	return order
}

func decodeOrderAddress(doc *orderAddressDocument) *domain.Address {
	if doc == nil {
		return nil
	}
	return &domain.Address{
		Recipient:  doc.Recipient,
		Line1:      doc.Line1,
		Line2:      doc.Line2,
		City:       doc.City,
		PostalCode: doc.PostalCode,
		Country:    doc.Country,
		Phone:      doc.Phone,
	}
}

// Ensure interface compliance.
var _ repositories.OrderRepository = (*OrderRepository)(nil)
