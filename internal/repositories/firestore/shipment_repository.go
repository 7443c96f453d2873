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

const shipmentsCollection = "shipments"

// ShipmentRepository implements repositories.ShipmentRepository backed by
// Firestore. The per-order uniqueness guard runs inside a transaction.
type ShipmentRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[shipmentDocument]
}

// NewShipmentRepository constructs a Firestore-backed shipment repository.
func NewShipmentRepository(provider *pfirestore.Provider) (*ShipmentRepository, error) {
	if provider == nil {
		return nil, errors.New("shipment repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[shipmentDocument](provider, shipmentsCollection, nil, nil)
	return &ShipmentRepository{provider: provider, base: base}, nil
}

// CreateIfAbsent inserts the shipment only when the order has none yet. When
// a shipment already exists the stored record is returned with created=false
// so callers can treat the duplicate invocation as an idempotent no-op.
func (r *ShipmentRepository) CreateIfAbsent(ctx context.Context, shipment domain.Shipment) (domain.Shipment, bool, error) {
	if r == nil || r.provider == nil {
		return domain.Shipment{}, false, errors.New("shipment repository not initialised")
	}
	id := strings.TrimSpace(shipment.ID)
	if id == "" {
		return domain.Shipment{}, false, errors.New("shipment repository: shipment id is required")
	}
	orderID := strings.TrimSpace(shipment.OrderID)
	if orderID == "" {
		return domain.Shipment{}, false, errors.New("shipment repository: order id is required")
	}

	var (
		saved   domain.Shipment
		created bool
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		client, err := r.provider.Client(ctx)
		if err != nil {
			return err
		}
		query := client.Collection(shipmentsCollection).Where("orderId", "==", orderID).Limit(1)
		snaps, err := tx.Documents(query).GetAll()
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if len(snaps) > 0 {
			var existing shipmentDocument
			if err := snaps[0].DataTo(&existing); err != nil {
				return fmt.Errorf("decode shipment %s: %w", snaps[0].Ref.ID, err)
			}
			saved = existing.toDomain(snaps[0].Ref.ID)
			created = false
			return nil
		}

		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		doc := encodeShipmentDocument(shipment)
		if err := tx.Create(ref, doc); err != nil {
			return err
		}
		saved = doc.toDomain(id)
		created = true
		return nil
	})
	if err != nil {
		return domain.Shipment{}, false, pfirestore.WrapError("shipments.create_if_absent", err)
	}
	return saved, created, nil
}

// Update overwrites an existing shipment record.
func (r *ShipmentRepository) Update(ctx context.Context, shipment domain.Shipment) error {
	if r == nil || r.base == nil {
		return errors.New("shipment repository not initialised")
	}
	id := strings.TrimSpace(shipment.ID)
	if id == "" {
		return errors.New("shipment repository: shipment id is required")
	}
	if _, err := r.base.Set(ctx, id, encodeShipmentDocument(shipment)); err != nil {
		return err
	}
	return nil
}

// FindByTrackingNumber looks up a shipment by its tracking number.
func (r *ShipmentRepository) FindByTrackingNumber(ctx context.Context, trackingNumber string) (domain.Shipment, error) {
	if r == nil || r.base == nil {
		return domain.Shipment{}, errors.New("shipment repository not initialised")
	}
	tracking := strings.TrimSpace(trackingNumber)
	if tracking == "" {
		return domain.Shipment{}, errors.New("shipment repository: tracking number is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("trackingNumber", "==", tracking).Limit(1)
	})
	if err != nil {
		return domain.Shipment{}, err
	}
	if len(docs) == 0 {
		return domain.Shipment{}, pfirestore.WrapError("shipments.find_by_tracking", status.Error(codes.NotFound, "shipment not found"))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// FindByOrder returns the shipment recorded for an order.
func (r *ShipmentRepository) FindByOrder(ctx context.Context, orderID string) (domain.Shipment, error) {
	if r == nil || r.base == nil {
		return domain.Shipment{}, errors.New("shipment repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Shipment{}, errors.New("shipment repository: order id is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).Limit(1)
	})
	if err != nil {
		return domain.Shipment{}, err
	}
	if len(docs) == 0 {
		return domain.Shipment{}, pfirestore.WrapError("shipments.find_by_order", status.Error(codes.NotFound, "shipment not found"))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

type shipmentDocument struct {
	OrderID        string    `firestore:"orderId"`
	Carrier        string    `firestore:"carrier"`
	TrackingNumber string    `firestore:"trackingNumber"`
	Status         string    `firestore:"status"`
	Placeholder    bool      `firestore:"placeholder"`
	WeightGrams    int       `firestore:"weightGrams"`
	LabelObject    string    `firestore:"labelObject,omitempty"`
	CreatedAt      time.Time `firestore:"createdAt"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

func encodeShipmentDocument(shipment domain.Shipment) shipmentDocument {
	return shipmentDocument{
		OrderID:        strings.TrimSpace(shipment.OrderID),
		Carrier:        strings.TrimSpace(shipment.Carrier),
		TrackingNumber: strings.TrimSpace(shipment.TrackingNumber),
		Status:         string(shipment.Status),
		Placeholder:    shipment.Placeholder,
		WeightGrams:    shipment.WeightGrams,
		LabelObject:    strings.TrimSpace(shipment.LabelObject),
		CreatedAt:      shipment.CreatedAt.UTC(),
		UpdatedAt:      shipment.UpdatedAt.UTC(),
	}
}

func (d shipmentDocument) toDomain(id string) domain.Shipment {
	return domain.Shipment{
		ID:             id,
		OrderID:        d.OrderID,
		Carrier:        d.Carrier,
		TrackingNumber: d.TrackingNumber,
		Status:         domain.ShipmentStatus(d.Status),
		Placeholder:    d.Placeholder,
		WeightGrams:    d.WeightGrams,
		LabelObject:    d.LabelObject,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

// Ensure interface compliance.
var _ repositories.ShipmentRepository = (*ShipmentRepository)(nil)
