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

	"github.com/wovengoods/checkout-api/internal/domain"
	pfirestore "github.com/wovengoods/checkout-api/internal/platform/firestore"
)

const orderCollection = "orders"

// OrderRepository persists finalized orders. Creation is idempotent on the
// (session, provider reference) pair so a replayed verification yields the
// order that already exists instead of a duplicate.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, orderCollection),
	}, nil
}

// CreateIfAbsent writes the order unless one already exists for the same
// session and provider reference. It returns the stored order and whether
// this call created it.
func (r *OrderRepository) CreateIfAbsent(ctx context.Context, order domain.Order) (domain.Order, bool, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, false, errors.New("order repository not initialised")
	}
	docID := orderDocID(order.SessionID, order.ProviderReference)
	if docID == "" {
		return domain.Order{}, false, errors.New("order repository: session id and provider reference are required")
	}
	if strings.TrimSpace(order.ID) == "" {
		order.ID = docID
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, false, err
	}
	ref := client.Collection(orderCollection).Doc(docID)

	stored := order
	created := false
	txOpts := []pfirestore.TxOption{
		pfirestore.WithTxAttempts(3),
		pfirestore.WithTxTimeout(10 * time.Second),
	}
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(ref)
		switch {
		case err == nil:
			var existing orderDocument
			if err := snapshot.DataTo(&existing); err != nil {
				return err
			}
			stored = fromOrderDocument(snapshot.Ref.ID, existing)
			created = false
			return nil
		case status.Code(err) == codes.NotFound:
			created = true
			return tx.Create(ref, toOrderDocument(order))
		default:
			return err
		}
	}, txOpts...)
	if err != nil {
		return domain.Order{}, false, err
	}
	return stored, created, nil
}

// FindByID loads an order by its identifier.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	doc, err := r.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return fromOrderDocument(doc.ID, doc.Data), nil
}

// orderDocID derives a deterministic document id from the idempotency pair.
func orderDocID(sessionID, providerReference string) string {
	sessionID = strings.TrimSpace(sessionID)
	providerReference = strings.TrimSpace(providerReference)
	if sessionID == "" || providerReference == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s", sessionID, providerReference)))
	return hex.EncodeToString(sum[:])
}

type orderDocument struct {
	SessionID    string             `firestore:"sessionId"`
	Provider     string             `firestore:"provider"`
	Reference    string             `firestore:"reference"`
	Items        []cartLineDocument `firestore:"items"`
	Customer     customerDocument   `firestore:"customer"`
	Discount     *discountDocument  `firestore:"discount,omitempty"`
	Currency     string             `firestore:"currency"`
	Subtotal     int64              `firestore:"subtotal"`
	ShippingCost int64              `firestore:"shippingCost"`
	Total        int64              `firestore:"total"`
	Status       string             `firestore:"status"`
	CreatedAt    time.Time          `firestore:"createdAt"`
}

func toOrderDocument(order domain.Order) orderDocument {
	return orderDocument{
		SessionID:    order.SessionID,
		Provider:     strings.ToLower(strings.TrimSpace(order.Provider)),
		Reference:    order.ProviderReference,
		Items:        toCartLineDocuments(order.Items),
		Customer:     toCustomerDocument(order.Customer),
		Discount:     toDiscountDocument(order.Discount),
		Currency:     order.Currency,
		Subtotal:     order.Subtotal,
		ShippingCost: order.ShippingCost,
		Total:        order.Total,
		Status:       string(order.Status),
		CreatedAt:    order.CreatedAt,
	}
}

func fromOrderDocument(id string, doc orderDocument) domain.Order {
	return domain.Order{
		ID:                id,
		SessionID:         doc.SessionID,
		Provider:          doc.Provider,
		ProviderReference: doc.Reference,
		Items:             fromCartLineDocuments(doc.Items),
		Customer:          fromCustomerDocument(doc.Customer),
		Discount:          fromDiscountDocument(doc.Discount),
		Currency:          doc.Currency,
		Subtotal:          doc.Subtotal,
		ShippingCost:      doc.ShippingCost,
		Total:             doc.Total,
		Status:            domain.OrderStatus(doc.Status),
		CreatedAt:         doc.CreatedAt,
	}
}
