package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/wovengoods/checkout-api/internal/domain"
	pfirestore "github.com/wovengoods/checkout-api/internal/platform/firestore"
)

const cartCollection = "carts"

// CartRepository reads the customer-facing cart a checkout session snapshots
// from, and clears it once an order is finalized.
type CartRepository struct {
	carts *pfirestore.BaseRepository[cartDocument]
	clock func() time.Time
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		carts: pfirestore.NewBaseRepository[cartDocument](provider, cartCollection),
		clock: func() time.Time { return time.Now().UTC() },
	}, nil
}

// GetActive loads the current cart contents.
func (r *CartRepository) GetActive(ctx context.Context, cartID string) (domain.CartSnapshot, error) {
	if r == nil || r.carts == nil {
		return domain.CartSnapshot{}, errors.New("cart repository not initialised")
	}
	doc, err := r.carts.Get(ctx, strings.TrimSpace(cartID))
	if err != nil {
		return domain.CartSnapshot{}, err
	}
	return domain.CartSnapshot{
		Lines:    fromCartLineDocuments(doc.Data.Lines),
		Currency: doc.Data.Currency,
	}, nil
}

// Clear empties the cart after a successful order. The document is kept so
// the storefront sees an empty cart rather than a missing one.
func (r *CartRepository) Clear(ctx context.Context, cartID string) error {
	if r == nil || r.carts == nil {
		return errors.New("cart repository not initialised")
	}
	id := strings.TrimSpace(cartID)
	if id == "" {
		return errors.New("cart repository: cart id is required")
	}
	doc, err := r.carts.Get(ctx, id)
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return nil
		}
		return err
	}
	_, err = r.carts.Set(ctx, id, cartDocument{
		Lines:     nil,
		Currency:  doc.Data.Currency,
		UpdatedAt: r.clock(),
	})
	return err
}

type cartDocument struct {
	Lines     []cartLineDocument `firestore:"lines"`
	Currency  string             `firestore:"currency"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}
