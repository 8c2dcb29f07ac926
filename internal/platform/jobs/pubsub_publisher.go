package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/wovengoods/checkout-api/internal/services"
)

// PubSubSignalPublisher publishes post-order signals to Pub/Sub topics: one
// for referral reward application, one for inventory refreshes.
type PubSubSignalPublisher struct {
	referrals *pubsub.Topic
	inventory *pubsub.Topic
	marshal   func(any) ([]byte, error)
}

var _ services.SignalPublisher = (*PubSubSignalPublisher)(nil)

// NewPubSubSignalPublisher constructs a Pub/Sub backed signal publisher.
func NewPubSubSignalPublisher(referrals, inventory *pubsub.Topic) (*PubSubSignalPublisher, error) {
	if referrals == nil {
		return nil, errors.New("pubsub signal publisher: referral topic is required")
	}
	if inventory == nil {
		return nil, errors.New("pubsub signal publisher: inventory topic is required")
	}
	return &PubSubSignalPublisher{
		referrals: referrals,
		inventory: inventory,
		marshal:   json.Marshal,
	}, nil
}

type referralApplicationMessage struct {
	ReferralID      string `json:"referralId"`
	OrderID         string `json:"orderId"`
	OrderTotal      int64  `json:"orderTotal"`
	DiscountApplied int64  `json:"discountApplied"`
	Currency        string `json:"currency"`
	ReferredEmail   string `json:"referredEmail"`
	ReferredName    string `json:"referredName,omitempty"`
}

// PublishReferralApplication enqueues a referral reward message keyed by the
// order id so downstream consumers can dedupe replays.
func (p *PubSubSignalPublisher) PublishReferralApplication(ctx context.Context, app services.ReferralApplication) error {
	if p == nil || p.referrals == nil {
		return errors.New("pubsub signal publisher: not initialised")
	}

	data, err := p.marshal(referralApplicationMessage{
		ReferralID:      app.ReferralID,
		OrderID:         app.OrderID,
		OrderTotal:      app.OrderTotal,
		DiscountApplied: app.DiscountApplied,
		Currency:        app.Currency,
		ReferredEmail:   app.ReferredEmail,
		ReferredName:    app.ReferredName,
	})
	if err != nil {
		return fmt.Errorf("marshal referral application: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "referralId", app.ReferralID)
	setAttr(attrs, "orderId", app.OrderID)
	setAttr(attrs, "currency", app.Currency)

	result := p.referrals.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish referral application: %w", err)
	}
	return nil
}

type inventoryRefreshMessage struct {
	ProductID string `json:"productId"`
}

// PublishInventoryRefresh signals that a product's stock count should be
// re-read from the source of truth.
func (p *PubSubSignalPublisher) PublishInventoryRefresh(ctx context.Context, productID string) error {
	if p == nil || p.inventory == nil {
		return errors.New("pubsub signal publisher: not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return errors.New("pubsub signal publisher: product id is required")
	}

	data, err := p.marshal(inventoryRefreshMessage{ProductID: productID})
	if err != nil {
		return fmt.Errorf("marshal inventory refresh: %w", err)
	}

	result := p.inventory.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"productId": productID},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish inventory refresh: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
