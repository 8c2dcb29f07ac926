package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/wovengoods/checkout-api/internal/domain"
)

const stripeProviderID = "stripe"

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeCouponAPI interface {
	New(params *stripe.CouponParams) (*stripe.Coupon, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   Logger
	Clock    func() time.Time
	Sessions stripeSessionAPI
	Coupons  stripeCouponAPI
}

// StripeProvider starts payments by redirecting the customer to a hosted
// Stripe Checkout page and verifies them by reading the session back.
type StripeProvider struct {
	sessions stripeSessionAPI
	coupons  stripeCouponAPI
	clock    func() time.Time
	logger   Logger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Sessions == nil {
		return nil, errors.New("stripe: api key is required")
	}

	sessions := cfg.Sessions
	coupons := cfg.Coupons
	if sessions == nil || coupons == nil {
		sc := client.New(apiKey, cfg.Backends)
		if sessions == nil {
			sessions = sc.CheckoutSessions
		}
		if coupons == nil {
			coupons = sc.Coupons
		}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		sessions: sessions,
		coupons:  coupons,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// ID returns the registry identifier for this provider.
func (p *StripeProvider) ID() string { return stripeProviderID }

// Initiate creates a Stripe Checkout session for the attempt and returns the
// hosted page URL the customer must be redirected to.
func (p *StripeProvider) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if p == nil {
		return InitiateResult{}, errors.New("stripe: provider is nil")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["checkout_session_id"] = req.SessionID
	params.Metadata = metadata

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items)+1)
	var lineTotal int64
	for _, item := range req.Items {
		qty := max64(item.Quantity, 1)
		line := &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(qty),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(defaultString(item.Currency, req.Currency))),
				UnitAmount: stripe.Int64(item.UnitPrice),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
		}
		if item.SKU != "" {
			line.PriceData.ProductData.Metadata = map[string]string{
				"sku": item.SKU,
			}
		}
		lineItems = append(lineItems, line)
		lineTotal += qty * item.UnitPrice
	}
	if len(lineItems) > 0 && req.ShippingCost > 0 {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.ShippingCost),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Shipping"),
				},
			},
		})
		lineTotal += req.ShippingCost
	}

	if len(lineItems) > 0 && req.DiscountAmount > 0 {
		coupon, err := p.coupons.New(p.couponParams(ctx, req))
		if err == nil {
			params.Discounts = []*stripe.CheckoutSessionDiscountParams{
				{Coupon: stripe.String(coupon.ID)},
			}
			lineTotal -= req.DiscountAmount
		} else {
			p.logger(ctx, "payments.stripe.coupon.create_failed", map[string]any{
				"sessionId": req.SessionID,
				"error":     err.Error(),
			})
			// Force the consolidated fallback below rather than
			// overcharging by the discount amount.
			lineTotal = -1
		}
	}

	// The hosted page charges the sum of its line items, not req.Amount.
	// If itemisation cannot reproduce the session total exactly, collapse
	// to a single consolidated line so the collected amount never drifts
	// from what the session locked in.
	if len(lineItems) == 0 || lineTotal != req.Amount {
		params.Discounts = nil
		lineItems = []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order"),
				},
			},
		}}
	}
	params.LineItems = lineItems

	session, err := p.sessions.New(params)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":       req.SessionID,
		"stripeSessionId": session.ID,
		"currency":        session.Currency,
	})

	expiresAt := p.clock().Add(30 * time.Minute)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	return InitiateResult{
		Provider:         stripeProviderID,
		Handle:           session.ID,
		RedirectRequired: true,
		RedirectURL:      session.URL,
		ExpiresAt:        expiresAt,
	}, nil
}

// Verify retrieves the Checkout session from Stripe and maps its payment
// status; the handle carried by the customer's return is never trusted alone.
func (p *StripeProvider) Verify(ctx context.Context, req VerifyRequest) (domain.PaymentOutcome, error) {
	if p == nil {
		return domain.PaymentOutcome{}, errors.New("stripe: provider is nil")
	}
	handle := strings.TrimSpace(req.Handle)
	if handle == "" {
		return domain.PaymentOutcome{}, errors.New("stripe: session handle is required")
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := p.sessions.Get(handle, params)
	if err != nil {
		return domain.PaymentOutcome{}, fmt.Errorf("stripe: lookup checkout session: %w", err)
	}

	outcome := domain.PaymentOutcome{
		Provider:          stripeProviderID,
		ProviderReference: session.ID,
		SettledAmount:     session.AmountTotal,
		SettledCurrency:   strings.ToUpper(string(session.Currency)),
	}

	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		outcome.Status = domain.PaymentPaid
	case session.Status == stripe.CheckoutSessionStatusExpired:
		outcome.Status = domain.PaymentCancelled
	default:
		outcome.Status = domain.PaymentFailed
	}

	p.logger(ctx, "payments.stripe.session.verified", map[string]any{
		"stripeSessionId": session.ID,
		"paymentStatus":   session.PaymentStatus,
		"status":          outcome.Status,
	})

	return outcome, nil
}

// couponParams builds a single-use amount-off coupon mirroring the discount
// already locked into the session total.
func (p *StripeProvider) couponParams(ctx context.Context, req InitiateRequest) *stripe.CouponParams {
	name := strings.TrimSpace(req.DiscountCode)
	if name == "" {
		name = "Discount"
	}
	params := &stripe.CouponParams{
		AmountOff: stripe.Int64(req.DiscountAmount),
		Currency:  stripe.String(strings.ToLower(req.Currency)),
		Duration:  stripe.String(string(stripe.CouponDurationOnce)),
		Name:      stripe.String(name),
	}
	params.Context = ctx
	return params
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
