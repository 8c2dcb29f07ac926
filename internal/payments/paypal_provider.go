package payments

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/plutov/paypal/v4"

	"github.com/wovengoods/checkout-api/internal/domain"
)

const paypalProviderID = "paypal"

type paypalOrderAPI interface {
	CreateOrder(ctx context.Context, intent string, purchaseUnits []paypal.PurchaseUnitRequest, paymentSource *paypal.PaymentSource, appContext *paypal.ApplicationContext) (*paypal.Order, error)
	CaptureOrder(ctx context.Context, orderID string, captureOrderRequest paypal.CaptureOrderRequest) (*paypal.CaptureOrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (*paypal.Order, error)
}

type paypalAuthAPI interface {
	GetAccessToken(ctx context.Context) (*paypal.TokenResponse, error)
}

// PayPalProviderConfig configures the PayPalProvider.
type PayPalProviderConfig struct {
	ClientID string
	Secret   string
	Live     bool
	Logger   Logger
	Clock    func() time.Time
	Orders   paypalOrderAPI
}

// PayPalProvider implements direct capture through the PayPal Orders API. The
// customer approves the order in an embedded wallet widget, so no redirect
// away from the checkout page is needed.
type PayPalProvider struct {
	orders paypalOrderAPI
	auth   paypalAuthAPI
	clock  func() time.Time
	logger Logger

	tokenMu    sync.Mutex
	tokenReady bool
}

// NewPayPalProvider constructs a PayPal Provider using the given configuration.
func NewPayPalProvider(cfg PayPalProviderConfig) (*PayPalProvider, error) {
	orders := cfg.Orders
	var auth paypalAuthAPI
	if orders == nil {
		clientID := strings.TrimSpace(cfg.ClientID)
		secret := strings.TrimSpace(cfg.Secret)
		if clientID == "" || secret == "" {
			return nil, errors.New("paypal: client id and secret are required")
		}
		base := paypal.APIBaseSandBox
		if cfg.Live {
			base = paypal.APIBaseLive
		}
		client, err := paypal.NewClient(clientID, secret, base)
		if err != nil {
			return nil, fmt.Errorf("paypal: create client: %w", err)
		}
		orders = client
		auth = client
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &PayPalProvider{
		orders: orders,
		auth:   auth,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// ensureToken performs the initial OAuth token exchange. The underlying client
// refreshes the token on its own once the first fetch has happened.
func (p *PayPalProvider) ensureToken(ctx context.Context) error {
	if p.auth == nil {
		return nil
	}
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()
	if p.tokenReady {
		return nil
	}
	if _, err := p.auth.GetAccessToken(ctx); err != nil {
		return fmt.Errorf("paypal: obtain access token: %w", err)
	}
	p.tokenReady = true
	return nil
}

// ID returns the registry identifier for this provider.
func (p *PayPalProvider) ID() string { return paypalProviderID }

// Initiate creates a PayPal order in capture intent. The order id is handed
// to the client for the approval widget; no redirect is required.
func (p *PayPalProvider) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if p == nil {
		return InitiateResult{}, errors.New("paypal: provider is nil")
	}
	if err := p.ensureToken(ctx); err != nil {
		return InitiateResult{}, err
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	unit := paypal.PurchaseUnitRequest{
		ReferenceID: req.SessionID,
		CustomID:    req.SessionID,
		Amount: &paypal.PurchaseUnitAmount{
			Currency: currency,
			Value:    formatMinorUnits(req.Amount, currency),
		},
	}

	order, err := p.orders.CreateOrder(ctx, paypal.OrderIntentCapture, []paypal.PurchaseUnitRequest{unit}, nil, nil)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("paypal: create order: %w", err)
	}

	p.logger(ctx, "payments.paypal.order.created", map[string]any{
		"sessionId":     req.SessionID,
		"paypalOrderId": order.ID,
		"currency":      currency,
	})

	return InitiateResult{
		Provider:         paypalProviderID,
		Handle:           order.ID,
		RedirectRequired: false,
		Presentation: map[string]string{
			"paypal_order_id": order.ID,
		},
		ExpiresAt: p.clock().Add(3 * time.Hour),
	}, nil
}

// Verify captures the approved order. A capture that has already happened is
// treated as success by reading the order back, so re-verification after a
// crash stays idempotent.
func (p *PayPalProvider) Verify(ctx context.Context, req VerifyRequest) (domain.PaymentOutcome, error) {
	if p == nil {
		return domain.PaymentOutcome{}, errors.New("paypal: provider is nil")
	}
	handle := strings.TrimSpace(req.Handle)
	if handle == "" {
		return domain.PaymentOutcome{}, errors.New("paypal: order handle is required")
	}
	if err := p.ensureToken(ctx); err != nil {
		return domain.PaymentOutcome{}, err
	}

	captured, err := p.orders.CaptureOrder(ctx, handle, paypal.CaptureOrderRequest{})
	if err == nil {
		outcome := p.outcomeFromCapture(captured)
		p.logger(ctx, "payments.paypal.order.captured", map[string]any{
			"paypalOrderId": handle,
			"status":        outcome.Status,
		})
		return outcome, nil
	}

	order, getErr := p.orders.GetOrder(ctx, handle)
	if getErr != nil {
		return domain.PaymentOutcome{}, fmt.Errorf("paypal: capture order: %w", err)
	}

	outcome := domain.PaymentOutcome{
		Provider:          paypalProviderID,
		ProviderReference: order.ID,
	}
	switch order.Status {
	case "COMPLETED":
		outcome.Status = domain.PaymentPaid
	case "VOIDED":
		outcome.Status = domain.PaymentCancelled
	default:
		outcome.Status = domain.PaymentFailed
	}

	p.logger(ctx, "payments.paypal.order.verified", map[string]any{
		"paypalOrderId": order.ID,
		"orderStatus":   order.Status,
		"status":        outcome.Status,
	})

	return outcome, nil
}

func (p *PayPalProvider) outcomeFromCapture(resp *paypal.CaptureOrderResponse) domain.PaymentOutcome {
	outcome := domain.PaymentOutcome{
		Provider: paypalProviderID,
		Status:   domain.PaymentFailed,
	}
	if resp == nil {
		return outcome
	}
	outcome.ProviderReference = resp.ID
	if resp.Status == "COMPLETED" {
		outcome.Status = domain.PaymentPaid
	}
	for _, unit := range resp.PurchaseUnits {
		if unit.Payments == nil {
			continue
		}
		for _, capture := range unit.Payments.Captures {
			if capture.Amount != nil {
				outcome.SettledCurrency = strings.ToUpper(capture.Amount.Currency)
				outcome.SettledAmount = parseMinorUnits(capture.Amount.Value, outcome.SettledCurrency)
			}
		}
	}
	return outcome
}

// formatMinorUnits renders an amount in minor units as the decimal string
// PayPal expects, honouring zero-decimal currencies.
func formatMinorUnits(amount int64, currency string) string {
	if currencyExponent(currency) == 0 {
		return strconv.FormatInt(amount, 10)
	}
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

func parseMinorUnits(value, currency string) int64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	if currencyExponent(currency) == 0 {
		return int64(math.Round(parsed))
	}
	return int64(math.Round(parsed * 100))
}

func currencyExponent(currency string) int {
	switch strings.ToUpper(currency) {
	case "JPY", "KRW", "VND":
		return 0
	default:
		return 2
	}
}
