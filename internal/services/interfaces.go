package services

import (
	"context"

	domain "github.com/wovengoods/checkout-api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	CartSnapshot        = domain.CartSnapshot
	CartLine            = domain.CartLine
	CustomerInfo        = domain.CustomerInfo
	DiscountApplication = domain.DiscountApplication
	ShippingQuote       = domain.ShippingQuote
	CheckoutSession     = domain.CheckoutSession
	PaymentOutcome      = domain.PaymentOutcome
	Order               = domain.Order
	ShippingSettings    = domain.ShippingSettings
	SystemHealthReport  = domain.SystemHealthReport
)

// CheckoutService drives the step state machine for one purchase, from cart
// review through payment and reconciliation.
type CheckoutService interface {
	Begin(ctx context.Context, cmd BeginCheckoutCommand) (CheckoutSession, error)
	Get(ctx context.Context, sessionID string) (CheckoutSession, error)
	UpdateLineQuantity(ctx context.Context, cmd UpdateLineQuantityCommand) (CheckoutSession, error)
	SubmitCustomerInfo(ctx context.Context, cmd SubmitCustomerInfoCommand) (CheckoutSession, error)
	SelectPaymentMethod(ctx context.Context, cmd SelectPaymentMethodCommand) (CheckoutSession, error)
	Back(ctx context.Context, sessionID string) (CheckoutSession, error)
	ApplyDiscount(ctx context.Context, cmd ApplyDiscountCommand) (CheckoutSession, error)
	RemoveDiscount(ctx context.Context, sessionID string) (CheckoutSession, error)
	RecomputeShipping(ctx context.Context, cmd RecomputeShippingCommand) (CheckoutSession, error)
	StartPayment(ctx context.Context, sessionID string) (PaymentInstruction, error)
	CompletePayment(ctx context.Context, cmd CompletePaymentCommand) (CheckoutResult, error)
	Resume(ctx context.Context, params ReturnParams) (CheckoutResult, error)
	Retry(ctx context.Context, sessionID string) (CheckoutSession, error)
	ChangeProvider(ctx context.Context, sessionID string) (CheckoutSession, error)
}

// DiscountService validates discount and referral codes against the unified
// code lookup.
type DiscountService interface {
	ValidateCode(ctx context.Context, cmd ValidateCodeCommand) (DiscountApplication, error)
}

// OrderService finalizes verified payments into orders exactly once.
type OrderService interface {
	Finalize(ctx context.Context, cmd FinalizeOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
}

// SettingsSource supplies the shipping settings snapshot used by the
// calculator. Implementations may cache; Invalidate drops any cached copy.
type SettingsSource interface {
	Get(ctx context.Context) (ShippingSettings, error)
	Invalidate()
}

// SystemService aggregates utility endpoints such as health checks.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// Command and DTO definitions ------------------------------------------------

type BeginCheckoutCommand struct {
	CartID string
}

type UpdateLineQuantityCommand struct {
	SessionID string
	ProductID string
	Quantity  int
}

type SubmitCustomerInfoCommand struct {
	SessionID string
	Customer  CustomerInfo
}

type SelectPaymentMethodCommand struct {
	SessionID   string
	Provider    string
	AcceptTerms bool
	// CombineShipping mirrors the storefront toggle captured alongside the
	// payment-method form.
	CombineShipping bool
}

type ApplyDiscountCommand struct {
	SessionID string
	Code      string
}

type RecomputeShippingCommand struct {
	SessionID       string
	Reason          string
	CombineShipping bool
}

type ValidateCodeCommand struct {
	Code          string
	CustomerEmail string
	Subtotal      int64
}

type CompletePaymentCommand struct {
	SessionID string
	Handle    string
}

// ReturnParams carries the query parameters from a redirect-based provider's
// return URL.
type ReturnParams struct {
	Provider  string
	SessionID string
	// Reference is the provider-issued identifier (stripe checkout session
	// id, coinbase charge id).
	Reference string
	// Status is the optional client-reported status hint (coinbase appends
	// success or cancelled). It is never trusted as a payment outcome.
	Status string
}

// PaymentInstruction tells the client how to continue a started payment.
type PaymentInstruction struct {
	Session          CheckoutSession
	Provider         string
	Handle           string
	RedirectRequired bool
	RedirectURL      string
	Presentation     map[string]string
}

// CheckoutResult is the terminal outcome of a verification path.
type CheckoutResult struct {
	Session CheckoutSession
	Order   *Order
	Outcome PaymentOutcome
}

type FinalizeOrderCommand struct {
	SessionID    string
	CartID       string
	Cart         CartSnapshot
	Customer     CustomerInfo
	Discount     *DiscountApplication
	ShippingCost int64
	Currency     string
	Outcome      PaymentOutcome
}
