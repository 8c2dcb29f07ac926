package domain

import (
	"strings"
	"time"
)

// Step identifies the checkout stage a session is currently in.
type Step string

const (
	// StepCart is the initial cart-review stage; line quantities may still change.
	StepCart Step = "cart"
	// StepCustomer collects shipping and contact details.
	StepCustomer Step = "customer"
	// StepPaymentMethod selects one of the registered payment providers.
	StepPaymentMethod Step = "payment_method"
	// StepPayment indicates a payment attempt is in flight; the shipping quote is locked.
	StepPayment Step = "payment"
	// StepSuccess is terminal: an order exists for this session.
	StepSuccess Step = "success"
	// StepError holds a failed payment attempt; the session can retry or switch provider.
	StepError Step = "error"
)

// ShippingLockState controls whether the shipping quote may be recomputed.
type ShippingLockState string

const (
	// ShippingUnlocked allows recomputation on any relevant input change.
	ShippingUnlocked ShippingLockState = "unlocked"
	// ShippingLocked freezes the quote for the duration of a payment attempt.
	ShippingLocked ShippingLockState = "locked"
)

// CartLine is one product line captured into the checkout snapshot.
type CartLine struct {
	ProductID      string
	Name           string
	UnitPrice      int64
	Quantity       int
	ImageRef       string
	AvailableStock int
}

// CartSnapshot is the ordered set of lines a session will be charged for.
// It is mutable only while the session sits in StepCart; advancing past cart
// review freezes it for the remainder of the session.
type CartSnapshot struct {
	Lines    []CartLine
	Currency string
}

// IsEmpty reports whether the snapshot carries no purchasable lines.
func (c CartSnapshot) IsEmpty() bool {
	for _, line := range c.Lines {
		if line.Quantity > 0 {
			return false
		}
	}
	return true
}

// ItemCount sums the quantities across all lines.
func (c CartSnapshot) ItemCount() int {
	total := 0
	for _, line := range c.Lines {
		if line.Quantity > 0 {
			total += line.Quantity
		}
	}
	return total
}

// CustomerInfo holds the buyer's contact and shipping destination details.
type CustomerInfo struct {
	Email      string
	FirstName  string
	LastName   string
	Line1      string
	Line2      string
	City       string
	PostalCode string
	Country    string
}

// DiscountKind distinguishes percentage from fixed-amount codes.
type DiscountKind string

const (
	// DiscountPercentage discounts a percentage of the cart subtotal.
	DiscountPercentage DiscountKind = "percentage"
	// DiscountFixed discounts a fixed amount, clamped to the subtotal.
	DiscountFixed DiscountKind = "fixed"
)

// DiscountApplication is a validated code applied to a session. At most one
// application is active at a time; applying a new code replaces the old one.
type DiscountApplication struct {
	Code           string
	Kind           DiscountKind
	Value          int64
	ComputedAmount int64
	FreeShipping   bool
	IsReferral     bool
	ReferralID     string
	ReferrerName   string
}

// DiscountCode is the stored definition a code string resolves to. Merchant
// discount codes and referral codes share this shape; IsReferral is the only
// disambiguator, so callers cannot assume a code's type from its string.
type DiscountCode struct {
	Code                 string
	Kind                 DiscountKind
	Value                int64
	FreeShipping         bool
	IsReferral           bool
	ReferralID           string
	ReferrerName         string
	MinimumSubtotal      int64
	SingleUsePerCustomer bool
	Active               bool
	// ExpiresAt zero means the code never expires.
	ExpiresAt time.Time
}

// ShippingQuote is the single quote slot attached to a session. While
// unlocked it is overwritten on every recompute (last write wins); entering
// the payment step locks it so an in-flight charge amount cannot drift.
type ShippingQuote struct {
	Cost     int64
	Currency string
	State    ShippingLockState
	LockedAt time.Time
}

// Locked reports whether the quote is frozen for payment.
func (q ShippingQuote) Locked() bool {
	return q.State == ShippingLocked
}

// CheckoutSession is the durable record of one in-progress purchase. It is
// persisted before any redirect-based provider is invoked so the flow can be
// resumed after a full process teardown.
type CheckoutSession struct {
	ID            string
	CartID        string
	Cart          CartSnapshot
	Customer      CustomerInfo
	Discount      *DiscountApplication
	Shipping      ShippingQuote
	PaymentMethod string
	Step          Step
	OrderID       string
	// PendingProviderRef is the reference of the in-flight redirect attempt.
	// Some providers send the customer back without echoing the reference, so
	// the session itself must be able to name the charge being reconciled.
	PendingProviderRef string
	// FailedProviderRef retains the provider reference of a failed attempt so
	// a retry can resume from the payment step without re-collecting data.
	FailedProviderRef string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ExpiresAt         time.Time
}

// Subtotal is the sum of line unit price times quantity.
func (s CheckoutSession) Subtotal() int64 {
	return CartSubtotal(s.Cart)
}

// DiscountAmount returns the computed amount of the active discount, if any.
func (s CheckoutSession) DiscountAmount() int64 {
	if s.Discount == nil {
		return 0
	}
	return s.Discount.ComputedAmount
}

// Total is subtotal minus discount plus shipping, floored at zero.
func (s CheckoutSession) Total() int64 {
	total := s.Subtotal() - s.DiscountAmount() + s.Shipping.Cost
	if total < 0 {
		return 0
	}
	return total
}

// PaymentStatus is the normalised outcome state reported by an adapter.
type PaymentStatus string

const (
	// PaymentPaid indicates the provider confirmed capture of funds.
	PaymentPaid PaymentStatus = "paid"
	// PaymentPending indicates funds are broadcast but not yet confirmed.
	// Only the crypto-charge provider produces this state.
	PaymentPending PaymentStatus = "pending"
	// PaymentFailed indicates the provider reported a definite failure.
	PaymentFailed PaymentStatus = "failed"
	// PaymentCancelled indicates the customer abandoned the provider page.
	PaymentCancelled PaymentStatus = "cancelled"
)

// CryptoDetails carries chain-level metadata for crypto settlements.
type CryptoDetails struct {
	Network          string
	TransactionID    string
	ConfirmedOnChain bool
}

// PaymentOutcome is the verified result of one payment attempt.
type PaymentOutcome struct {
	Provider          string
	ProviderReference string
	Status            PaymentStatus
	SettledAmount     int64
	SettledCurrency   string
	Crypto            *CryptoDetails
}

// Settled reports whether the outcome is sufficient to finalize an order.
// Pending is accepted for crypto charges: funds are irreversible once
// broadcast, so the order is created in an awaiting-confirmation state.
func (o PaymentOutcome) Settled() bool {
	return o.Status == PaymentPaid || o.Status == PaymentPending
}

// OrderStatus tracks the payment-confirmation state of a created order.
type OrderStatus string

const (
	// OrderPaid marks orders backed by a fully captured payment.
	OrderPaid OrderStatus = "paid"
	// OrderAwaitingConfirmation marks crypto orders pending chain confirmation.
	OrderAwaitingConfirmation OrderStatus = "awaiting_confirmation"
)

// Order is the immutable record created exactly once per successful payment.
// Uniqueness is keyed by (SessionID, ProviderReference).
type Order struct {
	ID                string
	SessionID         string
	Provider          string
	ProviderReference string
	Items             []CartLine
	Customer          CustomerInfo
	Discount          *DiscountApplication
	Currency          string
	Subtotal          int64
	ShippingCost      int64
	Total             int64
	Status            OrderStatus
	CreatedAt         time.Time
}

// ReconciliationRecord is written before handing a redirect URL to the
// client. It holds everything Verify and Finalize need, keyed by the
// provider-issued reference, because the driving process may be destroyed
// during the redirect.
type ReconciliationRecord struct {
	ProviderReference string
	Provider          string
	SessionID         string
	CartID            string
	Cart              CartSnapshot
	Customer          CustomerInfo
	Discount          *DiscountApplication
	ShippingCost      int64
	Currency          string
	Amount            int64
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// ZoneRate configures per-country shipping pricing, including the combined
// mode additive rates.
type ZoneRate struct {
	FirstItem         int64
	PerAdditionalItem int64
}

// ShippingSettings is the snapshot of merchant shipping configuration used
// by the calculator. It is fetched from the settings source and cached; an
// out-of-band update signal invalidates the cache.
type ShippingSettings struct {
	FlatRateByCurrency      map[string]int64
	CombinedShippingEnabled bool
	ZoneRatesByCountry      map[string]ZoneRate
}

// NormalizeCountry upper-cases and trims an ISO country code.
func NormalizeCountry(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeCurrency upper-cases and trims an ISO currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
