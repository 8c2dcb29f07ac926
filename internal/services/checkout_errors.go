package services

import (
	"errors"
	"fmt"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrSessionNotFound indicates no checkout session exists for the supplied id.
	ErrSessionNotFound = errors.New("checkout: session not found")
	// ErrInvalidTransition indicates the requested operation is not allowed in the session's current step.
	ErrInvalidTransition = errors.New("checkout: invalid step transition")
	// ErrCartEmpty indicates the session's snapshot carries no purchasable lines.
	ErrCartEmpty = errors.New("checkout: cart is empty")
	// ErrTermsNotAccepted indicates the payment-method submission omitted the terms acceptance.
	ErrTermsNotAccepted = errors.New("checkout: terms must be accepted")
	// ErrShippingLocked indicates a recompute was requested while the quote is frozen for payment.
	ErrShippingLocked = errors.New("checkout: shipping quote is locked")
	// ErrShippingRateUnavailable indicates no shipping rate is configured for the destination.
	ErrShippingRateUnavailable = errors.New("checkout: shipping rate unavailable")
	// ErrProviderInitiationFailed indicates the provider could not start a payment attempt.
	ErrProviderInitiationFailed = errors.New("checkout: provider initiation failed")
	// ErrVerificationFailed indicates the provider-side outcome could not be confirmed.
	ErrVerificationFailed = errors.New("checkout: payment verification failed")
	// ErrReconciliationRecordMissing indicates a redirect return carried no recoverable durable record.
	ErrReconciliationRecordMissing = errors.New("checkout: reconciliation record missing")
	// ErrOrderNotFound indicates no order exists for the supplied id.
	ErrOrderNotFound = errors.New("checkout: order not found")
)

var (
	// ErrCodeNotFound indicates the supplied code does not exist or is inactive.
	ErrCodeNotFound = errors.New("discount: code not found")
	// ErrCodeExpired indicates the code exists but its validity window has passed.
	ErrCodeExpired = errors.New("discount: code expired")
	// ErrCodeAlreadyUsed indicates a single-use code was already redeemed by this customer.
	ErrCodeAlreadyUsed = errors.New("discount: code already used by customer")
	// ErrCodeMinimumNotMet indicates the cart subtotal is below the code's minimum.
	ErrCodeMinimumNotMet = errors.New("discount: minimum subtotal not met")
)

// OrderCreationError reports a paid outcome whose order record could not be
// created. It carries the provider reference so support can reconcile the
// charge manually.
type OrderCreationError struct {
	Provider          string
	ProviderReference string
	Err               error
}

func (e *OrderCreationError) Error() string {
	return fmt.Sprintf("order creation failed after payment (provider %s, reference %s): %v", e.Provider, e.ProviderReference, e.Err)
}

func (e *OrderCreationError) Unwrap() error {
	return e.Err
}
