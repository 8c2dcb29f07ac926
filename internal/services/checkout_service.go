package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/wovengoods/checkout-api/internal/domain"
	"github.com/wovengoods/checkout-api/internal/payments"
	"github.com/wovengoods/checkout-api/internal/repositories"
)

const (
	defaultSessionTTL        = 24 * time.Hour
	defaultReconciliationTTL = 48 * time.Hour
	defaultVerifyTimeout     = 20 * time.Second

	returnStatusCancelled = "cancelled"
)

// providerRegistry abstracts payments.Registry for easier testing.
type providerRegistry interface {
	Resolve(id string) (payments.Provider, error)
	IDs() []string
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Sessions  repositories.SessionRepository
	Carts     repositories.CartRepository
	Discounts DiscountService
	Settings  SettingsSource
	Providers providerRegistry
	Orders    OrderService

	// ReturnBaseURL is the public origin redirect providers send the
	// browser back to, e.g. https://shop.example.com.
	ReturnBaseURL     string
	SessionTTL        time.Duration
	ReconciliationTTL time.Duration
	VerifyTimeout     time.Duration

	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
	IDGenerator func() string
}

type checkoutService struct {
	sessions  repositories.SessionRepository
	carts     repositories.CartRepository
	discounts DiscountService
	settings  SettingsSource
	providers providerRegistry
	orders    OrderService

	returnBaseURL     string
	sessionTTL        time.Duration
	reconciliationTTL time.Duration
	verifyTimeout     time.Duration

	now    func() time.Time
	logger func(ctx context.Context, event string, fields map[string]any)
	newID  func() string
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Sessions == nil {
		return nil, errors.New("checkout service: session repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart repository is required")
	}
	if deps.Discounts == nil {
		return nil, errors.New("checkout service: discount service is required")
	}
	if deps.Settings == nil {
		return nil, errors.New("checkout service: settings source is required")
	}
	if deps.Providers == nil {
		return nil, errors.New("checkout service: provider registry is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	sessionTTL := deps.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	reconciliationTTL := deps.ReconciliationTTL
	if reconciliationTTL <= 0 {
		reconciliationTTL = defaultReconciliationTTL
	}
	verifyTimeout := deps.VerifyTimeout
	if verifyTimeout <= 0 {
		verifyTimeout = defaultVerifyTimeout
	}

	return &checkoutService{
		sessions:          deps.Sessions,
		carts:             deps.Carts,
		discounts:         deps.Discounts,
		settings:          deps.Settings,
		providers:         deps.Providers,
		orders:            deps.Orders,
		returnBaseURL:     strings.TrimRight(strings.TrimSpace(deps.ReturnBaseURL), "/"),
		sessionTTL:        sessionTTL,
		reconciliationTTL: reconciliationTTL,
		verifyTimeout:     verifyTimeout,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
		newID:  idGen,
	}, nil
}

// Begin snapshots the active cart into a fresh session in the cart-review step.
func (s *checkoutService) Begin(ctx context.Context, cmd BeginCheckoutCommand) (CheckoutSession, error) {
	cartID := strings.TrimSpace(cmd.CartID)
	if cartID == "" {
		return CheckoutSession{}, ErrCheckoutInvalidInput
	}

	cart, err := s.carts.GetActive(ctx, cartID)
	if err != nil {
		if isNotFound(err) {
			return CheckoutSession{}, ErrCartEmpty
		}
		return CheckoutSession{}, err
	}
	if cart.IsEmpty() {
		return CheckoutSession{}, ErrCartEmpty
	}

	now := s.now()
	session := CheckoutSession{
		ID:     s.newID(),
		CartID: cartID,
		Cart:   cart,
		Shipping: domain.ShippingQuote{
			Currency: cart.Currency,
			State:    domain.ShippingUnlocked,
		},
		Step:      domain.StepCart,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.sessions.Save(ctx, session); err != nil {
		return CheckoutSession{}, err
	}
	s.logger(ctx, "checkout.session.started", map[string]any{
		"session_id": session.ID,
		"cart_id":    cartID,
		"items":      cart.ItemCount(),
		"currency":   cart.Currency,
	})
	return session, nil
}

func (s *checkoutService) Get(ctx context.Context, sessionID string) (CheckoutSession, error) {
	return s.loadSession(ctx, sessionID)
}

// UpdateLineQuantity mutates the snapshot while the session is still in cart
// review. Quantities at or below zero remove the line; positive quantities
// are clamped to the recorded available stock.
func (s *checkoutService) UpdateLineQuantity(ctx context.Context, cmd UpdateLineQuantityCommand) (CheckoutSession, error) {
	session, err := s.loadSession(ctx, cmd.SessionID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if session.Step != domain.StepCart {
		return CheckoutSession{}, ErrInvalidTransition
	}

	productID := strings.TrimSpace(cmd.ProductID)
	lines := make([]CartLine, 0, len(session.Cart.Lines))
	found := false
	for _, line := range session.Cart.Lines {
		if line.ProductID != productID {
			lines = append(lines, line)
			continue
		}
		found = true
		if cmd.Quantity <= 0 {
			continue
		}
		quantity := cmd.Quantity
		if line.AvailableStock > 0 && quantity > line.AvailableStock {
			quantity = line.AvailableStock
		}
		line.Quantity = quantity
		lines = append(lines, line)
	}
	if !found {
		return CheckoutSession{}, ErrCheckoutInvalidInput
	}
	session.Cart.Lines = lines

	s.reapplyDiscountAmount(&session)
	if err := s.recomputeQuote(ctx, &session, false); err != nil && !errors.Is(err, ErrShippingRateUnavailable) {
		return CheckoutSession{}, err
	}
	return s.save(ctx, session)
}

// SubmitCustomerInfo stores the address and advances to payment-method
// selection. Leaving cart review freezes the snapshot.
func (s *checkoutService) SubmitCustomerInfo(ctx context.Context, cmd SubmitCustomerInfoCommand) (CheckoutSession, error) {
	session, err := s.loadSession(ctx, cmd.SessionID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if session.Step != domain.StepCart && session.Step != domain.StepCustomer {
		return CheckoutSession{}, ErrInvalidTransition
	}
	if session.Cart.IsEmpty() {
		return CheckoutSession{}, ErrCartEmpty
	}
	if err := validateCustomerInfo(cmd.Customer); err != nil {
		return CheckoutSession{}, err
	}

	session.Customer = normalizeCustomerInfo(cmd.Customer)
	session.Step = domain.StepCustomer

	// A code applied back in the cart step predates the email, so the
	// per-customer redemption check was skipped. Re-validate against the
	// identified customer; a rejected code is dropped, never carried.
	if session.Discount != nil {
		application, err := s.discounts.ValidateCode(ctx, ValidateCodeCommand{
			Code:          session.Discount.Code,
			CustomerEmail: session.Customer.Email,
			Subtotal:      session.Subtotal(),
		})
		if err != nil {
			if !isCodeRejection(err) {
				return CheckoutSession{}, err
			}
			s.logger(ctx, "checkout.discount.revoked", map[string]any{
				"session_id": session.ID,
				"code":       session.Discount.Code,
				"reason":     err.Error(),
			})
			session.Discount = nil
			if _, saveErr := s.save(ctx, session); saveErr != nil {
				return CheckoutSession{}, saveErr
			}
			return CheckoutSession{}, err
		}
		session.Discount = &application
	}

	if err := s.recomputeQuote(ctx, &session, false); err != nil {
		// Persist the collected address but hold the step: progression is
		// blocked until a rate exists, never defaulted to zero.
		if errors.Is(err, ErrShippingRateUnavailable) {
			if _, saveErr := s.save(ctx, session); saveErr != nil {
				return CheckoutSession{}, saveErr
			}
		}
		return CheckoutSession{}, err
	}

	session.Step = domain.StepPaymentMethod
	return s.save(ctx, session)
}

// SelectPaymentMethod pins the provider and locks the shipping quote for the
// duration of the payment attempt.
func (s *checkoutService) SelectPaymentMethod(ctx context.Context, cmd SelectPaymentMethodCommand) (CheckoutSession, error) {
	session, err := s.loadSession(ctx, cmd.SessionID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if session.Step != domain.StepPaymentMethod {
		return CheckoutSession{}, ErrInvalidTransition
	}
	if !cmd.AcceptTerms {
		return CheckoutSession{}, ErrTermsNotAccepted
	}

	providerID := strings.ToLower(strings.TrimSpace(cmd.Provider))
	if _, err := s.providers.Resolve(providerID); err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: %s", ErrCheckoutInvalidInput, providerID)
	}

	// Final recompute with the combined-shipping toggle, then freeze.
	session.PaymentMethod = providerID
	if err := s.recomputeQuote(ctx, &session, cmd.CombineShipping); err != nil {
		return CheckoutSession{}, err
	}
	session.Shipping.State = domain.ShippingLocked
	session.Shipping.LockedAt = s.now()
	session.Step = domain.StepPayment

	saved, err := s.save(ctx, session)
	if err != nil {
		return CheckoutSession{}, err
	}
	s.logger(ctx, "checkout.payment_method.selected", map[string]any{
		"session_id": saved.ID,
		"provider":   providerID,
		"total":      saved.Total(),
	})
	return saved, nil
}

// Back walks the state machine one step backward. Leaving the payment step
// unlocks the shipping quote.
func (s *checkoutService) Back(ctx context.Context, sessionID string) (CheckoutSession, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return CheckoutSession{}, err
	}
	switch session.Step {
	case domain.StepCustomer:
		session.Step = domain.StepCart
	case domain.StepPaymentMethod:
		session.Step = domain.StepCustomer
	case domain.StepPayment:
		session.Step = domain.StepPaymentMethod
		session.Shipping.State = domain.ShippingUnlocked
		session.Shipping.LockedAt = time.Time{}
	default:
		return CheckoutSession{}, ErrInvalidTransition
	}
	return s.save(ctx, session)
}

// ApplyDiscount validates a code and replaces any active application with
// it. Stacking is never allowed.
func (s *checkoutService) ApplyDiscount(ctx context.Context, cmd ApplyDiscountCommand) (CheckoutSession, error) {
	session, err := s.loadSession(ctx, cmd.SessionID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if !discountMutable(session.Step) {
		return CheckoutSession{}, ErrInvalidTransition
	}

	application, err := s.discounts.ValidateCode(ctx, ValidateCodeCommand{
		Code:          cmd.Code,
		CustomerEmail: session.Customer.Email,
		Subtotal:      session.Subtotal(),
	})
	if err != nil {
		return CheckoutSession{}, err
	}

	session.Discount = &application
	if err := s.recomputeQuote(ctx, &session, false); err != nil && !errors.Is(err, ErrShippingRateUnavailable) {
		return CheckoutSession{}, err
	}
	saved, err := s.save(ctx, session)
	if err != nil {
		return CheckoutSession{}, err
	}
	s.logger(ctx, "checkout.discount.applied", map[string]any{
		"session_id": saved.ID,
		"code":       application.Code,
		"amount":     application.ComputedAmount,
	})
	return saved, nil
}

func (s *checkoutService) RemoveDiscount(ctx context.Context, sessionID string) (CheckoutSession, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if !discountMutable(session.Step) {
		return CheckoutSession{}, ErrInvalidTransition
	}
	session.Discount = nil
	if err := s.recomputeQuote(ctx, &session, false); err != nil && !errors.Is(err, ErrShippingRateUnavailable) {
		return CheckoutSession{}, err
	}
	return s.save(ctx, session)
}

// RecomputeShipping refreshes the quote from the current settings snapshot.
// Recompute signals race freely while unlocked (last write wins); a locked
// quote rejects them outright.
func (s *checkoutService) RecomputeShipping(ctx context.Context, cmd RecomputeShippingCommand) (CheckoutSession, error) {
	session, err := s.loadSession(ctx, cmd.SessionID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if session.Shipping.Locked() {
		return CheckoutSession{}, ErrShippingLocked
	}
	if err := s.recomputeQuote(ctx, &session, cmd.CombineShipping); err != nil {
		return CheckoutSession{}, err
	}
	saved, err := s.save(ctx, session)
	if err != nil {
		return CheckoutSession{}, err
	}
	s.logger(ctx, "checkout.shipping.recomputed", map[string]any{
		"session_id": saved.ID,
		"reason":     cmd.Reason,
		"cost":       saved.Shipping.Cost,
	})
	return saved, nil
}

// StartPayment calls the selected provider's Initiate. For redirect
// providers the reconciliation record is durable before the redirect URL is
// handed out; the process may not survive the round trip.
func (s *checkoutService) StartPayment(ctx context.Context, sessionID string) (PaymentInstruction, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return PaymentInstruction{}, err
	}
	if session.Step != domain.StepPayment {
		return PaymentInstruction{}, ErrInvalidTransition
	}

	provider, err := s.providers.Resolve(session.PaymentMethod)
	if err != nil {
		return PaymentInstruction{}, fmt.Errorf("%w: %s", ErrCheckoutInvalidInput, session.PaymentMethod)
	}

	initiate := payments.InitiateRequest{
		SessionID:      session.ID,
		Amount:         session.Total(),
		Currency:       session.Cart.Currency,
		CustomerEmail:  session.Customer.Email,
		SuccessURL:     s.returnURL(provider.ID(), session.ID, true),
		CancelURL:      s.returnURL(provider.ID(), session.ID, false),
		Items:          lineItemsFromCart(session.Cart),
		ShippingCost:   session.Shipping.Cost,
		DiscountAmount: session.DiscountAmount(),
		Metadata:       map[string]string{"cart_id": session.CartID},
		IdempotencyKey: session.ID,
	}
	if session.Discount != nil {
		initiate.DiscountCode = session.Discount.Code
	}
	result, err := provider.Initiate(ctx, initiate)
	if err != nil {
		session.Step = domain.StepError
		if _, saveErr := s.save(ctx, session); saveErr != nil {
			return PaymentInstruction{}, saveErr
		}
		s.logger(ctx, "checkout.payment.initiate_failed", map[string]any{
			"session_id": session.ID,
			"provider":   session.PaymentMethod,
			"error":      err.Error(),
		})
		return PaymentInstruction{}, fmt.Errorf("%w: %v", ErrProviderInitiationFailed, err)
	}

	if result.RedirectRequired {
		now := s.now()
		record := domain.ReconciliationRecord{
			ProviderReference: result.Handle,
			Provider:          provider.ID(),
			SessionID:         session.ID,
			CartID:            session.CartID,
			Cart:              session.Cart,
			Customer:          session.Customer,
			Discount:          session.Discount,
			ShippingCost:      session.Shipping.Cost,
			Currency:          session.Cart.Currency,
			Amount:            session.Total(),
			CreatedAt:         now,
			ExpiresAt:         now.Add(s.reconciliationTTL),
		}
		if err := s.sessions.SaveReconciliation(ctx, record); err != nil {
			return PaymentInstruction{}, err
		}
		session.PendingProviderRef = result.Handle
	}

	saved, err := s.save(ctx, session)
	if err != nil {
		return PaymentInstruction{}, err
	}
	s.logger(ctx, "checkout.payment.started", map[string]any{
		"session_id": saved.ID,
		"provider":   provider.ID(),
		"handle":     result.Handle,
		"redirect":   result.RedirectRequired,
	})
	return PaymentInstruction{
		Session:          saved,
		Provider:         provider.ID(),
		Handle:           result.Handle,
		RedirectRequired: result.RedirectRequired,
		RedirectURL:      result.RedirectURL,
		Presentation:     result.Presentation,
	}, nil
}

// CompletePayment is the non-redirect completion path: the client approved
// in place and hands back the provider handle for capture and finalization.
func (s *checkoutService) CompletePayment(ctx context.Context, cmd CompletePaymentCommand) (CheckoutResult, error) {
	session, err := s.loadSession(ctx, cmd.SessionID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if session.Step != domain.StepPayment {
		return CheckoutResult{}, ErrInvalidTransition
	}
	handle := strings.TrimSpace(cmd.Handle)
	if handle == "" {
		return CheckoutResult{}, ErrCheckoutInvalidInput
	}

	provider, err := s.providers.Resolve(session.PaymentMethod)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("%w: %s", ErrCheckoutInvalidInput, session.PaymentMethod)
	}

	outcome, err := s.verify(ctx, provider, handle)
	if err != nil {
		if _, failErr := s.failSession(ctx, session, handle); failErr != nil {
			return CheckoutResult{}, failErr
		}
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return s.settle(ctx, session, FinalizeOrderCommand{
		SessionID:    session.ID,
		CartID:       session.CartID,
		Cart:         session.Cart,
		Customer:     session.Customer,
		Discount:     session.Discount,
		ShippingCost: session.Shipping.Cost,
		Currency:     session.Cart.Currency,
		Outcome:      outcome,
	}, outcome)
}

// Resume is the redirect-reconciliation entry path. It bypasses the forward
// transitions: the durable record recovered by the provider reference is the
// only trusted source of amounts and snapshots. A missing record fails
// closed; the return is never treated as paid.
func (s *checkoutService) Resume(ctx context.Context, params ReturnParams) (CheckoutResult, error) {
	providerID := strings.ToLower(strings.TrimSpace(params.Provider))
	reference := strings.TrimSpace(params.Reference)
	if providerID == "" {
		return CheckoutResult{}, ErrCheckoutInvalidInput
	}
	provider, err := s.providers.Resolve(providerID)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("%w: %s", ErrCheckoutInvalidInput, providerID)
	}

	// Some providers send the customer back bare; the in-flight reference
	// persisted at payment start is the only way to name the charge.
	if reference == "" {
		sessionID := strings.TrimSpace(params.SessionID)
		if sessionID == "" {
			return CheckoutResult{}, ErrCheckoutInvalidInput
		}
		pending, err := s.loadSession(ctx, sessionID)
		if err != nil {
			return CheckoutResult{}, err
		}
		reference = strings.TrimSpace(pending.PendingProviderRef)
		if reference == "" {
			s.logger(ctx, "checkout.resume.no_pending_reference", map[string]any{
				"provider":   providerID,
				"session_id": sessionID,
			})
			result, routeErr := s.routeToPaymentMethod(ctx, sessionID)
			if routeErr != nil {
				return CheckoutResult{}, routeErr
			}
			return result, ErrReconciliationRecordMissing
		}
	}

	record, err := s.sessions.FindReconciliation(ctx, providerID, reference)
	if err != nil {
		if isNotFound(err) {
			s.logger(ctx, "checkout.resume.record_missing", map[string]any{
				"provider":  providerID,
				"reference": reference,
			})
			result, routeErr := s.routeToPaymentMethod(ctx, strings.TrimSpace(params.SessionID))
			if routeErr != nil {
				return CheckoutResult{}, routeErr
			}
			return result, ErrReconciliationRecordMissing
		}
		return CheckoutResult{}, err
	}

	session, sessionErr := s.loadSession(ctx, record.SessionID)
	if sessionErr != nil && !errors.Is(sessionErr, ErrSessionNotFound) {
		return CheckoutResult{}, sessionErr
	}
	if errors.Is(sessionErr, ErrSessionNotFound) {
		session = sessionFromRecord(record)
	}

	// The client-reported cancelled hint short-circuits without verification;
	// it only ever routes backward, never toward success.
	if strings.EqualFold(strings.TrimSpace(params.Status), returnStatusCancelled) {
		session.Step = domain.StepPaymentMethod
		session.PendingProviderRef = ""
		session.Shipping.State = domain.ShippingUnlocked
		session.Shipping.LockedAt = time.Time{}
		saved, err := s.save(ctx, session)
		if err != nil {
			return CheckoutResult{}, err
		}
		_ = s.sessions.DeleteReconciliation(ctx, providerID, reference)
		return CheckoutResult{Session: saved}, nil
	}

	outcome, err := s.verify(ctx, provider, reference)
	if err != nil {
		if _, failErr := s.failSession(ctx, session, reference); failErr != nil {
			return CheckoutResult{}, failErr
		}
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	result, err := s.settle(ctx, session, FinalizeOrderCommand{
		SessionID:    record.SessionID,
		CartID:       record.CartID,
		Cart:         record.Cart,
		Customer:     record.Customer,
		Discount:     record.Discount,
		ShippingCost: record.ShippingCost,
		Currency:     record.Currency,
		Outcome:      outcome,
	}, outcome)
	if err == nil && result.Order != nil {
		_ = s.sessions.DeleteReconciliation(ctx, providerID, reference)
	}
	return result, err
}

// Retry resumes a failed attempt from the payment step without re-collecting
// customer data.
func (s *checkoutService) Retry(ctx context.Context, sessionID string) (CheckoutSession, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if session.Step != domain.StepError {
		return CheckoutSession{}, ErrInvalidTransition
	}
	session.Step = domain.StepPayment
	return s.save(ctx, session)
}

// ChangeProvider abandons the failed attempt and reopens provider selection.
func (s *checkoutService) ChangeProvider(ctx context.Context, sessionID string) (CheckoutSession, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if session.Step != domain.StepError {
		return CheckoutSession{}, ErrInvalidTransition
	}
	session.Step = domain.StepPaymentMethod
	session.PaymentMethod = ""
	session.FailedProviderRef = ""
	session.Shipping.State = domain.ShippingUnlocked
	session.Shipping.LockedAt = time.Time{}
	return s.save(ctx, session)
}

// Internal helpers -----------------------------------------------------------

func (s *checkoutService) loadSession(ctx context.Context, sessionID string) (CheckoutSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return CheckoutSession{}, ErrCheckoutInvalidInput
	}
	session, err := s.sessions.Find(ctx, sessionID)
	if err != nil {
		if isNotFound(err) {
			return CheckoutSession{}, ErrSessionNotFound
		}
		return CheckoutSession{}, err
	}
	return session, nil
}

func (s *checkoutService) save(ctx context.Context, session CheckoutSession) (CheckoutSession, error) {
	session.UpdatedAt = s.now()
	if err := s.sessions.Save(ctx, session); err != nil {
		return CheckoutSession{}, err
	}
	return session, nil
}

func (s *checkoutService) failSession(ctx context.Context, session CheckoutSession, reference string) (CheckoutSession, error) {
	session.Step = domain.StepError
	session.PendingProviderRef = ""
	session.FailedProviderRef = reference
	return s.save(ctx, session)
}

// settle finalizes a settled outcome or routes the session to the error
// state for anything else. The cart is only cleared through the finalizer.
func (s *checkoutService) settle(ctx context.Context, session CheckoutSession, cmd FinalizeOrderCommand, outcome PaymentOutcome) (CheckoutResult, error) {
	if !outcome.Settled() {
		failed, err := s.failSession(ctx, session, outcome.ProviderReference)
		if err != nil {
			return CheckoutResult{}, err
		}
		s.logger(ctx, "checkout.payment.not_settled", map[string]any{
			"session_id": session.ID,
			"provider":   outcome.Provider,
			"reference":  outcome.ProviderReference,
			"status":     string(outcome.Status),
		})
		return CheckoutResult{Session: failed, Outcome: outcome}, nil
	}

	order, err := s.orders.Finalize(ctx, cmd)
	if err != nil {
		var creationErr *OrderCreationError
		if errors.As(err, &creationErr) {
			if _, failErr := s.failSession(ctx, session, outcome.ProviderReference); failErr != nil {
				return CheckoutResult{}, failErr
			}
		}
		return CheckoutResult{}, err
	}

	session.Step = domain.StepSuccess
	session.OrderID = order.ID
	session.PendingProviderRef = ""
	session.FailedProviderRef = ""
	saved, err := s.save(ctx, session)
	if err != nil {
		return CheckoutResult{}, err
	}
	return CheckoutResult{Session: saved, Order: &order, Outcome: outcome}, nil
}

func (s *checkoutService) verify(ctx context.Context, provider payments.Provider, handle string) (PaymentOutcome, error) {
	verifyCtx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
	defer cancel()
	return provider.Verify(verifyCtx, payments.VerifyRequest{Handle: handle})
}

func (s *checkoutService) recomputeQuote(ctx context.Context, session *CheckoutSession, combine bool) error {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return err
	}
	freeShipping := session.Discount != nil && session.Discount.FreeShipping
	cost, err := CalculateShipping(ShippingInput{
		ItemCount:       session.Cart.ItemCount(),
		Currency:        session.Cart.Currency,
		Country:         session.Customer.Country,
		CombineShipping: combine,
		FreeShipping:    freeShipping,
		Settings:        settings,
	})
	if err != nil {
		return err
	}
	session.Shipping.Cost = cost
	session.Shipping.Currency = session.Cart.Currency
	return nil
}

func (s *checkoutService) reapplyDiscountAmount(session *CheckoutSession) {
	if session.Discount == nil {
		return
	}
	subtotal := session.Subtotal()
	switch session.Discount.Kind {
	case domain.DiscountPercentage:
		session.Discount.ComputedAmount = domain.PercentageDiscount(subtotal, session.Discount.Value)
	case domain.DiscountFixed:
		session.Discount.ComputedAmount = domain.FixedDiscount(subtotal, session.Discount.Value)
	}
}

func (s *checkoutService) routeToPaymentMethod(ctx context.Context, sessionID string) (CheckoutResult, error) {
	if sessionID == "" {
		return CheckoutResult{}, nil
	}
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return CheckoutResult{}, nil
		}
		return CheckoutResult{}, err
	}
	session.Step = domain.StepPaymentMethod
	session.Shipping.State = domain.ShippingUnlocked
	session.Shipping.LockedAt = time.Time{}
	saved, err := s.save(ctx, session)
	if err != nil {
		return CheckoutResult{}, err
	}
	return CheckoutResult{Session: saved}, nil
}

func (s *checkoutService) returnURL(providerID, sessionID string, success bool) string {
	base := s.returnBaseURL + "/checkout/return?payment_method=" + providerID +
		"&checkout_session_id=" + sessionID
	switch providerID {
	case "stripe":
		if success {
			// Stripe substitutes the literal placeholder with the hosted
			// session id on redirect.
			return base + "&session_id={CHECKOUT_SESSION_ID}"
		}
		return base + "&status=" + returnStatusCancelled
	case "coinbase":
		if success {
			return base + "&status=success"
		}
		return base + "&status=" + returnStatusCancelled
	default:
		return base
	}
}

// isCodeRejection reports whether the error is a definitive code rejection
// rather than an infrastructure failure.
func isCodeRejection(err error) bool {
	return errors.Is(err, ErrCodeNotFound) ||
		errors.Is(err, ErrCodeExpired) ||
		errors.Is(err, ErrCodeAlreadyUsed) ||
		errors.Is(err, ErrCodeMinimumNotMet)
}

func discountMutable(step domain.Step) bool {
	switch step {
	case domain.StepCart, domain.StepCustomer, domain.StepPaymentMethod:
		return true
	default:
		return false
	}
}

func sessionFromRecord(record domain.ReconciliationRecord) CheckoutSession {
	return CheckoutSession{
		ID:       record.SessionID,
		CartID:   record.CartID,
		Cart:     record.Cart,
		Customer: record.Customer,
		Discount: record.Discount,
		Shipping: domain.ShippingQuote{
			Cost:     record.ShippingCost,
			Currency: record.Currency,
			State:    domain.ShippingLocked,
			LockedAt: record.CreatedAt,
		},
		PaymentMethod: record.Provider,
		Step:          domain.StepPayment,
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.CreatedAt,
		ExpiresAt:     record.ExpiresAt,
	}
}

func lineItemsFromCart(cart CartSnapshot) []payments.LineItem {
	items := make([]payments.LineItem, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		if line.Quantity <= 0 {
			continue
		}
		items = append(items, payments.LineItem{
			Name:      line.Name,
			SKU:       line.ProductID,
			Quantity:  int64(line.Quantity),
			UnitPrice: line.UnitPrice,
			Currency:  cart.Currency,
		})
	}
	return items
}

func validateCustomerInfo(info CustomerInfo) error {
	if _, err := mail.ParseAddress(strings.TrimSpace(info.Email)); err != nil {
		return ErrCheckoutInvalidInput
	}
	required := []string{info.FirstName, info.LastName, info.Line1, info.City, info.PostalCode, info.Country}
	for _, field := range required {
		if strings.TrimSpace(field) == "" {
			return ErrCheckoutInvalidInput
		}
	}
	if len(domain.NormalizeCountry(info.Country)) != 2 {
		return ErrCheckoutInvalidInput
	}
	return nil
}

func normalizeCustomerInfo(info CustomerInfo) CustomerInfo {
	info.Email = strings.TrimSpace(info.Email)
	info.FirstName = strings.TrimSpace(info.FirstName)
	info.LastName = strings.TrimSpace(info.LastName)
	info.Line1 = strings.TrimSpace(info.Line1)
	info.Line2 = strings.TrimSpace(info.Line2)
	info.City = strings.TrimSpace(info.City)
	info.PostalCode = strings.TrimSpace(info.PostalCode)
	info.Country = domain.NormalizeCountry(info.Country)
	return info
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
