package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/wovengoods/checkout-api/internal/domain"
	"github.com/wovengoods/checkout-api/internal/services"
)

type stubCheckoutService struct {
	beginFn          func(ctx context.Context, cmd services.BeginCheckoutCommand) (services.CheckoutSession, error)
	getFn            func(ctx context.Context, sessionID string) (services.CheckoutSession, error)
	updateLineFn     func(ctx context.Context, cmd services.UpdateLineQuantityCommand) (services.CheckoutSession, error)
	submitCustomerFn func(ctx context.Context, cmd services.SubmitCustomerInfoCommand) (services.CheckoutSession, error)
	selectMethodFn   func(ctx context.Context, cmd services.SelectPaymentMethodCommand) (services.CheckoutSession, error)
	backFn           func(ctx context.Context, sessionID string) (services.CheckoutSession, error)
	applyDiscountFn  func(ctx context.Context, cmd services.ApplyDiscountCommand) (services.CheckoutSession, error)
	removeDiscountFn func(ctx context.Context, sessionID string) (services.CheckoutSession, error)
	recomputeFn      func(ctx context.Context, cmd services.RecomputeShippingCommand) (services.CheckoutSession, error)
	startPaymentFn   func(ctx context.Context, sessionID string) (services.PaymentInstruction, error)
	completeFn       func(ctx context.Context, cmd services.CompletePaymentCommand) (services.CheckoutResult, error)
	resumeFn         func(ctx context.Context, params services.ReturnParams) (services.CheckoutResult, error)
	retryFn          func(ctx context.Context, sessionID string) (services.CheckoutSession, error)
	changeProviderFn func(ctx context.Context, sessionID string) (services.CheckoutSession, error)
}

func (s *stubCheckoutService) Begin(ctx context.Context, cmd services.BeginCheckoutCommand) (services.CheckoutSession, error) {
	return s.beginFn(ctx, cmd)
}

func (s *stubCheckoutService) Get(ctx context.Context, sessionID string) (services.CheckoutSession, error) {
	return s.getFn(ctx, sessionID)
}

func (s *stubCheckoutService) UpdateLineQuantity(ctx context.Context, cmd services.UpdateLineQuantityCommand) (services.CheckoutSession, error) {
	return s.updateLineFn(ctx, cmd)
}

func (s *stubCheckoutService) SubmitCustomerInfo(ctx context.Context, cmd services.SubmitCustomerInfoCommand) (services.CheckoutSession, error) {
	return s.submitCustomerFn(ctx, cmd)
}

func (s *stubCheckoutService) SelectPaymentMethod(ctx context.Context, cmd services.SelectPaymentMethodCommand) (services.CheckoutSession, error) {
	return s.selectMethodFn(ctx, cmd)
}

func (s *stubCheckoutService) Back(ctx context.Context, sessionID string) (services.CheckoutSession, error) {
	return s.backFn(ctx, sessionID)
}

func (s *stubCheckoutService) ApplyDiscount(ctx context.Context, cmd services.ApplyDiscountCommand) (services.CheckoutSession, error) {
	return s.applyDiscountFn(ctx, cmd)
}

func (s *stubCheckoutService) RemoveDiscount(ctx context.Context, sessionID string) (services.CheckoutSession, error) {
	return s.removeDiscountFn(ctx, sessionID)
}

func (s *stubCheckoutService) RecomputeShipping(ctx context.Context, cmd services.RecomputeShippingCommand) (services.CheckoutSession, error) {
	return s.recomputeFn(ctx, cmd)
}

func (s *stubCheckoutService) StartPayment(ctx context.Context, sessionID string) (services.PaymentInstruction, error) {
	return s.startPaymentFn(ctx, sessionID)
}

func (s *stubCheckoutService) CompletePayment(ctx context.Context, cmd services.CompletePaymentCommand) (services.CheckoutResult, error) {
	return s.completeFn(ctx, cmd)
}

func (s *stubCheckoutService) Resume(ctx context.Context, params services.ReturnParams) (services.CheckoutResult, error) {
	return s.resumeFn(ctx, params)
}

func (s *stubCheckoutService) Retry(ctx context.Context, sessionID string) (services.CheckoutSession, error) {
	return s.retryFn(ctx, sessionID)
}

func (s *stubCheckoutService) ChangeProvider(ctx context.Context, sessionID string) (services.CheckoutSession, error) {
	return s.changeProviderFn(ctx, sessionID)
}

type stubOrderService struct {
	getFn func(ctx context.Context, orderID string) (services.Order, error)
}

func (s *stubOrderService) Finalize(ctx context.Context, cmd services.FinalizeOrderCommand) (services.Order, error) {
	return services.Order{}, nil
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	return s.getFn(ctx, orderID)
}

func testSession() services.CheckoutSession {
	return services.CheckoutSession{
		ID:     "sess-1",
		CartID: "cart-1",
		Cart: domain.CartSnapshot{
			Currency: "USD",
			Lines: []domain.CartLine{
				{ProductID: "p-1", Name: "Mug", UnitPrice: 4000, Quantity: 2, AvailableStock: 5},
			},
		},
		Shipping: domain.ShippingQuote{Cost: 1500, Currency: "USD", State: domain.ShippingUnlocked},
		Step:     domain.StepCart,
		ExpiresAt: time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC),
	}
}

func newCheckoutRouter(checkout services.CheckoutService, orders services.OrderService) chi.Router {
	r := chi.NewRouter()
	r.Route("/checkout", NewCheckoutHandlers(checkout, orders).Routes)
	return r
}

func TestBeginSessionHandler(t *testing.T) {
	var gotCartID string
	svc := &stubCheckoutService{
		beginFn: func(ctx context.Context, cmd services.BeginCheckoutCommand) (services.CheckoutSession, error) {
			gotCartID = cmd.CartID
			return testSession(), nil
		},
	}
	router := newCheckoutRouter(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/checkout/session", strings.NewReader(`{"cartId":"cart-1"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotCartID != "cart-1" {
		t.Fatalf("expected cart id cart-1, got %q", gotCartID)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if body["sessionId"] != "sess-1" || body["step"] != "cart" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["subtotal"].(float64) != 8000 {
		t.Fatalf("expected subtotal 8000, got %v", body["subtotal"])
	}
}

func TestBeginSessionHandlerEmptyCart(t *testing.T) {
	svc := &stubCheckoutService{
		beginFn: func(ctx context.Context, cmd services.BeginCheckoutCommand) (services.CheckoutSession, error) {
			return services.CheckoutSession{}, services.ErrCartEmpty
		},
	}
	router := newCheckoutRouter(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/checkout/session", strings.NewReader(`{"cartId":"cart-1"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "cart_empty") {
		t.Fatalf("expected cart_empty code, got %s", rr.Body.String())
	}
}

func TestGetSessionHandlerNotFound(t *testing.T) {
	svc := &stubCheckoutService{
		getFn: func(ctx context.Context, sessionID string) (services.CheckoutSession, error) {
			return services.CheckoutSession{}, services.ErrSessionNotFound
		},
	}
	router := newCheckoutRouter(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/checkout/session/missing", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestUpdateLineQuantityHandlerBindsParams(t *testing.T) {
	var got services.UpdateLineQuantityCommand
	svc := &stubCheckoutService{
		updateLineFn: func(ctx context.Context, cmd services.UpdateLineQuantityCommand) (services.CheckoutSession, error) {
			got = cmd
			return testSession(), nil
		},
	}
	router := newCheckoutRouter(svc, nil)

	req := httptest.NewRequest(http.MethodPatch, "/checkout/session/sess-1/items/p-1", strings.NewReader(`{"quantity":3}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.SessionID != "sess-1" || got.ProductID != "p-1" || got.Quantity != 3 {
		t.Fatalf("unexpected command %+v", got)
	}
}

func TestUpdateLineQuantityHandlerRejectsBadJSON(t *testing.T) {
	svc := &stubCheckoutService{
		updateLineFn: func(ctx context.Context, cmd services.UpdateLineQuantityCommand) (services.CheckoutSession, error) {
			t.Fatal("service should not be called")
			return services.CheckoutSession{}, nil
		},
	}
	router := newCheckoutRouter(svc, nil)

	req := httptest.NewRequest(http.MethodPatch, "/checkout/session/sess-1/items/p-1", strings.NewReader(`{"quantity":`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestApplyDiscountHandlerExpiredCode(t *testing.T) {
	svc := &stubCheckoutService{
		applyDiscountFn: func(ctx context.Context, cmd services.ApplyDiscountCommand) (services.CheckoutSession, error) {
			return services.CheckoutSession{}, services.ErrCodeExpired
		},
	}
	router := newCheckoutRouter(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/checkout/session/sess-1/discount", strings.NewReader(`{"code":"OLD"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "code_expired") {
		t.Fatalf("expected code_expired, got %s", rr.Body.String())
	}
}

func TestSelectPaymentMethodHandlerTermsRequired(t *testing.T) {
	svc := &stubCheckoutService{
		selectMethodFn: func(ctx context.Context, cmd services.SelectPaymentMethodCommand) (services.CheckoutSession, error) {
			return services.CheckoutSession{}, services.ErrTermsNotAccepted
		},
	}
	router := newCheckoutRouter(svc, nil)

	req := httptest.NewRequest(http.MethodPut, "/checkout/session/sess-1/payment-method", strings.NewReader(`{"provider":"stripe"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "terms_not_accepted") {
		t.Fatalf("expected terms_not_accepted, got %s", rr.Body.String())
	}
}

func TestStartPaymentHandlerReturnsInstruction(t *testing.T) {
	svc := &stubCheckoutService{
		startPaymentFn: func(ctx context.Context, sessionID string) (services.PaymentInstruction, error) {
			session := testSession()
			session.Step = domain.StepPayment
			return services.PaymentInstruction{
				Session:          session,
				Provider:         "stripe",
				Handle:           "cs_123",
				RedirectRequired: true,
				RedirectURL:      "https://checkout.stripe.com/pay/cs_123",
			}, nil
		},
	}
	router := newCheckoutRouter(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/checkout/session/sess-1/pay", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if body["handle"] != "cs_123" || body["redirectRequired"] != true {
		t.Fatalf("unexpected body %v", body)
	}
	if body["redirectUrl"] != "https://checkout.stripe.com/pay/cs_123" {
		t.Fatalf("unexpected redirect url %v", body["redirectUrl"])
	}
}

func TestReturnHandlerMapsStripeParams(t *testing.T) {
	var got services.ReturnParams
	svc := &stubCheckoutService{
		resumeFn: func(ctx context.Context, params services.ReturnParams) (services.CheckoutResult, error) {
			got = params
			session := testSession()
			session.Step = domain.StepSuccess
			session.OrderID = "order-1"
			return services.CheckoutResult{
				Session: session,
				Order: &services.Order{
					ID:     "order-1",
					Status: domain.OrderPaid,
					Total:  9500,
				},
				Outcome: domain.PaymentOutcome{Status: domain.PaymentPaid},
			}, nil
		},
	}
	router := newCheckoutRouter(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/checkout/return?payment_method=stripe&checkout_session_id=sess-1&session_id=cs_123", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.Provider != "stripe" || got.Reference != "cs_123" || got.SessionID != "sess-1" {
		t.Fatalf("unexpected params %+v", got)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	order, ok := body["order"].(map[string]any)
	if !ok || order["orderId"] != "order-1" {
		t.Fatalf("expected order payload, got %v", body)
	}
	if body["paymentStatus"] != "paid" {
		t.Fatalf("expected paid status, got %v", body["paymentStatus"])
	}
}

func TestReturnHandlerCancelledWithoutReferenceRoutesBack(t *testing.T) {
	backCalled := false
	svc := &stubCheckoutService{
		backFn: func(ctx context.Context, sessionID string) (services.CheckoutSession, error) {
			backCalled = true
			session := testSession()
			session.Step = domain.StepPaymentMethod
			return session, nil
		},
		resumeFn: func(ctx context.Context, params services.ReturnParams) (services.CheckoutResult, error) {
			t.Fatal("resume should not be called without a reference")
			return services.CheckoutResult{}, nil
		},
	}
	router := newCheckoutRouter(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/checkout/return?payment_method=stripe&checkout_session_id=sess-1&status=cancelled", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !backCalled {
		t.Fatal("expected backward routing")
	}
}

func TestReturnHandlerMissingReference(t *testing.T) {
	svc := &stubCheckoutService{}
	router := newCheckoutRouter(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/checkout/return?payment_method=coinbase&status=success", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestReturnHandlerSuccessWithoutReferenceResumes(t *testing.T) {
	var got services.ReturnParams
	svc := &stubCheckoutService{
		resumeFn: func(ctx context.Context, params services.ReturnParams) (services.CheckoutResult, error) {
			got = params
			session := testSession()
			session.Step = domain.StepSuccess
			session.OrderID = "order-1"
			return services.CheckoutResult{
				Session: session,
				Order:   &services.Order{ID: "order-1", Status: domain.OrderPaid, Total: 9500},
				Outcome: domain.PaymentOutcome{Status: domain.PaymentPaid},
			}, nil
		},
	}
	router := newCheckoutRouter(svc, nil)

	// The crypto provider redirects back with only the checkout session id.
	req := httptest.NewRequest(http.MethodGet, "/checkout/return?payment_method=coinbase&checkout_session_id=sess-1&status=success", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.Provider != "coinbase" || got.SessionID != "sess-1" || got.Reference != "" {
		t.Fatalf("unexpected params %+v", got)
	}
	if got.Status != "success" {
		t.Fatalf("unexpected status %q", got.Status)
	}
}

func TestReturnHandlerRecordMissing(t *testing.T) {
	svc := &stubCheckoutService{
		resumeFn: func(ctx context.Context, params services.ReturnParams) (services.CheckoutResult, error) {
			return services.CheckoutResult{}, services.ErrReconciliationRecordMissing
		},
	}
	router := newCheckoutRouter(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/checkout/return?payment_method=stripe&session_id=cs_404", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "payment_unverified") {
		t.Fatalf("expected payment_unverified, got %s", rr.Body.String())
	}
}

func TestGetOrderHandler(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (services.Order, error) {
			if orderID != "order-1" {
				return services.Order{}, services.ErrOrderNotFound
			}
			return services.Order{ID: "order-1", Status: domain.OrderPaid, Total: 11500, Currency: "USD"}, nil
		},
	}
	router := newCheckoutRouter(&stubCheckoutService{}, orders)

	req := httptest.NewRequest(http.MethodGet, "/checkout/orders/order-1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/checkout/orders/nope", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
