package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/wovengoods/checkout-api/internal/domain"
	"github.com/wovengoods/checkout-api/internal/platform/httpx"
	"github.com/wovengoods/checkout-api/internal/services"
)

const maxCheckoutRequestBody = 8 * 1024

// CheckoutHandlers exposes the checkout session state machine and the
// redirect-return reconciliation endpoint.
type CheckoutHandlers struct {
	checkout  services.CheckoutService
	orders    services.OrderService
	discounts bool
}

// CheckoutHandlerOption customises optional checkout handler behaviour.
type CheckoutHandlerOption func(*CheckoutHandlers)

// WithDiscountCodesEnabled toggles the discount code endpoints. Disabled
// deployments answer those routes with a not-found envelope.
func WithDiscountCodesEnabled(enabled bool) CheckoutHandlerOption {
	return func(h *CheckoutHandlers) {
		h.discounts = enabled
	}
}

// NewCheckoutHandlers constructs the checkout endpoint group.
func NewCheckoutHandlers(checkout services.CheckoutService, orders services.OrderService, opts ...CheckoutHandlerOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		checkout:  checkout,
		orders:    orders,
		discounts: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/session", h.beginSession)
	r.Get("/session/{sessionID}", h.getSession)
	r.Patch("/session/{sessionID}/items/{productID}", h.updateLineQuantity)
	r.Put("/session/{sessionID}/customer", h.submitCustomerInfo)
	r.Post("/session/{sessionID}/discount", h.applyDiscount)
	r.Delete("/session/{sessionID}/discount", h.removeDiscount)
	r.Put("/session/{sessionID}/payment-method", h.selectPaymentMethod)
	r.Post("/session/{sessionID}/shipping/recompute", h.recomputeShipping)
	r.Post("/session/{sessionID}/back", h.back)
	r.Post("/session/{sessionID}/pay", h.startPayment)
	r.Post("/session/{sessionID}/complete", h.completePayment)
	r.Post("/session/{sessionID}/retry", h.retry)
	r.Post("/session/{sessionID}/change-provider", h.changeProvider)
	r.Get("/return", h.handleReturn)
	r.Get("/orders/{orderID}", h.getOrder)
}

type beginSessionRequest struct {
	CartID string `json:"cartId"`
}

type updateLineQuantityRequest struct {
	Quantity int `json:"quantity"`
}

type customerInfoRequest struct {
	Email      string `json:"email"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type applyDiscountRequest struct {
	Code string `json:"code"`
}

type selectPaymentMethodRequest struct {
	Provider        string `json:"provider"`
	AcceptTerms     bool   `json:"acceptTerms"`
	CombineShipping bool   `json:"combineShipping"`
}

type recomputeShippingRequest struct {
	Reason          string `json:"reason"`
	CombineShipping bool   `json:"combineShipping"`
}

type completePaymentRequest struct {
	Handle string `json:"handle"`
}

type cartLineResponse struct {
	ProductID      string `json:"productId"`
	Name           string `json:"name"`
	UnitPrice      int64  `json:"unitPrice"`
	Quantity       int    `json:"quantity"`
	ImageRef       string `json:"imageRef,omitempty"`
	AvailableStock int    `json:"availableStock"`
}

type customerInfoResponse struct {
	Email      string `json:"email"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type discountResponse struct {
	Code         string `json:"code"`
	Kind         string `json:"kind"`
	Value        int64  `json:"value"`
	Amount       int64  `json:"amount"`
	FreeShipping bool   `json:"freeShipping,omitempty"`
	IsReferral   bool   `json:"isReferral,omitempty"`
	ReferrerName string `json:"referrerName,omitempty"`
}

type shippingResponse struct {
	Cost     int64  `json:"cost"`
	Currency string `json:"currency"`
	Locked   bool   `json:"locked"`
}

type sessionResponse struct {
	SessionID     string                `json:"sessionId"`
	CartID        string                `json:"cartId"`
	Step          string                `json:"step"`
	Currency      string                `json:"currency"`
	Lines         []cartLineResponse    `json:"lines"`
	Customer      *customerInfoResponse `json:"customer,omitempty"`
	Discount      *discountResponse     `json:"discount,omitempty"`
	Shipping      shippingResponse      `json:"shipping"`
	PaymentMethod string                `json:"paymentMethod,omitempty"`
	OrderID       string                `json:"orderId,omitempty"`
	Subtotal      int64                 `json:"subtotal"`
	Discounted    int64                 `json:"discountAmount"`
	Total         int64                 `json:"total"`
	ExpiresAt     string                `json:"expiresAt,omitempty"`
}

type paymentInstructionResponse struct {
	Session          sessionResponse   `json:"session"`
	Provider         string            `json:"provider"`
	Handle           string            `json:"handle"`
	RedirectRequired bool              `json:"redirectRequired"`
	RedirectURL      string            `json:"redirectUrl,omitempty"`
	Presentation     map[string]string `json:"presentation,omitempty"`
}

type orderResponse struct {
	OrderID      string             `json:"orderId"`
	SessionID    string             `json:"sessionId"`
	Provider     string             `json:"provider"`
	Status       string             `json:"status"`
	Currency     string             `json:"currency"`
	Items        []cartLineResponse `json:"items"`
	Subtotal     int64              `json:"subtotal"`
	ShippingCost int64              `json:"shippingCost"`
	Total        int64              `json:"total"`
	CreatedAt    string             `json:"createdAt,omitempty"`
}

type checkoutResultResponse struct {
	Session sessionResponse `json:"session"`
	Order   *orderResponse  `json:"order,omitempty"`
	Status  string          `json:"paymentStatus,omitempty"`
}

func (h *CheckoutHandlers) beginSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req beginSessionRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	session, err := h.checkout.Begin(ctx, services.BeginCheckoutCommand{CartID: req.CartID})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, toSessionResponse(session))
}

func (h *CheckoutHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, err := h.checkout.Get(ctx, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toSessionResponse(session))
}

func (h *CheckoutHandlers) updateLineQuantity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req updateLineQuantityRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	session, err := h.checkout.UpdateLineQuantity(ctx, services.UpdateLineQuantityCommand{
		SessionID: chi.URLParam(r, "sessionID"),
		ProductID: chi.URLParam(r, "productID"),
		Quantity:  req.Quantity,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toSessionResponse(session))
}

func (h *CheckoutHandlers) submitCustomerInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req customerInfoRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	session, err := h.checkout.SubmitCustomerInfo(ctx, services.SubmitCustomerInfoCommand{
		SessionID: chi.URLParam(r, "sessionID"),
		Customer: domain.CustomerInfo{
			Email:      req.Email,
			FirstName:  req.FirstName,
			LastName:   req.LastName,
			Line1:      req.Line1,
			Line2:      req.Line2,
			City:       req.City,
			PostalCode: req.PostalCode,
			Country:    req.Country,
		},
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toSessionResponse(session))
}

func (h *CheckoutHandlers) applyDiscount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.discounts {
		httpx.WriteError(ctx, w, httpx.NewError("discounts_disabled", "discount codes are not enabled", http.StatusNotFound))
		return
	}
	var req applyDiscountRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	session, err := h.checkout.ApplyDiscount(ctx, services.ApplyDiscountCommand{
		SessionID: chi.URLParam(r, "sessionID"),
		Code:      req.Code,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toSessionResponse(session))
}

func (h *CheckoutHandlers) removeDiscount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.discounts {
		httpx.WriteError(ctx, w, httpx.NewError("discounts_disabled", "discount codes are not enabled", http.StatusNotFound))
		return
	}
	session, err := h.checkout.RemoveDiscount(ctx, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toSessionResponse(session))
}

func (h *CheckoutHandlers) selectPaymentMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req selectPaymentMethodRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	session, err := h.checkout.SelectPaymentMethod(ctx, services.SelectPaymentMethodCommand{
		SessionID:       chi.URLParam(r, "sessionID"),
		Provider:        req.Provider,
		AcceptTerms:     req.AcceptTerms,
		CombineShipping: req.CombineShipping,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toSessionResponse(session))
}

func (h *CheckoutHandlers) recomputeShipping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req recomputeShippingRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	session, err := h.checkout.RecomputeShipping(ctx, services.RecomputeShippingCommand{
		SessionID:       chi.URLParam(r, "sessionID"),
		Reason:          req.Reason,
		CombineShipping: req.CombineShipping,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toSessionResponse(session))
}

func (h *CheckoutHandlers) back(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, err := h.checkout.Back(ctx, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toSessionResponse(session))
}

func (h *CheckoutHandlers) startPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instruction, err := h.checkout.StartPayment(ctx, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, paymentInstructionResponse{
		Session:          toSessionResponse(instruction.Session),
		Provider:         instruction.Provider,
		Handle:           instruction.Handle,
		RedirectRequired: instruction.RedirectRequired,
		RedirectURL:      instruction.RedirectURL,
		Presentation:     instruction.Presentation,
	})
}

func (h *CheckoutHandlers) completePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req completePaymentRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	result, err := h.checkout.CompletePayment(ctx, services.CompletePaymentCommand{
		SessionID: chi.URLParam(r, "sessionID"),
		Handle:    req.Handle,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toResultResponse(result))
}

func (h *CheckoutHandlers) retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, err := h.checkout.Retry(ctx, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toSessionResponse(session))
}

func (h *CheckoutHandlers) changeProvider(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, err := h.checkout.ChangeProvider(ctx, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toSessionResponse(session))
}

// handleReturn is the browser landing endpoint after a redirect provider.
// Cancelled returns without a provider reference only route the session
// backward; anything else goes through verification and reconciliation.
// Returns that carry only the checkout session id are still resumed; the
// service recovers the in-flight reference persisted at payment start.
func (h *CheckoutHandlers) handleReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	provider := strings.TrimSpace(query.Get("payment_method"))
	status := strings.TrimSpace(query.Get("status"))
	sessionID := strings.TrimSpace(query.Get("checkout_session_id"))
	reference := returnReference(provider, query.Get)

	if reference == "" && sessionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "provider reference or session id is required", http.StatusBadRequest))
		return
	}

	// Cancelled without a reference means the customer backed out before the
	// provider issued anything worth reconciling.
	if reference == "" && strings.EqualFold(status, "cancelled") {
		session, err := h.checkout.Back(ctx, sessionID)
		if err != nil && !errors.Is(err, services.ErrInvalidTransition) {
			writeCheckoutError(ctx, w, err)
			return
		}
		if errors.Is(err, services.ErrInvalidTransition) {
			session, err = h.checkout.Get(ctx, sessionID)
			if err != nil {
				writeCheckoutError(ctx, w, err)
				return
			}
		}
		writeJSONResponse(w, http.StatusOK, checkoutResultResponse{Session: toSessionResponse(session)})
		return
	}

	result, err := h.checkout.Resume(ctx, services.ReturnParams{
		Provider:  provider,
		SessionID: sessionID,
		Reference: reference,
		Status:    status,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toResultResponse(result))
}

func (h *CheckoutHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "order lookup unavailable", http.StatusServiceUnavailable))
		return
	}
	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	resp := toOrderResponse(order)
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *CheckoutHandlers) decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

// returnReference extracts the provider-issued reference from the query
// parameters each provider appends on redirect.
func returnReference(provider string, get func(string) string) string {
	switch provider {
	case "stripe":
		if v := strings.TrimSpace(get("session_id")); v != "" {
			return v
		}
	case "coinbase":
		if v := strings.TrimSpace(get("charge_id")); v != "" {
			return v
		}
	}
	return strings.TrimSpace(get("reference"))
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var creationErr *services.OrderCreationError
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "checkout session not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart has no purchasable items", http.StatusConflict))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", "operation not allowed in the current step", http.StatusConflict))
	case errors.Is(err, services.ErrTermsNotAccepted):
		httpx.WriteError(ctx, w, httpx.NewError("terms_not_accepted", "terms must be accepted before payment", http.StatusBadRequest))
	case errors.Is(err, services.ErrShippingLocked):
		httpx.WriteError(ctx, w, httpx.NewError("shipping_locked", "shipping quote is locked during payment", http.StatusConflict))
	case errors.Is(err, services.ErrShippingRateUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("shipping_rate_unavailable", "no shipping rate configured for the destination", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCodeNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("code_not_found", "discount code not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCodeExpired):
		httpx.WriteError(ctx, w, httpx.NewError("code_expired", "discount code has expired", http.StatusGone))
	case errors.Is(err, services.ErrCodeAlreadyUsed):
		httpx.WriteError(ctx, w, httpx.NewError("code_already_used", "discount code was already redeemed", http.StatusConflict))
	case errors.Is(err, services.ErrCodeMinimumNotMet):
		httpx.WriteError(ctx, w, httpx.NewError("code_minimum_not_met", "cart subtotal below the code minimum", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrProviderInitiationFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_initiation_failed", "payment provider could not start the payment", http.StatusBadGateway))
	case errors.Is(err, services.ErrVerificationFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_verification_failed", "payment could not be verified", http.StatusBadGateway))
	case errors.Is(err, services.ErrReconciliationRecordMissing):
		httpx.WriteError(ctx, w, httpx.NewError("payment_unverified", "no payment attempt on record for this return", http.StatusConflict))
	case errors.As(err, &creationErr):
		httpx.WriteError(ctx, w, httpx.NewError("order_creation_failed", "payment settled but the order could not be created", http.StatusInternalServerError).
			WithDetails(map[string]any{"provider_reference": creationErr.ProviderReference}))
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid checkout request", http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}

func toSessionResponse(session services.CheckoutSession) sessionResponse {
	resp := sessionResponse{
		SessionID: session.ID,
		CartID:    session.CartID,
		Step:      string(session.Step),
		Currency:  session.Cart.Currency,
		Lines:     toCartLineResponses(session.Cart.Lines),
		Shipping: shippingResponse{
			Cost:     session.Shipping.Cost,
			Currency: session.Shipping.Currency,
			Locked:   session.Shipping.Locked(),
		},
		PaymentMethod: session.PaymentMethod,
		OrderID:       session.OrderID,
		Subtotal:      session.Subtotal(),
		Discounted:    session.DiscountAmount(),
		Total:         session.Total(),
		ExpiresAt:     formatTimestamp(session.ExpiresAt),
	}
	if strings.TrimSpace(session.Customer.Email) != "" {
		resp.Customer = &customerInfoResponse{
			Email:      session.Customer.Email,
			FirstName:  session.Customer.FirstName,
			LastName:   session.Customer.LastName,
			Line1:      session.Customer.Line1,
			Line2:      session.Customer.Line2,
			City:       session.Customer.City,
			PostalCode: session.Customer.PostalCode,
			Country:    session.Customer.Country,
		}
	}
	if session.Discount != nil {
		resp.Discount = &discountResponse{
			Code:         session.Discount.Code,
			Kind:         string(session.Discount.Kind),
			Value:        session.Discount.Value,
			Amount:       session.Discount.ComputedAmount,
			FreeShipping: session.Discount.FreeShipping,
			IsReferral:   session.Discount.IsReferral,
			ReferrerName: session.Discount.ReferrerName,
		}
	}
	return resp
}

func toCartLineResponses(lines []domain.CartLine) []cartLineResponse {
	out := make([]cartLineResponse, 0, len(lines))
	for _, line := range lines {
		out = append(out, cartLineResponse{
			ProductID:      line.ProductID,
			Name:           line.Name,
			UnitPrice:      line.UnitPrice,
			Quantity:       line.Quantity,
			ImageRef:       line.ImageRef,
			AvailableStock: line.AvailableStock,
		})
	}
	return out
}

func toOrderResponse(order services.Order) *orderResponse {
	return &orderResponse{
		OrderID:      order.ID,
		SessionID:    order.SessionID,
		Provider:     order.Provider,
		Status:       string(order.Status),
		Currency:     order.Currency,
		Items:        toCartLineResponses(order.Items),
		Subtotal:     order.Subtotal,
		ShippingCost: order.ShippingCost,
		Total:        order.Total,
		CreatedAt:    formatTimestamp(order.CreatedAt),
	}
}

func toResultResponse(result services.CheckoutResult) checkoutResultResponse {
	resp := checkoutResultResponse{
		Session: toSessionResponse(result.Session),
		Status:  string(result.Outcome.Status),
	}
	if result.Order != nil {
		resp.Order = toOrderResponse(*result.Order)
	}
	return resp
}
