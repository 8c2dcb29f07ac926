package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/wovengoods/checkout-api/internal/domain"
	"github.com/wovengoods/checkout-api/internal/repositories"
)

// ErrOutcomeNotSettled indicates a failed or cancelled outcome was handed to
// the finalizer; those never produce an order.
var ErrOutcomeNotSettled = errors.New("orders: payment outcome is not settled")

// ReferralApplication carries everything the referral reward worker needs.
type ReferralApplication struct {
	ReferralID      string
	OrderID         string
	OrderTotal      int64
	DiscountApplied int64
	Currency        string
	ReferredEmail   string
	ReferredName    string
}

// SignalPublisher emits the best-effort signals the finalizer fires after an
// order exists: referral reward application and inventory refreshes.
type SignalPublisher interface {
	PublishReferralApplication(ctx context.Context, app ReferralApplication) error
	PublishInventoryRefresh(ctx context.Context, productID string) error
}

// OrderServiceDeps wires the dependencies required by the order service.
type OrderServiceDeps struct {
	Orders  repositories.OrderRepository
	Carts   repositories.CartRepository
	Codes   repositories.CodeRepository
	Signals SignalPublisher
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders  repositories.OrderRepository
	carts   repositories.CartRepository
	codes   repositories.CodeRepository
	signals SignalPublisher
	now     func() time.Time
	logger  func(ctx context.Context, event string, fields map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService constructs an OrderService validating required dependencies.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderService{
		orders:  deps.Orders,
		carts:   deps.Carts,
		codes:   deps.Codes,
		signals: deps.Signals,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Finalize turns a settled payment outcome into an order exactly once. Every
// step is safe to re-run: creation is a compare-and-create keyed by
// (sessionID, providerReference); the side effects after it are idempotent
// or at-least-once best-effort.
func (s *orderService) Finalize(ctx context.Context, cmd FinalizeOrderCommand) (Order, error) {
	sessionID := strings.TrimSpace(cmd.SessionID)
	reference := strings.TrimSpace(cmd.Outcome.ProviderReference)
	if sessionID == "" || reference == "" {
		return Order{}, ErrCheckoutInvalidInput
	}
	if !cmd.Outcome.Settled() {
		return Order{}, ErrOutcomeNotSettled
	}

	status := domain.OrderPaid
	if cmd.Outcome.Status == domain.PaymentPending {
		status = domain.OrderAwaitingConfirmation
	}

	subtotal := domain.CartSubtotal(cmd.Cart)
	discountAmount := int64(0)
	if cmd.Discount != nil {
		discountAmount = cmd.Discount.ComputedAmount
	}

	order := domain.Order{
		SessionID:         sessionID,
		Provider:          cmd.Outcome.Provider,
		ProviderReference: reference,
		Items:             cmd.Cart.Lines,
		Customer:          cmd.Customer,
		Discount:          cmd.Discount,
		Currency:          cmd.Currency,
		Subtotal:          subtotal,
		ShippingCost:      cmd.ShippingCost,
		Total:             domain.OrderTotal(subtotal, discountAmount, cmd.ShippingCost),
		Status:            status,
		CreatedAt:         s.now(),
	}

	stored, created, err := s.orders.CreateIfAbsent(ctx, order)
	if err != nil {
		// The customer has already been charged; one automatic retry
		// through the same idempotent path before surfacing.
		s.logger(ctx, "orders.create.retrying", map[string]any{
			"session_id": sessionID,
			"reference":  reference,
			"error":      err.Error(),
		})
		stored, created, err = s.orders.CreateIfAbsent(ctx, order)
		if err != nil {
			return Order{}, &OrderCreationError{
				Provider:          cmd.Outcome.Provider,
				ProviderReference: reference,
				Err:               err,
			}
		}
	}

	if created {
		s.logger(ctx, "orders.finalized", map[string]any{
			"order_id":   stored.ID,
			"session_id": sessionID,
			"provider":   stored.Provider,
			"reference":  reference,
			"status":     string(stored.Status),
			"total":      stored.Total,
		})
		s.applyReferral(ctx, stored)
	} else {
		s.logger(ctx, "orders.finalize.replayed", map[string]any{
			"order_id":   stored.ID,
			"session_id": sessionID,
			"reference":  reference,
		})
	}

	s.recordRedemption(ctx, stored)
	s.clearCart(ctx, cmd.CartID, stored)
	s.refreshInventory(ctx, stored)

	return stored, nil
}

// GetOrder loads an order by id.
func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return Order{}, ErrCheckoutInvalidInput
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, err
	}
	return order, nil
}

// applyReferral fires the reward application signal. Failures are logged for
// manual reconciliation, never rolled back: the customer is already charged.
func (s *orderService) applyReferral(ctx context.Context, order Order) {
	if s.signals == nil || order.Discount == nil || !order.Discount.IsReferral {
		return
	}
	app := ReferralApplication{
		ReferralID:      order.Discount.ReferralID,
		OrderID:         order.ID,
		OrderTotal:      order.Total,
		DiscountApplied: order.Discount.ComputedAmount,
		Currency:        order.Currency,
		ReferredEmail:   order.Customer.Email,
		ReferredName:    strings.TrimSpace(order.Customer.FirstName + " " + order.Customer.LastName),
	}
	if err := s.signals.PublishReferralApplication(ctx, app); err != nil {
		s.logger(ctx, "orders.referral.publish_failed", map[string]any{
			"order_id":    order.ID,
			"referral_id": app.ReferralID,
			"error":       err.Error(),
		})
	}
}

func (s *orderService) recordRedemption(ctx context.Context, order Order) {
	if s.codes == nil || order.Discount == nil {
		return
	}
	if err := s.codes.RecordRedemption(ctx, order.Discount.Code, order.Customer.Email, order.ID); err != nil {
		s.logger(ctx, "orders.redemption.record_failed", map[string]any{
			"order_id": order.ID,
			"code":     order.Discount.Code,
			"error":    err.Error(),
		})
	}
}

func (s *orderService) clearCart(ctx context.Context, cartID string, order Order) {
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return
	}
	if err := s.carts.Clear(ctx, cartID); err != nil {
		s.logger(ctx, "orders.cart.clear_failed", map[string]any{
			"order_id": order.ID,
			"cart_id":  cartID,
			"error":    err.Error(),
		})
	}
}

func (s *orderService) refreshInventory(ctx context.Context, order Order) {
	if s.signals == nil {
		return
	}
	for _, line := range order.Items {
		if err := s.signals.PublishInventoryRefresh(ctx, line.ProductID); err != nil {
			s.logger(ctx, "orders.inventory.refresh_failed", map[string]any{
				"order_id":   order.ID,
				"product_id": line.ProductID,
				"error":      err.Error(),
			})
		}
	}
}
