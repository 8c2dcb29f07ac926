package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/wovengoods/checkout-api/internal/domain"
)

type stubOrderRepository struct {
	stored   map[string]domain.Order
	failures int
	calls    int
}

func newStubOrderRepository() *stubOrderRepository {
	return &stubOrderRepository{stored: map[string]domain.Order{}}
}

func (s *stubOrderRepository) CreateIfAbsent(ctx context.Context, order domain.Order) (domain.Order, bool, error) {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return domain.Order{}, false, errors.New("storage down")
	}
	key := order.SessionID + "|" + order.ProviderReference
	if existing, ok := s.stored[key]; ok {
		return existing, false, nil
	}
	if order.ID == "" {
		order.ID = "order-" + key
	}
	s.stored[key] = order
	return order, true, nil
}

func (s *stubOrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	for _, order := range s.stored {
		if order.ID == orderID {
			return order, nil
		}
	}
	return domain.Order{}, notFoundError{}
}

type stubCartRepository struct {
	cart    domain.CartSnapshot
	cleared []string
	getErr  error
}

func (s *stubCartRepository) GetActive(ctx context.Context, cartID string) (domain.CartSnapshot, error) {
	if s.getErr != nil {
		return domain.CartSnapshot{}, s.getErr
	}
	return s.cart, nil
}

func (s *stubCartRepository) Clear(ctx context.Context, cartID string) error {
	s.cleared = append(s.cleared, cartID)
	return nil
}

type stubSignalPublisher struct {
	referrals  []ReferralApplication
	refreshes  []string
	publishErr error
}

func (s *stubSignalPublisher) PublishReferralApplication(ctx context.Context, app ReferralApplication) error {
	if s.publishErr != nil {
		return s.publishErr
	}
	s.referrals = append(s.referrals, app)
	return nil
}

func (s *stubSignalPublisher) PublishInventoryRefresh(ctx context.Context, productID string) error {
	s.refreshes = append(s.refreshes, productID)
	return nil
}

func testFinalizeCommand() FinalizeOrderCommand {
	return FinalizeOrderCommand{
		SessionID: "sess-1",
		CartID:    "cart-1",
		Cart: domain.CartSnapshot{
			Currency: "USD",
			Lines: []domain.CartLine{
				{ProductID: "p-1", Name: "Mug", UnitPrice: 4000, Quantity: 2},
				{ProductID: "p-2", Name: "Tote", UnitPrice: 2000, Quantity: 1},
			},
		},
		Customer:     domain.CustomerInfo{Email: "buyer@example.com", FirstName: "Kei", LastName: "Sato"},
		ShippingCost: 1500,
		Currency:     "USD",
		Outcome: domain.PaymentOutcome{
			Provider:          "stripe",
			ProviderReference: "cs_123",
			Status:            domain.PaymentPaid,
			SettledAmount:     11500,
			SettledCurrency:   "USD",
		},
	}
}

func newOrderServiceForTest(t *testing.T, orders *stubOrderRepository, carts *stubCartRepository, signals *stubSignalPublisher) OrderService {
	t.Helper()
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:  orders,
		Carts:   carts,
		Codes:   &stubCodeRepository{},
		Signals: signals,
		Clock:   func() time.Time { return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc
}

func TestFinalizeCreatesOrderOnce(t *testing.T) {
	orders := newStubOrderRepository()
	carts := &stubCartRepository{}
	signals := &stubSignalPublisher{}
	svc := newOrderServiceForTest(t, orders, carts, signals)

	cmd := testFinalizeCommand()
	first, err := svc.Finalize(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if first.Total != 11500 {
		t.Fatalf("expected total 11500, got %d", first.Total)
	}
	if first.Status != domain.OrderPaid {
		t.Fatalf("expected paid status, got %s", first.Status)
	}

	second, err := svc.Finalize(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Finalize replay: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same order id on replay, got %s and %s", first.ID, second.ID)
	}
	if len(orders.stored) != 1 {
		t.Fatalf("expected one stored order, got %d", len(orders.stored))
	}
	if len(carts.cleared) != 2 {
		t.Fatalf("expected cart clear re-attempted, got %d", len(carts.cleared))
	}
}

func TestFinalizeRetriesCreateOnce(t *testing.T) {
	orders := newStubOrderRepository()
	orders.failures = 1
	svc := newOrderServiceForTest(t, orders, &stubCartRepository{}, &stubSignalPublisher{})

	order, err := svc.Finalize(context.Background(), testFinalizeCommand())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if orders.calls != 2 {
		t.Fatalf("expected 2 create attempts, got %d", orders.calls)
	}
	if order.ID == "" {
		t.Fatal("expected order id")
	}
}

func TestFinalizeSurfacesReferenceAfterRetryExhausted(t *testing.T) {
	orders := newStubOrderRepository()
	orders.failures = 2
	svc := newOrderServiceForTest(t, orders, &stubCartRepository{}, &stubSignalPublisher{})

	_, err := svc.Finalize(context.Background(), testFinalizeCommand())
	var creationErr *OrderCreationError
	if !errors.As(err, &creationErr) {
		t.Fatalf("expected OrderCreationError, got %v", err)
	}
	if creationErr.ProviderReference != "cs_123" {
		t.Fatalf("expected provider reference in error, got %q", creationErr.ProviderReference)
	}
}

func TestFinalizeAppliesReferralOnceWithComputedReward(t *testing.T) {
	orders := newStubOrderRepository()
	signals := &stubSignalPublisher{}
	svc := newOrderServiceForTest(t, orders, &stubCartRepository{}, signals)

	cmd := testFinalizeCommand()
	// 10000 subtotal referral: 10% off, flat 1500 shipping, total 10500.
	cmd.Cart.Lines = []domain.CartLine{{ProductID: "p-1", Name: "Mug", UnitPrice: 10000, Quantity: 1}}
	cmd.Discount = &domain.DiscountApplication{
		Code:           "REF-ANNA",
		Kind:           domain.DiscountPercentage,
		Value:          10,
		ComputedAmount: 1000,
		IsReferral:     true,
		ReferralID:     "ref-123",
		ReferrerName:   "Anna",
	}

	order, err := svc.Finalize(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if order.Total != 10500 {
		t.Fatalf("expected total 10500, got %d", order.Total)
	}
	if _, err := svc.Finalize(context.Background(), cmd); err != nil {
		t.Fatalf("Finalize replay: %v", err)
	}
	if len(signals.referrals) != 1 {
		t.Fatalf("expected referral applied once, got %d", len(signals.referrals))
	}
	app := signals.referrals[0]
	if app.OrderTotal != 10500 || app.ReferralID != "ref-123" {
		t.Fatalf("unexpected referral application %+v", app)
	}
	// Reward value 10% of the settled total.
	if reward := domain.PercentageDiscount(app.OrderTotal, 10); reward != 1050 {
		t.Fatalf("expected reward 1050, got %d", reward)
	}
}

func TestFinalizeReferralFailureDoesNotRollBack(t *testing.T) {
	orders := newStubOrderRepository()
	signals := &stubSignalPublisher{publishErr: errors.New("pubsub down")}
	svc := newOrderServiceForTest(t, orders, &stubCartRepository{}, signals)

	cmd := testFinalizeCommand()
	cmd.Discount = &domain.DiscountApplication{
		Code:           "REF-ANNA",
		Kind:           domain.DiscountPercentage,
		Value:          10,
		ComputedAmount: 1000,
		IsReferral:     true,
		ReferralID:     "ref-123",
	}

	order, err := svc.Finalize(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if order.ID == "" {
		t.Fatal("expected order despite referral failure")
	}
}

func TestFinalizePendingCryptoBecomesAwaitingConfirmation(t *testing.T) {
	orders := newStubOrderRepository()
	svc := newOrderServiceForTest(t, orders, &stubCartRepository{}, &stubSignalPublisher{})

	cmd := testFinalizeCommand()
	cmd.Outcome.Provider = "coinbase"
	cmd.Outcome.ProviderReference = "charge-9"
	cmd.Outcome.Status = domain.PaymentPending

	order, err := svc.Finalize(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if order.Status != domain.OrderAwaitingConfirmation {
		t.Fatalf("expected awaiting_confirmation, got %s", order.Status)
	}
}

func TestFinalizeRejectsUnsettledOutcome(t *testing.T) {
	orders := newStubOrderRepository()
	carts := &stubCartRepository{}
	svc := newOrderServiceForTest(t, orders, carts, &stubSignalPublisher{})

	cmd := testFinalizeCommand()
	cmd.Outcome.Status = domain.PaymentFailed

	if _, err := svc.Finalize(context.Background(), cmd); !errors.Is(err, ErrOutcomeNotSettled) {
		t.Fatalf("expected ErrOutcomeNotSettled, got %v", err)
	}
	if len(orders.stored) != 0 {
		t.Fatal("expected no order created")
	}
	if len(carts.cleared) != 0 {
		t.Fatal("expected cart untouched")
	}
}

func TestFinalizeEmitsInventoryRefreshPerProduct(t *testing.T) {
	signals := &stubSignalPublisher{}
	svc := newOrderServiceForTest(t, newStubOrderRepository(), &stubCartRepository{}, signals)

	if _, err := svc.Finalize(context.Background(), testFinalizeCommand()); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(signals.refreshes) != 2 {
		t.Fatalf("expected 2 inventory refreshes, got %d", len(signals.refreshes))
	}
}
