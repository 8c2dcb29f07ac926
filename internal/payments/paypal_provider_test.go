package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/plutov/paypal/v4"

	"github.com/wovengoods/checkout-api/internal/domain"
)

type fakePayPalOrders struct {
	createdUnits []paypal.PurchaseUnitRequest
	order        *paypal.Order
	captureResp  *paypal.CaptureOrderResponse
	captureErr   error
	getOrder     *paypal.Order
	getErr       error
}

func (f *fakePayPalOrders) CreateOrder(_ context.Context, _ string, units []paypal.PurchaseUnitRequest, _ *paypal.PaymentSource, _ *paypal.ApplicationContext) (*paypal.Order, error) {
	f.createdUnits = units
	return f.order, nil
}

func (f *fakePayPalOrders) CaptureOrder(_ context.Context, _ string, _ paypal.CaptureOrderRequest) (*paypal.CaptureOrderResponse, error) {
	return f.captureResp, f.captureErr
}

func (f *fakePayPalOrders) GetOrder(context.Context, string) (*paypal.Order, error) {
	return f.getOrder, f.getErr
}

func TestPayPalInitiateCreatesCaptureOrder(t *testing.T) {
	orders := &fakePayPalOrders{order: &paypal.Order{ID: "PP-ORDER-1"}}
	provider, err := NewPayPalProvider(PayPalProviderConfig{Orders: orders, Clock: fixedClock})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	result, err := provider.Initiate(context.Background(), InitiateRequest{
		SessionID: "sess-1",
		Amount:    10500,
		Currency:  "usd",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if result.RedirectRequired {
		t.Error("expected in-place presentation, not a redirect")
	}
	if result.Handle != "PP-ORDER-1" {
		t.Errorf("unexpected handle: %s", result.Handle)
	}
	if result.Presentation["paypal_order_id"] != "PP-ORDER-1" {
		t.Errorf("unexpected presentation: %v", result.Presentation)
	}
	if len(orders.createdUnits) != 1 {
		t.Fatalf("expected one purchase unit, got %d", len(orders.createdUnits))
	}
	unit := orders.createdUnits[0]
	if unit.Amount == nil || unit.Amount.Value != "105.00" || unit.Amount.Currency != "USD" {
		t.Errorf("unexpected purchase unit amount: %+v", unit.Amount)
	}
	if unit.ReferenceID != "sess-1" {
		t.Errorf("unexpected reference id: %s", unit.ReferenceID)
	}
}

func TestPayPalVerifyCaptureCompleted(t *testing.T) {
	orders := &fakePayPalOrders{
		captureResp: &paypal.CaptureOrderResponse{
			ID:     "PP-ORDER-1",
			Status: "COMPLETED",
			PurchaseUnits: []paypal.CapturedPurchaseUnit{
				{
					Payments: &paypal.CapturedPayments{
						Captures: []paypal.CaptureAmount{
							{ID: "CAP-1", Amount: &paypal.PurchaseUnitAmount{Currency: "USD", Value: "105.00"}},
						},
					},
				},
			},
		},
	}
	provider, err := NewPayPalProvider(PayPalProviderConfig{Orders: orders, Clock: fixedClock})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	outcome, err := provider.Verify(context.Background(), VerifyRequest{Handle: "PP-ORDER-1"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if outcome.Status != domain.PaymentPaid {
		t.Errorf("expected paid, got %s", outcome.Status)
	}
	if outcome.SettledAmount != 10500 || outcome.SettledCurrency != "USD" {
		t.Errorf("unexpected settled amount %d %s", outcome.SettledAmount, outcome.SettledCurrency)
	}
	if outcome.ProviderReference != "PP-ORDER-1" {
		t.Errorf("unexpected provider reference: %s", outcome.ProviderReference)
	}
}

func TestPayPalVerifyFallsBackToGetOrder(t *testing.T) {
	orders := &fakePayPalOrders{
		captureErr: errors.New("ORDER_ALREADY_CAPTURED"),
		getOrder:   &paypal.Order{ID: "PP-ORDER-1", Status: "COMPLETED"},
	}
	provider, err := NewPayPalProvider(PayPalProviderConfig{Orders: orders, Clock: fixedClock})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	outcome, err := provider.Verify(context.Background(), VerifyRequest{Handle: "PP-ORDER-1"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if outcome.Status != domain.PaymentPaid {
		t.Errorf("expected paid from already-captured order, got %s", outcome.Status)
	}
}

func TestPayPalVerifySurfacesCaptureError(t *testing.T) {
	orders := &fakePayPalOrders{
		captureErr: errors.New("INTERNAL_ERROR"),
		getErr:     errors.New("also unavailable"),
	}
	provider, err := NewPayPalProvider(PayPalProviderConfig{Orders: orders, Clock: fixedClock})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	if _, err := provider.Verify(context.Background(), VerifyRequest{Handle: "PP-ORDER-1"}); err == nil {
		t.Fatal("expected error when capture and lookup both fail")
	}
}

func TestFormatMinorUnits(t *testing.T) {
	cases := []struct {
		amount   int64
		currency string
		want     string
	}{
		{10500, "USD", "105.00"},
		{5, "USD", "0.05"},
		{10500, "JPY", "10500"},
		{-150, "EUR", "-1.50"},
	}
	for _, tc := range cases {
		if got := formatMinorUnits(tc.amount, tc.currency); got != tc.want {
			t.Errorf("formatMinorUnits(%d, %s) = %s, want %s", tc.amount, tc.currency, got, tc.want)
		}
	}
}

func TestParseMinorUnits(t *testing.T) {
	if got := parseMinorUnits("105.00", "USD"); got != 10500 {
		t.Errorf("expected 10500, got %d", got)
	}
	if got := parseMinorUnits("10500", "JPY"); got != 10500 {
		t.Errorf("expected 10500, got %d", got)
	}
	if got := parseMinorUnits("garbage", "USD"); got != 0 {
		t.Errorf("expected 0 for unparseable value, got %d", got)
	}
}
