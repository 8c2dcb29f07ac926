package services

import (
	"errors"
	"testing"

	domain "github.com/wovengoods/checkout-api/internal/domain"
)

func testShippingSettings() ShippingSettings {
	return ShippingSettings{
		FlatRateByCurrency: map[string]int64{
			"USD": 1500,
			"JPY": 800,
		},
		CombinedShippingEnabled: true,
		ZoneRatesByCountry: map[string]domain.ZoneRate{
			"JP": {FirstItem: 700, PerAdditionalItem: 200},
			"US": {FirstItem: 1200, PerAdditionalItem: 400},
		},
	}
}

func TestCalculateShippingFreeShippingOverridesEverything(t *testing.T) {
	cost, err := CalculateShipping(ShippingInput{
		ItemCount:       12,
		Currency:        "usd",
		Country:         "us",
		CombineShipping: true,
		FreeShipping:    true,
		Settings:        testShippingSettings(),
	})
	if err != nil {
		t.Fatalf("CalculateShipping: %v", err)
	}
	if cost != 0 {
		t.Fatalf("expected free shipping, got %d", cost)
	}
}

func TestCalculateShippingEmptyCartIsFree(t *testing.T) {
	cost, err := CalculateShipping(ShippingInput{
		ItemCount: 0,
		Currency:  "USD",
		Country:   "US",
		Settings:  testShippingSettings(),
	})
	if err != nil {
		t.Fatalf("CalculateShipping: %v", err)
	}
	if cost != 0 {
		t.Fatalf("expected zero cost for empty cart, got %d", cost)
	}
}

func TestCalculateShippingCombinedMode(t *testing.T) {
	cost, err := CalculateShipping(ShippingInput{
		ItemCount:       3,
		Currency:        "JPY",
		Country:         "JP",
		CombineShipping: true,
		Settings:        testShippingSettings(),
	})
	if err != nil {
		t.Fatalf("CalculateShipping: %v", err)
	}
	if want := int64(700 + 200*2); cost != want {
		t.Fatalf("expected combined cost %d, got %d", want, cost)
	}
}

func TestCalculateShippingCombinedDisabledFallsBackToZoneRate(t *testing.T) {
	settings := testShippingSettings()
	settings.CombinedShippingEnabled = false

	cost, err := CalculateShipping(ShippingInput{
		ItemCount:       3,
		Currency:        "JPY",
		Country:         "JP",
		CombineShipping: true,
		Settings:        settings,
	})
	if err != nil {
		t.Fatalf("CalculateShipping: %v", err)
	}
	if cost != 700 {
		t.Fatalf("expected zone first-item rate 700, got %d", cost)
	}
}

func TestCalculateShippingFlatRateByCurrency(t *testing.T) {
	cost, err := CalculateShipping(ShippingInput{
		ItemCount: 2,
		Currency:  "usd",
		Country:   "DE",
		Settings:  testShippingSettings(),
	})
	if err != nil {
		t.Fatalf("CalculateShipping: %v", err)
	}
	if cost != 1500 {
		t.Fatalf("expected flat rate 1500, got %d", cost)
	}
}

func TestCalculateShippingRateUnavailable(t *testing.T) {
	_, err := CalculateShipping(ShippingInput{
		ItemCount: 1,
		Currency:  "EUR",
		Country:   "DE",
		Settings:  testShippingSettings(),
	})
	if !errors.Is(err, ErrShippingRateUnavailable) {
		t.Fatalf("expected ErrShippingRateUnavailable, got %v", err)
	}
}

func TestCalculateShippingSaveTenScenario(t *testing.T) {
	// 100.00 subtotal cart, flat 15.00 shipping, combined disabled.
	cost, err := CalculateShipping(ShippingInput{
		ItemCount: 2,
		Currency:  "USD",
		Country:   "FR",
		Settings: ShippingSettings{
			FlatRateByCurrency: map[string]int64{"USD": 1500},
		},
	})
	if err != nil {
		t.Fatalf("CalculateShipping: %v", err)
	}
	if cost != 1500 {
		t.Fatalf("expected 1500, got %d", cost)
	}

	subtotal := int64(10000)
	discount := domain.PercentageDiscount(subtotal, 10)
	if discount != 1000 {
		t.Fatalf("expected discount 1000, got %d", discount)
	}
	if total := domain.OrderTotal(subtotal, discount, cost); total != 10500 {
		t.Fatalf("expected total 10500, got %d", total)
	}
}
