package services

import (
	domain "github.com/wovengoods/checkout-api/internal/domain"
)

// ShippingInput bundles everything the calculator needs. The calculator is a
// pure function of this input so live previews, locked quotes, and forced
// settings refreshes all agree.
type ShippingInput struct {
	ItemCount       int
	Currency        string
	Country         string
	CombineShipping bool
	FreeShipping    bool
	Settings        ShippingSettings
}

// CalculateShipping maps the input to a non-negative cost in minor units.
// When no rate is configured for the destination it returns
// ErrShippingRateUnavailable; callers must block progression rather than
// default the cost to zero.
func CalculateShipping(input ShippingInput) (int64, error) {
	if input.FreeShipping {
		return 0, nil
	}
	if input.ItemCount <= 0 {
		return 0, nil
	}

	currency := domain.NormalizeCurrency(input.Currency)
	country := domain.NormalizeCountry(input.Country)

	zone, hasZone := input.Settings.ZoneRatesByCountry[country]
	flat, hasFlat := input.Settings.FlatRateByCurrency[currency]

	if input.CombineShipping && input.Settings.CombinedShippingEnabled {
		if hasZone {
			cost := zone.FirstItem + zone.PerAdditionalItem*int64(input.ItemCount-1)
			return nonNegative(cost), nil
		}
		if hasFlat {
			return nonNegative(flat), nil
		}
		return 0, ErrShippingRateUnavailable
	}

	if hasZone {
		return nonNegative(zone.FirstItem), nil
	}
	if hasFlat {
		return nonNegative(flat), nil
	}
	return 0, ErrShippingRateUnavailable
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
