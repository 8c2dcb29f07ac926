package domain

// CartSubtotal sums unit price times quantity across snapshot lines,
// skipping lines with non-positive quantity or price.
func CartSubtotal(cart CartSnapshot) int64 {
	var subtotal int64
	for _, line := range cart.Lines {
		if line.Quantity <= 0 || line.UnitPrice <= 0 {
			continue
		}
		subtotal += line.UnitPrice * int64(line.Quantity)
	}
	return subtotal
}

// PercentageDiscount computes round(subtotal * value / 100) with half-up
// rounding in minor units.
func PercentageDiscount(subtotal, value int64) int64 {
	if subtotal <= 0 || value <= 0 {
		return 0
	}
	amount := (subtotal*value + 50) / 100
	if amount > subtotal {
		return subtotal
	}
	return amount
}

// FixedDiscount clamps a fixed discount to the subtotal so totals never go
// negative.
func FixedDiscount(subtotal, value int64) int64 {
	if subtotal <= 0 || value <= 0 {
		return 0
	}
	if value > subtotal {
		return subtotal
	}
	return value
}

// OrderTotal is subtotal minus discount plus shipping, floored at zero.
func OrderTotal(subtotal, discount, shipping int64) int64 {
	total := subtotal - discount + shipping
	if total < 0 {
		return 0
	}
	return total
}
