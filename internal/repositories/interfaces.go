package repositories

import (
	"context"

	"github.com/wovengoods/checkout-api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Sessions() SessionRepository
	Orders() OrderRepository
	Codes() CodeRepository
	Settings() SettingsRepository
	Carts() CartRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// SessionRepository persists checkout sessions and the reconciliation records
// written before redirect-based payment attempts.
type SessionRepository interface {
	Save(ctx context.Context, session domain.CheckoutSession) error
	Find(ctx context.Context, sessionID string) (domain.CheckoutSession, error)
	Delete(ctx context.Context, sessionID string) error

	SaveReconciliation(ctx context.Context, record domain.ReconciliationRecord) error
	FindReconciliation(ctx context.Context, provider, providerReference string) (domain.ReconciliationRecord, error)
	DeleteReconciliation(ctx context.Context, provider, providerReference string) error
}

// OrderRepository creates and reads immutable order records. CreateIfAbsent is
// the exactly-once guard: it must atomically create the order keyed by
// (sessionID, providerReference) or return the existing one unchanged.
type OrderRepository interface {
	CreateIfAbsent(ctx context.Context, order domain.Order) (domain.Order, bool, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
}

// CodeRepository looks up discount and referral code definitions and records
// per-customer redemptions for single-use codes.
type CodeRepository interface {
	FindByCode(ctx context.Context, code string) (domain.DiscountCode, error)
	HasRedemption(ctx context.Context, code, customerEmail string) (bool, error)
	RecordRedemption(ctx context.Context, code, customerEmail, orderID string) error
}

// SettingsRepository reads the merchant shipping configuration snapshot.
type SettingsRepository interface {
	GetShippingSettings(ctx context.Context) (domain.ShippingSettings, error)
}

// CartRepository reads the customer's active cart and clears it after an
// order has been finalized.
type CartRepository interface {
	GetActive(ctx context.Context, cartID string) (domain.CartSnapshot, error)
	Clear(ctx context.Context, cartID string) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
