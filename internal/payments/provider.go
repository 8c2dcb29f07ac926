package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wovengoods/checkout-api/internal/domain"
)

// ErrUnsupportedProvider is returned when the registry cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// Logger defines the logging contract for provider operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// LineItem describes a single cart line forwarded to providers that render
// itemised checkout pages.
type LineItem struct {
	Name      string
	SKU       string
	Quantity  int64
	UnitPrice int64
	Currency  string
}

// InitiateRequest captures everything an adapter needs to start a payment
// attempt for a checkout session. Amount is the session total with the
// locked shipping quote and any discount already applied; adapters that
// itemise the charge must also forward ShippingCost and DiscountAmount so
// the provider collects exactly Amount.
type InitiateRequest struct {
	SessionID      string
	Amount         int64
	Currency       string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	Items          []LineItem
	ShippingCost   int64
	DiscountAmount int64
	DiscountCode   string
	Metadata       map[string]string
	IdempotencyKey string
}

// InitiateResult is the normalised response of a started payment attempt.
// Redirect providers return a RedirectURL; direct-capture providers return
// Presentation data the client renders in place.
type InitiateResult struct {
	Provider         string
	Handle           string
	RedirectRequired bool
	RedirectURL      string
	Presentation     map[string]string
	ExpiresAt        time.Time
}

// VerifyRequest identifies a previously initiated attempt by its provider handle.
type VerifyRequest struct {
	Handle string
}

// Provider is the adapter contract every payment integration implements.
// Verify must consult the provider's API and never trust client input alone.
type Provider interface {
	ID() string
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error)
	Verify(ctx context.Context, req VerifyRequest) (domain.PaymentOutcome, error)
}

// Registry holds the configured providers keyed by their identifier.
type Registry struct {
	providers map[string]Provider
	order     []string
}

// NewRegistry constructs a Registry over the supplied providers.
func NewRegistry(providers ...Provider) (*Registry, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	reg := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("payments: nil provider registration")
		}
		key := strings.TrimSpace(strings.ToLower(p.ID()))
		if key == "" {
			return nil, errors.New("payments: provider with empty id")
		}
		if _, exists := reg.providers[key]; exists {
			return nil, fmt.Errorf("payments: duplicate provider registration for %q", key)
		}
		reg.providers[key] = p
		reg.order = append(reg.order, key)
	}
	return reg, nil
}

// Resolve returns the provider registered under the given identifier.
func (r *Registry) Resolve(id string) (Provider, error) {
	if r == nil || len(r.providers) == 0 {
		return nil, errors.New("payments: no providers registered")
	}
	key := strings.TrimSpace(strings.ToLower(id))
	provider, ok := r.providers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, id)
	}
	return provider, nil
}

// IDs lists the registered provider identifiers in registration order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
