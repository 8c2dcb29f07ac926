package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/iterator"

	"github.com/wovengoods/checkout-api/internal/repositories"
	pfirestore "github.com/wovengoods/checkout-api/internal/platform/firestore"
)

// Registry assembles the Firestore-backed repository set behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	sessions *SessionRepository
	orders   *OrderRepository
	codes    *CodeRepository
	settings *SettingsRepository
	carts    *CartRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds all repositories on a shared Firestore provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	sessions, err := NewSessionRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build session repository: %w", err)
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build order repository: %w", err)
	}
	codes, err := NewCodeRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build code repository: %w", err)
	}
	settings, err := NewSettingsRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build settings repository: %w", err)
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build cart repository: %w", err)
	}
	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		PingCheck(provider),
	})
	if err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}

	return &Registry{
		provider: provider,
		sessions: sessions,
		orders:   orders,
		codes:    codes,
		settings: settings,
		carts:    carts,
		health:   health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Sessions() repositories.SessionRepository { return r.sessions }
func (r *Registry) Orders() repositories.OrderRepository     { return r.orders }
func (r *Registry) Codes() repositories.CodeRepository       { return r.codes }
func (r *Registry) Settings() repositories.SettingsRepository {
	return r.settings
}
func (r *Registry) Carts() repositories.CartRepository   { return r.carts }
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// PingCheck issues a minimal read to confirm the datastore is reachable.
func PingCheck(provider *pfirestore.Provider) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "firestore",
		Timeout: 1500 * time.Millisecond,
		Check: func(ctx context.Context) error {
			client, err := provider.Client(ctx)
			if err != nil {
				return err
			}
			iter := client.Collection(settingsCollection).Limit(1).Documents(ctx)
			defer iter.Stop()
			if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
				return pfirestore.WrapError("health.ping", err)
			}
			return nil
		},
	}
}
