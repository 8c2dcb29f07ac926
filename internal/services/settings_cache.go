package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wovengoods/checkout-api/internal/repositories"
)

const defaultSettingsCacheTTL = 5 * time.Minute

// CachedSettingsSourceDeps wires the dependencies for the cached settings source.
type CachedSettingsSourceDeps struct {
	Settings repositories.SettingsRepository
	TTL      time.Duration
	Clock    func() time.Time
}

// cachedSettingsSource serves the shipping settings snapshot from a TTL
// cache. An out-of-band settings-updated signal calls Invalidate so the next
// read refetches.
type cachedSettingsSource struct {
	settings repositories.SettingsRepository
	ttl      time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	cached  ShippingSettings
	expires time.Time
	valid   bool
}

var _ SettingsSource = (*cachedSettingsSource)(nil)

// NewCachedSettingsSource constructs a SettingsSource backed by the settings repository.
func NewCachedSettingsSource(deps CachedSettingsSourceDeps) (SettingsSource, error) {
	if deps.Settings == nil {
		return nil, errors.New("settings source: settings repository is required")
	}
	ttl := deps.TTL
	if ttl <= 0 {
		ttl = defaultSettingsCacheTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &cachedSettingsSource{
		settings: deps.Settings,
		ttl:      ttl,
		now: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

func (s *cachedSettingsSource) Get(ctx context.Context) (ShippingSettings, error) {
	s.mu.RLock()
	if s.valid && s.now().Before(s.expires) {
		cached := s.cached
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	fresh, err := s.settings.GetShippingSettings(ctx)
	if err != nil {
		return ShippingSettings{}, err
	}

	s.mu.Lock()
	s.cached = fresh
	s.expires = s.now().Add(s.ttl)
	s.valid = true
	s.mu.Unlock()

	return fresh, nil
}

func (s *cachedSettingsSource) Invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}
