package firestore

import (
	"context"
	"errors"

	"github.com/wovengoods/checkout-api/internal/domain"
	pfirestore "github.com/wovengoods/checkout-api/internal/platform/firestore"
)

const (
	settingsCollection  = "settings"
	shippingSettingsDoc = "shipping"
)

// SettingsRepository reads merchant configuration documents.
type SettingsRepository struct {
	settings *pfirestore.BaseRepository[shippingSettingsDocument]
}

// NewSettingsRepository constructs a Firestore-backed settings repository.
func NewSettingsRepository(provider *pfirestore.Provider) (*SettingsRepository, error) {
	if provider == nil {
		return nil, errors.New("settings repository requires firestore provider")
	}
	return &SettingsRepository{
		settings: pfirestore.NewBaseRepository[shippingSettingsDocument](provider, settingsCollection),
	}, nil
}

// GetShippingSettings loads the current shipping configuration snapshot.
func (r *SettingsRepository) GetShippingSettings(ctx context.Context) (domain.ShippingSettings, error) {
	if r == nil || r.settings == nil {
		return domain.ShippingSettings{}, errors.New("settings repository not initialised")
	}
	doc, err := r.settings.Get(ctx, shippingSettingsDoc)
	if err != nil {
		return domain.ShippingSettings{}, err
	}
	return fromShippingSettingsDocument(doc.Data), nil
}

type zoneRateDocument struct {
	FirstItem         int64 `firestore:"firstItem"`
	PerAdditionalItem int64 `firestore:"perAdditionalItem"`
}

type shippingSettingsDocument struct {
	FlatRateByCurrency      map[string]int64            `firestore:"flatRateByCurrency"`
	CombinedShippingEnabled bool                        `firestore:"combinedShippingEnabled"`
	ZoneRatesByCountry      map[string]zoneRateDocument `firestore:"zoneRatesByCountry"`
}

func fromShippingSettingsDocument(doc shippingSettingsDocument) domain.ShippingSettings {
	settings := domain.ShippingSettings{
		FlatRateByCurrency:      make(map[string]int64, len(doc.FlatRateByCurrency)),
		CombinedShippingEnabled: doc.CombinedShippingEnabled,
		ZoneRatesByCountry:      make(map[string]domain.ZoneRate, len(doc.ZoneRatesByCountry)),
	}
	for currency, rate := range doc.FlatRateByCurrency {
		settings.FlatRateByCurrency[domain.NormalizeCurrency(currency)] = rate
	}
	for country, rate := range doc.ZoneRatesByCountry {
		settings.ZoneRatesByCountry[domain.NormalizeCountry(country)] = domain.ZoneRate{
			FirstItem:         rate.FirstItem,
			PerAdditionalItem: rate.PerAdditionalItem,
		}
	}
	return settings
}
