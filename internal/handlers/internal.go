package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wovengoods/checkout-api/internal/platform/httpx"
	"github.com/wovengoods/checkout-api/internal/services"
)

// InternalHandlers exposes operational endpoints not meant for storefront
// clients, fronted by the internal middleware group.
type InternalHandlers struct {
	settings services.SettingsSource
}

// NewInternalHandlers constructs the internal endpoint group.
func NewInternalHandlers(settings services.SettingsSource) *InternalHandlers {
	return &InternalHandlers{settings: settings}
}

// Routes registers internal endpoints under the provided router.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/settings/shipping/invalidate", h.invalidateShippingSettings)
}

// invalidateShippingSettings drops the cached shipping settings snapshot so
// the next quote recompute reads fresh merchant configuration.
func (h *InternalHandlers) invalidateShippingSettings(w http.ResponseWriter, r *http.Request) {
	if h.settings == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("settings_unavailable", "settings source unavailable", http.StatusServiceUnavailable))
		return
	}
	h.settings.Invalidate()
	writeJSONResponse(w, http.StatusAccepted, map[string]any{"invalidated": true})
}
