package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// AdminService defines the runtime controls the admin handler exposes.
type AdminService interface {
	Enabled() bool
	SetEnabled(on bool)
}

// AdminHandler serves operational control endpoints.
type AdminHandler struct {
	market AdminService
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler with the given service and logger.
func NewAdminHandler(market AdminService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		market: market,
		logger: logger,
	}
}

// enabledState is the request and response body for the enabled toggle.
type enabledState struct {
	Enabled bool `json:"enabled"`
}

// GetEnabled reports whether the marketplace is accepting mutations.
// GET /api/admin/enabled
func (h *AdminHandler) GetEnabled(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, enabledState{Enabled: h.market.Enabled()})
}

// SetEnabled toggles the marketplace kill switch. Disabling rejects new
// mutations immediately; in-flight operations run to completion.
// POST /api/admin/enabled
func (h *AdminHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledState
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.market.SetEnabled(req.Enabled)
	h.logger.InfoContext(r.Context(), "marketplace enabled flag changed",
		slog.Bool("enabled", req.Enabled),
	)

	writeJSON(w, http.StatusOK, enabledState{Enabled: h.market.Enabled()})
}
