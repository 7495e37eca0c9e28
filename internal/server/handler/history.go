package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hallgrove/marketd/internal/domain"
)

// HistoryService defines the methods the history handler requires from the
// service layer.
type HistoryService interface {
	GetHistory(ctx context.Context, assetUUID string, opts domain.ListOpts) ([]domain.SaleRecord, error)
}

// HistoryHandler serves the sale-history HTTP endpoints.
type HistoryHandler struct {
	history HistoryService
	logger  *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler with the given service and logger.
func NewHistoryHandler(history HistoryService, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		history: history,
		logger:  logger,
	}
}

// listHistoryResponse wraps the history endpoint output with metadata.
type listHistoryResponse struct {
	Sales  []domain.SaleRecord `json:"sales"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// GetHistory returns completed sales for one asset instance, newest first.
// GET /api/listings/{uuid}/history
func (h *HistoryHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	uuid := pathParam(r, "uuid")
	if uuid == "" {
		writeError(w, http.StatusBadRequest, "missing asset uuid")
		return
	}

	opts := parseListOpts(r)

	sales, err := h.history.GetHistory(r.Context(), uuid, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get history failed",
			slog.String("uuid", uuid),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load sale history")
		return
	}

	writeJSON(w, http.StatusOK, listHistoryResponse{
		Sales:  sales,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}
