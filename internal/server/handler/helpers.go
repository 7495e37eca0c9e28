package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/hallgrove/marketd/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain sentinel errors onto HTTP status codes. Errors
// outside the domain vocabulary become an opaque 500 so internals never leak.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "listing not found")
	case errors.Is(err, domain.ErrListingExists):
		writeError(w, http.StatusConflict, "asset is already listed")
	case errors.Is(err, domain.ErrLostRace):
		writeError(w, http.StatusConflict, "listing changed concurrently, retry")
	case errors.Is(err, domain.ErrNotEligible):
		writeError(w, http.StatusConflict, "listing is not eligible for this operation")
	case errors.Is(err, domain.ErrSelfTrade):
		writeError(w, http.StatusConflict, "cannot trade with yourself")
	case errors.Is(err, domain.ErrBidTooLow):
		writeError(w, http.StatusConflict, "bid does not exceed the current minimum")
	case errors.Is(err, domain.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "insufficient funds")
	case errors.Is(err, domain.ErrInvalidPrice):
		writeError(w, http.StatusBadRequest, "price is outside the allowed range")
	case errors.Is(err, domain.ErrListingLimit):
		writeError(w, http.StatusConflict, "active listing limit reached")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many requests")
	case errors.Is(err, domain.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, "marketplace is disabled")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// actorIdentity reads the caller's actor and group ids from the request
// headers set by the fronting game gateway.
func actorIdentity(r *http.Request) (actorID, groupID string) {
	return r.Header.Get("X-Actor-ID"), r.Header.Get("X-Group-ID")
}
