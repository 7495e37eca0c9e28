package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hallgrove/marketd/internal/domain"
)

// MarketplaceService defines the methods the listing handler requires from
// the service layer. It is declared locally so the handler package does not
// depend on the concrete service implementation.
type MarketplaceService interface {
	CreateListing(ctx context.Context, sellerID, groupID, assetUUID string, price float64, typ domain.ListingType, dur time.Duration) (domain.Listing, error)
	CancelListing(ctx context.Context, sellerID, groupID, assetUUID string) (domain.Listing, error)
	BuyItem(ctx context.Context, buyerID, groupID, assetUUID string) (domain.TradeToken, error)
	PlaceBid(ctx context.Context, bidderID, groupID, assetUUID string, amount float64) (domain.Listing, error)
	GetListing(ctx context.Context, assetUUID string) (domain.Listing, error)
	GetListings(ctx context.Context, filter domain.ListingFilter, opts domain.ListOpts) ([]domain.Listing, error)
}

// ListingHandler serves the listing lifecycle HTTP endpoints.
type ListingHandler struct {
	market MarketplaceService
	logger *slog.Logger
}

// NewListingHandler creates a ListingHandler with the given service and logger.
func NewListingHandler(market MarketplaceService, logger *slog.Logger) *ListingHandler {
	return &ListingHandler{
		market: market,
		logger: logger,
	}
}

// createListingRequest is the body for POST /api/listings.
type createListingRequest struct {
	UUID        string  `json:"uuid"`
	Price       float64 `json:"price"`
	Type        string  `json:"type"`             // "buyout" or "auction"
	DurationSec int64   `json:"duration_seconds"` // 0 uses the server default
}

// CreateListing lists an asset instance owned by the caller.
// POST /api/listings
func (h *ListingHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	actorID, groupID := actorIdentity(r)
	if actorID == "" {
		writeError(w, http.StatusBadRequest, "missing X-Actor-ID header")
		return
	}

	var req createListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UUID == "" {
		writeError(w, http.StatusBadRequest, "missing asset uuid")
		return
	}

	typ := domain.ListingType(req.Type)
	if typ != domain.ListingBuyout && typ != domain.ListingAuction {
		writeError(w, http.StatusBadRequest, "type must be buyout or auction")
		return
	}

	dur := time.Duration(req.DurationSec) * time.Second

	listing, err := h.market.CreateListing(r.Context(), actorID, groupID, req.UUID, req.Price, typ, dur)
	if err != nil {
		h.logFailure(r, "create listing", req.UUID, err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, listing)
}

// CancelListing withdraws the caller's own active listing.
// DELETE /api/listings/{uuid}
func (h *ListingHandler) CancelListing(w http.ResponseWriter, r *http.Request) {
	actorID, groupID := actorIdentity(r)
	if actorID == "" {
		writeError(w, http.StatusBadRequest, "missing X-Actor-ID header")
		return
	}

	uuid := pathParam(r, "uuid")
	if uuid == "" {
		writeError(w, http.StatusBadRequest, "missing asset uuid")
		return
	}

	listing, err := h.market.CancelListing(r.Context(), actorID, groupID, uuid)
	if err != nil {
		h.logFailure(r, "cancel listing", uuid, err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listing)
}

// BuyItem purchases a buyout listing at its asking price.
// POST /api/listings/{uuid}/buy
func (h *ListingHandler) BuyItem(w http.ResponseWriter, r *http.Request) {
	actorID, groupID := actorIdentity(r)
	if actorID == "" {
		writeError(w, http.StatusBadRequest, "missing X-Actor-ID header")
		return
	}

	uuid := pathParam(r, "uuid")
	if uuid == "" {
		writeError(w, http.StatusBadRequest, "missing asset uuid")
		return
	}

	token, err := h.market.BuyItem(r.Context(), actorID, groupID, uuid)
	if err != nil {
		h.logFailure(r, "buy item", uuid, err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, token)
}

// placeBidRequest is the body for POST /api/listings/{uuid}/bids.
type placeBidRequest struct {
	Amount float64 `json:"amount"`
}

// PlaceBid places a bid on an auction listing.
// POST /api/listings/{uuid}/bids
func (h *ListingHandler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	actorID, groupID := actorIdentity(r)
	if actorID == "" {
		writeError(w, http.StatusBadRequest, "missing X-Actor-ID header")
		return
	}

	uuid := pathParam(r, "uuid")
	if uuid == "" {
		writeError(w, http.StatusBadRequest, "missing asset uuid")
		return
	}

	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "bid amount must be positive")
		return
	}

	listing, err := h.market.PlaceBid(r.Context(), actorID, groupID, uuid, req.Amount)
	if err != nil {
		h.logFailure(r, "place bid", uuid, err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listing)
}

// GetListing returns a single listing by asset uuid.
// GET /api/listings/{uuid}
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	uuid := pathParam(r, "uuid")
	if uuid == "" {
		writeError(w, http.StatusBadRequest, "missing asset uuid")
		return
	}

	listing, err := h.market.GetListing(r.Context(), uuid)
	if err != nil {
		h.logFailure(r, "get listing", uuid, err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listing)
}

// listListingsResponse wraps the list endpoint output with metadata.
type listListingsResponse struct {
	Listings []domain.Listing `json:"listings"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// ListListings returns active listings with optional filters and pagination.
// GET /api/listings?seller=...&type=...&base_asset=...&max_price=...
func (h *ListingHandler) ListListings(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	filter := parseListingFilter(r)

	listings, err := h.market.GetListings(r.Context(), filter, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list listings failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list listings")
		return
	}

	writeJSON(w, http.StatusOK, listListingsResponse{
		Listings: listings,
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	})
}

// parseListingFilter builds a ListingFilter from query parameters. The list
// endpoint only ever exposes active listings.
func parseListingFilter(r *http.Request) domain.ListingFilter {
	q := r.URL.Query()

	filter := domain.ListingFilter{
		ActiveOnly:  true,
		SellerID:    q.Get("seller"),
		BaseAssetID: q.Get("base_asset"),
	}
	if t := q.Get("type"); t != "" {
		filter.Type = domain.ListingType(t)
	}
	if v := q.Get("max_price"); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil && p > 0 {
			filter.MaxPrice = p
		}
	}
	return filter
}

// logFailure records a failed mutation with enough context to trace it,
// keeping expected domain rejections at debug level.
func (h *ListingHandler) logFailure(r *http.Request, op, uuid string, err error) {
	level := slog.LevelError
	if isDomainErr(err) {
		level = slog.LevelDebug
	}
	h.logger.Log(r.Context(), level, "handler: "+op+" failed",
		slog.String("uuid", uuid),
		slog.String("error", err.Error()),
	)
}

func isDomainErr(err error) bool {
	for _, sentinel := range []error{
		domain.ErrNotFound, domain.ErrListingExists, domain.ErrLostRace,
		domain.ErrNotEligible, domain.ErrSelfTrade, domain.ErrBidTooLow,
		domain.ErrInsufficientFunds, domain.ErrInvalidPrice,
		domain.ErrListingLimit, domain.ErrRateLimited, domain.ErrDisabled,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
