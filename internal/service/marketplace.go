// Package service implements the marketplace transaction engine: listing
// creation and cancellation, buyouts, auction bidding, the expiry sweep, and
// the trade token recovery pass.
//
// Every state transition on a listing goes through the listing store's
// atomic compare-and-update; it is the single serialization point. Ledger
// and inventory mutations sit outside that atomicity, so each operation is
// structured as a saga: one atomic pivot step, then compensating or
// journaled follow-up steps, every one of them idempotent.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hallgrove/marketd/internal/config"
	"github.com/hallgrove/marketd/internal/domain"
)

// Event topics published to the notification channel and the live event sink.
const (
	EventListingCreated   = "listing_created"
	EventListingCancelled = "listing_cancelled"
	EventListingExpired   = "listing_expired"
	EventSaleCompleted    = "sale_completed"
	EventBidPlaced        = "bid_placed"
	EventBidDebitFailed   = "bid_debit_failed"
	EventTradeToken       = "trade_token"
)

// cancelRefundRate is the fraction of the listing fee returned on
// cancellation; the remainder is the cancellation penalty.
const cancelRefundRate = 0.5

// EventSink receives marketplace events for live push to subscribed clients.
// Implementations must not block.
type EventSink interface {
	Broadcast(event string, payload any)
}

// Marketplace orchestrates all marketplace operations. It is the only
// component that writes listing state transitions.
type Marketplace struct {
	listings  domain.ListingStore
	journal   domain.TokenJournal
	history   domain.HistoryStore
	ledger    domain.Ledger
	inventory domain.Inventory
	publisher domain.Publisher
	limiter   domain.RateLimiter
	locks     domain.LockManager
	sink      EventSink
	cfg       config.MarketConfig
	logger    *slog.Logger
	enabled   atomic.Bool

	now   func() time.Time
	newID func() string
}

// NewMarketplace creates a Marketplace with all required dependencies.
// The publisher is best-effort and may be a no-op; limiter, locks, and sink
// are optional and attached via the With* methods.
func NewMarketplace(
	listings domain.ListingStore,
	journal domain.TokenJournal,
	history domain.HistoryStore,
	ledger domain.Ledger,
	inventory domain.Inventory,
	publisher domain.Publisher,
	cfg config.MarketConfig,
	logger *slog.Logger,
) *Marketplace {
	m := &Marketplace{
		listings:  listings,
		journal:   journal,
		history:   history,
		ledger:    ledger,
		inventory: inventory,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "marketplace")),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	m.enabled.Store(cfg.Enabled)
	return m
}

// WithRateLimiter attaches a limiter that caps listing creation per seller.
func (m *Marketplace) WithRateLimiter(rl domain.RateLimiter) *Marketplace {
	m.limiter = rl
	return m
}

// WithLockManager attaches a lock manager that keeps the expiry sweep a
// singleton across processes.
func (m *Marketplace) WithLockManager(lm domain.LockManager) *Marketplace {
	m.locks = lm
	return m
}

// WithEventSink attaches a sink for live event broadcast.
func (m *Marketplace) WithEventSink(sink EventSink) *Marketplace {
	m.sink = sink
	return m
}

// Enabled reports whether the marketplace currently accepts transactions.
func (m *Marketplace) Enabled() bool {
	return m.enabled.Load()
}

// SetEnabled flips the marketplace-wide switch. Existing listings are
// unaffected; new creates, buyouts, and bids are rejected while disabled.
func (m *Marketplace) SetEnabled(on bool) {
	m.enabled.Store(on)
	m.logger.Info("marketplace switch changed", slog.Bool("enabled", on))
}

// FeeFor returns the listing fee for an asking price, rounded up to cents.
func (m *Marketplace) FeeFor(price float64) float64 {
	return math.Ceil(price*m.cfg.FeeRate*100) / 100
}

// clampDuration maps a requested listing duration onto the configured
// bounds; zero selects the default.
func (m *Marketplace) clampDuration(d time.Duration) time.Duration {
	if d == 0 {
		return m.cfg.DefaultListingDuration()
	}
	if min := m.cfg.MinListingDuration(); d < min {
		return min
	}
	if max := m.cfg.MaxListingDuration(); d > max {
		return max
	}
	return d
}

// CreateListing lists the seller's asset instance for sale. The listing fee
// is debited before the atomic write so the store never holds a listing the
// seller did not pay for; if the atomic step then fails for any reason the
// fee is refunded in full.
func (m *Marketplace) CreateListing(
	ctx context.Context,
	sellerID, groupID, assetUUID string,
	price float64,
	typ domain.ListingType,
	dur time.Duration,
) (domain.Listing, error) {
	if !m.Enabled() {
		return domain.Listing{}, domain.ErrDisabled
	}
	if typ != domain.ListingBuyout && typ != domain.ListingAuction {
		return domain.Listing{}, domain.ErrNotEligible
	}
	if price < m.cfg.MinPrice || price > m.cfg.MaxPrice {
		return domain.Listing{}, domain.ErrInvalidPrice
	}

	if m.limiter != nil {
		allowed, err := m.limiter.Allow(ctx, "create:"+sellerID, m.cfg.CreateLimit, m.cfg.CreateRateWindow())
		if err != nil {
			m.logger.WarnContext(ctx, "create rate limiter unavailable",
				slog.String("seller_id", sellerID),
				slog.String("error", err.Error()),
			)
		} else if !allowed {
			return domain.Listing{}, domain.ErrRateLimited
		}
	}

	// Seller must own an unlisted instance of the asset.
	inst, err := m.inventory.Get(ctx, sellerID, groupID, assetUUID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Listing{}, domain.ErrNotEligible
		}
		return domain.Listing{}, err
	}

	count, err := m.listings.CountActiveBySeller(ctx, sellerID)
	if err != nil {
		return domain.Listing{}, err
	}
	if count >= m.cfg.MaxListingsPerSeller {
		return domain.Listing{}, domain.ErrListingLimit
	}

	// Fee before CAS: a failure past this point must refund.
	fee := m.FeeFor(price)
	paid, err := m.ledger.Purchase(ctx, sellerID, groupID, fee)
	if err != nil {
		return domain.Listing{}, err
	}
	if !paid {
		return domain.Listing{}, domain.ErrInsufficientFunds
	}

	now := m.now()
	newListing := domain.Listing{
		UUID:          assetUUID,
		BaseAssetID:   inst.BaseAssetID,
		SellerID:      sellerID,
		SellerGroupID: groupID,
		Price:         price,
		Type:          typ,
		Created:       now,
		Expires:       now.Add(m.clampDuration(dur)),
		ListingFee:    fee,
		Active:        true,
		Instance:      &inst,
	}

	committed, err := m.listings.CompareAndUpdate(ctx, assetUUID, func(old *domain.Listing) (*domain.Listing, error) {
		if old != nil && old.Active {
			return nil, domain.ErrListingExists
		}
		l := newListing
		return &l, nil
	})
	if err != nil {
		// The listing did not commit (existing active listing, lost race,
		// or store failure): give the fee back.
		if refundErr := m.ledger.Increment(ctx, sellerID, groupID, fee); refundErr != nil {
			m.logger.ErrorContext(ctx, "fee refund failed",
				slog.String("seller_id", sellerID),
				slog.String("uuid", assetUUID),
				slog.Float64("fee", fee),
				slog.String("error", refundErr.Error()),
			)
		}
		return domain.Listing{}, err
	}

	// The instance is now held in listing escrow.
	if err := m.inventory.Delete(ctx, sellerID, groupID, assetUUID); err != nil {
		m.logger.ErrorContext(ctx, "escrow removal failed",
			slog.String("seller_id", sellerID),
			slog.String("uuid", assetUUID),
			slog.String("error", err.Error()),
		)
	}

	m.publish(ctx, EventListingCreated, committed)
	m.logger.InfoContext(ctx, "listing created",
		slog.String("uuid", assetUUID),
		slog.String("seller_id", sellerID),
		slog.String("type", string(typ)),
		slog.Float64("price", price),
		slog.Float64("fee", fee),
	)
	return committed, nil
}

// CancelListing deactivates the seller's active listing, returns the asset
// to their inventory, and refunds half the listing fee; the other half is
// the cancellation penalty.
func (m *Marketplace) CancelListing(ctx context.Context, sellerID, groupID, assetUUID string) (domain.Listing, error) {
	committed, err := m.listings.CompareAndUpdate(ctx, assetUUID, func(old *domain.Listing) (*domain.Listing, error) {
		if old == nil || !old.Active || old.SellerID != sellerID {
			return nil, domain.ErrNotEligible
		}
		if old.Type == domain.ListingAuction && old.CurrentBidderID != "" {
			// A live bid holds escrowed funds; settlement owns this listing now.
			return nil, domain.ErrNotEligible
		}
		next := *old
		next.Active = false
		return &next, nil
	})
	if err != nil {
		return domain.Listing{}, err
	}

	m.returnInstance(ctx, committed, sellerID, groupID)

	refund := committed.ListingFee * cancelRefundRate
	if refund > 0 {
		if err := m.ledger.Increment(ctx, sellerID, groupID, refund); err != nil {
			m.logger.ErrorContext(ctx, "cancellation refund failed",
				slog.String("seller_id", sellerID),
				slog.String("uuid", assetUUID),
				slog.Float64("refund", refund),
				slog.String("error", err.Error()),
			)
		}
	}

	m.publish(ctx, EventListingCancelled, committed)
	m.logger.InfoContext(ctx, "listing cancelled",
		slog.String("uuid", assetUUID),
		slog.String("seller_id", sellerID),
		slog.Float64("refund", refund),
	)
	return committed, nil
}

// GetListing returns the listing record for one asset UUID.
func (m *Marketplace) GetListing(ctx context.Context, assetUUID string) (domain.Listing, error) {
	return m.listings.Get(ctx, assetUUID)
}

// GetListings returns listings matching the filter.
func (m *Marketplace) GetListings(ctx context.Context, filter domain.ListingFilter, opts domain.ListOpts) ([]domain.Listing, error) {
	return m.listings.List(ctx, filter, opts)
}

// GetHistory returns the recorded sales for one asset UUID.
func (m *Marketplace) GetHistory(ctx context.Context, assetUUID string, opts domain.ListOpts) ([]domain.SaleRecord, error) {
	return m.history.ListByAsset(ctx, assetUUID, opts)
}

// returnInstance puts the escrowed asset instance back into an inventory.
// Set is idempotent, so re-running this after a crash is safe.
func (m *Marketplace) returnInstance(ctx context.Context, l domain.Listing, actorID, groupID string) {
	inst := l.EscrowedInstance()
	if err := m.inventory.Set(ctx, actorID, groupID, inst); err != nil {
		m.logger.ErrorContext(ctx, "instance return failed",
			slog.String("actor_id", actorID),
			slog.String("uuid", l.UUID),
			slog.String("error", err.Error()),
		)
	}
}

// publish sends an event to the notification channel and the live sink.
// Both are best-effort: failures are logged, never propagated.
func (m *Marketplace) publish(ctx context.Context, topic string, payload any) {
	if m.sink != nil {
		m.sink.Broadcast(topic, payload)
	}
	if m.publisher == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.ErrorContext(ctx, "event marshal failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := m.publisher.Publish(ctx, topic, data); err != nil {
		m.logger.WarnContext(ctx, "event publish failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
	}
}

// publishToken journals a token snapshot to the notification channel.
func (m *Marketplace) publishToken(ctx context.Context, token domain.TradeToken) {
	m.publish(ctx, EventTradeToken, token)
}
