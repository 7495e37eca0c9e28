package service

import (
	"context"
	"log/slog"

	"github.com/hallgrove/marketd/internal/domain"
)

// PlaceBid records a new highest bid on an auction listing. Affordability is
// checked before the atomic step but the funds are only debited after it
// commits, so a debit failure leaves the listing naming a bidder who has not
// paid; that window is published as a bid_debit_failed event rather than
// silently repaired. The displaced bidder's escrow is refunded here, reading
// the old bidder out of the same transform that overwrites them.
func (m *Marketplace) PlaceBid(ctx context.Context, bidderID, groupID, assetUUID string, amount float64) (domain.Listing, error) {
	if !m.Enabled() {
		return domain.Listing{}, domain.ErrDisabled
	}

	affordable, err := m.ledger.CanAfford(ctx, bidderID, groupID, amount)
	if err != nil {
		return domain.Listing{}, err
	}
	if !affordable {
		return domain.Listing{}, domain.ErrInsufficientFunds
	}

	// prev is captured on every transform run; the last run is the one that
	// committed, so the value is fresh when we read it below.
	var prev struct {
		bidderID string
		groupID  string
		amount   float64
	}

	committed, err := m.listings.CompareAndUpdate(ctx, assetUUID, func(old *domain.Listing) (*domain.Listing, error) {
		if old == nil || !old.Active || old.Type != domain.ListingAuction {
			return nil, domain.ErrNotEligible
		}
		if old.SellerID == bidderID {
			return nil, domain.ErrSelfTrade
		}
		if amount <= old.MinBid() {
			return nil, domain.ErrBidTooLow
		}
		prev.bidderID = old.CurrentBidderID
		prev.groupID = old.CurrentBidderGroupID
		prev.amount = old.CurrentBid

		next := *old
		next.CurrentBid = amount
		next.CurrentBidderID = bidderID
		next.CurrentBidderGroupID = groupID
		return &next, nil
	})
	if err != nil {
		return domain.Listing{}, err
	}

	// Escrow the new bid.
	paid, err := m.ledger.Purchase(ctx, bidderID, groupID, amount)
	if err == nil && !paid {
		err = domain.ErrInsufficientFunds
	}
	if err != nil {
		// The listing already names this bidder; surface the gap for
		// reconciliation instead of racing later bids with a rollback.
		m.logger.ErrorContext(ctx, "bid escrow debit failed",
			slog.String("uuid", assetUUID),
			slog.String("bidder_id", bidderID),
			slog.Float64("amount", amount),
			slog.String("error", err.Error()),
		)
		m.publish(ctx, EventBidDebitFailed, committed)
		return domain.Listing{}, err
	}

	// Release the displaced bidder's escrow.
	if prev.bidderID != "" && prev.amount > 0 {
		if err := m.ledger.Increment(ctx, prev.bidderID, prev.groupID, prev.amount); err != nil {
			m.logger.ErrorContext(ctx, "outbid refund failed",
				slog.String("uuid", assetUUID),
				slog.String("bidder_id", prev.bidderID),
				slog.Float64("amount", prev.amount),
				slog.String("error", err.Error()),
			)
		}
	}

	m.publish(ctx, EventBidPlaced, committed)
	m.logger.InfoContext(ctx, "bid placed",
		slog.String("uuid", assetUUID),
		slog.String("bidder_id", bidderID),
		slog.Float64("amount", amount),
	)
	return committed, nil
}
