package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hallgrove/marketd/internal/domain"
)

// sweepLockKey guards the expiry sweep so that one process settles expired
// listings at a time.
const sweepLockKey = "marketplace:sweep"

// RunSweeper runs the expiry sweep on the configured interval until the
// context is cancelled.
func (m *Marketplace) RunSweeper(ctx context.Context) error {
	interval := m.cfg.SweepEvery()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.InfoContext(ctx, "sweeper started", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil && !errors.Is(err, domain.ErrLockHeld) {
				m.logger.ErrorContext(ctx, "sweep pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep settles every listing whose expiry deadline has passed: buyout
// listings (and auctions without a bid) return the asset to the seller;
// auctions with a bid settle to the highest bidder. The sweep is idempotent:
// each settlement goes through the same atomic transform discipline as
// buyouts, and the transform checks Active first, so a second pass over an
// already-settled listing is a no-op.
func (m *Marketplace) Sweep(ctx context.Context) error {
	if m.locks != nil {
		unlock, err := m.locks.Acquire(ctx, sweepLockKey, m.cfg.SweepEvery())
		if err != nil {
			return err // ErrLockHeld means another sweeper is on it
		}
		defer unlock()
	}

	active, err := m.listings.List(ctx, domain.ListingFilter{ActiveOnly: true}, domain.ListOpts{})
	if err != nil {
		return err
	}

	now := m.now()
	for _, l := range active {
		if !l.Expired(now) {
			continue
		}
		if err := m.expireListing(ctx, l); err != nil &&
			!errors.Is(err, domain.ErrNotEligible) && !errors.Is(err, domain.ErrLostRace) {
			m.logger.ErrorContext(ctx, "listing expiry failed",
				slog.String("uuid", l.UUID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// expireListing deactivates one expired listing and routes the asset. The
// snapshot that triggered the sweep is advisory only; every precondition is
// re-checked inside the transform against fresh state.
//
// Auctions journal a processing token before the atomic step, the same way
// a buyout does, so a crash between deactivation and settlement leaves
// journal evidence for the recovery pass. Bids can still land between the
// snapshot and the transform, so the token's buyer fields are confirmed
// from the committed state afterwards.
func (m *Marketplace) expireListing(ctx context.Context, snapshot domain.Listing) error {
	now := m.now()

	var token domain.TradeToken
	if snapshot.Type == domain.ListingAuction {
		token = domain.TradeToken{
			ID:           m.newID(),
			BuyerID:      snapshot.CurrentBidderID,
			BuyerGroupID: snapshot.CurrentBidderGroupID,
			SellerID:     snapshot.SellerID,
			UUID:         snapshot.UUID,
			Price:        snapshot.CurrentBid,
			Timestamp:    now,
			Status:       domain.TokenProcessing,
		}
		if err := m.journal.Put(ctx, token); err != nil {
			return err
		}
		m.publishToken(ctx, token)
	}

	committed, err := m.listings.CompareAndUpdate(ctx, snapshot.UUID, func(old *domain.Listing) (*domain.Listing, error) {
		if old == nil || !old.Active || !old.Expired(now) {
			return nil, domain.ErrNotEligible
		}
		next := *old
		next.Active = false
		return &next, nil
	})
	if err != nil {
		if snapshot.Type == domain.ListingAuction {
			m.failToken(ctx, token, "listing not eligible: "+err.Error())
		}
		return err
	}

	if committed.Type == domain.ListingAuction && committed.CurrentBidderID != "" {
		return m.settleAuction(ctx, committed, token)
	}
	if committed.Type == domain.ListingAuction {
		m.failToken(ctx, token, "expired without bid")
	}

	// No buyer: the asset goes home and the fee stays spent.
	m.returnInstance(ctx, committed, committed.SellerID, committed.SellerGroupID)
	m.publish(ctx, EventListingExpired, committed)
	m.logger.InfoContext(ctx, "listing expired",
		slog.String("uuid", committed.UUID),
		slog.String("seller_id", committed.SellerID),
	)
	return nil
}

// settleAuction completes an expired auction for its highest bidder. The
// bid amount is already escrowed (debited at PlaceBid), so settlement only
// moves the seller credit, the asset, and the history row. The processing
// token was journaled before the deactivating transform; here it is
// confirmed against the committed bid before settlement runs.
func (m *Marketplace) settleAuction(ctx context.Context, listing domain.Listing, token domain.TradeToken) error {
	token.BuyerID = listing.CurrentBidderID
	token.BuyerGroupID = listing.CurrentBidderGroupID
	token.SellerID = listing.SellerID
	token.Price = listing.CurrentBid
	if err := m.journal.Put(ctx, token); err != nil {
		m.logger.ErrorContext(ctx, "settlement token confirm write failed",
			slog.String("token_id", token.ID),
			slog.String("error", err.Error()),
		)
	}
	m.publishToken(ctx, token)

	if err := m.settleSale(ctx, listing, token, listing.CurrentBidderID, listing.CurrentBidderGroupID, domain.SaleAuction); err != nil {
		m.failToken(ctx, token, "auction settlement interrupted: "+err.Error())
		return err
	}

	token.Status = domain.TokenCompleted
	if err := m.journal.Put(ctx, token); err != nil {
		m.logger.ErrorContext(ctx, "settlement token completion write failed",
			slog.String("token_id", token.ID),
			slog.String("error", err.Error()),
		)
	}
	m.publishToken(ctx, token)

	m.logger.InfoContext(ctx, "auction settled",
		slog.String("uuid", listing.UUID),
		slog.String("winner_id", listing.CurrentBidderID),
		slog.Float64("price", listing.CurrentBid),
	)
	return nil
}
