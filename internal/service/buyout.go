package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hallgrove/marketd/internal/domain"
)

// BuyItem purchases a buyout listing for the given buyer. The flow is a
// saga around one atomic pivot:
//
//  1. journal a processing trade token (before any durable mutation)
//  2. atomically deactivate the listing (the pivot; losers stop here with
//     no ledger mutation at all)
//  3. debit the buyer
//  4. credit the seller net of tax, grant the asset, append history
//  5. mark the token completed
//
// A failure after step 2 cannot un-sell the listing; the token records the
// failure so the recovery pass and operators can resolve it.
func (m *Marketplace) BuyItem(ctx context.Context, buyerID, groupID, assetUUID string) (domain.TradeToken, error) {
	if !m.Enabled() {
		return domain.TradeToken{}, domain.ErrDisabled
	}

	token := domain.TradeToken{
		ID:           m.newID(),
		BuyerID:      buyerID,
		BuyerGroupID: groupID,
		UUID:         assetUUID,
		Timestamp:    m.now(),
		Status:       domain.TokenProcessing,
	}
	if err := m.journal.Put(ctx, token); err != nil {
		return domain.TradeToken{}, err
	}
	m.publishToken(ctx, token)

	// The pivot: only an active buyout listing by someone else can sell.
	committed, err := m.listings.CompareAndUpdate(ctx, assetUUID, func(old *domain.Listing) (*domain.Listing, error) {
		if old == nil || !old.Active || old.Type != domain.ListingBuyout {
			return nil, domain.ErrNotEligible
		}
		if old.SellerID == buyerID {
			return nil, domain.ErrSelfTrade
		}
		next := *old
		next.Active = false
		return &next, nil
	})
	if err != nil {
		// Nothing durable changed; the token just records the attempt.
		m.failToken(ctx, token, "listing not eligible: "+err.Error())
		return domain.TradeToken{}, err
	}

	// Confirm seller and price now that the listing is ours.
	token.SellerID = committed.SellerID
	token.Price = committed.Price
	if err := m.journal.Put(ctx, token); err != nil {
		m.logger.ErrorContext(ctx, "token enrich failed",
			slog.String("token_id", token.ID),
			slog.String("error", err.Error()),
		)
	}
	m.publishToken(ctx, token)

	paid, err := m.ledger.Purchase(ctx, buyerID, groupID, committed.Price)
	if err == nil && !paid {
		err = domain.ErrInsufficientFunds
	}
	if err != nil {
		// The listing is already inactive but no money moved; this is the
		// documented inconsistency window, flagged via the failed token.
		m.failToken(ctx, token, "payment declined")
		return domain.TradeToken{}, err
	}

	if err := m.settleSale(ctx, committed, token, buyerID, groupID, domain.SaleBuyout); err != nil {
		m.failToken(ctx, token, "settlement interrupted: "+err.Error())
		return domain.TradeToken{}, err
	}

	token.Status = domain.TokenCompleted
	if err := m.journal.Put(ctx, token); err != nil {
		m.logger.ErrorContext(ctx, "token completion write failed",
			slog.String("token_id", token.ID),
			slog.String("error", err.Error()),
		)
	}
	m.publishToken(ctx, token)

	m.logger.InfoContext(ctx, "buyout completed",
		slog.String("uuid", assetUUID),
		slog.String("buyer_id", buyerID),
		slog.String("seller_id", committed.SellerID),
		slog.Float64("price", committed.Price),
		slog.String("token_id", token.ID),
	)
	return token, nil
}

// settleSale performs the post-debit half of a sale: seller credit net of
// tax, asset grant, history append, and the completed-sale event. Every step
// is idempotent per token id, so the recovery pass can re-run it.
func (m *Marketplace) settleSale(
	ctx context.Context,
	listing domain.Listing,
	token domain.TradeToken,
	buyerID, buyerGroupID string,
	saleType domain.SaleType,
) error {
	tax := token.Price * m.cfg.TaxRate
	if err := m.ledger.Increment(ctx, listing.SellerID, listing.SellerGroupID, token.Price-tax); err != nil {
		return err
	}

	if err := m.inventory.Set(ctx, buyerID, buyerGroupID, listing.EscrowedInstance()); err != nil {
		return err
	}

	rec := domain.SaleRecord{
		ID:          token.ID,
		UUID:        listing.UUID,
		BaseAssetID: listing.BaseAssetID,
		SellerID:    listing.SellerID,
		BuyerID:     buyerID,
		Price:       token.Price,
		Timestamp:   m.now(),
		Type:        saleType,
	}
	if err := m.history.Append(ctx, rec); err != nil {
		return err
	}

	m.publish(ctx, EventSaleCompleted, rec)
	return nil
}

// failToken marks a token failed with a note. Status regressions (a racing
// writer already completed it) are ignored.
func (m *Marketplace) failToken(ctx context.Context, token domain.TradeToken, note string) {
	token.Status = domain.TokenFailed
	token.Note = note
	if err := m.journal.Put(ctx, token); err != nil && !errors.Is(err, domain.ErrStatusRegression) {
		m.logger.ErrorContext(ctx, "token failure write failed",
			slog.String("token_id", token.ID),
			slog.String("error", err.Error()),
		)
	}
	m.publishToken(ctx, token)
}
