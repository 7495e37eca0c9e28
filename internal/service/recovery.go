package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hallgrove/marketd/internal/domain"
)

// RecoverTokens resolves trade tokens left in processing state by a crash.
// It runs at startup, before the marketplace takes traffic.
//
// Resolution rules, most certain first:
//
//   - A history row exists for the token: the sale committed at least
//     through the history append. The asset grant is re-run (Set is
//     idempotent) and the token is marked completed.
//   - The listing is still active (or absent): the atomic pivot never
//     committed, so no money moved; the token is marked failed.
//   - The listing is inactive but no history row exists: the crash landed
//     inside the inconsistency window after the pivot. Whether the buyer
//     was debited cannot be determined from this process, so the token is
//     marked failed with a note and published for operator reconciliation.
func (m *Marketplace) RecoverTokens(ctx context.Context) error {
	pending, err := m.journal.ListByStatus(ctx, domain.TokenProcessing)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		m.logger.InfoContext(ctx, "no interrupted trade tokens")
		return nil
	}

	m.logger.WarnContext(ctx, "recovering interrupted trade tokens",
		slog.Int("count", len(pending)),
	)

	for _, token := range pending {
		if err := m.recoverToken(ctx, token); err != nil {
			m.logger.ErrorContext(ctx, "token recovery failed",
				slog.String("token_id", token.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (m *Marketplace) recoverToken(ctx context.Context, token domain.TradeToken) error {
	rec, err := m.history.Get(ctx, token.ID)
	switch {
	case err == nil:
		// Sale committed; finish the idempotent tail.
		listing, lerr := m.listings.Get(ctx, token.UUID)
		if lerr == nil {
			if ierr := m.inventory.Set(ctx, rec.BuyerID, token.BuyerGroupID, listing.EscrowedInstance()); ierr != nil {
				return ierr
			}
		}
		token.Status = domain.TokenCompleted
		token.Note = "recovered: history row present"
	case errors.Is(err, domain.ErrNotFound):
		listing, lerr := m.listings.Get(ctx, token.UUID)
		if lerr != nil && !errors.Is(lerr, domain.ErrNotFound) {
			return lerr
		}
		if errors.Is(lerr, domain.ErrNotFound) || listing.Active {
			token.Status = domain.TokenFailed
			token.Note = "recovered: purchase never committed"
		} else {
			token.Status = domain.TokenFailed
			token.Note = "recovered: interrupted after listing transition; manual reconciliation required"
		}
	default:
		return err
	}

	if err := m.journal.Put(ctx, token); err != nil && !errors.Is(err, domain.ErrStatusRegression) {
		return err
	}
	m.publishToken(ctx, token)

	m.logger.InfoContext(ctx, "trade token resolved",
		slog.String("token_id", token.ID),
		slog.String("status", string(token.Status)),
		slog.String("note", token.Note),
	)
	return nil
}
