package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hallgrove/marketd/internal/domain"
)

// LedgerStore is the reference implementation of the domain.Ledger capability.
// Deployments that keep balances in an external economy service swap this out
// behind the interface; the semantics here match the contract the marketplace
// relies on: Purchase is debit-if-affordable, atomic within the ledger.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Purchase debits amount from the actor's balance if it covers the amount.
// The conditional UPDATE makes the check-and-debit a single atomic statement;
// zero rows affected means the actor could not afford it.
func (s *LedgerStore) Purchase(ctx context.Context, actorID, groupID string, amount float64) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("postgres: purchase: negative amount %f", amount)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_balances
		SET balance = balance - $3
		WHERE actor_id = $1 AND group_id = $2 AND balance >= $3`,
		actorID, groupID, amount,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: purchase %s/%s: %w", actorID, groupID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Increment credits amount to the actor's balance, creating the row on first
// touch.
func (s *LedgerStore) Increment(ctx context.Context, actorID, groupID string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("postgres: increment: negative amount %f", amount)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_balances (actor_id, group_id, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (actor_id, group_id)
		DO UPDATE SET balance = ledger_balances.balance + EXCLUDED.balance`,
		actorID, groupID, amount,
	)
	if err != nil {
		return fmt.Errorf("postgres: increment %s/%s: %w", actorID, groupID, err)
	}
	return nil
}

// CanAfford reports whether the actor's current balance covers amount. This
// is advisory only; Purchase re-checks atomically at debit time.
func (s *LedgerStore) CanAfford(ctx context.Context, actorID, groupID string, amount float64) (bool, error) {
	var balance float64
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM ledger_balances WHERE actor_id = $1 AND group_id = $2`,
		actorID, groupID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return amount <= 0, nil
		}
		return false, fmt.Errorf("postgres: can afford %s/%s: %w", actorID, groupID, err)
	}
	return balance >= amount, nil
}

// Compile-time interface check.
var _ domain.Ledger = (*LedgerStore)(nil)
