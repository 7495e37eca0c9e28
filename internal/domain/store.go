package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// ListingTransform is the unit of work passed to CompareAndUpdate. It
// receives the freshly read listing (nil when no record exists) and returns
// the value to commit. Returning (nil, nil) means "no change"; returning an
// error aborts without writing and the error is surfaced to the caller.
//
// Transforms must re-validate every precondition against the old value they
// are given, not against state read earlier, because only this value is
// guaranteed fresh at the instant of commit. Transforms may run more than
// once and must be side-effect free.
type ListingTransform func(old *Listing) (*Listing, error)

// ListingStore is the single source of truth for listing state. Its
// CompareAndUpdate is the only serialization point in the system: committed
// states for a single UUID are linearizable, and a transform always sees the
// immediately prior committed state. A lost race surfaces as ErrLostRace and
// is NOT retried automatically.
type ListingStore interface {
	Get(ctx context.Context, uuid string) (Listing, error)
	CompareAndUpdate(ctx context.Context, uuid string, fn ListingTransform) (Listing, error)
	List(ctx context.Context, filter ListingFilter, opts ListOpts) ([]Listing, error)
	CountActiveBySeller(ctx context.Context, sellerID string) (int, error)
}

// TokenJournal records in-flight buyout transactions. Put is idempotent and
// enforces monotonic status: once a token is terminal, a Put that would move
// it back to processing fails with ErrStatusRegression.
type TokenJournal interface {
	Put(ctx context.Context, token TradeToken) error
	Get(ctx context.Context, id string) (TradeToken, error)
	ListByStatus(ctx context.Context, status TokenStatus) ([]TradeToken, error)
}

// HistoryStore persists the append-only log of completed sales.
type HistoryStore interface {
	Append(ctx context.Context, rec SaleRecord) error
	Get(ctx context.Context, id string) (SaleRecord, error)
	ListByAsset(ctx context.Context, uuid string, opts ListOpts) ([]SaleRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]SaleRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Ledger debits and credits actor currency balances. It is authoritative for
// its own domain only; callers must not assume its mutations are covered by
// listing-store atomicity.
type Ledger interface {
	// Purchase debits amount if the balance covers it, atomically within
	// the ledger. Returns false (nil error) when the actor cannot afford it.
	Purchase(ctx context.Context, actorID, groupID string, amount float64) (bool, error)
	Increment(ctx context.Context, actorID, groupID string, amount float64) error
	CanAfford(ctx context.Context, actorID, groupID string, amount float64) (bool, error)
}

// Inventory holds the unique asset instances an actor currently possesses,
// scoped per actor and group.
type Inventory interface {
	Get(ctx context.Context, actorID, groupID, uuid string) (AssetInstance, error)
	Set(ctx context.Context, actorID, groupID string, inst AssetInstance) error
	Delete(ctx context.Context, actorID, groupID, uuid string) error
}

// Publisher is the best-effort notification channel. Failures are logged by
// callers and never propagated as transaction failures.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// LockManager provides distributed mutual exclusion (used to keep the expiry
// sweep a singleton across processes).
type LockManager interface {
	// Acquire returns an unlock function on success, or ErrLockHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter enforces sliding-window request caps.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
