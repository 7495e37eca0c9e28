package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hallgrove/marketd/internal/domain"
)

func TestSweepReturnsExpiredBuyoutToSeller(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "a1", 100, domain.ListingBuyout)

	f.now = f.now.Add(49 * time.Hour) // past the 48h default duration

	if err := f.market.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	l, err := f.listings.Get(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if l.Active {
		t.Error("expired listing should be inactive")
	}
	if !f.inventory.has("seller", "g1", "a1") {
		t.Error("instance should be back with the seller")
	}
	if !f.publisher.published(EventListingExpired) {
		t.Error("listing_expired event not published")
	}
}

func TestSweepLeavesUnexpiredListingsAlone(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "a1", 100, domain.ListingBuyout)

	f.now = f.now.Add(time.Hour)

	if err := f.market.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	l, _ := f.listings.Get(context.Background(), "a1")
	if !l.Active {
		t.Error("unexpired listing must stay active")
	}
}

func TestSweepSettlesExpiredAuctionToHighestBidder(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "a1", 100, domain.ListingAuction)
	sellerBefore := f.ledger.balance("seller", "g1")
	f.ledger.fund("bidder", "g2", 1000)
	if _, err := f.market.PlaceBid(context.Background(), "bidder", "g2", "a1", 200); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}

	f.now = f.now.Add(49 * time.Hour)

	if err := f.market.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	// Winner holds the asset; the bid was already escrowed at PlaceBid so
	// no further debit happens at settlement.
	if !f.inventory.has("bidder", "g2", "a1") {
		t.Error("winning bidder should own the instance")
	}
	if got := f.ledger.balance("bidder", "g2"); got != 800 {
		t.Errorf("bidder balance = %v, want 800", got)
	}
	// Seller receives the winning bid net of 10% tax.
	if got := f.ledger.balance("seller", "g1"); got != sellerBefore+180 {
		t.Errorf("seller balance = %v, want %v", got, sellerBefore+180)
	}

	// Settlement is journaled like a buyout.
	done, err := f.journal.ListByStatus(context.Background(), domain.TokenCompleted)
	if err != nil || len(done) != 1 {
		t.Fatalf("completed tokens = %d (%v), want 1", len(done), err)
	}
	if done[0].Price != 200 || done[0].BuyerID != "bidder" {
		t.Errorf("settlement token = %+v", done[0])
	}

	recs, _ := f.history.ListByAsset(context.Background(), "a1", domain.ListOpts{})
	if len(recs) != 1 || recs[0].Type != domain.SaleAuction {
		t.Errorf("history = %+v", recs)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "a1", 100, domain.ListingAuction)
	f.ledger.fund("bidder", "g2", 1000)
	if _, err := f.market.PlaceBid(context.Background(), "bidder", "g2", "a1", 200); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}

	f.now = f.now.Add(49 * time.Hour)

	if err := f.market.Sweep(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	sellerAfterFirst := f.ledger.balance("seller", "g1")
	bidderAfterFirst := f.ledger.balance("bidder", "g2")

	if err := f.market.Sweep(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	if got := f.ledger.balance("seller", "g1"); got != sellerAfterFirst {
		t.Errorf("second sweep re-credited the seller: %v != %v", got, sellerAfterFirst)
	}
	if got := f.ledger.balance("bidder", "g2"); got != bidderAfterFirst {
		t.Errorf("second sweep touched the bidder: %v != %v", got, bidderAfterFirst)
	}
	recs, _ := f.history.ListByAsset(context.Background(), "a1", domain.ListOpts{})
	if len(recs) != 1 {
		t.Errorf("history rows = %d after double sweep, want 1", len(recs))
	}
}

type fakeLocks struct {
	held bool
}

func (l *fakeLocks) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	if l.held {
		return nil, domain.ErrLockHeld
	}
	l.held = true
	return func() { l.held = false }, nil
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	locks := &fakeLocks{held: true}
	f.market.WithLockManager(locks)
	f.seedListing(t, "a1", 100, domain.ListingBuyout)
	f.now = f.now.Add(49 * time.Hour)

	err := f.market.Sweep(context.Background())
	if !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}

	l, _ := f.listings.Get(context.Background(), "a1")
	if !l.Active {
		t.Error("a locked-out sweep must not touch listings")
	}

	// Lock released: the next pass settles it.
	locks.held = false
	if err := f.market.Sweep(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	l, _ = f.listings.Get(context.Background(), "a1")
	if l.Active {
		t.Error("listing should be settled once the lock is free")
	}
}

// pivotListings wraps the listing store and counts the journal's processing
// tokens at the moment CompareAndUpdate is invoked, so tests can check what
// evidence a crash at the pivot would leave behind.
type pivotListings struct {
	*memListings
	journal           *memJournal
	processingAtPivot int
}

func (s *pivotListings) CompareAndUpdate(ctx context.Context, uuid string, fn domain.ListingTransform) (domain.Listing, error) {
	toks, _ := s.journal.ListByStatus(ctx, domain.TokenProcessing)
	s.processingAtPivot = len(toks)
	return s.memListings.CompareAndUpdate(ctx, uuid, fn)
}

func TestSweepJournalsAuctionTokenBeforeDeactivation(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "a1", 100, domain.ListingAuction)
	f.ledger.fund("bidder", "g2", 1000)
	if _, err := f.market.PlaceBid(context.Background(), "bidder", "g2", "a1", 200); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}

	f.now = f.now.Add(49 * time.Hour)
	obs := &pivotListings{memListings: f.listings, journal: f.journal}
	f.market.listings = obs

	if err := f.market.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	// The processing token must already be journaled when the listing is
	// deactivated; a crash right after the deactivation then still leaves
	// a token for the recovery pass to resolve.
	if obs.processingAtPivot != 1 {
		t.Errorf("processing tokens at deactivation = %d, want 1", obs.processingAtPivot)
	}
	done, err := f.journal.ListByStatus(context.Background(), domain.TokenCompleted)
	if err != nil || len(done) != 1 {
		t.Fatalf("completed tokens = %d (%v), want 1", len(done), err)
	}
	if done[0].BuyerID != "bidder" || done[0].Price != 200 {
		t.Errorf("settlement token = %+v", done[0])
	}
}

func TestSweepFailsAuctionTokenOnLostRace(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "a1", 100, domain.ListingAuction)
	f.ledger.fund("bidder", "g2", 1000)
	if _, err := f.market.PlaceBid(context.Background(), "bidder", "g2", "a1", 200); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}

	f.now = f.now.Add(49 * time.Hour)
	f.listings.casErr = domain.ErrLostRace

	if err := f.market.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	// The aborted pivot leaves a failed token recording the attempt.
	failed, err := f.journal.ListByStatus(context.Background(), domain.TokenFailed)
	if err != nil || len(failed) != 1 {
		t.Fatalf("failed tokens = %d (%v), want 1", len(failed), err)
	}
	if failed[0].UUID != "a1" || failed[0].BuyerID != "bidder" {
		t.Errorf("failed token = %+v", failed[0])
	}
	// No money moved and the listing is untouched.
	if got := f.ledger.balance("bidder", "g2"); got != 800 {
		t.Errorf("bidder balance = %v, want 800 (escrow intact)", got)
	}
	l, _ := f.listings.Get(context.Background(), "a1")
	if !l.Active {
		t.Error("listing must stay active after a lost expiry race")
	}
}

func TestSweepFailsTokenForAuctionWithoutBid(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "a1", 100, domain.ListingAuction)

	f.now = f.now.Add(49 * time.Hour)

	if err := f.market.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	// No bidder: the asset goes home, and the pre-journaled token closes
	// as failed rather than dangling in processing.
	if !f.inventory.has("seller", "g1", "a1") {
		t.Error("instance should be back with the seller")
	}
	failed, err := f.journal.ListByStatus(context.Background(), domain.TokenFailed)
	if err != nil || len(failed) != 1 {
		t.Fatalf("failed tokens = %d (%v), want 1", len(failed), err)
	}
	if failed[0].BuyerID != "" {
		t.Errorf("no-bid token names a buyer: %+v", failed[0])
	}
	open, _ := f.journal.ListByStatus(context.Background(), domain.TokenProcessing)
	if len(open) != 0 {
		t.Errorf("processing tokens left behind = %d, want 0", len(open))
	}
}
