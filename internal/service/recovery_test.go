package service

import (
	"context"
	"strings"
	"testing"

	"github.com/hallgrove/marketd/internal/domain"
)

func TestRecoverTokensCompletesSaleWithHistoryRow(t *testing.T) {
	f := newFixture(t)
	l := f.seedListing(t, "a1", 100, domain.ListingBuyout)

	// Simulate a crash after the history append but before the token was
	// marked completed: the listing is inactive, the history row exists, the
	// token is still processing.
	f.listings.items["a1"] = func() domain.Listing { l.Active = false; return l }()
	token := domain.TradeToken{
		ID:           "tok-1",
		BuyerID:      "buyer",
		BuyerGroupID: "g2",
		SellerID:     "seller",
		UUID:         "a1",
		Price:        100,
		Timestamp:    f.now,
		Status:       domain.TokenProcessing,
	}
	f.journal.Put(context.Background(), token)
	f.history.Append(context.Background(), domain.SaleRecord{
		ID:      "tok-1",
		UUID:    "a1",
		BuyerID: "buyer",
		Price:   100,
		Type:    domain.SaleBuyout,
	})

	if err := f.market.RecoverTokens(context.Background()); err != nil {
		t.Fatalf("RecoverTokens: %v", err)
	}

	got, err := f.journal.Get(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Get token: %v", err)
	}
	if got.Status != domain.TokenCompleted {
		t.Errorf("token status = %s, want completed", got.Status)
	}
	// The asset grant is re-run idempotently.
	if !f.inventory.has("buyer", "g2", "a1") {
		t.Error("buyer should hold the instance after recovery")
	}
}

func TestRecoverTokensFailsUncommittedPurchase(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "a1", 100, domain.ListingBuyout) // still active

	f.journal.Put(context.Background(), domain.TradeToken{
		ID:      "tok-1",
		BuyerID: "buyer",
		UUID:    "a1",
		Status:  domain.TokenProcessing,
	})

	if err := f.market.RecoverTokens(context.Background()); err != nil {
		t.Fatalf("RecoverTokens: %v", err)
	}

	got, _ := f.journal.Get(context.Background(), "tok-1")
	if got.Status != domain.TokenFailed {
		t.Errorf("token status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Note, "never committed") {
		t.Errorf("token note = %q", got.Note)
	}

	// The still-active listing is untouched.
	l, _ := f.listings.Get(context.Background(), "a1")
	if !l.Active {
		t.Error("active listing must survive recovery")
	}
}

func TestRecoverTokensFlagsAmbiguousWindow(t *testing.T) {
	f := newFixture(t)
	l := f.seedListing(t, "a1", 100, domain.ListingBuyout)

	// Crash landed after the pivot (listing inactive) but before any history
	// row: whether the buyer paid is unknowable here.
	f.listings.items["a1"] = func() domain.Listing { l.Active = false; return l }()
	f.journal.Put(context.Background(), domain.TradeToken{
		ID:      "tok-1",
		BuyerID: "buyer",
		UUID:    "a1",
		Status:  domain.TokenProcessing,
	})

	if err := f.market.RecoverTokens(context.Background()); err != nil {
		t.Fatalf("RecoverTokens: %v", err)
	}

	got, _ := f.journal.Get(context.Background(), "tok-1")
	if got.Status != domain.TokenFailed {
		t.Errorf("token status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Note, "reconciliation") {
		t.Errorf("token note = %q, want reconciliation flag", got.Note)
	}
}

func TestRecoverTokensIgnoresTerminalTokens(t *testing.T) {
	f := newFixture(t)

	f.journal.Put(context.Background(), domain.TradeToken{
		ID: "done", UUID: "a1", Status: domain.TokenCompleted,
	})
	f.journal.Put(context.Background(), domain.TradeToken{
		ID: "dead", UUID: "a2", Status: domain.TokenFailed,
	})

	if err := f.market.RecoverTokens(context.Background()); err != nil {
		t.Fatalf("RecoverTokens: %v", err)
	}

	done, _ := f.journal.Get(context.Background(), "done")
	dead, _ := f.journal.Get(context.Background(), "dead")
	if done.Status != domain.TokenCompleted || dead.Status != domain.TokenFailed {
		t.Error("terminal tokens must not change during recovery")
	}
}
