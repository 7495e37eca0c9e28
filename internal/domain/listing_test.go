package domain

import (
	"testing"
	"time"
)

func TestListingExpired(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := Listing{Expires: deadline}

	if l.Expired(deadline.Add(-time.Second)) {
		t.Error("listing expired before its deadline")
	}
	if l.Expired(deadline) {
		t.Error("listing must survive the exact deadline instant")
	}
	if !l.Expired(deadline.Add(time.Second)) {
		t.Error("listing should be expired past its deadline")
	}
}

func TestListingMinBid(t *testing.T) {
	l := Listing{Price: 100}
	if got := l.MinBid(); got != 100 {
		t.Errorf("MinBid with no bids = %v, want asking price 100", got)
	}

	l.CurrentBid = 150
	if got := l.MinBid(); got != 150 {
		t.Errorf("MinBid with standing bid = %v, want 150", got)
	}
}

func TestEscrowedInstanceFallback(t *testing.T) {
	l := Listing{UUID: "a1", BaseAssetID: "base-sword"}
	inst := l.EscrowedInstance()
	if inst.UUID != "a1" || inst.BaseAssetID != "base-sword" {
		t.Errorf("fallback instance = %+v", inst)
	}

	l.Instance = &AssetInstance{UUID: "a1", BaseAssetID: "base-sword", Attributes: map[string]any{"level": 3}}
	inst = l.EscrowedInstance()
	if inst.Attributes["level"] != 3 {
		t.Errorf("escrow payload lost attributes: %+v", inst)
	}
}

func TestListingFilterMatches(t *testing.T) {
	l := Listing{
		UUID:        "a1",
		BaseAssetID: "base-sword",
		SellerID:    "seller",
		Price:       250,
		Type:        ListingBuyout,
		Active:      true,
	}

	cases := []struct {
		name   string
		filter ListingFilter
		want   bool
	}{
		{"empty filter", ListingFilter{}, true},
		{"active only", ListingFilter{ActiveOnly: true}, true},
		{"seller match", ListingFilter{SellerID: "seller"}, true},
		{"seller mismatch", ListingFilter{SellerID: "other"}, false},
		{"type match", ListingFilter{Type: ListingBuyout}, true},
		{"type mismatch", ListingFilter{Type: ListingAuction}, false},
		{"max price above", ListingFilter{MaxPrice: 300}, true},
		{"max price below", ListingFilter{MaxPrice: 200}, false},
		{"base asset", ListingFilter{BaseAssetID: "base-sword"}, true},
		{"all set", ListingFilter{SellerID: "seller", Type: ListingBuyout, ActiveOnly: true, MaxPrice: 300, BaseAssetID: "base-sword"}, true},
	}
	for _, tc := range cases {
		if got := tc.filter.Matches(l); got != tc.want {
			t.Errorf("%s: Matches = %v, want %v", tc.name, got, tc.want)
		}
	}

	l.Active = false
	if (ListingFilter{ActiveOnly: true}).Matches(l) {
		t.Error("inactive listing matched an active-only filter")
	}
}

func TestTokenStatusTerminal(t *testing.T) {
	if TokenProcessing.Terminal() {
		t.Error("processing is not terminal")
	}
	if !TokenCompleted.Terminal() || !TokenFailed.Terminal() {
		t.Error("completed and failed are terminal")
	}
}
