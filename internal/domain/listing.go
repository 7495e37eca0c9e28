// Package domain defines the core marketplace entities and the interfaces
// that storage, journal, and capability implementations must satisfy.
package domain

import "time"

// ListingType distinguishes fixed-price buyout listings from auctions.
type ListingType string

const (
	ListingBuyout  ListingType = "buyout"
	ListingAuction ListingType = "auction"
)

// Listing is the durable record offering one unique asset instance for sale.
// Exactly one record exists per asset UUID; terminal transitions flip Active
// to false but never delete the record, so stale re-reads stay idempotent.
type Listing struct {
	UUID          string      `json:"uuid"`
	BaseAssetID   string      `json:"base_asset_id"`
	SellerID      string      `json:"seller_id"`
	SellerGroupID string      `json:"seller_group_id"`
	Price         float64     `json:"price"`
	Type          ListingType `json:"type"`
	Created       time.Time   `json:"created"`
	Expires       time.Time   `json:"expires"`
	ListingFee    float64     `json:"listing_fee"`
	Active        bool        `json:"active"`

	// Instance is the escrowed asset payload, captured at creation so the
	// asset can be handed to the buyer or returned to the seller without a
	// read from the original inventory.
	Instance *AssetInstance `json:"instance,omitempty"`

	// Auction state. Zero values mean no bid has been placed yet.
	CurrentBid           float64 `json:"current_bid,omitempty"`
	CurrentBidderID      string  `json:"current_bidder_id,omitempty"`
	CurrentBidderGroupID string  `json:"current_bidder_group_id,omitempty"`
}

// EscrowedInstance returns the asset instance held by this listing,
// reconstructing a minimal one when the escrow payload is absent.
func (l Listing) EscrowedInstance() AssetInstance {
	if l.Instance != nil {
		return *l.Instance
	}
	return AssetInstance{UUID: l.UUID, BaseAssetID: l.BaseAssetID}
}

// Expired reports whether the listing's expiry deadline has passed.
func (l Listing) Expired(now time.Time) bool {
	return now.After(l.Expires)
}

// MinBid returns the smallest amount a new bid must strictly exceed.
func (l Listing) MinBid() float64 {
	if l.CurrentBid > l.Price {
		return l.CurrentBid
	}
	return l.Price
}

// ListingFilter narrows GetListings queries.
type ListingFilter struct {
	SellerID    string
	Type        ListingType
	ActiveOnly  bool
	MaxPrice    float64
	BaseAssetID string
}

// Matches reports whether the listing satisfies every set filter field.
func (f ListingFilter) Matches(l Listing) bool {
	if f.ActiveOnly && !l.Active {
		return false
	}
	if f.SellerID != "" && l.SellerID != f.SellerID {
		return false
	}
	if f.Type != "" && l.Type != f.Type {
		return false
	}
	if f.MaxPrice > 0 && l.Price > f.MaxPrice {
		return false
	}
	if f.BaseAssetID != "" && l.BaseAssetID != f.BaseAssetID {
		return false
	}
	return true
}
