package domain

import "time"

// SaleType records how a sale concluded.
type SaleType string

const (
	SaleBuyout  SaleType = "buyout"
	SaleAuction SaleType = "auction"
)

// SaleRecord is the immutable history entry written after a sale has fully
// committed. ID is the trade token id (or a settlement id for auctions),
// which doubles as the idempotency key for re-appends.
type SaleRecord struct {
	ID          string    `json:"id"`
	UUID        string    `json:"uuid"`
	BaseAssetID string    `json:"base_asset_id"`
	SellerID    string    `json:"seller_id"`
	BuyerID     string    `json:"buyer_id"`
	Price       float64   `json:"price"`
	Timestamp   time.Time `json:"timestamp"`
	Type        SaleType  `json:"type"`
}

// AssetInstance is one uniquely identified owned asset held in an actor's
// inventory. The marketplace never interprets Attributes; it only moves the
// instance between inventories and listing escrow.
type AssetInstance struct {
	UUID        string         `json:"uuid"`
	BaseAssetID string         `json:"base_asset_id"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}
