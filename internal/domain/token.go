package domain

import "time"

// TokenStatus is the lifecycle state of an in-flight buyout transaction.
// Status only moves forward: processing -> completed or processing -> failed.
type TokenStatus string

const (
	TokenProcessing TokenStatus = "processing"
	TokenCompleted  TokenStatus = "completed"
	TokenFailed     TokenStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TokenStatus) Terminal() bool {
	return s == TokenCompleted || s == TokenFailed
}

// TradeToken journals one in-flight buyout. It is written before any durable
// mutation so that a crash mid-transaction leaves evidence of the attempt; a
// token still in processing state after restart marks an interrupted purchase
// that the recovery pass must resolve.
type TradeToken struct {
	ID           string      `json:"id"`
	BuyerID      string      `json:"buyer_id"`
	BuyerGroupID string      `json:"buyer_group_id,omitempty"`
	SellerID     string      `json:"seller_id"`
	UUID         string      `json:"uuid"`
	Price        float64     `json:"price"`
	Timestamp    time.Time   `json:"timestamp"`
	Status       TokenStatus `json:"status"`
	Note         string      `json:"note,omitempty"`
}
